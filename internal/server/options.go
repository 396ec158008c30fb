package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"example.com/robolog/internal/config"
)

// ProfileRef names a rewrite profile file.
type ProfileRef struct {
	ID   string `json:"id" yaml:"id"`
	Name string `json:"name,omitempty" yaml:"name,omitempty"`
	Path string `json:"path" yaml:"path"`
}

// Options configures server creation.
type Options struct {
	StorageDir      string
	ProfileManifest string
	Profiles        []ProfileRef
	Concurrency     int
	AuditLog        string
}

type profileEntry struct {
	ref     ProfileRef
	profile config.Profile
}

// LoadProfileManifest parses a manifest JSON document that enumerates the
// available rewrite profiles. Relative paths are resolved against the
// manifest's directory.
func LoadProfileManifest(path string) ([]ProfileRef, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("manifest path is empty")
	}
	manifestPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("manifest path: %w", err)
	}
	f, err := os.Open(manifestPath)
	if err != nil {
		return nil, fmt.Errorf("open manifest: %w", err)
	}
	defer f.Close()
	var doc struct {
		Profiles []ProfileRef `json:"profiles"`
	}
	if err := json.NewDecoder(f).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	if len(doc.Profiles) == 0 {
		return nil, errors.New("manifest contains no profiles")
	}
	base := filepath.Dir(manifestPath)
	out := make([]ProfileRef, len(doc.Profiles))
	for i, ref := range doc.Profiles {
		ref.ID = strings.TrimSpace(ref.ID)
		ref.Name = strings.TrimSpace(ref.Name)
		ref.Path = strings.TrimSpace(ref.Path)
		if ref.ID == "" {
			return nil, errors.New("manifest profile entry missing id")
		}
		if ref.Path == "" {
			return nil, fmt.Errorf("manifest profile %s missing path", ref.ID)
		}
		if !filepath.IsAbs(ref.Path) {
			ref.Path = filepath.Join(base, ref.Path)
		}
		out[i] = ref
	}
	return out, nil
}

// buildProfileMap loads every configured profile. Without explicit profiles
// the manifest is read; with neither, the server runs with no named
// profiles and requests must carry their own rules.
func buildProfileMap(opts Options) (map[string]profileEntry, []string, error) {
	refs := opts.Profiles
	if len(refs) == 0 && strings.TrimSpace(opts.ProfileManifest) != "" {
		var err error
		refs, err = LoadProfileManifest(opts.ProfileManifest)
		if err != nil {
			return nil, nil, fmt.Errorf("load profile manifest: %w", err)
		}
	}
	entries := make(map[string]profileEntry)
	for _, ref := range refs {
		id := strings.TrimSpace(ref.ID)
		if id == "" {
			return nil, nil, errors.New("profile missing id")
		}
		if strings.TrimSpace(ref.Path) == "" {
			return nil, nil, fmt.Errorf("profile %s missing path", id)
		}
		if _, exists := entries[id]; exists {
			return nil, nil, fmt.Errorf("duplicate profile %s configured", id)
		}
		p, err := config.Load(ref.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("profile %s: %w", id, err)
		}
		if ref.Name == "" {
			ref.Name = p.Name
		}
		ref.ID = id
		entries[id] = profileEntry{ref: ref, profile: p}
	}
	ids := make([]string, 0, len(entries))
	for id := range entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return entries, ids, nil
}
