// Package config loads rewrite profiles from YAML and applies ROBOLOG_*
// environment overrides on top of them.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"example.com/robolog/internal/common"
	"example.com/robolog/internal/container"
	"example.com/robolog/internal/format"
	"example.com/robolog/internal/rewrite"
	"example.com/robolog/internal/transform"
)

// Profile is one rewrite configuration. JSON documents load too.
type Profile struct {
	Name               string            `yaml:"name"`
	Validate           *bool             `yaml:"validate"`
	SkipDecodeFailures *bool             `yaml:"skipDecodeFailures"`
	Exclude            []string          `yaml:"exclude"`
	Rules              []transform.Rule  `yaml:"rules"`
	Transcode          map[string]string `yaml:"transcode"`
	PipelineDepth      int               `yaml:"pipelineDepth"`
	Output             OutputConfig      `yaml:"output"`
	Audit              string            `yaml:"audit"`
	Logs               LogConfig         `yaml:"logs"`
}

type OutputConfig struct {
	Format      string `yaml:"format"`
	Compression string `yaml:"compression"`
	ChunkSize   int    `yaml:"chunkSize"`
	Profile     string `yaml:"profile"`
}

type LogConfig struct {
	Level      string `yaml:"level"`
	JSON       bool   `yaml:"json"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"maxSizeMB"`
	MaxAgeDays int    `yaml:"maxAgeDays"`
	MaxBackups int    `yaml:"maxBackups"`
	Compress   bool   `yaml:"compress"`
}

// Load reads a profile file. Relative audit and log paths are resolved
// against the file's directory.
func Load(path string) (Profile, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Profile{}, fmt.Errorf("read profile: %w", err)
	}
	p, err := Parse(b)
	if err != nil {
		return Profile{}, fmt.Errorf("%s: %w", path, err)
	}
	base := filepath.Dir(path)
	p.Audit = resolvePath(base, p.Audit)
	p.Logs.File = resolvePath(base, p.Logs.File)
	return p, nil
}

// Parse decodes and checks a profile document.
func Parse(data []byte) (Profile, error) {
	var p Profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return p, fmt.Errorf("decode profile: %w", err)
	}
	return p, p.Check()
}

// Check rejects unknown rule kinds and output formats.
func (p Profile) Check() error {
	for i, r := range p.Rules {
		switch r.Kind {
		case transform.KindTopic, transform.KindTopicWildcard, transform.KindType, transform.KindTypeWildcard:
		case transform.KindTopicType:
			if strings.TrimSpace(r.Topic) == "" {
				return fmt.Errorf("rule %d: %s rule needs a topic", i, r.Kind)
			}
		default:
			return fmt.Errorf("rule %d: unknown kind %q", i, r.Kind)
		}
		if r.From == "" {
			return fmt.Errorf("rule %d: empty source", i)
		}
	}
	if _, err := parseFormat(p.Output.Format); err != nil {
		return err
	}
	if p.PipelineDepth < 0 {
		return errors.New("pipelineDepth must not be negative")
	}
	return nil
}

// Transforms builds the rule set in declaration order.
func (p Profile) Transforms() (*transform.RuleSet, error) {
	b := transform.NewBuilder()
	for _, r := range p.Rules {
		b.WithRule(r)
	}
	if err := b.Err(); err != nil {
		return nil, err
	}
	return b.Build(), nil
}

// Options converts the profile into engine options. Unset booleans keep the
// engine defaults.
func (p Profile) Options() (rewrite.Options, error) {
	opts := rewrite.DefaultOptions()
	if p.Validate != nil {
		opts.ValidateSchemas = *p.Validate
	}
	if p.SkipDecodeFailures != nil {
		opts.SkipDecodeFailures = *p.SkipDecodeFailures
	}
	opts.Exclude = append(opts.Exclude, p.Exclude...)
	if len(p.Transcode) > 0 {
		opts.Transcode = make(map[string]string, len(p.Transcode))
		for from, to := range p.Transcode {
			opts.Transcode[from] = to
		}
	}
	opts.PipelineDepth = p.PipelineDepth
	f, err := parseFormat(p.Output.Format)
	if err != nil {
		return opts, err
	}
	opts.OutputFormat = f
	if p.Output.Compression != "" {
		opts.Writer = append(opts.Writer, container.WithCompression(p.Output.Compression))
	}
	if p.Output.ChunkSize > 0 {
		opts.Writer = append(opts.Writer, container.WithChunkSize(p.Output.ChunkSize))
	}
	if p.Output.Profile != "" {
		opts.Writer = append(opts.Writer, container.WithProfile(p.Output.Profile))
	}
	if p.Audit != "" {
		opts.Audit = common.NewAuditLog(p.Audit)
	}
	return opts, nil
}

func (l LogConfig) LogOptions() common.LogOptions {
	return common.LogOptions{
		Level:      l.Level,
		Console:    true,
		JSON:       l.JSON,
		File:       l.File,
		MaxSizeMB:  l.MaxSizeMB,
		MaxAgeDays: l.MaxAgeDays,
		MaxBackups: l.MaxBackups,
		Compress:   l.Compress,
	}
}

// LoadEnvFile loads a .env file into the process environment. A missing file
// is not an error. Variables already set win over the file.
func LoadEnvFile(path string) error {
	if path == "" {
		path = ".env"
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return godotenv.Load(path)
}

// ApplyEnv overrides profile fields from ROBOLOG_* variables read through
// lookup. Malformed values are reported and ignored.
func (p *Profile) ApplyEnv(lookup func(string) (string, bool)) {
	if v, ok := envBool(lookup, "ROBOLOG_VALIDATE"); ok {
		p.Validate = &v
	}
	if v, ok := envBool(lookup, "ROBOLOG_SKIP_DECODE_FAILURES"); ok {
		p.SkipDecodeFailures = &v
	}
	if v, ok := lookup("ROBOLOG_EXCLUDE"); ok && v != "" {
		for _, pattern := range strings.Split(v, ",") {
			if pattern = strings.TrimSpace(pattern); pattern != "" {
				p.Exclude = append(p.Exclude, pattern)
			}
		}
	}
	if v, ok := envInt(lookup, "ROBOLOG_PIPELINE_DEPTH"); ok && v >= 0 {
		p.PipelineDepth = v
	}
	if v, ok := lookup("ROBOLOG_COMPRESSION"); ok && v != "" {
		p.Output.Compression = v
	}
	if v, ok := envInt(lookup, "ROBOLOG_CHUNK_SIZE"); ok && v > 0 {
		p.Output.ChunkSize = v
	}
	if v, ok := lookup("ROBOLOG_AUDIT_LOG"); ok && v != "" {
		p.Audit = v
	}
	if v, ok := lookup("ROBOLOG_LOG_LEVEL"); ok && v != "" {
		p.Logs.Level = v
	}
	if v, ok := lookup("ROBOLOG_LOG_FILE"); ok && v != "" {
		p.Logs.File = v
	}
}

func envBool(lookup func(string) (string, bool), key string) (bool, bool) {
	s, ok := lookup(key)
	if !ok || s == "" {
		return false, false
	}
	v, err := strconv.ParseBool(s)
	if err != nil {
		common.Warnf("invalid value for %s: %q, ignoring", key, s)
		return false, false
	}
	return v, true
}

func envInt(lookup func(string) (string, bool), key string) (int, bool) {
	s, ok := lookup(key)
	if !ok || s == "" {
		return 0, false
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		common.Warnf("invalid value for %s: %q, ignoring", key, s)
		return 0, false
	}
	return v, true
}

func parseFormat(name string) (format.Format, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "":
		return format.Unknown, nil
	case "mcap":
		return format.MCAP, nil
	case "bag", "rosbag":
		return format.Bag, nil
	}
	return format.Unknown, fmt.Errorf("unknown output format %q", name)
}

func resolvePath(base, p string) string {
	p = strings.TrimSpace(p)
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Clean(filepath.Join(base, p))
}
