package server

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/semaphore"

	"example.com/robolog/internal/common"
	"example.com/robolog/internal/config"
	"example.com/robolog/internal/errs"
	"example.com/robolog/internal/format"
	"example.com/robolog/internal/logio"
	"example.com/robolog/internal/report"
	"example.com/robolog/internal/rewrite"
	"example.com/robolog/internal/transform"
)

// Server coordinates HTTP handlers and manages the artifacts produced by
// rewrite requests.
type Server struct {
	artifacts  *ArtifactStore
	workDir    string
	uploadsDir string
	profiles   map[string]profileEntry
	profileIDs []string
	jobs       *semaphore.Weighted
	registry   *prometheus.Registry
	collectors *common.RewriteCollectors
	audit      *common.AuditLog
	// progressEvery is the interval between streamed progress records.
	progressEvery time.Duration
}

// Artifact represents a file generated or stored by the daemon.
type Artifact struct {
	ID          string
	Path        string
	Name        string
	ContentType string
	Size        int64
	Kind        string
}

// ArtifactRef is the public representation returned in API responses.
type ArtifactRef struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	ContentType string `json:"contentType,omitempty"`
	Size        int64  `json:"size,omitempty"`
	Kind        string `json:"kind,omitempty"`
}

// ArtifactStore keeps track of generated artifacts for later download.
type ArtifactStore struct {
	mu      sync.RWMutex
	entries map[string]Artifact
}

// NewServer constructs a Server rooted at a temporary workspace directory.
func NewServer(opts Options) (*Server, error) {
	storageDir := opts.StorageDir
	if storageDir == "" {
		storageDir = os.TempDir()
	}
	if err := os.MkdirAll(storageDir, 0o755); err != nil {
		return nil, err
	}
	profiles, ids, err := buildProfileMap(opts)
	if err != nil {
		return nil, err
	}
	workDir, err := os.MkdirTemp(storageDir, "robologd-")
	if err != nil {
		return nil, err
	}
	uploadsDir := filepath.Join(workDir, "uploads")
	if err := os.MkdirAll(uploadsDir, 0o755); err != nil {
		os.RemoveAll(workDir)
		return nil, err
	}
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = runtime.NumCPU()
	}
	reg := common.NewPromRegistry()
	s := &Server{
		artifacts:     &ArtifactStore{entries: make(map[string]Artifact)},
		workDir:       workDir,
		uploadsDir:    uploadsDir,
		profiles:      profiles,
		profileIDs:    ids,
		jobs:          semaphore.NewWeighted(int64(concurrency)),
		registry:      reg,
		collectors:    common.NewRewriteCollectors(reg),
		progressEvery: 500 * time.Millisecond,
	}
	if opts.AuditLog != "" {
		s.audit = common.NewAuditLog(opts.AuditLog)
	}
	return s, nil
}

// Close removes any temporary state associated with the server.
func (s *Server) Close() error {
	if s == nil || s.workDir == "" {
		return nil
	}
	return os.RemoveAll(s.workDir)
}

func (s *Server) tempPath(pattern string) (string, error) {
	f, err := os.CreateTemp(s.workDir, pattern)
	if err != nil {
		return "", err
	}
	name := f.Name()
	f.Close()
	return name, nil
}

func (s *Server) addArtifact(path, displayName, contentType, kind string) (Artifact, error) {
	if path == "" {
		return Artifact{}, errors.New("empty path")
	}
	info, err := os.Stat(path)
	if err != nil {
		return Artifact{}, err
	}
	id := randomID()
	art := Artifact{
		ID:          id,
		Path:        path,
		Name:        displayName,
		ContentType: contentType,
		Size:        info.Size(),
		Kind:        kind,
	}
	if art.Name == "" {
		art.Name = filepath.Base(path)
	}
	if art.ContentType == "" {
		art.ContentType = guessContentType(art.Name)
	}
	s.artifacts.mu.Lock()
	s.artifacts.entries[id] = art
	s.artifacts.mu.Unlock()
	return art, nil
}

func (s *Server) getArtifact(id string) (Artifact, bool) {
	s.artifacts.mu.RLock()
	art, ok := s.artifacts.entries[id]
	s.artifacts.mu.RUnlock()
	return art, ok
}

// resolvePath accepts an artifact id or a filesystem path.
func (s *Server) resolvePath(token string) (string, error) {
	if token == "" {
		return "", errors.New("empty input path")
	}
	if art, ok := s.getArtifact(token); ok {
		return art.Path, nil
	}
	abs := filepath.Clean(token)
	if _, err := os.Stat(abs); err != nil {
		return "", err
	}
	return abs, nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"profiles":  len(s.profileIDs),
		"artifacts": len(s.listArtifacts()),
	})
}

func (s *Server) handleInspect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	inputPath, err := s.resolvePath(r.URL.Query().Get("input"))
	if err != nil {
		http.Error(w, fmt.Sprintf("input resolve: %v", err), http.StatusBadRequest)
		return
	}
	rd, err := logio.Open(inputPath)
	if err != nil {
		http.Error(w, fmt.Sprintf("open: %v", err), statusFor(err))
		return
	}
	defer rd.Close()
	writeJSON(w, http.StatusOK, report.Build(rd))
}

type rewriteRequest struct {
	Input              string            `json:"input"`
	Output             string            `json:"output"`
	Profile            string            `json:"profile"`
	Rules              []transform.Rule  `json:"rules"`
	Exclude            []string          `json:"exclude"`
	Transcode          map[string]string `json:"transcode"`
	Validate           *bool             `json:"validate"`
	SkipDecodeFailures *bool             `json:"skipDecodeFailures"`
	Format             string            `json:"format"`
	Compression        string            `json:"compression"`
	PDF                bool              `json:"pdf"`
}

// profile merges the request over the named profile.
func (s *Server) profile(req rewriteRequest) (config.Profile, error) {
	var p config.Profile
	if id := strings.TrimSpace(req.Profile); id != "" {
		entry, ok := s.profiles[id]
		if !ok {
			return p, fmt.Errorf("unknown profile %s", id)
		}
		p = entry.profile
		p.Rules = append([]transform.Rule(nil), p.Rules...)
		p.Exclude = append([]string(nil), p.Exclude...)
	}
	p.Rules = append(p.Rules, req.Rules...)
	p.Exclude = append(p.Exclude, req.Exclude...)
	if len(req.Transcode) > 0 {
		merged := make(map[string]string, len(p.Transcode)+len(req.Transcode))
		for k, v := range p.Transcode {
			merged[k] = v
		}
		for k, v := range req.Transcode {
			merged[k] = v
		}
		p.Transcode = merged
	}
	if req.Validate != nil {
		p.Validate = req.Validate
	}
	if req.SkipDecodeFailures != nil {
		p.SkipDecodeFailures = req.SkipDecodeFailures
	}
	if req.Format != "" {
		p.Output.Format = req.Format
	}
	if req.Compression != "" {
		p.Output.Compression = req.Compression
	}
	return p, p.Check()
}

// outputName picks the display name of the rewritten file. The extension
// decides the container format when none is forced.
func outputName(req rewriteRequest, inputPath string) string {
	name := filepath.Base(strings.TrimSpace(req.Output))
	if name == "" || name == "." || name == string(filepath.Separator) {
		base := strings.TrimSuffix(filepath.Base(inputPath), filepath.Ext(inputPath))
		name = base + "-rewritten" + filepath.Ext(inputPath)
	}
	switch strings.ToLower(req.Format) {
	case "mcap":
		name = strings.TrimSuffix(name, filepath.Ext(name)) + format.MCAP.Extension()
	case "bag", "rosbag":
		name = strings.TrimSuffix(name, filepath.Ext(name)) + format.Bag.Extension()
	}
	return name
}

type rewriteResult struct {
	Type      string         `json:"type"`
	Stats     rewrite.Stats  `json:"stats"`
	Report    *report.Report `json:"report,omitempty"`
	Artifacts []ArtifactRef  `json:"artifacts"`
}

type progressRecord struct {
	Type       string  `json:"type"`
	Messages   int64   `json:"messages"`
	Bytes      int64   `json:"bytes"`
	TotalBytes int64   `json:"totalBytes"`
	Skipped    int64   `json:"skipped"`
	Completion float64 `json:"completion"`
}

func (s *Server) handleRewrite(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	stream := r.URL.Query().Get("stream") == "true"
	var req rewriteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("invalid json: %v", err), http.StatusBadRequest)
		return
	}
	if req.Input == "" {
		http.Error(w, "input required", http.StatusBadRequest)
		return
	}
	inputPath, err := s.resolvePath(req.Input)
	if err != nil {
		http.Error(w, fmt.Sprintf("input resolve: %v", err), http.StatusBadRequest)
		return
	}
	prof, err := s.profile(req)
	if err != nil {
		http.Error(w, fmt.Sprintf("profile: %v", err), http.StatusBadRequest)
		return
	}
	opts, err := prof.Options()
	if err != nil {
		http.Error(w, fmt.Sprintf("options: %v", err), http.StatusBadRequest)
		return
	}
	opts.Collectors = s.collectors
	opts.Metrics = common.NewMetrics()
	if opts.Audit == nil {
		opts.Audit = s.audit
	}
	name := outputName(req, inputPath)
	outPath, err := s.tempPath("rewrite-*" + filepath.Ext(name))
	if err != nil {
		http.Error(w, fmt.Sprintf("output temp: %v", err), http.StatusInternalServerError)
		return
	}

	if err := s.jobs.Acquire(r.Context(), 1); err != nil {
		http.Error(w, "request cancelled while queued", http.StatusServiceUnavailable)
		return
	}
	defer s.jobs.Release(1)

	rules, err := prof.Transforms()
	if err != nil {
		http.Error(w, fmt.Sprintf("profile rules: %v", err), statusFor(err))
		return
	}
	engine := rewrite.New(inputPath, opts).WithTransforms(rules)
	if !stream {
		stats, err := engine.Rewrite(r.Context(), outPath)
		if err != nil {
			os.Remove(outPath)
			http.Error(w, fmt.Sprintf("rewrite: %v", err), statusFor(err))
			return
		}
		res, err := s.finish(stats, outPath, name, req.PDF)
		if err != nil {
			http.Error(w, fmt.Sprintf("artifacts: %v", err), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, res)
		return
	}

	writer := NewNDJSONWriter(w)
	w.Header().Set("Content-Type", "application/x-ndjson")
	_ = writer.WriteObject(map[string]any{"type": "started", "input": inputPath, "output": name})
	type done struct {
		stats rewrite.Stats
		err   error
	}
	result := make(chan done, 1)
	go func() {
		stats, err := engine.Rewrite(r.Context(), outPath)
		result <- done{stats, err}
	}()
	ticker := time.NewTicker(s.progressEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			_ = writer.WriteObject(progressOf(opts.Metrics.Snapshot()))
		case d := <-result:
			if d.err != nil {
				os.Remove(outPath)
				_ = writer.WriteObject(errorRecord(d.err))
				return
			}
			_ = writer.WriteObject(progressOf(opts.Metrics.Snapshot()))
			res, err := s.finish(d.stats, outPath, name, req.PDF)
			if err != nil {
				_ = writer.WriteObject(errorRecord(err))
				return
			}
			_ = writer.WriteObject(res)
			return
		}
	}
}

// finish registers the rewritten file and its reports as artifacts.
func (s *Server) finish(stats rewrite.Stats, outPath, name string, pdf bool) (rewriteResult, error) {
	res := rewriteResult{Type: "result", Stats: stats}
	rd, err := logio.Open(outPath)
	if err != nil {
		return res, err
	}
	rep := report.Build(rd)
	rd.Close()
	rep.WithStats(stats)
	if err := rep.Fingerprint(outPath); err != nil {
		return res, err
	}
	rep.Output.Path = name
	res.Report = &rep

	out, err := s.addArtifact(outPath, name, "application/octet-stream", "output")
	if err != nil {
		return res, err
	}
	res.Artifacts = append(res.Artifacts, toRef(out))

	jsonPath, err := s.tempPath("report-*.json")
	if err != nil {
		return res, err
	}
	if err := report.SaveJSON(rep, jsonPath); err != nil {
		return res, err
	}
	jsonArt, err := s.addArtifact(jsonPath, "report.json", "application/json", "report")
	if err != nil {
		return res, err
	}
	res.Artifacts = append(res.Artifacts, toRef(jsonArt))

	if pdf {
		pdfPath, err := s.tempPath("report-*.pdf")
		if err != nil {
			return res, err
		}
		if err := report.SavePDF(rep, pdfPath); err != nil {
			return res, err
		}
		pdfArt, err := s.addArtifact(pdfPath, "report.pdf", "application/pdf", "report")
		if err != nil {
			return res, err
		}
		res.Artifacts = append(res.Artifacts, toRef(pdfArt))
	}
	return res, nil
}

func progressOf(snap common.MetricsSnapshot) progressRecord {
	return progressRecord{
		Type:       "progress",
		Messages:   snap.Messages,
		Bytes:      snap.Bytes,
		TotalBytes: snap.TotalBytes,
		Skipped:    snap.Skipped,
		Completion: snap.Completion(),
	}
}

func errorRecord(err error) map[string]any {
	rec := map[string]any{"type": "error", "error": err.Error()}
	if kind, ok := errs.KindOf(err); ok {
		rec["kind"] = kind.String()
	}
	if errors.Is(err, context.Canceled) {
		rec["cancelled"] = true
	}
	return rec
}

// statusFor maps a classified error to an HTTP status.
func statusFor(err error) int {
	kind, ok := errs.KindOf(err)
	if !ok {
		return http.StatusInternalServerError
	}
	switch kind {
	case errs.NotFound:
		return http.StatusNotFound
	case errs.InvalidArgument:
		return http.StatusBadRequest
	case errs.UnsupportedFormat, errs.MalformedContainer, errs.InvalidSchema, errs.DecodeFailure, errs.EncodeFailure:
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

func (s *Server) handleProfiles(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	out := make([]ProfileRef, 0, len(s.profileIDs))
	for _, id := range s.profileIDs {
		out = append(out, s.profiles[id].ref)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleArtifacts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, s.listArtifacts())
}

func (s *Server) handleArtifactDownload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/artifacts/")
	if id == "" {
		http.NotFound(w, r)
		return
	}
	art, ok := s.getArtifact(id)
	if !ok {
		http.NotFound(w, r)
		return
	}
	f, err := os.Open(art.Path)
	if err != nil {
		http.Error(w, fmt.Sprintf("open artifact: %v", err), http.StatusInternalServerError)
		return
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		http.Error(w, fmt.Sprintf("stat artifact: %v", err), http.StatusInternalServerError)
		return
	}
	if art.ContentType != "" {
		w.Header().Set("Content-Type", art.ContentType)
	}
	w.Header().Set("Content-Length", fmt.Sprintf("%d", info.Size()))
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", art.Name))
	io.Copy(w, f)
}

func toRef(art Artifact) ArtifactRef {
	return ArtifactRef{
		ID:          art.ID,
		Name:        art.Name,
		ContentType: art.ContentType,
		Size:        art.Size,
		Kind:        art.Kind,
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

func guessContentType(name string) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".json":
		return "application/json"
	case ".yaml", ".yml":
		return "application/yaml"
	case ".ndjson", ".jsonl":
		return "application/x-ndjson"
	case ".pdf":
		return "application/pdf"
	default:
		return "application/octet-stream"
	}
}

func randomID() string {
	var b [12]byte
	if _, err := rand.Read(b[:]); err != nil {
		now := time.Now().UTC()
		return fmt.Sprintf("%d%06d", now.UnixNano(), os.Getpid())
	}
	return hex.EncodeToString(b[:])
}

func (s *Server) listArtifacts() []ArtifactRef {
	s.artifacts.mu.RLock()
	refs := make([]ArtifactRef, 0, len(s.artifacts.entries))
	for _, art := range s.artifacts.entries {
		refs = append(refs, toRef(art))
	}
	s.artifacts.mu.RUnlock()
	sort.Slice(refs, func(i, j int) bool { return refs[i].ID < refs[j].ID })
	return refs
}
