package common

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Run outcomes recorded in the audit log.
const (
	RunSucceeded = "ok"
	RunFailed    = "failed"
	RunCancelled = "cancelled"
)

// AuditEntry captures one rewrite run.
type AuditEntry struct {
	RunID       string            `json:"runId"`
	Source      string            `json:"source"`
	Destination string            `json:"destination"`
	Status      string            `json:"status"`
	Error       string            `json:"error,omitempty"`
	Rules       int               `json:"rules"`
	Excluded    []string          `json:"excluded,omitempty"`
	Stats       map[string]uint64 `json:"stats,omitempty"`
	DurationMs  int64             `json:"durationMs"`
	Ts          time.Time         `json:"ts"`
}

// AuditLog provides append-only access to a JSONL run log.
type AuditLog struct {
	path string
	mu   sync.Mutex
}

// NewAuditLog returns an AuditLog that writes to the provided path.
func NewAuditLog(path string) *AuditLog {
	return &AuditLog{path: path}
}

// Path returns the backing file path for the log.
func (a *AuditLog) Path() string {
	if a == nil {
		return ""
	}
	return a.path
}

// Append writes a new entry to the audit log, one JSON object per line.
func (a *AuditLog) Append(entry AuditEntry) error {
	if a == nil {
		return errors.New("nil audit log")
	}
	if entry.RunID == "" {
		return errors.New("audit entry missing runId")
	}
	if entry.Ts.IsZero() {
		entry.Ts = time.Now().UTC()
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	dir := filepath.Dir(a.path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	f, err := os.OpenFile(a.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		return err
	}
	return f.Sync()
}

// ReadAuditLog loads every entry from the supplied JSONL file.
func ReadAuditLog(path string) ([]AuditEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	var entries []AuditEntry
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var entry AuditEntry
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			return nil, fmt.Errorf("decode audit entry: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}
