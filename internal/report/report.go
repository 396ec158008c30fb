// Package report renders the inspection summary of a container, and
// optionally the statistics of the rewrite that produced it, as JSON or PDF.
package report

import (
	"encoding/json"
	"os"
	"time"

	"example.com/robolog/internal/channel"
	"example.com/robolog/internal/common"
	"example.com/robolog/internal/container"
	"example.com/robolog/internal/rewrite"
)

// Report is the persisted form of one inspection or rewrite.
type Report struct {
	Generated time.Time         `json:"generated"`
	Summary   container.Summary `json:"summary"`
	Channels  []channel.Channel `json:"channels"`
	Stats     *rewrite.Stats    `json:"stats,omitempty"`
	Output    *Output           `json:"output,omitempty"`
}

// Output identifies the file a report describes.
type Output struct {
	Path   string `json:"path"`
	SHA256 string `json:"sha256"`
	Size   int64  `json:"size"`
}

// Build captures the summary and channel table of r.
func Build(r container.Reader) Report {
	return Report{
		Generated: time.Now().UTC(),
		Summary:   r.Summary(),
		Channels:  r.Channels(),
	}
}

// WithStats attaches the statistics of a rewrite run.
func (rep *Report) WithStats(s rewrite.Stats) {
	rep.Stats = &s
}

// Fingerprint hashes the file at path and records it as the report output.
func (rep *Report) Fingerprint(path string) error {
	sum, size, err := common.Sha256OfFile(path)
	if err != nil {
		return err
	}
	rep.Output = &Output{Path: path, SHA256: sum, Size: size}
	return nil
}

func SaveJSON(rep Report, out string) error {
	b, err := json.MarshalIndent(rep, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(out, b, 0644)
}

func LoadJSON(path string) (Report, error) {
	var rep Report
	b, err := os.ReadFile(path)
	if err != nil {
		return rep, err
	}
	err = json.Unmarshal(b, &rep)
	return rep, err
}
