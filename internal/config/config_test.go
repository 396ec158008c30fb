package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"example.com/robolog/internal/container"
	"example.com/robolog/internal/errs"
	"example.com/robolog/internal/format"
	"example.com/robolog/internal/transform"
)

const sampleProfile = `
name: fleet-merge
validate: false
exclude: ["/debug/*"]
rules:
  - kind: topic_wildcard
    from: /robot1/*
    to: /robot/*
  - kind: type
    from: sensor_msgs/msg/Imu
    to: my_msgs/msg/Imu
  - kind: topic_type
    topic: /cam
    from: sensor_msgs/msg/Image
    to: vision/msg/Frame
transcode:
  json: cbor
pipelineDepth: 8
output:
  format: bag
  compression: lz4
  chunkSize: 4096
audit: audit/runs.jsonl
logs:
  level: debug
  file: logs/robolog.log
`

func writeProfile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "profile.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadProfile(t *testing.T) {
	path := writeProfile(t, sampleProfile)
	p, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "fleet-merge", p.Name)
	require.Len(t, p.Rules, 3)
	assert.Equal(t, transform.KindTopicType, p.Rules[2].Kind)
	assert.Equal(t, filepath.Join(filepath.Dir(path), "audit", "runs.jsonl"), p.Audit)
	assert.Equal(t, filepath.Join(filepath.Dir(path), "logs", "robolog.log"), p.Logs.File)

	opts, err := p.Options()
	require.NoError(t, err)
	assert.False(t, opts.ValidateSchemas)
	assert.True(t, opts.SkipDecodeFailures)
	assert.Equal(t, []string{"/debug/*"}, opts.Exclude)
	assert.Equal(t, "cbor", opts.Transcode["json"])
	assert.Equal(t, 8, opts.PipelineDepth)
	assert.Equal(t, format.Bag, opts.OutputFormat)
	require.NotNil(t, opts.Audit)
	assert.Equal(t, p.Audit, opts.Audit.Path())

	w := container.ApplyOptions(container.WriterOptions{}, opts.Writer)
	assert.Equal(t, "lz4", w.Compression)
	assert.Equal(t, 4096, w.ChunkSize)

	rs, err := p.Transforms()
	require.NoError(t, err)
	res := rs.Apply("/robot1/imu", "sensor_msgs/msg/Imu")
	assert.Equal(t, "/robot/imu", res.Topic)
	assert.Equal(t, "my_msgs/msg/Imu", res.Type)
	assert.Equal(t, "vision/msg/Frame", rs.Apply("/cam", "sensor_msgs/msg/Image").Type)

	lo := p.Logs.LogOptions()
	assert.Equal(t, "debug", lo.Level)
	assert.True(t, lo.Console)
}

func TestLoadJSONProfile(t *testing.T) {
	p, err := Load(writeProfile(t, `{"rules":[{"kind":"topic","from":"/a","to":"/b"}]}`))
	require.NoError(t, err)
	rs, err := p.Transforms()
	require.NoError(t, err)
	assert.Equal(t, "/b", rs.Apply("/a", "T").Topic)

	opts, err := p.Options()
	require.NoError(t, err)
	assert.True(t, opts.ValidateSchemas)
	assert.Equal(t, format.Unknown, opts.OutputFormat)
	assert.Nil(t, opts.Audit)
}

func TestProfileErrors(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"bad yaml", "rules: [\n"},
		{"unknown kind", "rules:\n  - kind: regex\n    from: a\n    to: b\n"},
		{"topic_type without topic", "rules:\n  - kind: topic_type\n    from: a\n    to: b\n"},
		{"empty source", "rules:\n  - kind: topic\n    to: b\n"},
		{"unknown format", "output:\n  format: hdf5\n"},
		{"negative depth", "pipelineDepth: -1\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.body))
			assert.Error(t, err)
		})
	}

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestTransformsRejectsUnknownKind(t *testing.T) {
	p := Profile{Rules: []transform.Rule{
		{Kind: transform.KindTopic, From: "/a", To: "/b"},
		{Kind: "regex", From: "/c.*", To: "/d"},
	}}
	rs, err := p.Transforms()
	assert.Nil(t, rs)
	assert.True(t, errs.Is(err, errs.InvalidArgument))
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"ROBOLOG_VALIDATE":             "false",
		"ROBOLOG_SKIP_DECODE_FAILURES": "nope",
		"ROBOLOG_EXCLUDE":              "/a/*, ,/b",
		"ROBOLOG_PIPELINE_DEPTH":       "3",
		"ROBOLOG_COMPRESSION":          "zstd",
		"ROBOLOG_CHUNK_SIZE":           "x",
		"ROBOLOG_LOG_LEVEL":            "warn",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}
	var p Profile
	p.Exclude = []string{"/debug"}
	p.ApplyEnv(lookup)

	require.NotNil(t, p.Validate)
	assert.False(t, *p.Validate)
	assert.Nil(t, p.SkipDecodeFailures)
	assert.Equal(t, []string{"/debug", "/a/*", "/b"}, p.Exclude)
	assert.Equal(t, 3, p.PipelineDepth)
	assert.Equal(t, "zstd", p.Output.Compression)
	assert.Zero(t, p.Output.ChunkSize)
	assert.Equal(t, "warn", p.Logs.Level)
}

func TestLoadEnvFile(t *testing.T) {
	assert.NoError(t, LoadEnvFile(filepath.Join(t.TempDir(), "absent.env")))

	path := filepath.Join(t.TempDir(), "robolog.env")
	require.NoError(t, os.WriteFile(path, []byte("ROBOLOG_TEST_ONLY_KEY=from-file\n"), 0o644))
	t.Setenv("ROBOLOG_TEST_ONLY_KEY", "")
	os.Unsetenv("ROBOLOG_TEST_ONLY_KEY")
	require.NoError(t, LoadEnvFile(path))
	assert.Equal(t, "from-file", os.Getenv("ROBOLOG_TEST_ONLY_KEY"))
}
