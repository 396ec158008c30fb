package report

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"example.com/robolog/internal/channel"
	"example.com/robolog/internal/logio"
	"example.com/robolog/internal/mcap"
	"example.com/robolog/internal/rewrite"
)

func sampleLog(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sample.mcap")
	w, err := mcap.Create(path)
	require.NoError(t, err)
	id, err := w.AddChannel("/odom", "nav_msgs/msg/Odometry", "cdr",
		channel.WithSchema([]byte("float64 x\n"), "ros2msg"))
	require.NoError(t, err)
	for i := 0; i < 4; i++ {
		require.NoError(t, w.WriteMessage(id, uint64(1_700_000_000_000_000_000+i), []byte{0, 1, 0, 0, byte(i)}))
	}
	require.NoError(t, w.Finish())
	return path
}

func buildReport(t *testing.T) Report {
	t.Helper()
	path := sampleLog(t)
	r, err := logio.Open(path)
	require.NoError(t, err)
	defer r.Close()
	rep := Build(r)
	rep.WithStats(rewrite.Stats{RunID: "run-1", MessageCount: 4, PassthroughCount: 4, ChannelCount: 1})
	require.NoError(t, rep.Fingerprint(path))
	return rep
}

func TestJSONRoundTrip(t *testing.T) {
	rep := buildReport(t)
	out := filepath.Join(t.TempDir(), "report.json")
	require.NoError(t, SaveJSON(rep, out))

	back, err := LoadJSON(out)
	require.NoError(t, err)
	assert.Equal(t, "mcap", back.Summary.FormatName)
	assert.Equal(t, uint64(4), back.Summary.MessageCount)
	require.Len(t, back.Channels, 1)
	assert.Equal(t, "/odom", back.Channels[0].Topic)
	require.NotNil(t, back.Stats)
	assert.Equal(t, "run-1", back.Stats.RunID)
	require.NotNil(t, back.Output)
	assert.Len(t, back.Output.SHA256, 64)
	assert.Equal(t, rep.Output.Size, back.Output.Size)
}

func TestLoadJSONMissing(t *testing.T) {
	_, err := LoadJSON(filepath.Join(t.TempDir(), "nope.json"))
	assert.Error(t, err)
}

func TestSavePDF(t *testing.T) {
	rep := buildReport(t)
	out := filepath.Join(t.TempDir(), "report.pdf")
	require.NoError(t, SavePDF(rep, out))
	b, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(b, []byte("%PDF-")))

	rep.Output = nil
	rep.Stats = nil
	rep.Channels = nil
	require.NoError(t, SavePDF(rep, filepath.Join(t.TempDir(), "bare.pdf")))
}

func TestHashToQR(t *testing.T) {
	png, err := HashToQR(" ab:cd-ef 12 ", 0)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(png, []byte("\x89PNG")))

	_, err = HashToQR("zz--", 64)
	assert.Error(t, err)
	assert.Equal(t, "ABCDEF12", sanitizeHash(" ab:cd-ef 12 "))
}
