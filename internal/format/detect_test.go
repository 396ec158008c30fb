package format

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"example.com/robolog/internal/errs"
)

func writeFile(t *testing.T, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func TestDetect(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		data    []byte
		want    Format
		wantErr errs.Kind
	}{
		{name: "mcap extension", file: "a.mcap", data: nil, want: MCAP},
		{name: "bag extension upper case", file: "a.BAG", data: nil, want: Bag},
		{name: "extension wins over magic", file: "a.bag", data: MCAPMagic, want: Bag},
		{name: "mcap magic", file: "capture.bin", data: append(append([]byte{}, MCAPMagic...), 0x01), want: MCAP},
		{name: "bag magic", file: "capture", data: append(append([]byte{}, BagMagic...), 0x00), want: Bag},
		{name: "garbage", file: "capture.dat", data: []byte("hello world, not a log"), wantErr: errs.UnsupportedFormat},
		{name: "short file", file: "x", data: []byte{0x89}, wantErr: errs.UnsupportedFormat},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			path := writeFile(t, tc.file, tc.data)
			got, err := Detect(path)
			if tc.wantErr != 0 {
				require.Error(t, err)
				assert.True(t, errs.Is(err, tc.wantErr), "kind = %v", err)
				assert.Equal(t, path, errs.ContextOf(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestDetectMissingFile(t *testing.T) {
	_, err := Detect(filepath.Join(t.TempDir(), "missing.mcap"))
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

type brokenReaderAt struct{}

func (brokenReaderAt) ReadAt([]byte, int64) (int, error) { return 0, errors.New("device gone") }

func TestDetectReaderReportsReadErrors(t *testing.T) {
	_, err := DetectReader(brokenReaderAt{})
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.IOFailure))
	assert.Contains(t, err.Error(), "device gone")
}

func TestDetectOpenFailureIsClassified(t *testing.T) {
	parent := writeFile(t, "plain", []byte("x"))
	path := filepath.Join(parent, "child.bin")
	_, err := Detect(path)
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.IOFailure), "kind = %v", err)
	assert.Equal(t, path, errs.ContextOf(err))
}

func TestDetectReaderDoesNotConsume(t *testing.T) {
	data := append(append([]byte{}, BagMagic...), []byte("rest")...)
	r := bytes.NewReader(data)
	got, err := DetectReader(r)
	require.NoError(t, err)
	assert.Equal(t, Bag, got)
	assert.Equal(t, int64(len(data)), int64(r.Len()))
}

func TestFormatNames(t *testing.T) {
	assert.Equal(t, "mcap", MCAP.String())
	assert.Equal(t, ".bag", Bag.Extension())
	assert.Equal(t, "unknown", Unknown.String())
	assert.Equal(t, Unknown, FromExtension("notes.txt"))
}
