package container

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSourceFraming(t *testing.T) {
	data := []byte{3, 0, 0, 0, 'a', 'b', 'c', 0xFF, 0xFF, 0xFF, 0x7F}
	src := NewSource(bytes.NewReader(data), int64(len(data)), 0)

	n, err := src.Uint32At(0)
	require.NoError(t, err)
	body, err := src.Frame(4, uint64(n), src.Size())
	require.NoError(t, err)
	assert.Equal(t, "abc", string(body))

	huge, err := src.Uint32At(7)
	require.NoError(t, err)
	_, err = src.Frame(11, uint64(huge), src.Size())
	assert.ErrorIs(t, err, ErrOverrun)
	_, err = src.Frame(4, 3, 6)
	assert.ErrorIs(t, err, ErrOverrun)

	_, err = src.Exact(9, 4)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	_, err = src.Exact(-1, 1)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	_, err = src.Uint64At(8)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)

	empty, err := src.Exact(int64(len(data)), 0)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestSourceCopyOutlivesWindow(t *testing.T) {
	data := bytes.Repeat([]byte("0123456789"), 300_000)
	src := NewSource(bytes.NewReader(data), int64(len(data)), 0)
	kept, err := src.Copy(0, 10)
	require.NoError(t, err)
	// Force a window move past the first megabyte.
	tail, err := src.Exact(int64(len(data))-10, 10)
	require.NoError(t, err)
	assert.Equal(t, "0123456789", string(kept))
	assert.Equal(t, "0123456789", string(tail))
}

type failingReaderAt struct{}

func (failingReaderAt) ReadAt([]byte, int64) (int, error) { return 0, errors.New("disk gone") }

func TestSourceReportsReadErrors(t *testing.T) {
	src := NewSource(failingReaderAt{}, 100, 0)
	_, err := src.Exact(0, 10)
	assert.EqualError(t, err, "disk gone")
}

func TestInflate(t *testing.T) {
	out, err := Inflate(strings.NewReader("hello"), 5, 5)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(out))

	_, err = Inflate(strings.NewReader("hello"), 5, 4)
	assert.ErrorContains(t, err, "more than 4")
	_, err = Inflate(strings.NewReader("hello"), 5, 9)
	assert.ErrorContains(t, err, "inflates to 5")
	_, err = Inflate(strings.NewReader("hello"), 5, MaxChunkSize+1)
	assert.ErrorContains(t, err, "limit")

	hint, err := SizeHint(1<<20, 10)
	require.NoError(t, err)
	assert.Equal(t, 40, hint)
	hint, err = SizeHint(8, 10)
	require.NoError(t, err)
	assert.Equal(t, 8, hint)
}
