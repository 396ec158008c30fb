package container

import (
	"bytes"
	"fmt"
	"io"
)

// MaxChunkSize bounds the uncompressed size a chunk may declare.
const MaxChunkSize = 1 << 30

// SizeHint checks a chunk's declared uncompressed size and returns the
// capacity to preallocate for it. The declared size is read from the file and
// only caps the output; buffers grow with the bytes actually produced.
func SizeHint(size uint64, compressedLen int) (int, error) {
	if size > MaxChunkSize {
		return 0, fmt.Errorf("chunk declares %d uncompressed bytes, limit is %d", size, MaxChunkSize)
	}
	hint := uint64(compressedLen) * 4
	if hint > size {
		hint = size
	}
	return int(hint), nil
}

// Inflate reads exactly size bytes from the decompressing reader r. Output
// longer or shorter than size is an error.
func Inflate(r io.Reader, compressedLen int, size uint64) ([]byte, error) {
	hint, err := SizeHint(size, compressedLen)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	buf.Grow(hint)
	n, err := io.Copy(&buf, io.LimitReader(r, int64(size)+1))
	if err != nil {
		return nil, err
	}
	if uint64(n) != size {
		return nil, fmt.Errorf("chunk inflates to %s bytes, header says %d", inflated(n, size), size)
	}
	return buf.Bytes(), nil
}

func inflated(n int64, size uint64) string {
	if uint64(n) > size {
		return fmt.Sprintf("more than %d", size)
	}
	return fmt.Sprintf("%d", n)
}
