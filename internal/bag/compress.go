package bag

import (
	"bytes"
	"compress/bzip2"
	"fmt"

	"github.com/pierrec/lz4/v4"

	"example.com/robolog/internal/container"
)

func decompress(name string, src []byte, size uint32) ([]byte, error) {
	switch name {
	case "none", "":
		return src, nil
	case "bz2":
		out, err := container.Inflate(bzip2.NewReader(bytes.NewReader(src)), len(src), uint64(size))
		if err != nil {
			return nil, fmt.Errorf("bz2 chunk: %w", err)
		}
		return out, nil
	case "lz4":
		out, err := container.Inflate(lz4.NewReader(bytes.NewReader(src)), len(src), uint64(size))
		if err != nil {
			return nil, fmt.Errorf("lz4 chunk: %w", err)
		}
		return out, nil
	}
	return nil, fmt.Errorf("unsupported chunk compression %q", name)
}

// compress supports the writable subset. bz2 chunks can be read but not
// produced.
func compress(name string, src []byte) ([]byte, error) {
	switch name {
	case "none":
		return src, nil
	case "lz4":
		var buf bytes.Buffer
		w := lz4.NewWriter(&buf)
		if _, err := w.Write(src); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	}
	return nil, fmt.Errorf("unsupported chunk compression %q", name)
}
