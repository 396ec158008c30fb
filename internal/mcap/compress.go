package mcap

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"example.com/robolog/internal/container"
)

var (
	zstdOnce    sync.Once
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
	zstdErr     error
)

func zstdCodec() (*zstd.Encoder, *zstd.Decoder, error) {
	zstdOnce.Do(func() {
		zstdEncoder, zstdErr = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if zstdErr != nil {
			return
		}
		zstdDecoder, zstdErr = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(container.MaxChunkSize))
	})
	return zstdEncoder, zstdDecoder, zstdErr
}

// compressionName maps a writer option to the name stored in chunk records.
// MCAP spells "no compression" as the empty string.
func compressionName(name string) (string, error) {
	switch name {
	case "", "none":
		return "", nil
	case "zstd", "lz4":
		return name, nil
	}
	return "", fmt.Errorf("unsupported mcap chunk compression %q", name)
}

func compress(name string, src []byte) ([]byte, error) {
	switch name {
	case "":
		return src, nil
	case "zstd":
		enc, _, err := zstdCodec()
		if err != nil {
			return nil, err
		}
		return enc.EncodeAll(src, make([]byte, 0, len(src)/2)), nil
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
	return nil, fmt.Errorf("unsupported compression %q", name)
}

// decompress expands a chunk whose header declares size uncompressed bytes.
func decompress(name string, src []byte, size uint64) ([]byte, error) {
	switch name {
	case "":
		if uint64(len(src)) != size {
			return nil, fmt.Errorf("uncompressed chunk holds %d bytes, header says %d", len(src), size)
		}
		return src, nil
	case "zstd":
		hint, err := container.SizeHint(size, len(src))
		if err != nil {
			return nil, err
		}
		_, dec, err := zstdCodec()
		if err != nil {
			return nil, err
		}
		out, err := dec.DecodeAll(src, make([]byte, 0, hint))
		if err != nil {
			return nil, err
		}
		if uint64(len(out)) != size {
			return nil, fmt.Errorf("zstd chunk size %d, want %d", len(out), size)
		}
		return out, nil
	case "lz4":
		out, err := container.Inflate(lz4.NewReader(bytes.NewReader(src)), len(src), size)
		if err != nil {
			return nil, fmt.Errorf("lz4 chunk: %w", err)
		}
		return out, nil
	}
	return nil, fmt.Errorf("unsupported compression %q", name)
}
