package container

import (
	"encoding/binary"
	"errors"
	"io"
)

const minWindow = 1 << 20

// ErrOverrun reports a length prefix that points past the end of its
// section.
var ErrOverrun = errors.New("length prefix overruns section")

// Source is a windowed view over an io.ReaderAt for length-prefixed record
// framing. Records are read at increasing offsets, so one window usually
// serves many records. Views alias the window and are only valid until the
// next read.
type Source struct {
	file   io.ReaderAt
	size   int64
	window int
	buf    []byte
	at     int64
}

// NewSource wraps r, whose total length is size. window is the minimum read
// size; values below 1 MiB are raised to it.
func NewSource(r io.ReaderAt, size int64, window int) *Source {
	if window < minWindow {
		window = minWindow
	}
	return &Source{file: r, size: size, window: window}
}

func (s *Source) Size() int64 { return s.size }

// load reads a window starting at offset that covers at least length bytes.
// length has already been checked against the file size.
func (s *Source) load(offset int64, length int) error {
	n := s.window
	if length > n {
		n = length
	}
	if remain := s.size - offset; int64(n) > remain {
		n = int(remain)
	}
	if cap(s.buf) < n {
		s.buf = make([]byte, n)
	}
	s.buf = s.buf[:n]
	got, err := s.file.ReadAt(s.buf, offset)
	s.buf, s.at = s.buf[:got], offset
	if got < length {
		if err == nil || errors.Is(err, io.EOF) {
			return io.ErrUnexpectedEOF
		}
		return err
	}
	return nil
}

// Exact returns exactly length bytes at offset, or io.ErrUnexpectedEOF when
// the range leaves the file.
func (s *Source) Exact(offset int64, length int) ([]byte, error) {
	if offset < 0 || length < 0 || offset > s.size || int64(length) > s.size-offset {
		return nil, io.ErrUnexpectedEOF
	}
	if length == 0 {
		return []byte{}, nil
	}
	if offset < s.at || offset+int64(length) > s.at+int64(len(s.buf)) {
		if err := s.load(offset, length); err != nil {
			return nil, err
		}
	}
	start := int(offset - s.at)
	return s.buf[start : start+length : start+length], nil
}

// Copy is Exact into a freshly allocated slice the caller may retain.
func (s *Source) Copy(offset int64, length int) ([]byte, error) {
	view, err := s.Exact(offset, length)
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), view...), nil
}

// Uint32At reads a little-endian uint32 length or field at offset.
func (s *Source) Uint32At(offset int64) (uint32, error) {
	b, err := s.Exact(offset, 4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

// Uint64At reads a little-endian uint64 at offset.
func (s *Source) Uint64At(offset int64) (uint64, error) {
	b, err := s.Exact(offset, 8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

// Frame returns the length bytes at offset, which must end at or before
// limit. A length that overruns limit yields ErrOverrun without reading.
func (s *Source) Frame(offset int64, length uint64, limit int64) ([]byte, error) {
	if offset < 0 || offset > limit || length > uint64(limit-offset) {
		return nil, ErrOverrun
	}
	return s.Exact(offset, int(length))
}
