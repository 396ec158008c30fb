// Package format classifies robot-log containers by extension and magic bytes.
package format

import (
	"bytes"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"example.com/robolog/internal/errs"
)

type Format int

const (
	Unknown Format = iota
	MCAP
	Bag
)

func (f Format) String() string {
	switch f {
	case MCAP:
		return "mcap"
	case Bag:
		return "bag"
	}
	return "unknown"
}

// Extension returns the canonical file extension, including the dot.
func (f Format) Extension() string {
	switch f {
	case MCAP:
		return ".mcap"
	case Bag:
		return ".bag"
	}
	return ""
}

var (
	MCAPMagic = []byte{0x89, 'M', 'C', 'A', 'P', '0', '\r', '\n'}
	BagMagic  = []byte("#ROSBAG V2.0\n")
)

// PrefixLen is the number of bytes DetectReader needs to see.
const PrefixLen = 13

// FromExtension classifies path by its extension alone.
func FromExtension(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".mcap":
		return MCAP
	case ".bag":
		return Bag
	}
	return Unknown
}

// FromMagic classifies a prefix of a file.
func FromMagic(prefix []byte) Format {
	if bytes.HasPrefix(prefix, MCAPMagic) {
		return MCAP
	}
	if bytes.HasPrefix(prefix, BagMagic) {
		return Bag
	}
	return Unknown
}

// Detect classifies the file at path. The extension wins when it names a
// known kind; otherwise the magic prefix decides.
func Detect(path string) (Format, error) {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Unknown, errs.Wrap(err, errs.NotFound, path, "container does not exist")
		}
		return Unknown, errs.Wrap(err, errs.IOFailure, path, "stat container")
	}
	if info.IsDir() {
		return Unknown, errs.New(errs.UnsupportedFormat, path, "path is a directory")
	}
	if f := FromExtension(path); f != Unknown {
		return f, nil
	}
	fh, err := os.Open(path)
	if err != nil {
		return Unknown, errs.Wrap(err, errs.IOFailure, path, "open container")
	}
	defer fh.Close()
	f, err := DetectReader(fh)
	if err != nil {
		var e *errs.Error
		if errors.As(err, &e) {
			e.Context = path
		}
		return Unknown, err
	}
	return f, nil
}

// DetectReader classifies a stream by magic bytes only. It reads at offset 0
// and never moves a stream position.
func DetectReader(r io.ReaderAt) (Format, error) {
	buf := make([]byte, PrefixLen)
	n, err := r.ReadAt(buf, 0)
	if err != nil && !errors.Is(err, io.EOF) {
		return Unknown, errs.Wrap(err, errs.IOFailure, "", "read magic prefix")
	}
	if f := FromMagic(buf[:n]); f != Unknown {
		return f, nil
	}
	return Unknown, errs.New(errs.UnsupportedFormat, "", "unrecognized magic prefix % x", buf[:n])
}
