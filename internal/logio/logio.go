// Package logio opens container readers and writers by format.
package logio

import (
	"fmt"

	"example.com/robolog/internal/bag"
	"example.com/robolog/internal/channel"
	"example.com/robolog/internal/container"
	"example.com/robolog/internal/errs"
	"example.com/robolog/internal/format"
	"example.com/robolog/internal/mcap"
)

// Open detects the container kind at path and returns a reader for it.
func Open(path string) (container.Reader, error) {
	f, err := format.Detect(path)
	if err != nil {
		return nil, err
	}
	switch f {
	case format.MCAP:
		return mcap.Open(path)
	case format.Bag:
		return bag.Open(path)
	}
	return nil, errs.New(errs.UnsupportedFormat, path, "no reader for %s", f)
}

// Create returns a writer chosen by the extension of path. An unrecognized
// extension yields a writer that accepts declarations but fails on Finish.
func Create(path string, opts ...container.WriterOption) (container.Writer, error) {
	return CreateFormat(path, format.FromExtension(path), opts...)
}

// CreateFormat is Create with an explicit target format.
func CreateFormat(path string, f format.Format, opts ...container.WriterOption) (container.Writer, error) {
	switch f {
	case format.MCAP:
		return mcap.Create(path, opts...)
	case format.Bag:
		return bag.Create(path, opts...)
	}
	return &unknownWriter{path: path, registry: channel.NewRegistry()}, nil
}

// unknownWriter records channels and messages for a destination whose
// layout is unknown. Nothing is written to disk.
type unknownWriter struct {
	path     string
	registry *channel.Registry
	closed   bool
}

func (w *unknownWriter) Path() string { return w.path }

func (w *unknownWriter) Format() format.Format { return format.Unknown }

func (w *unknownWriter) Channels() []channel.Channel { return w.registry.All() }

func (w *unknownWriter) AddChannel(topic, messageType, encoding string, opts ...channel.Option) (uint32, error) {
	if w.closed {
		return 0, errs.New(errs.WriterClosed, w.path, "add channel %q after finish", topic)
	}
	return w.registry.Register(topic, messageType, encoding, opts...), nil
}

func (w *unknownWriter) WriteMessage(channelID uint32, timestamp uint64, data []byte) error {
	return w.WriteRecord(container.Message{ChannelID: channelID, Timestamp: timestamp, Data: data})
}

func (w *unknownWriter) WriteRecord(msg container.Message) error {
	if w.closed {
		return errs.New(errs.WriterClosed, w.path, "write after finish")
	}
	if int(msg.ChannelID) >= w.registry.Len() {
		return errs.New(errs.UnknownChannel, fmt.Sprintf("%d", msg.ChannelID), "channel was never added")
	}
	w.registry.IncrementCount(msg.ChannelID)
	return nil
}

func (w *unknownWriter) Finish() error {
	if w.closed {
		return errs.New(errs.WriterClosed, w.path, "finish called twice")
	}
	w.closed = true
	return errs.New(errs.UnsupportedFormat, w.path, "cannot serialize an unknown container format")
}

func (w *unknownWriter) Close() error {
	w.closed = true
	return nil
}
