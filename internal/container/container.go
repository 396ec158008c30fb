// Package container holds the types shared by the MCAP and bag readers and
// writers: message records, summaries, and the Reader/Writer contracts.
package container

import (
	"example.com/robolog/internal/channel"
	"example.com/robolog/internal/common"
	"example.com/robolog/internal/format"
)

// Message is one payload occurrence. ChannelID refers to the owning reader's
// or writer's registry, not to the id stored in the file.
type Message struct {
	ChannelID   uint32
	Timestamp   uint64
	PublishTime uint64
	Sequence    uint32
	Data        []byte
}

// Summary is computed from header and index structures without decoding
// payloads.
type Summary struct {
	Path         string        `json:"path"`
	Format       format.Format `json:"-"`
	FormatName   string        `json:"format"`
	Size         int64         `json:"size"`
	MessageCount uint64        `json:"messageCount"`
	StartTime    uint64        `json:"startTime"`
	EndTime      uint64        `json:"endTime"`
	ChannelCount int           `json:"channelCount"`
	ChunkCount   int           `json:"chunkCount"`
	Indexed      bool          `json:"indexed"`
	Profile      string        `json:"profile,omitempty"`
	Library      string        `json:"library,omitempty"`
}

// MessageIterator yields messages in stored order. Next returns io.EOF after
// the last record.
type MessageIterator interface {
	Next() (Message, error)
	Close() error
}

// Reader streams a container.
type Reader interface {
	Path() string
	Format() format.Format
	Summary() Summary
	// Channels returns a snapshot of the channel table.
	Channels() []channel.Channel
	ChannelByTopic(topic string) []channel.Channel
	ChannelsByTopic(pattern string) []channel.Channel
	// Messages starts a fresh pass over the data section. Each call returns an
	// independent iterator.
	Messages() (MessageIterator, error)
	SetMetrics(m *common.Metrics)
	Close() error
}

// Writer serializes channel declarations and messages into a container.
type Writer interface {
	Path() string
	Format() format.Format
	AddChannel(topic, messageType, encoding string, opts ...channel.Option) (uint32, error)
	WriteMessage(channelID uint32, timestamp uint64, data []byte) error
	// WriteRecord is WriteMessage carrying publish time and sequence.
	WriteRecord(msg Message) error
	Channels() []channel.Channel
	// Finish flushes indexes and footer and closes the file. A second call
	// fails with WriterClosed.
	Finish() error
	// Close abandons the output without a footer. It is a no-op after Finish.
	Close() error
}

// Chunk compression names.
const (
	CompressionNone = "none"
	CompressionZstd = "zstd"
	CompressionLZ4  = "lz4"
	CompressionBZ2  = "bz2"
)

// WriterOptions tunes writer framing.
type WriterOptions struct {
	Compression string
	ChunkSize   int
	Profile     string
	Library     string
}

type WriterOption func(*WriterOptions)

func WithCompression(name string) WriterOption {
	return func(o *WriterOptions) { o.Compression = name }
}

func WithChunkSize(n int) WriterOption {
	return func(o *WriterOptions) { o.ChunkSize = n }
}

func WithProfile(profile string) WriterOption {
	return func(o *WriterOptions) { o.Profile = profile }
}

// ApplyOptions folds opts over defaults.
func ApplyOptions(defaults WriterOptions, opts []WriterOption) WriterOptions {
	out := defaults
	for _, opt := range opts {
		if opt != nil {
			opt(&out)
		}
	}
	if out.ChunkSize <= 0 {
		out.ChunkSize = defaults.ChunkSize
	}
	if out.Compression == "" {
		out.Compression = defaults.Compression
	}
	if out.Library == "" {
		out.Library = "robolog"
	}
	return out
}
