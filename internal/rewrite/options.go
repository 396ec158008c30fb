package rewrite

import (
	"encoding/json"
	"time"

	"example.com/robolog/internal/codec"
	"example.com/robolog/internal/common"
	"example.com/robolog/internal/container"
	"example.com/robolog/internal/format"
)

// Options configures one Engine.
type Options struct {
	// ValidateSchemas checks every source schema that has a validator once
	// before streaming. A rejected schema aborts the run.
	ValidateSchemas bool
	// SkipDecodeFailures drops messages that fail to decode or encode instead
	// of aborting the run.
	SkipDecodeFailures bool
	// Exclude lists topic globs removed from the output.
	Exclude []string
	// Transcode maps a source encoding to the destination encoding.
	Transcode map[string]string
	// PipelineDepth > 0 overlaps reading, re-encoding and writing through
	// queues of that capacity.
	PipelineDepth int
	// OutputFormat forces the destination layout. Unknown picks it from the
	// destination extension.
	OutputFormat format.Format
	Writer       []container.WriterOption

	Codecs     *codec.Registry
	Metrics    *common.Metrics
	Collectors *common.RewriteCollectors
	Audit      *common.AuditLog
}

// DefaultOptions validates schemas and skips undecodable messages.
func DefaultOptions() Options {
	return Options{
		ValidateSchemas:    true,
		SkipDecodeFailures: true,
	}
}

// Stats summarizes a run. PassthroughCount + ReencodedCount always equals
// MessageCount; dropped and excluded messages are not counted as written.
type Stats struct {
	RunID            string        `json:"runId"`
	MessageCount     uint64        `json:"messageCount"`
	ChannelCount     uint64        `json:"channelCount"`
	DecodeFailures   uint64        `json:"decodeFailures"`
	EncodeFailures   uint64        `json:"encodeFailures"`
	ReencodedCount   uint64        `json:"reencodedCount"`
	PassthroughCount uint64        `json:"passthroughCount"`
	TopicsRenamed    uint64        `json:"topicsRenamed"`
	TypesRenamed     uint64        `json:"typesRenamed"`
	ExcludedCount    uint64        `json:"excludedCount"`
	Duration         time.Duration `json:"-"`
}

// Dropped is the number of messages lost to decode or encode failures.
func (s Stats) Dropped() uint64 {
	return s.DecodeFailures + s.EncodeFailures
}

// Counters flattens the numeric fields for the audit log.
func (s Stats) Counters() map[string]uint64 {
	return map[string]uint64{
		"message_count":     s.MessageCount,
		"channel_count":     s.ChannelCount,
		"decode_failures":   s.DecodeFailures,
		"encode_failures":   s.EncodeFailures,
		"reencoded_count":   s.ReencodedCount,
		"passthrough_count": s.PassthroughCount,
		"topics_renamed":    s.TopicsRenamed,
		"types_renamed":     s.TypesRenamed,
		"excluded_count":    s.ExcludedCount,
	}
}

func (s Stats) MarshalJSON() ([]byte, error) {
	type alias Stats
	return json.Marshal(struct {
		alias
		DurationMs int64 `json:"durationMs"`
	}{alias(s), s.Duration.Milliseconds()})
}
