package mcap

import (
	"bufio"
	"fmt"
	"hash/crc32"
	"math"
	"os"
	"sort"

	"github.com/cespare/xxhash/v2"

	"example.com/robolog/internal/channel"
	"example.com/robolog/internal/container"
	"example.com/robolog/internal/errs"
	"example.com/robolog/internal/format"
)

const DefaultChunkSize = 4 << 20

// DefaultOptions are applied before caller options.
var DefaultOptions = container.WriterOptions{
	Compression: container.CompressionZstd,
	ChunkSize:   DefaultChunkSize,
}

// Writer produces a chunked, indexed MCAP file. Schema and Channel records
// are written to the data section when declared; messages are buffered into
// chunks.
type Writer struct {
	path        string
	file        *os.File
	out         *bufio.Writer
	offset      uint64
	compression string
	chunkSize   int
	closed      bool

	registry  *channel.Registry
	schemas   []Schema
	schemaIDs map[uint64]uint16
	channels  []ChannelRecord
	sequences map[uint16]uint32

	chunk      []byte
	chunkStart uint64
	chunkEnd   uint64
	chunkIndex map[uint16][]MessageIndexEntry

	stats        Statistics
	chunkIndexes []ChunkIndex
}

var _ container.Writer = (*Writer)(nil)

// Create truncates path and writes the leading magic and header.
func Create(path string, opts ...container.WriterOption) (*Writer, error) {
	o := container.ApplyOptions(DefaultOptions, opts)
	compression, err := compressionName(o.Compression)
	if err != nil {
		return nil, errs.Wrap(err, errs.UnsupportedFormat, path, "mcap writer options")
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, errs.Wrap(err, errs.IOFailure, path, "create container")
	}
	w := &Writer{
		path:        path,
		file:        f,
		out:         bufio.NewWriterSize(f, 1<<16),
		compression: compression,
		chunkSize:   o.ChunkSize,
		registry:    channel.NewRegistry(),
		schemaIDs:   make(map[uint64]uint16),
		sequences:   make(map[uint16]uint32),
		chunkIndex:  make(map[uint16][]MessageIndexEntry),
		stats:       Statistics{ChannelMessageCounts: make(map[uint16]uint64)},
	}
	if err := w.write(Magic); err != nil {
		f.Close()
		return nil, err
	}
	if err := w.write(Header{Profile: o.Profile, Library: o.Library}.encode()); err != nil {
		f.Close()
		return nil, err
	}
	return w, nil
}

func (w *Writer) write(p []byte) error {
	n, err := w.out.Write(p)
	w.offset += uint64(n)
	return err
}

func (w *Writer) Path() string { return w.path }

func (w *Writer) Format() format.Format { return format.MCAP }

func (w *Writer) Channels() []channel.Channel { return w.registry.All() }

// AddChannel declares a channel. MCAP allows any number of channels per topic.
func (w *Writer) AddChannel(topic, messageType, encoding string, opts ...channel.Option) (uint32, error) {
	if w.closed {
		return 0, errs.New(errs.WriterClosed, w.path, "add channel %q after finish", topic)
	}
	if w.registry.Len() > math.MaxUint16 {
		return 0, errs.New(errs.UnsupportedFormat, topic, "mcap supports at most %d channels", math.MaxUint16+1)
	}
	id := w.registry.Register(topic, messageType, encoding, opts...)
	ch, _ := w.registry.ByID(id)

	schemaID, err := w.schemaFor(ch)
	if err != nil {
		return 0, err
	}
	rec := ChannelRecord{
		ID:              uint16(id),
		SchemaID:        schemaID,
		Topic:           topic,
		MessageEncoding: encoding,
		Metadata:        ch.Metadata,
	}
	w.channels = append(w.channels, rec)
	if err := w.write(rec.encode()); err != nil {
		return 0, err
	}
	return id, nil
}

// schemaFor returns the id of an identical schema or writes a new one.
// Channels without a type and schema get id 0.
func (w *Writer) schemaFor(ch channel.Channel) (uint16, error) {
	if ch.MessageType == "" && !ch.HasSchema() {
		return 0, nil
	}
	d := xxhash.New()
	d.WriteString(ch.MessageType)
	d.Write([]byte{0})
	d.WriteString(ch.SchemaEncoding)
	d.Write([]byte{0})
	d.Write(ch.Schema)
	key := d.Sum64()
	if id, ok := w.schemaIDs[key]; ok {
		return id, nil
	}
	if len(w.schemas) >= math.MaxUint16 {
		return 0, errs.New(errs.UnsupportedFormat, ch.Topic, "too many schemas")
	}
	s := Schema{
		ID:       uint16(len(w.schemas) + 1),
		Name:     ch.MessageType,
		Encoding: ch.SchemaEncoding,
		Data:     ch.Schema,
	}
	if err := w.write(s.encode()); err != nil {
		return 0, err
	}
	w.schemas = append(w.schemas, s)
	w.schemaIDs[key] = s.ID
	return s.ID, nil
}

func (w *Writer) WriteMessage(channelID uint32, timestamp uint64, data []byte) error {
	return w.WriteRecord(container.Message{ChannelID: channelID, Timestamp: timestamp, PublishTime: timestamp, Data: data})
}

// WriteRecord buffers msg into the open chunk. A zero Sequence is replaced
// by a per-channel counter.
func (w *Writer) WriteRecord(msg container.Message) error {
	if w.closed {
		return errs.New(errs.WriterClosed, w.path, "write after finish")
	}
	if int(msg.ChannelID) >= w.registry.Len() {
		return errs.New(errs.UnknownChannel, fmt.Sprintf("%d", msg.ChannelID), "channel was never added")
	}
	fileID := uint16(msg.ChannelID)
	seq := msg.Sequence
	if seq == 0 {
		w.sequences[fileID]++
		seq = w.sequences[fileID]
	}
	if len(w.chunkIndex) == 0 || msg.Timestamp < w.chunkStart {
		w.chunkStart = msg.Timestamp
	}
	if msg.Timestamp > w.chunkEnd {
		w.chunkEnd = msg.Timestamp
	}
	w.chunkIndex[fileID] = append(w.chunkIndex[fileID], MessageIndexEntry{LogTime: msg.Timestamp, Offset: uint64(len(w.chunk))})
	w.chunk = MessageRecord{
		ChannelID:   fileID,
		Sequence:    seq,
		LogTime:     msg.Timestamp,
		PublishTime: msg.PublishTime,
		Data:        msg.Data,
	}.appendTo(w.chunk)

	if w.stats.MessageCount == 0 || msg.Timestamp < w.stats.MessageStartTime {
		w.stats.MessageStartTime = msg.Timestamp
	}
	if msg.Timestamp > w.stats.MessageEndTime {
		w.stats.MessageEndTime = msg.Timestamp
	}
	w.stats.MessageCount++
	w.stats.ChannelMessageCounts[fileID]++
	w.registry.IncrementCount(msg.ChannelID)

	if len(w.chunk) >= w.chunkSize {
		return w.flushChunk()
	}
	return nil
}

func (w *Writer) flushChunk() error {
	if len(w.chunk) == 0 {
		return nil
	}
	compressed, err := compress(w.compression, w.chunk)
	if err != nil {
		return errs.Wrap(err, errs.EncodeFailure, w.path, "compress chunk")
	}
	rec := ChunkRecord{
		MessageStartTime: w.chunkStart,
		MessageEndTime:   w.chunkEnd,
		UncompressedSize: uint64(len(w.chunk)),
		UncompressedCRC:  crc32.ChecksumIEEE(w.chunk),
		Compression:      w.compression,
		Records:          compressed,
	}
	start := w.offset
	if err := w.write(rec.encode()); err != nil {
		return err
	}
	idx := ChunkIndex{
		MessageStartTime:    rec.MessageStartTime,
		MessageEndTime:      rec.MessageEndTime,
		ChunkStartOffset:    start,
		ChunkLength:         w.offset - start,
		MessageIndexOffsets: make(map[uint16]uint64, len(w.chunkIndex)),
		Compression:         rec.Compression,
		CompressedSize:      uint64(len(compressed)),
		UncompressedSize:    rec.UncompressedSize,
	}
	ids := make([]int, 0, len(w.chunkIndex))
	for id := range w.chunkIndex {
		ids = append(ids, int(id))
	}
	sort.Ints(ids)
	indexStart := w.offset
	for _, id := range ids {
		idx.MessageIndexOffsets[uint16(id)] = w.offset
		mi := MessageIndex{ChannelID: uint16(id), Entries: w.chunkIndex[uint16(id)]}
		if err := w.write(mi.encode()); err != nil {
			return err
		}
	}
	idx.MessageIndexLength = w.offset - indexStart
	w.chunkIndexes = append(w.chunkIndexes, idx)
	w.stats.ChunkCount++

	w.chunk = w.chunk[:0]
	w.chunkIndex = make(map[uint16][]MessageIndexEntry)
	w.chunkStart, w.chunkEnd = 0, 0
	return nil
}

// Finish writes the summary section and footer and closes the file.
func (w *Writer) Finish() error {
	if w.closed {
		return errs.New(errs.WriterClosed, w.path, "finish called twice")
	}
	w.closed = true
	if err := w.finish(); err != nil {
		w.file.Close()
		return err
	}
	if err := w.file.Sync(); err != nil {
		w.file.Close()
		return err
	}
	return w.file.Close()
}

func (w *Writer) finish() error {
	if err := w.flushChunk(); err != nil {
		return err
	}
	if err := w.write(dataEnd(0)); err != nil {
		return err
	}
	summaryStart := w.offset
	var offsets []SummaryOffset
	group := func(op byte, records [][]byte) error {
		if len(records) == 0 {
			return nil
		}
		start := w.offset
		for _, rec := range records {
			if err := w.write(rec); err != nil {
				return err
			}
		}
		offsets = append(offsets, SummaryOffset{GroupOpcode: op, GroupStart: start, GroupLength: w.offset - start})
		return nil
	}

	schemas := make([][]byte, len(w.schemas))
	for i, s := range w.schemas {
		schemas[i] = s.encode()
	}
	channels := make([][]byte, len(w.channels))
	for i, ch := range w.channels {
		channels[i] = ch.encode()
	}
	w.stats.SchemaCount = uint16(len(w.schemas))
	w.stats.ChannelCount = uint32(len(w.channels))
	chunkIdx := make([][]byte, len(w.chunkIndexes))
	for i, ci := range w.chunkIndexes {
		chunkIdx[i] = ci.encode()
	}
	if err := group(OpSchema, schemas); err != nil {
		return err
	}
	if err := group(OpChannel, channels); err != nil {
		return err
	}
	if err := group(OpStatistics, [][]byte{w.stats.encode()}); err != nil {
		return err
	}
	if err := group(OpChunkIndex, chunkIdx); err != nil {
		return err
	}
	summaryOffsetStart := w.offset
	for _, so := range offsets {
		if err := w.write(so.encode()); err != nil {
			return err
		}
	}
	footer := Footer{SummaryStart: summaryStart, SummaryOffsetStart: summaryOffsetStart}
	if err := w.write(footer.encode()); err != nil {
		return err
	}
	if err := w.write(Magic); err != nil {
		return err
	}
	return w.out.Flush()
}

// Close abandons the file without a summary or footer. The output is not a
// valid MCAP file afterwards.
func (w *Writer) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	w.out.Flush()
	return w.file.Close()
}
