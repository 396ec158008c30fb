package mcap

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"io/fs"
	"os"
	"sync"

	"example.com/robolog/internal/channel"
	"example.com/robolog/internal/common"
	"example.com/robolog/internal/container"
	"example.com/robolog/internal/errs"
	"example.com/robolog/internal/format"
)

// Reader streams an MCAP file. The channel table is loaded from the summary
// section when the file has one and grows as the data section declares new
// channels.
type Reader struct {
	path    string
	file    *os.File
	size    int64
	header  Header
	metrics *common.Metrics

	mu       sync.Mutex
	registry *channel.Registry
	schemas  map[uint16]Schema
	fileIDs  map[uint16]uint32

	dataStart int64
	dataEnd   int64
	summary   container.Summary
}

var _ container.Reader = (*Reader)(nil)

// Open parses the header, footer and summary of the file at path.
func Open(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, errs.Wrap(err, errs.NotFound, path, "container does not exist")
		}
		return nil, errs.Wrap(err, errs.IOFailure, path, "open container")
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, errs.Wrap(err, errs.IOFailure, path, "stat container")
	}
	r := &Reader{
		path:     path,
		file:     f,
		size:     info.Size(),
		registry: channel.NewRegistry(),
		schemas:  make(map[uint16]Schema),
		fileIDs:  make(map[uint16]uint32),
	}
	if err := r.load(); err != nil {
		f.Close()
		return nil, err
	}
	return r, nil
}

func (r *Reader) malformed(format string, args ...any) error {
	return errs.New(errs.MalformedContainer, r.path, format, args...)
}

func (r *Reader) load() error {
	src := container.NewSource(r.file, r.size, 0)
	if r.size < int64(len(Magic))+recordPrefixLen {
		return r.malformed("file too short for mcap header (%d bytes)", r.size)
	}
	magic, err := src.Exact(0, len(Magic))
	if err != nil {
		return errs.Wrap(err, errs.MalformedContainer, r.path, "read magic")
	}
	if !bytes.Equal(magic, Magic) {
		return r.malformed("bad leading magic % x", magic)
	}
	op, body, next, err := readRecord(src, int64(len(Magic)), r.size)
	if err != nil {
		return errs.Wrap(err, errs.MalformedContainer, r.path, "read header record")
	}
	if op != OpHeader {
		return r.malformed("first record opcode 0x%02x, want header", op)
	}
	if r.header, err = parseHeader(body); err != nil {
		return errs.Wrap(err, errs.MalformedContainer, r.path, "parse header record")
	}
	r.dataStart = next
	r.dataEnd = r.size
	r.summary = container.Summary{
		Path:       r.path,
		Format:     format.MCAP,
		FormatName: format.MCAP.String(),
		Size:       r.size,
		Profile:    r.header.Profile,
		Library:    r.header.Library,
	}

	footer, footerAt, ok := r.readFooter(src)
	if !ok {
		common.Warnf("mcap %s: no footer, scanning data section", r.path)
		return r.scan()
	}
	r.dataEnd = footerAt
	if footer.SummaryStart == 0 {
		return r.scan()
	}
	if footer.SummaryStart < uint64(r.dataStart) || footer.SummaryStart > uint64(footerAt) {
		return r.malformed("summary start %d outside data bounds", footer.SummaryStart)
	}
	r.dataEnd = int64(footer.SummaryStart)
	summaryEnd := footerAt
	if footer.SummaryOffsetStart != 0 && footer.SummaryOffsetStart >= footer.SummaryStart && footer.SummaryOffsetStart <= uint64(footerAt) {
		summaryEnd = int64(footer.SummaryOffsetStart)
	}
	haveStats, err := r.loadSummary(src, int64(footer.SummaryStart), summaryEnd)
	if err != nil {
		return err
	}
	if !haveStats {
		return r.scan()
	}
	return nil
}

func (r *Reader) readFooter(src *container.Source) (Footer, int64, bool) {
	footerAt := r.size - int64(len(Magic)) - footerLen
	if footerAt < r.dataStart {
		return Footer{}, 0, false
	}
	tail, err := src.Exact(footerAt, footerLen+len(Magic))
	if err != nil {
		return Footer{}, 0, false
	}
	if !bytes.Equal(tail[footerLen:], Magic) || tail[0] != OpFooter {
		return Footer{}, 0, false
	}
	if binary.LittleEndian.Uint64(tail[1:9]) != footerBodyLen {
		return Footer{}, 0, false
	}
	footer, err := parseFooter(tail[recordPrefixLen:footerLen])
	if err != nil {
		return Footer{}, 0, false
	}
	return footer, footerAt, true
}

func (r *Reader) loadSummary(src *container.Source, start, end int64) (bool, error) {
	haveStats := false
	var chunks int
	offset := start
	for offset < end {
		op, body, next, err := readRecord(src, offset, end)
		if err != nil {
			return false, errs.Wrap(err, errs.MalformedContainer, r.path, fmt.Sprintf("summary record at %d", offset))
		}
		switch op {
		case OpSchema, OpChannel:
			if err := r.declare(op, body); err != nil {
				return false, err
			}
		case OpStatistics:
			stats, err := parseStatistics(body)
			if err != nil {
				return false, errs.Wrap(err, errs.MalformedContainer, r.path, "parse statistics")
			}
			haveStats = true
			r.summary.MessageCount = stats.MessageCount
			r.summary.StartTime = stats.MessageStartTime
			r.summary.EndTime = stats.MessageEndTime
			r.summary.ChunkCount = int(stats.ChunkCount)
			r.mu.Lock()
			for fileID, n := range stats.ChannelMessageCounts {
				if id, ok := r.fileIDs[fileID]; ok {
					r.registry.AddCount(id, n)
				}
			}
			r.mu.Unlock()
		case OpChunkIndex:
			if _, err := parseChunkIndex(body); err != nil {
				return false, errs.Wrap(err, errs.MalformedContainer, r.path, "parse chunk index")
			}
			chunks++
		}
		offset = next
	}
	if haveStats {
		r.summary.Indexed = true
		if r.summary.ChunkCount == 0 {
			r.summary.ChunkCount = chunks
		}
		r.summary.ChannelCount = r.registry.Len()
	}
	return haveStats, nil
}

// scan derives the summary by walking the data section.
func (r *Reader) scan() error {
	it := r.newIterator()
	defer it.Close()
	counts := map[uint32]uint64{}
	var total, start, end uint64
	for {
		msg, err := it.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}
		if total == 0 || msg.Timestamp < start {
			start = msg.Timestamp
		}
		if msg.Timestamp > end {
			end = msg.Timestamp
		}
		total++
		counts[msg.ChannelID]++
	}
	r.mu.Lock()
	for id, n := range counts {
		r.registry.AddCount(id, n)
	}
	r.summary.ChannelCount = r.registry.Len()
	r.mu.Unlock()
	r.summary.MessageCount = total
	r.summary.StartTime = start
	r.summary.EndTime = end
	r.summary.ChunkCount = it.chunks
	return nil
}

// declare registers a Schema or Channel record the first time its id is seen.
func (r *Reader) declare(op byte, body []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch op {
	case OpSchema:
		s, err := parseSchema(body)
		if err != nil {
			return errs.Wrap(err, errs.MalformedContainer, r.path, "parse schema record")
		}
		if s.ID == 0 {
			return r.malformed("schema record uses reserved id 0")
		}
		if _, seen := r.schemas[s.ID]; !seen {
			r.schemas[s.ID] = s
		}
	case OpChannel:
		ch, err := parseChannel(body)
		if err != nil {
			return errs.Wrap(err, errs.MalformedContainer, r.path, "parse channel record")
		}
		if _, seen := r.fileIDs[ch.ID]; seen {
			return nil
		}
		var opts []channel.Option
		msgType := ""
		if ch.SchemaID != 0 {
			s, ok := r.schemas[ch.SchemaID]
			if !ok {
				return errs.New(errs.MalformedContainer, ch.Topic, "channel %d references unknown schema %d", ch.ID, ch.SchemaID)
			}
			msgType = s.Name
			opts = append(opts, channel.WithSchema(s.Data, s.Encoding))
		}
		opts = append(opts, channel.WithMetadata(ch.Metadata))
		r.fileIDs[ch.ID] = r.registry.Register(ch.Topic, msgType, ch.MessageEncoding, opts...)
	}
	return nil
}

func (r *Reader) lookup(fileID uint16) (uint32, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.fileIDs[fileID]
	return id, ok
}

func (r *Reader) Path() string { return r.path }

func (r *Reader) Format() format.Format { return format.MCAP }

func (r *Reader) Header() Header { return r.header }

func (r *Reader) Summary() container.Summary {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.summary
	s.ChannelCount = r.registry.Len()
	return s
}

func (r *Reader) Channels() []channel.Channel {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.registry.All()
}

func (r *Reader) ChannelByTopic(topic string) []channel.Channel {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.registry.ByTopic(topic)
}

func (r *Reader) ChannelsByTopic(pattern string) []channel.Channel {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.registry.Match(pattern)
}

// SetMetrics attaches a progress recorder to subsequent iterators.
func (r *Reader) SetMetrics(m *common.Metrics) {
	r.metrics = m
	if m != nil {
		m.SetTotalBytes(r.size)
	}
}

func (r *Reader) Messages() (container.MessageIterator, error) {
	if r.file == nil {
		return nil, errs.New(errs.MalformedContainer, r.path, "reader is closed")
	}
	return r.newIterator(), nil
}

func (r *Reader) Close() error {
	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	return err
}

func (r *Reader) newIterator() *messageIterator {
	return &messageIterator{
		r:      r,
		src:    container.NewSource(r.file, r.size, 0),
		offset: r.dataStart,
		end:    r.dataEnd,
	}
}

type messageIterator struct {
	r      *Reader
	src    *container.Source
	offset int64
	end    int64
	done   bool
	chunks int

	chunk    []byte
	chunkOff int
}

func (it *messageIterator) Close() error {
	it.done = true
	it.chunk = nil
	return nil
}

func (it *messageIterator) Next() (container.Message, error) {
	for {
		if it.chunk != nil {
			msg, ok, err := it.nextInChunk()
			if err != nil {
				return container.Message{}, err
			}
			if ok {
				return msg, nil
			}
			continue
		}
		if it.done || it.offset >= it.end {
			it.done = true
			return container.Message{}, io.EOF
		}
		op, body, next, err := readRecord(it.src, it.offset, it.end)
		if err != nil {
			return container.Message{}, errs.Wrap(err, errs.MalformedContainer, it.r.path, fmt.Sprintf("record at offset %d", it.offset))
		}
		at := it.offset
		it.offset = next
		if it.r.metrics != nil {
			it.r.metrics.SetBytes(next)
		}
		switch op {
		case OpMessage:
			msg, err := it.message(body, true)
			if err != nil {
				return container.Message{}, err
			}
			return msg, nil
		case OpChunk:
			if err := it.openChunk(body, at); err != nil {
				return container.Message{}, err
			}
		case OpSchema, OpChannel:
			if err := it.r.declare(op, body); err != nil {
				return container.Message{}, err
			}
		case OpDataEnd, OpFooter:
			it.done = true
		}
	}
}

func (it *messageIterator) openChunk(body []byte, at int64) error {
	ch, err := parseChunk(body)
	if err != nil {
		return errs.Wrap(err, errs.MalformedContainer, it.r.path, fmt.Sprintf("chunk at offset %d", at))
	}
	records, err := decompress(ch.Compression, ch.Records, ch.UncompressedSize)
	if err != nil {
		return errs.Wrap(err, errs.MalformedContainer, it.r.path, fmt.Sprintf("decompress chunk at offset %d", at))
	}
	if ch.Compression == "" {
		// Uncompressed records alias the source buffer.
		records = append([]byte(nil), records...)
	}
	if ch.UncompressedCRC != 0 && crc32.ChecksumIEEE(records) != ch.UncompressedCRC {
		return it.r.malformed("chunk at offset %d fails crc check", at)
	}
	it.chunks++
	it.chunk = records
	it.chunkOff = 0
	return nil
}

func (it *messageIterator) nextInChunk() (container.Message, bool, error) {
	for it.chunkOff < len(it.chunk) {
		if len(it.chunk)-it.chunkOff < recordPrefixLen {
			return container.Message{}, false, it.r.malformed("truncated record inside chunk")
		}
		op := it.chunk[it.chunkOff]
		length := binary.LittleEndian.Uint64(it.chunk[it.chunkOff+1:])
		start := it.chunkOff + recordPrefixLen
		if length > uint64(len(it.chunk)-start) {
			return container.Message{}, false, it.r.malformed("chunk record length %d overruns chunk", length)
		}
		body := it.chunk[start : start+int(length)]
		it.chunkOff = start + int(length)
		switch op {
		case OpMessage:
			msg, err := it.message(body, false)
			return msg, err == nil, err
		case OpSchema, OpChannel:
			if err := it.r.declare(op, body); err != nil {
				return container.Message{}, false, err
			}
		}
	}
	it.chunk = nil
	return container.Message{}, false, nil
}

// message converts a record body. Bodies read straight from the source alias
// its buffer and are copied; chunk bodies are owned by the iterator.
func (it *messageIterator) message(body []byte, aliased bool) (container.Message, error) {
	rec, err := parseMessage(body)
	if err != nil {
		return container.Message{}, errs.Wrap(err, errs.MalformedContainer, it.r.path, "parse message record")
	}
	id, ok := it.r.lookup(rec.ChannelID)
	if !ok {
		return container.Message{}, errs.New(errs.MalformedContainer, it.r.path, "message on undeclared channel %d", rec.ChannelID)
	}
	data := rec.Data
	if aliased {
		data = append([]byte(nil), data...)
	}
	if it.r.metrics != nil {
		it.r.metrics.AddMessage(int64(len(data)))
	}
	return container.Message{
		ChannelID:   id,
		Timestamp:   rec.LogTime,
		PublishTime: rec.PublishTime,
		Sequence:    rec.Sequence,
		Data:        data,
	}, nil
}

// readRecord reads the record at offset. body aliases the source buffer.
func readRecord(src *container.Source, offset, limit int64) (byte, []byte, int64, error) {
	if limit-offset < recordPrefixLen {
		return 0, nil, 0, io.ErrUnexpectedEOF
	}
	prefix, err := src.Exact(offset, recordPrefixLen)
	if err != nil {
		return 0, nil, 0, err
	}
	op := prefix[0]
	length := binary.LittleEndian.Uint64(prefix[1:])
	body, err := src.Frame(offset+recordPrefixLen, length, limit)
	if errors.Is(err, container.ErrOverrun) {
		return 0, nil, 0, fmt.Errorf("record opcode 0x%02x length %d overruns section", op, length)
	}
	if err != nil {
		return 0, nil, 0, err
	}
	return op, body, offset + recordPrefixLen + int64(length), nil
}
