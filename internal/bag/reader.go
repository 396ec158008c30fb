package bag

import (
	"bytes"
	"errors"
	"fmt"
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

// Encoding and schema encoding reported for every bag channel.
const (
	Encoding       = "ros1"
	SchemaEncoding = "ros1msg"
)

// Reader streams a bag file. Connections are loaded from the index section
// when the bag was closed cleanly, otherwise discovered while scanning.
type Reader struct {
	path    string
	file    *os.File
	size    int64
	metrics *common.Metrics

	mu       sync.Mutex
	registry *channel.Registry
	connIDs  map[uint32]uint32

	dataStart int64
	dataEnd   int64
	summary   container.Summary
}

var _ container.Reader = (*Reader)(nil)

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
		connIDs:  make(map[uint32]uint32),
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
	magic, err := src.Exact(0, len(Magic))
	if err != nil || !bytes.Equal(magic, Magic) {
		return r.malformed("missing %q preamble", bytes.TrimSpace(Magic))
	}
	h, _, next, err := readRecordAt(src, int64(len(Magic)), r.size)
	if err != nil {
		return errs.Wrap(err, errs.MalformedContainer, r.path, "read bag header record")
	}
	if op, err := h.op(); err != nil || op != OpBagHeader {
		return r.malformed("first record is not a bag header")
	}
	indexPos, err := h.u64("index_pos")
	if err != nil {
		return errs.Wrap(err, errs.MalformedContainer, r.path, "bag header")
	}
	chunkCount, _ := h.u32("chunk_count")

	r.dataStart = next
	r.dataEnd = r.size
	r.summary = container.Summary{
		Path:       r.path,
		Format:     format.Bag,
		FormatName: format.Bag.String(),
		Size:       r.size,
	}
	if indexPos == 0 {
		common.Warnf("bag %s: no index, scanning chunks", r.path)
		return r.scan()
	}
	if indexPos < uint64(r.dataStart) || indexPos > uint64(r.size) {
		return r.malformed("index_pos %d outside file", indexPos)
	}
	r.dataEnd = int64(indexPos)
	if err := r.loadIndex(src, int64(indexPos)); err != nil {
		return err
	}
	if int(chunkCount) != r.summary.ChunkCount {
		common.Warnf("bag %s: header lists %d chunks, index has %d", r.path, chunkCount, r.summary.ChunkCount)
	}
	return nil
}

func (r *Reader) loadIndex(src *container.Source, offset int64) error {
	counts := map[uint32]uint64{}
	var total, start, end uint64
	chunks := 0
	for offset < r.size {
		h, data, next, err := readRecordAt(src, offset, r.size)
		if err != nil {
			return errs.Wrap(err, errs.MalformedContainer, r.path, fmt.Sprintf("index record at %d", offset))
		}
		op, err := h.op()
		if err != nil {
			return errs.Wrap(err, errs.MalformedContainer, r.path, fmt.Sprintf("index record at %d", offset))
		}
		switch op {
		case OpConnection:
			if err := r.declare(h, data); err != nil {
				return err
			}
		case OpChunkInfo:
			ci, err := parseChunkInfo(h, data)
			if err != nil {
				return errs.Wrap(err, errs.MalformedContainer, r.path, "chunk info")
			}
			for conn, n := range ci.Counts {
				counts[conn] += uint64(n)
				total += uint64(n)
			}
			if chunks == 0 || ci.StartTime < start {
				start = ci.StartTime
			}
			if ci.EndTime > end {
				end = ci.EndTime
			}
			chunks++
		}
		offset = next
	}
	r.mu.Lock()
	for conn, n := range counts {
		if id, ok := r.connIDs[conn]; ok {
			r.registry.AddCount(id, n)
		}
	}
	r.mu.Unlock()
	r.summary.Indexed = true
	r.summary.MessageCount = total
	r.summary.StartTime = start
	r.summary.EndTime = end
	r.summary.ChunkCount = chunks
	return nil
}

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
	r.mu.Unlock()
	r.summary.MessageCount = total
	r.summary.StartTime = start
	r.summary.EndTime = end
	r.summary.ChunkCount = it.chunks
	return nil
}

func (r *Reader) declare(h *header, data []byte) error {
	conn, err := parseConnection(h, data)
	if err != nil {
		return errs.Wrap(err, errs.MalformedContainer, r.path, "connection record")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, seen := r.connIDs[conn.ID]; seen {
		return nil
	}
	md := map[string]string{}
	if conn.MD5Sum != "" {
		md["md5sum"] = conn.MD5Sum
	}
	if conn.Latching != "" {
		md["latching"] = conn.Latching
	}
	r.connIDs[conn.ID] = r.registry.Register(conn.Topic, conn.Type, Encoding,
		channel.WithSchema([]byte(conn.Definition), SchemaEncoding),
		channel.WithCallerID(conn.CallerID),
		channel.WithMetadata(md))
	return nil
}

func (r *Reader) lookup(conn uint32) (uint32, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.connIDs[conn]
	return id, ok
}

func (r *Reader) Path() string { return r.path }

func (r *Reader) Format() format.Format { return format.Bag }

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
			if it.chunkOff >= len(it.chunk) {
				it.chunk = nil
				continue
			}
			h, data, n, err := splitRecord(it.chunk[it.chunkOff:])
			if err != nil {
				return container.Message{}, errs.Wrap(err, errs.MalformedContainer, it.r.path, "record inside chunk")
			}
			it.chunkOff += n
			msg, ok, err := it.handle(h, data, false)
			if err != nil || ok {
				return msg, err
			}
			continue
		}
		if it.done || it.offset >= it.end {
			it.done = true
			return container.Message{}, io.EOF
		}
		h, data, next, err := readRecordAt(it.src, it.offset, it.end)
		if err != nil {
			return container.Message{}, errs.Wrap(err, errs.MalformedContainer, it.r.path, fmt.Sprintf("record at offset %d", it.offset))
		}
		at := it.offset
		it.offset = next
		if it.r.metrics != nil {
			it.r.metrics.SetBytes(next)
		}
		op, err := h.op()
		if err != nil {
			return container.Message{}, errs.Wrap(err, errs.MalformedContainer, it.r.path, fmt.Sprintf("record at offset %d", at))
		}
		if op == OpChunk {
			if err := it.openChunk(h, data, at); err != nil {
				return container.Message{}, err
			}
			continue
		}
		msg, ok, err := it.handle(h, data, true)
		if err != nil || ok {
			return msg, err
		}
	}
}

func (it *messageIterator) openChunk(h *header, data []byte, at int64) error {
	compression, _ := h.str("compression")
	size, err := h.u32("size")
	if err != nil {
		return errs.Wrap(err, errs.MalformedContainer, it.r.path, fmt.Sprintf("chunk at offset %d", at))
	}
	records, err := decompress(compression, data, size)
	if err != nil {
		return errs.Wrap(err, errs.MalformedContainer, it.r.path, fmt.Sprintf("chunk at offset %d", at))
	}
	if compression == "none" || compression == "" {
		records = append([]byte(nil), records...)
	}
	if uint32(len(records)) != size {
		return it.r.malformed("chunk at offset %d holds %d bytes, header says %d", at, len(records), size)
	}
	it.chunks++
	it.chunk = records
	it.chunkOff = 0
	return nil
}

func (it *messageIterator) handle(h *header, data []byte, aliased bool) (container.Message, bool, error) {
	op, err := h.op()
	if err != nil {
		return container.Message{}, false, errs.Wrap(err, errs.MalformedContainer, it.r.path, "record op")
	}
	switch op {
	case OpConnection:
		return container.Message{}, false, it.r.declare(h, data)
	case OpMessageData:
		conn, err := h.u32("conn")
		if err != nil {
			return container.Message{}, false, errs.Wrap(err, errs.MalformedContainer, it.r.path, "message data")
		}
		ts, err := h.time("time")
		if err != nil {
			return container.Message{}, false, errs.Wrap(err, errs.MalformedContainer, it.r.path, "message data")
		}
		id, ok := it.r.lookup(conn)
		if !ok {
			return container.Message{}, false, it.r.malformed("message on undeclared connection %d", conn)
		}
		if aliased {
			data = append([]byte(nil), data...)
		}
		if it.r.metrics != nil {
			it.r.metrics.AddMessage(int64(len(data)))
		}
		return container.Message{ChannelID: id, Timestamp: ts, PublishTime: ts, Data: data}, true, nil
	}
	return container.Message{}, false, nil
}

// readRecordAt reads one top-level record. data aliases the source buffer.
func readRecordAt(src *container.Source, offset, limit int64) (*header, []byte, int64, error) {
	if limit-offset < 8 {
		return nil, nil, 0, io.ErrUnexpectedEOF
	}
	hl, err := src.Uint32At(offset)
	if err != nil {
		return nil, nil, 0, err
	}
	hb, err := src.Frame(offset+4, uint64(hl), limit-4)
	if errors.Is(err, container.ErrOverrun) {
		return nil, nil, 0, fmt.Errorf("record header length %d overruns section", hl)
	}
	if err != nil {
		return nil, nil, 0, err
	}
	h, err := parseHeader(append([]byte(nil), hb...))
	if err != nil {
		return nil, nil, 0, err
	}
	dataAt := offset + 8 + int64(hl)
	dl, err := src.Uint32At(dataAt - 4)
	if err != nil {
		return nil, nil, 0, err
	}
	data, err := src.Frame(dataAt, uint64(dl), limit)
	if errors.Is(err, container.ErrOverrun) {
		return nil, nil, 0, fmt.Errorf("record data length %d overruns section", dl)
	}
	if err != nil {
		return nil, nil, 0, err
	}
	return h, data, dataAt + int64(dl), nil
}
