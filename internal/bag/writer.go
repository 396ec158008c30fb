package bag

import (
	"bufio"
	"fmt"
	"os"
	"sort"

	"example.com/robolog/internal/channel"
	"example.com/robolog/internal/container"
	"example.com/robolog/internal/errs"
	"example.com/robolog/internal/format"
)

const DefaultChunkSize = 768 << 10

// DefaultOptions are applied before caller options. Bag chunks are stored
// uncompressed unless lz4 is requested.
var DefaultOptions = container.WriterOptions{
	Compression: container.CompressionNone,
	ChunkSize:   DefaultChunkSize,
}

// Writer produces a chunked bag with an index section. The bag header is
// rewritten in place by Finish once index_pos is known.
type Writer struct {
	path        string
	file        *os.File
	out         *bufio.Writer
	offset      uint64
	compression string
	chunkSize   int
	closed      bool

	registry *channel.Registry
	conns    []connection
	declared map[uint32]bool

	chunk      []byte
	chunkStart uint64
	chunkEnd   uint64
	chunkIndex map[uint32][]indexEntry
	chunkInfos []chunkInfo
}

var _ container.Writer = (*Writer)(nil)

func Create(path string, opts ...container.WriterOption) (*Writer, error) {
	o := container.ApplyOptions(DefaultOptions, opts)
	switch o.Compression {
	case container.CompressionNone, container.CompressionLZ4:
	default:
		return nil, errs.New(errs.UnsupportedFormat, path, "bag writer cannot produce %q chunks", o.Compression)
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, errs.Wrap(err, errs.IOFailure, path, "create container")
	}
	w := &Writer{
		path:        path,
		file:        f,
		out:         bufio.NewWriterSize(f, 1<<16),
		compression: o.Compression,
		chunkSize:   o.ChunkSize,
		registry:    channel.NewRegistry(),
		declared:    make(map[uint32]bool),
		chunkIndex:  make(map[uint32][]indexEntry),
	}
	if err := w.write(Magic); err != nil {
		f.Close()
		return nil, err
	}
	if err := w.write(bagHeader(0, 0, 0)); err != nil {
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

func (w *Writer) Format() format.Format { return format.Bag }

func (w *Writer) Channels() []channel.Channel { return w.registry.All() }

// AddChannel declares a connection. A bag holds at most one connection per
// topic and type pair. The md5sum and latching metadata keys populate the
// matching connection fields.
func (w *Writer) AddChannel(topic, messageType, encoding string, opts ...channel.Option) (uint32, error) {
	if w.closed {
		return 0, errs.New(errs.WriterClosed, w.path, "add channel %q after finish", topic)
	}
	if _, dup := w.registry.Find(topic, messageType); dup {
		return 0, errs.New(errs.DuplicateChannel, topic, "connection for type %q already exists", messageType)
	}
	id := w.registry.Register(topic, messageType, encoding, opts...)
	ch, _ := w.registry.ByID(id)
	md5 := ch.Metadata["md5sum"]
	if md5 == "" {
		md5 = "*"
	}
	w.conns = append(w.conns, connection{
		ID:         id,
		Topic:      topic,
		Type:       messageType,
		MD5Sum:     md5,
		Definition: string(ch.Schema),
		CallerID:   ch.CallerID,
		Latching:   ch.Metadata["latching"],
	})
	return id, nil
}

func (w *Writer) WriteMessage(channelID uint32, timestamp uint64, data []byte) error {
	return w.WriteRecord(container.Message{ChannelID: channelID, Timestamp: timestamp, Data: data})
}

// WriteRecord appends msg to the open chunk. Bags store a single timestamp,
// so publish time and sequence are dropped.
func (w *Writer) WriteRecord(msg container.Message) error {
	if w.closed {
		return errs.New(errs.WriterClosed, w.path, "write after finish")
	}
	if int(msg.ChannelID) >= len(w.conns) {
		return errs.New(errs.UnknownChannel, fmt.Sprintf("%d", msg.ChannelID), "channel was never added")
	}
	// The connection record precedes its first message so a scan without
	// the index still resolves it.
	if !w.declared[msg.ChannelID] {
		w.chunk = w.conns[msg.ChannelID].appendTo(w.chunk)
		w.declared[msg.ChannelID] = true
	}
	if len(w.chunkIndex) == 0 || msg.Timestamp < w.chunkStart {
		w.chunkStart = msg.Timestamp
	}
	if msg.Timestamp > w.chunkEnd {
		w.chunkEnd = msg.Timestamp
	}
	w.chunkIndex[msg.ChannelID] = append(w.chunkIndex[msg.ChannelID], indexEntry{Time: msg.Timestamp, Offset: uint32(len(w.chunk))})
	w.chunk = appendMessageData(w.chunk, msg.ChannelID, msg.Timestamp, msg.Data)
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
	ci := chunkInfo{
		ChunkPos:  w.offset,
		StartTime: w.chunkStart,
		EndTime:   w.chunkEnd,
		Counts:    make(map[uint32]uint32, len(w.chunkIndex)),
	}
	h := newHeader().setOp(OpChunk).
		setString("compression", w.compression).
		setU32("size", uint32(len(w.chunk)))
	if err := w.write(appendRecord(nil, h, compressed)); err != nil {
		return err
	}
	ids := make([]int, 0, len(w.chunkIndex))
	for id := range w.chunkIndex {
		ids = append(ids, int(id))
	}
	sort.Ints(ids)
	for _, id := range ids {
		entries := w.chunkIndex[uint32(id)]
		ci.Counts[uint32(id)] = uint32(len(entries))
		if err := w.write(appendIndexData(nil, uint32(id), entries)); err != nil {
			return err
		}
	}
	w.chunkInfos = append(w.chunkInfos, ci)

	w.chunk = w.chunk[:0]
	w.chunkIndex = make(map[uint32][]indexEntry)
	w.chunkStart, w.chunkEnd = 0, 0
	return nil
}

// Finish flushes the open chunk, writes the index section and patches the
// bag header.
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
	indexPos := w.offset
	for _, c := range w.conns {
		if err := w.write(c.appendTo(nil)); err != nil {
			return err
		}
	}
	for _, ci := range w.chunkInfos {
		if err := w.write(ci.appendTo(nil)); err != nil {
			return err
		}
	}
	if err := w.out.Flush(); err != nil {
		return err
	}
	hdr := bagHeader(indexPos, uint32(len(w.conns)), uint32(len(w.chunkInfos)))
	_, err := w.file.WriteAt(hdr, int64(len(Magic)))
	return err
}

// Close abandons the bag. The header keeps index_pos 0, so readers fall
// back to scanning whatever chunks were flushed.
func (w *Writer) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	w.out.Flush()
	return w.file.Close()
}
