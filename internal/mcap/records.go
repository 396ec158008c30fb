// Package mcap reads and writes MCAP containers: little-endian,
// opcode/length framed records with optional compressed chunks and a summary
// section indexed from the footer.
package mcap

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
)

var Magic = []byte{0x89, 'M', 'C', 'A', 'P', '0', '\r', '\n'}

const (
	OpHeader          byte = 0x01
	OpFooter          byte = 0x02
	OpSchema          byte = 0x03
	OpChannel         byte = 0x04
	OpMessage         byte = 0x05
	OpChunk           byte = 0x06
	OpMessageIndex    byte = 0x07
	OpChunkIndex      byte = 0x08
	OpAttachment      byte = 0x09
	OpAttachmentIndex byte = 0x0A
	OpStatistics      byte = 0x0B
	OpMetadata        byte = 0x0C
	OpMetadataIndex   byte = 0x0D
	OpSummaryOffset   byte = 0x0E
	OpDataEnd         byte = 0x0F
)

const (
	recordPrefixLen = 9
	footerBodyLen   = 20
	footerLen       = recordPrefixLen + footerBodyLen
)

var errShortRecord = errors.New("record body truncated")

// buffer builds record bodies.
type buffer struct {
	b []byte
}

func (w *buffer) u8(v byte) { w.b = append(w.b, v) }

func (w *buffer) u16(v uint16) { w.b = binary.LittleEndian.AppendUint16(w.b, v) }

func (w *buffer) u32(v uint32) { w.b = binary.LittleEndian.AppendUint32(w.b, v) }

func (w *buffer) u64(v uint64) { w.b = binary.LittleEndian.AppendUint64(w.b, v) }

func (w *buffer) str(s string) {
	w.u32(uint32(len(s)))
	w.b = append(w.b, s...)
}

func (w *buffer) bytes32(p []byte) {
	w.u32(uint32(len(p)))
	w.b = append(w.b, p...)
}

func (w *buffer) raw(p []byte) { w.b = append(w.b, p...) }

// strMap writes a map<string,string> with a byte-length prefix, keys sorted.
func (w *buffer) strMap(m map[string]string) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var inner buffer
	for _, k := range keys {
		inner.str(k)
		inner.str(m[k])
	}
	w.bytes32(inner.b)
}

// u16u64Map writes a map<uint16,uint64> with a byte-length prefix, keys sorted.
func (w *buffer) u16u64Map(m map[uint16]uint64) {
	keys := make([]int, 0, len(m))
	for k := range m {
		keys = append(keys, int(k))
	}
	sort.Ints(keys)
	w.u32(uint32(len(keys) * 10))
	for _, k := range keys {
		w.u16(uint16(k))
		w.u64(m[uint16(k)])
	}
}

// frame wraps a body in an opcode/length prefix.
func frame(op byte, body []byte) []byte {
	out := make([]byte, 0, recordPrefixLen+len(body))
	out = append(out, op)
	out = binary.LittleEndian.AppendUint64(out, uint64(len(body)))
	return append(out, body...)
}

// cursor parses record bodies. The first failure sticks.
type cursor struct {
	b   []byte
	off int
	err error
}

func (c *cursor) need(n int) bool {
	if c.err != nil {
		return false
	}
	if n < 0 || c.off+n > len(c.b) {
		c.err = errShortRecord
		return false
	}
	return true
}

func (c *cursor) u16() uint16 {
	if !c.need(2) {
		return 0
	}
	v := binary.LittleEndian.Uint16(c.b[c.off:])
	c.off += 2
	return v
}

func (c *cursor) u32() uint32 {
	if !c.need(4) {
		return 0
	}
	v := binary.LittleEndian.Uint32(c.b[c.off:])
	c.off += 4
	return v
}

func (c *cursor) u64() uint64 {
	if !c.need(8) {
		return 0
	}
	v := binary.LittleEndian.Uint64(c.b[c.off:])
	c.off += 8
	return v
}

func (c *cursor) u8() byte {
	if !c.need(1) {
		return 0
	}
	v := c.b[c.off]
	c.off++
	return v
}

func (c *cursor) take(n int) []byte {
	if !c.need(n) {
		return nil
	}
	v := c.b[c.off : c.off+n]
	c.off += n
	return v
}

func (c *cursor) str() string {
	n := c.u32()
	return string(c.take(int(n)))
}

func (c *cursor) bytes32() []byte {
	n := c.u32()
	return c.take(int(n))
}

func (c *cursor) rest() []byte {
	if c.err != nil {
		return nil
	}
	v := c.b[c.off:]
	c.off = len(c.b)
	return v
}

func (c *cursor) strMap() map[string]string {
	inner := cursor{b: c.bytes32()}
	if c.err != nil {
		return nil
	}
	out := map[string]string{}
	for inner.off < len(inner.b) && inner.err == nil {
		k := inner.str()
		v := inner.str()
		if inner.err == nil {
			out[k] = v
		}
	}
	if inner.err != nil {
		c.err = inner.err
	}
	return out
}

func (c *cursor) u16u64Map() map[uint16]uint64 {
	inner := cursor{b: c.bytes32()}
	if c.err != nil {
		return nil
	}
	out := map[uint16]uint64{}
	for inner.off < len(inner.b) && inner.err == nil {
		k := inner.u16()
		v := inner.u64()
		if inner.err == nil {
			out[k] = v
		}
	}
	if inner.err != nil {
		c.err = inner.err
	}
	return out
}

// Header is the first record after the leading magic.
type Header struct {
	Profile string
	Library string
}

func (h Header) encode() []byte {
	var b buffer
	b.str(h.Profile)
	b.str(h.Library)
	return frame(OpHeader, b.b)
}

func parseHeader(body []byte) (Header, error) {
	c := cursor{b: body}
	h := Header{Profile: c.str(), Library: c.str()}
	return h, c.err
}

// Schema describes message layout for one or more channels. ID 0 means "no
// schema" and is never written.
type Schema struct {
	ID       uint16
	Name     string
	Encoding string
	Data     []byte
}

func (s Schema) encode() []byte {
	var b buffer
	b.u16(s.ID)
	b.str(s.Name)
	b.str(s.Encoding)
	b.bytes32(s.Data)
	return frame(OpSchema, b.b)
}

func parseSchema(body []byte) (Schema, error) {
	c := cursor{b: body}
	s := Schema{ID: c.u16(), Name: c.str(), Encoding: c.str()}
	if data := c.bytes32(); len(data) > 0 {
		s.Data = append([]byte(nil), data...)
	}
	return s, c.err
}

// ChannelRecord is the on-disk channel declaration.
type ChannelRecord struct {
	ID              uint16
	SchemaID        uint16
	Topic           string
	MessageEncoding string
	Metadata        map[string]string
}

func (ch ChannelRecord) encode() []byte {
	var b buffer
	b.u16(ch.ID)
	b.u16(ch.SchemaID)
	b.str(ch.Topic)
	b.str(ch.MessageEncoding)
	b.strMap(ch.Metadata)
	return frame(OpChannel, b.b)
}

func parseChannel(body []byte) (ChannelRecord, error) {
	c := cursor{b: body}
	ch := ChannelRecord{ID: c.u16(), SchemaID: c.u16(), Topic: c.str(), MessageEncoding: c.str()}
	ch.Metadata = c.strMap()
	return ch, c.err
}

// MessageRecord is one payload occurrence on a file channel.
type MessageRecord struct {
	ChannelID   uint16
	Sequence    uint32
	LogTime     uint64
	PublishTime uint64
	Data        []byte
}

func (m MessageRecord) appendTo(dst []byte) []byte {
	dst = append(dst, OpMessage)
	dst = binary.LittleEndian.AppendUint64(dst, uint64(22+len(m.Data)))
	dst = binary.LittleEndian.AppendUint16(dst, m.ChannelID)
	dst = binary.LittleEndian.AppendUint32(dst, m.Sequence)
	dst = binary.LittleEndian.AppendUint64(dst, m.LogTime)
	dst = binary.LittleEndian.AppendUint64(dst, m.PublishTime)
	return append(dst, m.Data...)
}

// parseMessage aliases Data into body.
func parseMessage(body []byte) (MessageRecord, error) {
	c := cursor{b: body}
	m := MessageRecord{ChannelID: c.u16(), Sequence: c.u32(), LogTime: c.u64(), PublishTime: c.u64()}
	m.Data = c.rest()
	return m, c.err
}

// ChunkRecord holds a compressed run of Schema, Channel and Message records.
type ChunkRecord struct {
	MessageStartTime uint64
	MessageEndTime   uint64
	UncompressedSize uint64
	UncompressedCRC  uint32
	Compression      string
	Records          []byte
}

func (ch ChunkRecord) encode() []byte {
	var b buffer
	b.u64(ch.MessageStartTime)
	b.u64(ch.MessageEndTime)
	b.u64(ch.UncompressedSize)
	b.u32(ch.UncompressedCRC)
	b.str(ch.Compression)
	b.u64(uint64(len(ch.Records)))
	b.raw(ch.Records)
	return frame(OpChunk, b.b)
}

func parseChunk(body []byte) (ChunkRecord, error) {
	c := cursor{b: body}
	ch := ChunkRecord{
		MessageStartTime: c.u64(),
		MessageEndTime:   c.u64(),
		UncompressedSize: c.u64(),
		UncompressedCRC:  c.u32(),
		Compression:      c.str(),
	}
	n := c.u64()
	if c.err == nil && n > uint64(len(body)) {
		return ch, fmt.Errorf("chunk records length %d exceeds record", n)
	}
	ch.Records = c.take(int(n))
	return ch, c.err
}

// MessageIndexEntry locates one message inside the uncompressed chunk.
type MessageIndexEntry struct {
	LogTime uint64
	Offset  uint64
}

// MessageIndex follows a chunk, one per channel present in it.
type MessageIndex struct {
	ChannelID uint16
	Entries   []MessageIndexEntry
}

func (mi MessageIndex) encode() []byte {
	var b buffer
	b.u16(mi.ChannelID)
	b.u32(uint32(len(mi.Entries) * 16))
	for _, e := range mi.Entries {
		b.u64(e.LogTime)
		b.u64(e.Offset)
	}
	return frame(OpMessageIndex, b.b)
}

func parseMessageIndex(body []byte) (MessageIndex, error) {
	c := cursor{b: body}
	mi := MessageIndex{ChannelID: c.u16()}
	inner := cursor{b: c.bytes32()}
	for inner.off < len(inner.b) && inner.err == nil {
		e := MessageIndexEntry{LogTime: inner.u64(), Offset: inner.u64()}
		if inner.err == nil {
			mi.Entries = append(mi.Entries, e)
		}
	}
	if c.err == nil {
		c.err = inner.err
	}
	return mi, c.err
}

// ChunkIndex locates a chunk and its message indexes from the summary.
type ChunkIndex struct {
	MessageStartTime    uint64
	MessageEndTime      uint64
	ChunkStartOffset    uint64
	ChunkLength         uint64
	MessageIndexOffsets map[uint16]uint64
	MessageIndexLength  uint64
	Compression         string
	CompressedSize      uint64
	UncompressedSize    uint64
}

func (ci ChunkIndex) encode() []byte {
	var b buffer
	b.u64(ci.MessageStartTime)
	b.u64(ci.MessageEndTime)
	b.u64(ci.ChunkStartOffset)
	b.u64(ci.ChunkLength)
	b.u16u64Map(ci.MessageIndexOffsets)
	b.u64(ci.MessageIndexLength)
	b.str(ci.Compression)
	b.u64(ci.CompressedSize)
	b.u64(ci.UncompressedSize)
	return frame(OpChunkIndex, b.b)
}

func parseChunkIndex(body []byte) (ChunkIndex, error) {
	c := cursor{b: body}
	ci := ChunkIndex{
		MessageStartTime: c.u64(),
		MessageEndTime:   c.u64(),
		ChunkStartOffset: c.u64(),
		ChunkLength:      c.u64(),
	}
	ci.MessageIndexOffsets = c.u16u64Map()
	ci.MessageIndexLength = c.u64()
	ci.Compression = c.str()
	ci.CompressedSize = c.u64()
	ci.UncompressedSize = c.u64()
	return ci, c.err
}

// Statistics summarizes the data section.
type Statistics struct {
	MessageCount         uint64
	SchemaCount          uint16
	ChannelCount         uint32
	AttachmentCount      uint32
	MetadataCount        uint32
	ChunkCount           uint32
	MessageStartTime     uint64
	MessageEndTime       uint64
	ChannelMessageCounts map[uint16]uint64
}

func (s Statistics) encode() []byte {
	var b buffer
	b.u64(s.MessageCount)
	b.u16(s.SchemaCount)
	b.u32(s.ChannelCount)
	b.u32(s.AttachmentCount)
	b.u32(s.MetadataCount)
	b.u32(s.ChunkCount)
	b.u64(s.MessageStartTime)
	b.u64(s.MessageEndTime)
	b.u16u64Map(s.ChannelMessageCounts)
	return frame(OpStatistics, b.b)
}

func parseStatistics(body []byte) (Statistics, error) {
	c := cursor{b: body}
	s := Statistics{
		MessageCount:     c.u64(),
		SchemaCount:      c.u16(),
		ChannelCount:     c.u32(),
		AttachmentCount:  c.u32(),
		MetadataCount:    c.u32(),
		ChunkCount:       c.u32(),
		MessageStartTime: c.u64(),
		MessageEndTime:   c.u64(),
	}
	s.ChannelMessageCounts = c.u16u64Map()
	return s, c.err
}

// SummaryOffset points at a group of same-opcode records in the summary.
type SummaryOffset struct {
	GroupOpcode byte
	GroupStart  uint64
	GroupLength uint64
}

func (so SummaryOffset) encode() []byte {
	var b buffer
	b.u8(so.GroupOpcode)
	b.u64(so.GroupStart)
	b.u64(so.GroupLength)
	return frame(OpSummaryOffset, b.b)
}

// Footer is the last record before the trailing magic.
type Footer struct {
	SummaryStart       uint64
	SummaryOffsetStart uint64
	SummaryCRC         uint32
}

func (f Footer) encode() []byte {
	var b buffer
	b.u64(f.SummaryStart)
	b.u64(f.SummaryOffsetStart)
	b.u32(f.SummaryCRC)
	return frame(OpFooter, b.b)
}

func parseFooter(body []byte) (Footer, error) {
	c := cursor{b: body}
	f := Footer{SummaryStart: c.u64(), SummaryOffsetStart: c.u64(), SummaryCRC: c.u32()}
	return f, c.err
}

func dataEnd(crc uint32) []byte {
	var b buffer
	b.u32(crc)
	return frame(OpDataEnd, b.b)
}
