// Package bag reads and writes ROS1 bag v2.0 containers.
//
// A bag is the "#ROSBAG V2.0\n" preamble followed by records of the form
// <header_len u32><header><data_len u32><data>, where the header is a list of
// <field_len u32><name>=<value> fields. Message data lives in chunks; the
// connection and chunk-info records at index_pos make up the index.
package bag

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
)

var Magic = []byte("#ROSBAG V2.0\n")

const (
	OpMessageData byte = 0x02
	OpBagHeader   byte = 0x03
	OpIndexData   byte = 0x04
	OpChunk       byte = 0x05
	OpChunkInfo   byte = 0x06
	OpConnection  byte = 0x07
)

const (
	bagHeaderRecordLen = 4096
	indexVersion       = 1
)

var errMissingField = errors.New("missing header field")

// header is an ordered set of record header fields.
type header struct {
	names  []string
	values map[string][]byte
}

func newHeader() *header {
	return &header{values: make(map[string][]byte)}
}

func (h *header) set(name string, value []byte) *header {
	if _, ok := h.values[name]; !ok {
		h.names = append(h.names, name)
	}
	h.values[name] = value
	return h
}

func (h *header) setOp(op byte) *header { return h.set("op", []byte{op}) }

func (h *header) setString(name, value string) *header { return h.set(name, []byte(value)) }

func (h *header) setU32(name string, v uint32) *header {
	return h.set(name, binary.LittleEndian.AppendUint32(nil, v))
}

func (h *header) setU64(name string, v uint64) *header {
	return h.set(name, binary.LittleEndian.AppendUint64(nil, v))
}

func (h *header) setTime(name string, ns uint64) *header {
	return h.set(name, appendTime(nil, ns))
}

func (h *header) encode() []byte {
	var out []byte
	for _, name := range h.names {
		v := h.values[name]
		out = binary.LittleEndian.AppendUint32(out, uint32(len(name)+1+len(v)))
		out = append(out, name...)
		out = append(out, '=')
		out = append(out, v...)
	}
	return out
}

func parseHeader(b []byte) (*header, error) {
	h := newHeader()
	for len(b) > 0 {
		if len(b) < 4 {
			return nil, errors.New("truncated header field length")
		}
		n := binary.LittleEndian.Uint32(b)
		b = b[4:]
		if uint64(n) > uint64(len(b)) {
			return nil, fmt.Errorf("header field length %d overruns header", n)
		}
		field := b[:n]
		b = b[n:]
		eq := bytes.IndexByte(field, '=')
		if eq < 0 {
			return nil, fmt.Errorf("header field %q has no '='", field)
		}
		h.set(string(field[:eq]), field[eq+1:])
	}
	return h, nil
}

func (h *header) op() (byte, error) {
	v, ok := h.values["op"]
	if !ok || len(v) != 1 {
		return 0, fmt.Errorf("op: %w", errMissingField)
	}
	return v[0], nil
}

func (h *header) str(name string) (string, bool) {
	v, ok := h.values[name]
	return string(v), ok
}

func (h *header) u32(name string) (uint32, error) {
	v, ok := h.values[name]
	if !ok || len(v) != 4 {
		return 0, fmt.Errorf("%s: %w", name, errMissingField)
	}
	return binary.LittleEndian.Uint32(v), nil
}

func (h *header) u64(name string) (uint64, error) {
	v, ok := h.values[name]
	if !ok || len(v) != 8 {
		return 0, fmt.Errorf("%s: %w", name, errMissingField)
	}
	return binary.LittleEndian.Uint64(v), nil
}

func (h *header) time(name string) (uint64, error) {
	v, ok := h.values[name]
	if !ok || len(v) != 8 {
		return 0, fmt.Errorf("%s: %w", name, errMissingField)
	}
	return decodeTime(v), nil
}

// ROS time is sec u32 followed by nsec u32.
func appendTime(dst []byte, ns uint64) []byte {
	dst = binary.LittleEndian.AppendUint32(dst, uint32(ns/1e9))
	return binary.LittleEndian.AppendUint32(dst, uint32(ns%1e9))
}

func decodeTime(b []byte) uint64 {
	sec := binary.LittleEndian.Uint32(b)
	nsec := binary.LittleEndian.Uint32(b[4:])
	return uint64(sec)*1e9 + uint64(nsec)
}

// appendRecord frames header fields and data.
func appendRecord(dst []byte, h *header, data []byte) []byte {
	hb := h.encode()
	dst = binary.LittleEndian.AppendUint32(dst, uint32(len(hb)))
	dst = append(dst, hb...)
	dst = binary.LittleEndian.AppendUint32(dst, uint32(len(data)))
	return append(dst, data...)
}

// splitRecord parses one record from b, returning its header, data and the
// number of bytes consumed. data aliases b.
func splitRecord(b []byte) (*header, []byte, int, error) {
	if len(b) < 4 {
		return nil, nil, 0, errors.New("truncated record header length")
	}
	hl := binary.LittleEndian.Uint32(b)
	if uint64(hl)+8 > uint64(len(b)) {
		return nil, nil, 0, fmt.Errorf("record header length %d overruns buffer", hl)
	}
	h, err := parseHeader(b[4 : 4+hl])
	if err != nil {
		return nil, nil, 0, err
	}
	dl := binary.LittleEndian.Uint32(b[4+hl:])
	start := uint64(hl) + 8
	if start+uint64(dl) > uint64(len(b)) {
		return nil, nil, 0, fmt.Errorf("record data length %d overruns buffer", dl)
	}
	return h, b[start : start+uint64(dl)], int(start + uint64(dl)), nil
}

// connection is a decoded connection record.
type connection struct {
	ID         uint32
	Topic      string
	Type       string
	MD5Sum     string
	Definition string
	CallerID   string
	Latching   string
}

func (c connection) appendTo(dst []byte) []byte {
	h := newHeader().setOp(OpConnection).setU32("conn", c.ID).setString("topic", c.Topic)
	fields := newHeader().
		setString("topic", c.Topic).
		setString("type", c.Type).
		setString("md5sum", c.MD5Sum).
		setString("message_definition", c.Definition)
	if c.CallerID != "" {
		fields.setString("callerid", c.CallerID)
	}
	if c.Latching != "" {
		fields.setString("latching", c.Latching)
	}
	return appendRecord(dst, h, fields.encode())
}

func parseConnection(h *header, data []byte) (connection, error) {
	id, err := h.u32("conn")
	if err != nil {
		return connection{}, err
	}
	fields, err := parseHeader(data)
	if err != nil {
		return connection{}, fmt.Errorf("connection %d fields: %w", id, err)
	}
	c := connection{ID: id}
	c.Topic, _ = h.str("topic")
	if t, ok := fields.str("topic"); ok && t != "" {
		c.Topic = t
	}
	var ok bool
	if c.Type, ok = fields.str("type"); !ok {
		return connection{}, fmt.Errorf("connection %d type: %w", id, errMissingField)
	}
	c.MD5Sum, _ = fields.str("md5sum")
	c.Definition, _ = fields.str("message_definition")
	c.CallerID, _ = fields.str("callerid")
	c.Latching, _ = fields.str("latching")
	return c, nil
}

// chunkInfo is a decoded chunk-info record.
type chunkInfo struct {
	ChunkPos  uint64
	StartTime uint64
	EndTime   uint64
	Counts    map[uint32]uint32
}

func (ci chunkInfo) appendTo(dst []byte) []byte {
	ids := make([]int, 0, len(ci.Counts))
	for id := range ci.Counts {
		ids = append(ids, int(id))
	}
	sort.Ints(ids)
	h := newHeader().setOp(OpChunkInfo).
		setU32("ver", indexVersion).
		setU64("chunk_pos", ci.ChunkPos).
		setTime("start_time", ci.StartTime).
		setTime("end_time", ci.EndTime).
		setU32("count", uint32(len(ids)))
	var data []byte
	for _, id := range ids {
		data = binary.LittleEndian.AppendUint32(data, uint32(id))
		data = binary.LittleEndian.AppendUint32(data, ci.Counts[uint32(id)])
	}
	return appendRecord(dst, h, data)
}

func parseChunkInfo(h *header, data []byte) (chunkInfo, error) {
	var ci chunkInfo
	var err error
	if ci.ChunkPos, err = h.u64("chunk_pos"); err != nil {
		return ci, err
	}
	if ci.StartTime, err = h.time("start_time"); err != nil {
		return ci, err
	}
	if ci.EndTime, err = h.time("end_time"); err != nil {
		return ci, err
	}
	count, err := h.u32("count")
	if err != nil {
		return ci, err
	}
	if uint64(count)*8 > uint64(len(data)) {
		return ci, fmt.Errorf("chunk info count %d overruns data", count)
	}
	ci.Counts = make(map[uint32]uint32, count)
	for i := uint32(0); i < count; i++ {
		ci.Counts[binary.LittleEndian.Uint32(data[i*8:])] = binary.LittleEndian.Uint32(data[i*8+4:])
	}
	return ci, nil
}

type indexEntry struct {
	Time   uint64
	Offset uint32
}

func appendIndexData(dst []byte, conn uint32, entries []indexEntry) []byte {
	h := newHeader().setOp(OpIndexData).
		setU32("ver", indexVersion).
		setU32("conn", conn).
		setU32("count", uint32(len(entries)))
	data := make([]byte, 0, len(entries)*12)
	for _, e := range entries {
		data = appendTime(data, e.Time)
		data = binary.LittleEndian.AppendUint32(data, e.Offset)
	}
	return appendRecord(dst, h, data)
}

func appendMessageData(dst []byte, conn uint32, ns uint64, payload []byte) []byte {
	h := newHeader().setOp(OpMessageData).setU32("conn", conn).setTime("time", ns)
	return appendRecord(dst, h, payload)
}

// bagHeader encodes the fixed-size bag header record, padded with spaces.
func bagHeader(indexPos uint64, connCount, chunkCount uint32) []byte {
	h := newHeader().setOp(OpBagHeader).
		setU64("index_pos", indexPos).
		setU32("conn_count", connCount).
		setU32("chunk_count", chunkCount)
	hb := h.encode()
	pad := bagHeaderRecordLen - 8 - len(hb)
	return appendRecord(nil, h, bytes.Repeat([]byte{' '}, pad))
}
