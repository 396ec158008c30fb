package codec

import (
	"errors"
	"fmt"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/linkedin/goavro/v2"
	"google.golang.org/protobuf/encoding/protowire"
)

// Field is one protobuf wire field. Exactly one of the value members is
// meaningful, selected by Type. Group holds the raw bytes between the start
// and end group tags.
type Field struct {
	Number protowire.Number
	Type   protowire.Type
	Varint uint64
	Fixed  uint64
	Bytes  []byte
	Group  []byte
}

type protobufCodec struct{}

// Protobuf round-trips messages at the wire level without a compiled
// descriptor. Field order and unknown fields are preserved.
func Protobuf() Codec { return protobufCodec{} }

func (protobufCodec) Encoding() string { return "protobuf" }

func (protobufCodec) Decode(messageType string, _ []byte, data []byte) (*Value, error) {
	fields, err := parseFields(data)
	if err != nil {
		return nil, decodeErr("protobuf", messageType, err)
	}
	return &Value{Type: messageType, Body: fields}, nil
}

func parseFields(b []byte) ([]Field, error) {
	var out []Field
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]
		f := Field{Number: num, Type: typ}
		switch typ {
		case protowire.VarintType:
			f.Varint, n = protowire.ConsumeVarint(b)
		case protowire.Fixed32Type:
			var v uint32
			v, n = protowire.ConsumeFixed32(b)
			f.Fixed = uint64(v)
		case protowire.Fixed64Type:
			f.Fixed, n = protowire.ConsumeFixed64(b)
		case protowire.BytesType:
			var v []byte
			v, n = protowire.ConsumeBytes(b)
			f.Bytes = append([]byte(nil), v...)
		case protowire.StartGroupType:
			var v []byte
			v, n = protowire.ConsumeGroup(num, b)
			f.Group = append([]byte(nil), v...)
		default:
			return nil, fmt.Errorf("field %d: unexpected wire type %d", num, typ)
		}
		if n < 0 {
			return nil, fmt.Errorf("field %d: %w", num, protowire.ParseError(n))
		}
		b = b[n:]
		out = append(out, f)
	}
	return out, nil
}

func (protobufCodec) Encode(v *Value, _ []byte) ([]byte, error) {
	fields, ok := v.Body.([]Field)
	if !ok {
		return nil, encodeErr("protobuf", v.Type, fmt.Errorf("body is %T, want []Field", v.Body))
	}
	var b []byte
	for _, f := range fields {
		if !f.Number.IsValid() {
			return nil, encodeErr("protobuf", v.Type, fmt.Errorf("invalid field number %d", f.Number))
		}
		b = protowire.AppendTag(b, f.Number, f.Type)
		switch f.Type {
		case protowire.VarintType:
			b = protowire.AppendVarint(b, f.Varint)
		case protowire.Fixed32Type:
			b = protowire.AppendFixed32(b, uint32(f.Fixed))
		case protowire.Fixed64Type:
			b = protowire.AppendFixed64(b, f.Fixed)
		case protowire.BytesType:
			b = protowire.AppendBytes(b, f.Bytes)
		case protowire.StartGroupType:
			b = append(b, f.Group...)
			b = protowire.AppendTag(b, f.Number, protowire.EndGroupType)
		default:
			return nil, encodeErr("protobuf", v.Type, fmt.Errorf("field %d: unexpected wire type %d", f.Number, f.Type))
		}
	}
	return b, nil
}

type opaqueCodec struct {
	encoding string
}

// ROS1 treats payloads as opaque serialized bytes; field-level decoding
// needs the message definition compiler, which is out of scope.
func ROS1() Codec { return opaqueCodec{encoding: "ros1"} }

func (c opaqueCodec) Encoding() string { return c.encoding }

func (c opaqueCodec) Decode(messageType string, _ []byte, data []byte) (*Value, error) {
	return &Value{Type: messageType, Body: append([]byte(nil), data...)}, nil
}

func (c opaqueCodec) Encode(v *Value, _ []byte) ([]byte, error) {
	b, ok := v.Body.([]byte)
	if !ok {
		return nil, encodeErr(c.encoding, v.Type, fmt.Errorf("body is %T, want []byte", v.Body))
	}
	return b, nil
}

// CDRPayload is a CDR message split into its encapsulation header and body.
type CDRPayload struct {
	Representation uint16
	Options        uint16
	Body           []byte
}

// Encapsulation identifiers accepted in the CDR header.
var cdrRepresentations = map[uint16]string{
	0x0000: "CDR_BE",
	0x0001: "CDR_LE",
	0x0002: "PL_CDR_BE",
	0x0003: "PL_CDR_LE",
	0x0006: "CDR2_BE",
	0x0007: "CDR2_LE",
	0x0008: "D_CDR2_BE",
	0x0009: "D_CDR2_LE",
	0x000a: "PL_CDR2_BE",
	0x000b: "PL_CDR2_LE",
}

type cdrCodec struct{}

// CDR validates the four-byte encapsulation header and keeps the body
// opaque.
func CDR() Codec { return cdrCodec{} }

func (cdrCodec) Encoding() string { return "cdr" }

func (cdrCodec) Decode(messageType string, _ []byte, data []byte) (*Value, error) {
	if len(data) < 4 {
		return nil, decodeErr("cdr", messageType, errors.New("payload shorter than encapsulation header"))
	}
	rep := uint16(data[0])<<8 | uint16(data[1])
	if _, ok := cdrRepresentations[rep]; !ok {
		return nil, decodeErr("cdr", messageType, fmt.Errorf("unknown representation 0x%04x", rep))
	}
	return &Value{Type: messageType, Body: CDRPayload{
		Representation: rep,
		Options:        uint16(data[2])<<8 | uint16(data[3]),
		Body:           append([]byte(nil), data[4:]...),
	}}, nil
}

func (cdrCodec) Encode(v *Value, _ []byte) ([]byte, error) {
	p, ok := v.Body.(CDRPayload)
	if !ok {
		return nil, encodeErr("cdr", v.Type, fmt.Errorf("body is %T, want CDRPayload", v.Body))
	}
	out := make([]byte, 4, 4+len(p.Body))
	out[0], out[1] = byte(p.Representation>>8), byte(p.Representation)
	out[2], out[3] = byte(p.Options>>8), byte(p.Options)
	return append(out, p.Body...), nil
}

type avroCodec struct {
	mu     sync.Mutex
	codecs map[uint64]*goavro.Codec
}

// Avro decodes binary Avro against the channel schema. Compiled schemas are
// cached by content hash.
func Avro() Codec { return &avroCodec{codecs: make(map[uint64]*goavro.Codec)} }

func (c *avroCodec) Encoding() string { return "avro" }

func (c *avroCodec) compile(schema []byte) (*goavro.Codec, error) {
	if len(schema) == 0 {
		return nil, errors.New("avro payloads need a schema")
	}
	key := xxhash.Sum64(schema)
	c.mu.Lock()
	defer c.mu.Unlock()
	if codec, ok := c.codecs[key]; ok {
		return codec, nil
	}
	codec, err := goavro.NewCodec(string(schema))
	if err != nil {
		return nil, err
	}
	c.codecs[key] = codec
	return codec, nil
}

func (c *avroCodec) Decode(messageType string, schema []byte, data []byte) (*Value, error) {
	codec, err := c.compile(schema)
	if err != nil {
		return nil, decodeErr("avro", messageType, err)
	}
	native, rest, err := codec.NativeFromBinary(data)
	if err != nil {
		return nil, decodeErr("avro", messageType, err)
	}
	if len(rest) > 0 {
		return nil, decodeErr("avro", messageType, fmt.Errorf("%d trailing bytes", len(rest)))
	}
	return &Value{Type: messageType, Body: native}, nil
}

func (c *avroCodec) Encode(v *Value, schema []byte) ([]byte, error) {
	codec, err := c.compile(schema)
	if err != nil {
		return nil, encodeErr("avro", v.Type, err)
	}
	b, err := codec.BinaryFromNative(nil, v.Body)
	if err != nil {
		return nil, encodeErr("avro", v.Type, err)
	}
	return b, nil
}
