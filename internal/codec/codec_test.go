package codec

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/descriptorpb"

	"example.com/robolog/internal/errs"
)

func TestRegistryBuiltins(t *testing.T) {
	r := NewRegistry()
	assert.Equal(t, []string{"avro", "cbor", "cdr", "json", "protobuf", "ros1"}, r.Encodings())

	_, err := r.Get("flatbuffer")
	assert.True(t, errs.Is(err, errs.DecodeFailure))
	assert.Equal(t, "flatbuffer", errs.ContextOf(err))
}

func roundTrip(t *testing.T, c Codec, schema, data []byte) []byte {
	t.Helper()
	v, err := c.Decode("pkg/T", schema, data)
	require.NoError(t, err)
	assert.Equal(t, "pkg/T", v.Type)
	out, err := c.Encode(v, schema)
	require.NoError(t, err)
	return out
}

func TestJSON(t *testing.T) {
	c := JSON()
	out := roundTrip(t, c, nil, []byte(`{"b":[1,2.5],"a":12345678901234567890}`))
	assert.JSONEq(t, `{"a":12345678901234567890,"b":[1,2.5]}`, string(out))

	v, err := c.Decode("pkg/T", nil, []byte(`{"n":1}`))
	require.NoError(t, err)
	assert.Equal(t, json.Number("1"), v.Body.(map[string]any)["n"])

	for _, bad := range []string{``, `{"a":`, `{} {}`} {
		_, err := c.Decode("pkg/T", nil, []byte(bad))
		assert.True(t, errs.Is(err, errs.DecodeFailure), bad)
	}

	_, err = c.Encode(&Value{Type: "pkg/T", Body: make(chan int)}, nil)
	assert.True(t, errs.Is(err, errs.EncodeFailure))
}

func TestCBORIsCanonical(t *testing.T) {
	c := CBOR()
	// {"b": 1, "a": 2} with non-canonical key order.
	in := []byte{0xa2, 0x61, 'b', 0x01, 0x61, 'a', 0x02}
	out := roundTrip(t, c, nil, in)
	assert.Equal(t, []byte{0xa2, 0x61, 'a', 0x02, 0x61, 'b', 0x01}, out)

	_, err := c.Decode("pkg/T", nil, []byte{0xa2, 0x61})
	assert.True(t, errs.Is(err, errs.DecodeFailure))
}

func TestProtobufWireRoundTrip(t *testing.T) {
	var msg []byte
	msg = protowire.AppendTag(msg, 1, protowire.VarintType)
	msg = protowire.AppendVarint(msg, 150)
	msg = protowire.AppendTag(msg, 2, protowire.BytesType)
	msg = protowire.AppendString(msg, "imu")
	msg = protowire.AppendTag(msg, 3, protowire.Fixed64Type)
	msg = protowire.AppendFixed64(msg, 0x0102030405060708)
	msg = protowire.AppendTag(msg, 4, protowire.Fixed32Type)
	msg = protowire.AppendFixed32(msg, 7)
	msg = protowire.AppendTag(msg, 5, protowire.StartGroupType)
	msg = protowire.AppendTag(msg, 1, protowire.VarintType)
	msg = protowire.AppendVarint(msg, 1)
	msg = protowire.AppendTag(msg, 5, protowire.EndGroupType)

	c := Protobuf()
	assert.Equal(t, msg, roundTrip(t, c, nil, msg))

	v, err := c.Decode("pkg/T", nil, msg)
	require.NoError(t, err)
	fields := v.Body.([]Field)
	require.Len(t, fields, 5)
	assert.Equal(t, uint64(150), fields[0].Varint)
	assert.Equal(t, "imu", string(fields[1].Bytes))

	_, err = c.Decode("pkg/T", nil, msg[:len(msg)-3])
	assert.True(t, errs.Is(err, errs.DecodeFailure))
}

func TestOpaqueAndCDR(t *testing.T) {
	payload := []byte{0x00, 0x01, 0x00, 0x00, 0xde, 0xad}
	assert.Equal(t, payload, roundTrip(t, ROS1(), nil, payload))
	assert.Equal(t, payload, roundTrip(t, CDR(), nil, payload))

	v, err := CDR().Decode("pkg/T", nil, payload)
	require.NoError(t, err)
	assert.Equal(t, uint16(1), v.Body.(CDRPayload).Representation)

	for _, bad := range [][]byte{{0x00}, {0x00, 0x42, 0x00, 0x00}} {
		_, err := CDR().Decode("pkg/T", nil, bad)
		assert.True(t, errs.Is(err, errs.DecodeFailure))
	}

	_, err = ROS1().Encode(&Value{Type: "pkg/T", Body: 3}, nil)
	assert.True(t, errs.Is(err, errs.EncodeFailure))
}

const pointSchema = `{"type":"record","name":"Point","fields":[{"name":"x","type":"double"},{"name":"label","type":"string"}]}`

func TestAvro(t *testing.T) {
	c := Avro()
	v := &Value{Type: "geo/Point", Body: map[string]any{"x": 1.5, "label": "p"}}
	b, err := c.Encode(v, []byte(pointSchema))
	require.NoError(t, err)
	assert.Equal(t, b, roundTrip(t, c, []byte(pointSchema), b))

	_, err = c.Decode("geo/Point", nil, b)
	assert.True(t, errs.Is(err, errs.DecodeFailure))
	_, err = c.Decode("geo/Point", []byte(pointSchema), append(b, 0x00))
	assert.True(t, errs.Is(err, errs.DecodeFailure))
}

func TestValidateSchema(t *testing.T) {
	r := NewRegistry()
	fds, err := proto.Marshal(&descriptorpb.FileDescriptorSet{File: []*descriptorpb.FileDescriptorProto{{Name: proto.String("imu.proto")}}})
	require.NoError(t, err)

	tests := []struct {
		name     string
		encoding string
		schema   string
		known    bool
		valid    bool
	}{
		{"ros1 msg", "ros1msg", "Header header # stamp\nfloat64[9] covariance\nstring<=8 id\nint32 MAX=10\nstring NOTE=a b c\n================\nMSG: std_msgs/Header\nuint32 seq\n", true, true},
		{"ros2 msg", "ros2msg", "sensor_msgs/msg/Imu[<=4] samples\n", true, true},
		{"msg without fields", "ros1msg", "# only a comment\n", true, false},
		{"msg garbage", "ros2msg", "not-a-type name\n", true, false},
		{"idl", "ros2idl", "module pkg { module msg { struct T { double x; }; }; };", true, true},
		{"idl unbalanced", "ros2idl", "module pkg {", true, false},
		{"jsonschema", "jsonschema", `{"type":"object","properties":{"x":{"type":"number"}}}`, true, true},
		{"jsonschema broken", "jsonschema", `{"type":`, true, false},
		{"protobuf", "protobuf", string(fds), true, true},
		{"protobuf garbage", "protobuf", "\xff\xff\xff", true, false},
		{"avro", "avro", pointSchema, true, true},
		{"avro broken", "avro", `{"type":"record"}`, true, false},
		{"empty", "ros1msg", "", true, false},
		{"unknown encoding", "flatbuffer", "table T {}", false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			known, err := r.ValidateSchema(tt.encoding, []byte(tt.schema))
			assert.Equal(t, tt.known, known)
			if tt.valid || !tt.known {
				assert.NoError(t, err)
				return
			}
			assert.True(t, errs.Is(err, errs.InvalidSchema), "%v", err)
		})
	}
}

func TestTranscodeJSONAndCBOR(t *testing.T) {
	v, err := JSON().Decode("pkg/T", nil, []byte(`{"n":7,"f":1.5,"s":"x"}`))
	require.NoError(t, err)
	b, err := CBOR().Encode(v, nil)
	require.NoError(t, err)

	back, err := CBOR().Decode("pkg/T", nil, b)
	require.NoError(t, err)
	m := back.Body.(map[any]any)
	assert.Equal(t, uint64(7), m["n"])
	assert.Equal(t, 1.5, m["f"])

	out, err := JSON().Encode(back, nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"n":7,"f":1.5,"s":"x"}`, string(out))
}
