package codec

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
)

type jsonCodec struct{}

// JSON decodes into generic maps and slices. Numbers are kept as
// json.Number so integers survive the round trip.
func JSON() Codec { return jsonCodec{} }

func (jsonCodec) Encoding() string { return "json" }

func (jsonCodec) Decode(messageType string, _ []byte, data []byte) (*Value, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var body any
	if err := dec.Decode(&body); err != nil {
		return nil, decodeErr("json", messageType, err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, decodeErr("json", messageType, errors.New("trailing data after value"))
	}
	return &Value{Type: messageType, Body: body}, nil
}

func (jsonCodec) Encode(v *Value, _ []byte) ([]byte, error) {
	b, err := json.Marshal(stringKeys(v.Body))
	if err != nil {
		return nil, encodeErr("json", v.Type, err)
	}
	return b, nil
}

type cborCodec struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

var (
	cborModes    cborCodec
	cborModesErr error
)

func init() {
	cborModes.enc, cborModesErr = cbor.CanonicalEncOptions().EncMode()
	if cborModesErr == nil {
		cborModes.dec, cborModesErr = cbor.DecOptions{}.DecMode()
	}
}

// CBOR re-encodes in canonical form, so map key order is deterministic.
func CBOR() Codec { return cborModes }

func (cborCodec) Encoding() string { return "cbor" }

func (c cborCodec) Decode(messageType string, _ []byte, data []byte) (*Value, error) {
	if cborModesErr != nil {
		return nil, decodeErr("cbor", messageType, cborModesErr)
	}
	var body any
	if err := c.dec.Unmarshal(data, &body); err != nil {
		return nil, decodeErr("cbor", messageType, err)
	}
	return &Value{Type: messageType, Body: body}, nil
}

func (c cborCodec) Encode(v *Value, _ []byte) ([]byte, error) {
	if cborModesErr != nil {
		return nil, encodeErr("cbor", v.Type, cborModesErr)
	}
	b, err := c.enc.Marshal(plainNumbers(v.Body))
	if err != nil {
		return nil, encodeErr("cbor", v.Type, err)
	}
	return b, nil
}

// stringKeys rewrites CBOR-style map[any]any nodes into map[string]any so a
// CBOR body can be encoded as JSON.
func stringKeys(v any) any {
	switch t := v.(type) {
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[fmt.Sprint(k)] = stringKeys(val)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = stringKeys(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = stringKeys(val)
		}
		return out
	}
	return v
}

// plainNumbers replaces json.Number leaves with int64 or float64 so a JSON
// body encodes as CBOR numbers rather than strings.
func plainNumbers(v any) any {
	switch t := v.(type) {
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i
		}
		if f, err := t.Float64(); err == nil {
			return f
		}
		return t.String()
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = plainNumbers(val)
		}
		return out
	case map[any]any:
		out := make(map[any]any, len(t))
		for k, val := range t {
			out[k] = plainNumbers(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = plainNumbers(val)
		}
		return out
	}
	return v
}
