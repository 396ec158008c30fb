// Package codec decodes and re-encodes message payloads by channel encoding.
package codec

import (
	"fmt"
	"sort"
	"sync"

	"example.com/robolog/internal/errs"
)

// Value is a decoded payload. Type is the message type the value reports and
// is what a type rename replaces.
type Value struct {
	Type string
	Body any
}

// Codec converts between wire bytes and a Value for one encoding.
type Codec interface {
	Encoding() string
	Decode(messageType string, schema, data []byte) (*Value, error)
	Encode(v *Value, schema []byte) ([]byte, error)
}

// SchemaValidator checks a raw schema of one schema encoding.
type SchemaValidator func(schema []byte) error

// Registry maps encodings to codecs and schema encodings to validators. It
// is safe for concurrent use.
type Registry struct {
	mu         sync.RWMutex
	codecs     map[string]Codec
	validators map[string]SchemaValidator
}

// NewRegistry returns a registry with the built-in codecs and validators.
func NewRegistry() *Registry {
	r := &Registry{
		codecs:     make(map[string]Codec),
		validators: make(map[string]SchemaValidator),
	}
	r.Register(JSON())
	r.Register(CBOR())
	r.Register(Protobuf())
	r.Register(ROS1())
	r.Register(CDR())
	r.Register(Avro())

	r.RegisterValidator("ros1msg", validateMsgDefinition)
	r.RegisterValidator("ros2msg", validateMsgDefinition)
	r.RegisterValidator("ros2idl", validateIDL)
	r.RegisterValidator("jsonschema", validateJSONSchema)
	r.RegisterValidator("protobuf", validateDescriptorSet)
	r.RegisterValidator("avro", validateAvroSchema)
	return r
}

// Register adds or replaces the codec for c.Encoding().
func (r *Registry) Register(c Codec) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.codecs[c.Encoding()] = c
}

func (r *Registry) RegisterValidator(schemaEncoding string, v SchemaValidator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.validators[schemaEncoding] = v
}

// Get returns the codec for encoding. A missing codec is a DecodeFailure
// with the encoding as context.
func (r *Registry) Get(encoding string) (Codec, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.codecs[encoding]
	if !ok {
		return nil, errs.New(errs.DecodeFailure, encoding, "no codec for encoding")
	}
	return c, nil
}

// Encodings lists registered encodings in sorted order.
func (r *Registry) Encodings() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.codecs))
	for enc := range r.codecs {
		out = append(out, enc)
	}
	sort.Strings(out)
	return out
}

// ValidateSchema checks schema against its schema encoding. known is false
// when no validator exists for the encoding and nothing was checked. A
// failing schema yields an InvalidSchema error.
func (r *Registry) ValidateSchema(schemaEncoding string, schema []byte) (known bool, err error) {
	r.mu.RLock()
	v, ok := r.validators[schemaEncoding]
	r.mu.RUnlock()
	if !ok {
		return false, nil
	}
	if len(schema) == 0 {
		return true, errs.New(errs.InvalidSchema, schemaEncoding, "schema is empty")
	}
	if err := v(schema); err != nil {
		return true, errs.Wrap(err, errs.InvalidSchema, schemaEncoding, "schema rejected")
	}
	return true, nil
}

func decodeErr(encoding, messageType string, err error) error {
	return errs.Wrap(err, errs.DecodeFailure, messageType, fmt.Sprintf("decode %s payload", encoding))
}

func encodeErr(encoding, messageType string, err error) error {
	return errs.Wrap(err, errs.EncodeFailure, messageType, fmt.Sprintf("encode %s payload", encoding))
}
