// Package channel keeps the per-container table of logical message streams.
package channel

import "github.com/gobwas/glob"

// Channel describes one logical stream within a container.
type Channel struct {
	ID             uint32            `json:"id"`
	Topic          string            `json:"topic"`
	MessageType    string            `json:"messageType"`
	Encoding       string            `json:"encoding"`
	Schema         []byte            `json:"-"`
	SchemaEncoding string            `json:"schemaEncoding,omitempty"`
	CallerID       string            `json:"callerId,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	MessageCount   uint64            `json:"messageCount"`
}

// HasSchema reports whether a schema descriptor was recorded.
func (c Channel) HasSchema() bool {
	return len(c.Schema) > 0
}

// Option sets an optional channel attribute at registration time.
type Option func(*Channel)

// WithSchema records the raw schema and its encoding.
func WithSchema(data []byte, encoding string) Option {
	return func(c *Channel) {
		if len(data) > 0 {
			c.Schema = append([]byte(nil), data...)
		}
		c.SchemaEncoding = encoding
	}
}

func WithCallerID(id string) Option {
	return func(c *Channel) { c.CallerID = id }
}

func WithMetadata(md map[string]string) Option {
	return func(c *Channel) {
		if len(md) == 0 {
			return
		}
		c.Metadata = make(map[string]string, len(md))
		for k, v := range md {
			c.Metadata[k] = v
		}
	}
}

// Registry assigns sequential ids and indexes channels by topic. It is owned
// by a single reader or writer and is not safe for concurrent mutation.
type Registry struct {
	channels []Channel
	byTopic  map[string][]uint32
}

func NewRegistry() *Registry {
	return &Registry{byTopic: make(map[string][]uint32)}
}

// Register appends a channel and returns its id. A topic that is already
// registered gets a second channel; entries are never merged.
func (r *Registry) Register(topic, messageType, encoding string, opts ...Option) uint32 {
	id := uint32(len(r.channels))
	ch := Channel{
		ID:          id,
		Topic:       topic,
		MessageType: messageType,
		Encoding:    encoding,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&ch)
		}
	}
	r.channels = append(r.channels, ch)
	r.byTopic[topic] = append(r.byTopic[topic], id)
	return id
}

func (r *Registry) ByID(id uint32) (Channel, bool) {
	if int(id) >= len(r.channels) {
		return Channel{}, false
	}
	return clone(r.channels[id]), true
}

// ByTopic returns every channel on topic in registration order.
func (r *Registry) ByTopic(topic string) []Channel {
	ids := r.byTopic[topic]
	out := make([]Channel, 0, len(ids))
	for _, id := range ids {
		out = append(out, clone(r.channels[id]))
	}
	return out
}

// Find returns the first channel with the given topic and type.
func (r *Registry) Find(topic, messageType string) (Channel, bool) {
	for _, id := range r.byTopic[topic] {
		if r.channels[id].MessageType == messageType {
			return clone(r.channels[id]), true
		}
	}
	return Channel{}, false
}

// Match returns channels whose topic matches a glob pattern where '*'
// matches any run of characters, including '/'.
func (r *Registry) Match(pattern string) []Channel {
	out := []Channel{}
	for _, ch := range r.channels {
		if MatchTopic(pattern, ch.Topic) {
			out = append(out, clone(ch))
		}
	}
	return out
}

// IncrementCount bumps the message counter of id. Unknown ids are ignored.
func (r *Registry) IncrementCount(id uint32) {
	r.AddCount(id, 1)
}

// AddCount adds n to the message counter of id, as read from an index.
func (r *Registry) AddCount(id uint32, n uint64) {
	if int(id) < len(r.channels) {
		r.channels[id].MessageCount += n
	}
}

// All returns a snapshot of the table ordered by id.
func (r *Registry) All() []Channel {
	out := make([]Channel, len(r.channels))
	for i, ch := range r.channels {
		out[i] = clone(ch)
	}
	return out
}

func (r *Registry) Len() int {
	return len(r.channels)
}

// MatchTopic reports whether topic matches pattern. With no separators
// configured, '*' spans '/' as well; '?', '[...]' and '{a,b}' follow glob
// syntax. A pattern that does not compile only matches itself.
func MatchTopic(pattern, topic string) bool {
	if pattern == topic {
		return true
	}
	g, err := glob.Compile(pattern)
	if err != nil {
		return false
	}
	return g.Match(topic)
}

func clone(c Channel) Channel {
	if c.Schema != nil {
		c.Schema = append([]byte(nil), c.Schema...)
	}
	if c.Metadata != nil {
		md := make(map[string]string, len(c.Metadata))
		for k, v := range c.Metadata {
			md[k] = v
		}
		c.Metadata = md
	}
	return c
}
