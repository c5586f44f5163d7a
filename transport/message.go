package transport

import (
	"bytes"
	"time"

	metadatapkg "github.com/drblury/courier/internal/runtime/metadata"
)

// Message is the immutable envelope exchanged with brokers. Accessors return
// copies so a handler can never alter what another handler observes.
type Message struct {
	name    string
	id      string
	headers metadatapkg.Metadata
	body    []byte
}

// NewMessage builds an outbound message. The name and id headers are stamped
// from the arguments.
func NewMessage(name, id string, headers metadatapkg.Metadata, body []byte) *Message {
	h := headers.Clone()
	h[metadatapkg.HeaderMessageName] = name
	h[metadatapkg.HeaderMessageID] = id
	return &Message{name: name, id: id, headers: h, body: bytes.Clone(body)}
}

// NewInbound builds a message received by a consumer group. Name and id fall
// back to the reserved headers when empty; the group header is always set.
func NewInbound(name, id, group string, headers metadatapkg.Metadata, body []byte) *Message {
	h := headers.Clone()
	if name == "" {
		name = h[metadatapkg.HeaderMessageName]
	}
	if id == "" {
		id = h[metadatapkg.HeaderMessageID]
	}
	h[metadatapkg.HeaderMessageName] = name
	h[metadatapkg.HeaderMessageID] = id
	h[metadatapkg.HeaderGroup] = group
	return &Message{name: name, id: id, headers: h, body: bytes.Clone(body)}
}

func (m *Message) Name() string { return m.name }
func (m *Message) ID() string   { return m.id }

// MessageType is the published message type. Messages sent straight to a
// topic carry none and report their name.
func (m *Message) MessageType() string {
	if t := m.headers[metadatapkg.HeaderMessageType]; t != "" {
		return t
	}
	return m.name
}

// Group is the consuming group. Outbound messages have none.
func (m *Message) Group() string { return m.headers[metadatapkg.HeaderGroup] }

// Header returns a single header and whether it was present.
func (m *Message) Header(key string) (string, bool) {
	return m.headers.Get(key)
}

// Headers returns a copy of all headers.
func (m *Message) Headers() metadatapkg.Metadata {
	return m.headers.Clone()
}

// Body returns a copy of the payload.
func (m *Message) Body() []byte {
	return bytes.Clone(m.body)
}

// Len is the payload size in bytes.
func (m *Message) Len() int { return len(m.body) }

// SentAt parses the sent-time header, if any.
func (m *Message) SentAt() (time.Time, bool) {
	raw, ok := m.headers[metadatapkg.HeaderSentTime]
	if !ok {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// WithHeader returns a copy carrying one extra header.
func (m *Message) WithHeader(key, value string) *Message {
	return &Message{name: m.name, id: m.id, headers: m.headers.With(key, value), body: m.body}
}
