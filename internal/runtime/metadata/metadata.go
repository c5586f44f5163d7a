package metadata

import "maps"

// Reserved header keys stamped on every courier message.
const (
	HeaderMessageID     = "courier-msg-id"
	HeaderMessageName   = "courier-msg-name"
	HeaderGroup         = "courier-msg-group"
	HeaderSentTime      = "courier-senttime"
	HeaderCorrelationID = "courier-corr-id"
	HeaderException     = "courier-exception"
	HeaderAttempt       = "courier-attempt"
	// HeaderMessageType carries the message type a record was published as
	// when it differs from the topic it travels on.
	HeaderMessageType = "courier-msg-type"
)

// Metadata represents the headers carried alongside a message. A header whose
// value is unknown is simply absent.
type Metadata map[string]string

// Clone returns a shallow copy of the metadata map. The result is never nil.
func (m Metadata) Clone() Metadata {
	cloned := make(Metadata, len(m))
	maps.Copy(cloned, m)
	return cloned
}

// With returns a cloned metadata map containing the provided key/value pair.
func (m Metadata) With(key, value string) Metadata {
	cloned := m.Clone()
	cloned[key] = value
	return cloned
}

// WithAll returns a cloned metadata map containing the supplied entries.
func (m Metadata) WithAll(entries Metadata) Metadata {
	cloned := m.Clone()
	maps.Copy(cloned, entries)
	return cloned
}

// Get returns the value stored under key and whether it was present.
func (m Metadata) Get(key string) (string, bool) {
	v, ok := m[key]
	return v, ok
}

// Without returns a clone with the given keys removed.
func (m Metadata) Without(keys ...string) Metadata {
	cloned := m.Clone()
	for _, k := range keys {
		delete(cloned, k)
	}
	return cloned
}

// New constructs a Metadata map from alternating key/value pairs. A trailing
// key without a value is ignored.
func New(pairs ...string) Metadata {
	md := make(Metadata, len(pairs)/2)
	for i := 0; i < len(pairs)-1; i += 2 {
		md[pairs[i]] = pairs[i+1]
	}
	return md
}
