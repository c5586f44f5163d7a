// Package consumer holds the declarative consumer table: which handler
// consumes which message type, on which topic, in which group and with what
// concurrency. The table is filled at boot and sealed before consumers start.
package consumer

import (
	"fmt"
	"slices"
	"strconv"
	"sync"

	errspkg "github.com/drblury/courier/internal/runtime/errors"
	"github.com/drblury/courier/transport"
)

// MaxConcurrency is the largest per-registration concurrency accepted.
const MaxConcurrency = 255

// Metadata describes one registered consumer.
type Metadata struct {
	// Name is HandlerType.MessageType, suffixed _2, _3, ... for repeats.
	Name        string
	MessageType string
	HandlerType string
	Topic       string
	Group       string
	Concurrency int
	Factory     HandlerFactory
}

// GroupSpec summarises one consumer group: the topics it subscribes to and
// the concurrency its client runs with.
type GroupSpec struct {
	Name        string
	Topics      []string
	Concurrency int
}

// Options configures registry defaults.
type Options struct {
	DefaultGroup       string
	DefaultConcurrency int
}

// Option customises a single registration.
type Option func(*registration)

type registration struct {
	topic       string
	group       string
	concurrency int
	err         error
}

// WithTopic pins the topic instead of resolving it from the message type.
func WithTopic(topic string) Option {
	return func(r *registration) { r.topic = topic }
}

// WithGroup places the consumer in a specific group.
func WithGroup(group string) Option {
	return func(r *registration) { r.group = group }
}

// WithConcurrency sets how many deliveries of the group run at once.
func WithConcurrency(n int) Option {
	return func(r *registration) {
		if n < 1 || n > MaxConcurrency {
			r.err = fmt.Errorf("concurrency %d: %w", n, errspkg.ErrInvalidConcurrency)
			return
		}
		r.concurrency = n
	}
}

// Registry is the consumer table. It is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	opts    Options
	entries []Metadata
	names   map[string]int
	topics  map[string]string
	sealed  bool
}

// NewRegistry creates an empty registry. Zero options fall back to group
// "courier.default" and concurrency 1.
func NewRegistry(opts Options) *Registry {
	if opts.DefaultGroup == "" {
		opts.DefaultGroup = "courier.default"
	}
	if opts.DefaultConcurrency < 1 || opts.DefaultConcurrency > MaxConcurrency {
		opts.DefaultConcurrency = 1
	}
	return &Registry{
		opts:   opts,
		names:  make(map[string]int),
		topics: make(map[string]string),
	}
}

// Register adds a consumer of messageType handled by handlerType.
func (r *Registry) Register(handlerType, messageType string, factory HandlerFactory, opts ...Option) (Metadata, error) {
	switch {
	case handlerType == "":
		return Metadata{}, errspkg.ErrHandlerTypeRequired
	case messageType == "":
		return Metadata{}, errspkg.ErrMessageTypeRequired
	case factory == nil:
		return Metadata{}, errspkg.ErrHandlerRequired
	}

	reg := registration{}
	for _, opt := range opts {
		if opt != nil {
			opt(&reg)
		}
	}
	if reg.err != nil {
		return Metadata{}, reg.err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sealed {
		return Metadata{}, errspkg.ErrRegistrySealed
	}

	topic := reg.topic
	if topic == "" {
		topic = r.topics[messageType]
	}
	if topic == "" {
		topic = messageType
	}
	if err := transport.ValidateName("topic", topic); err != nil {
		return Metadata{}, err
	}

	group := reg.group
	if group == "" {
		group = r.opts.DefaultGroup
	}
	if err := transport.ValidateName("group", group); err != nil {
		return Metadata{}, err
	}

	concurrency := reg.concurrency
	if concurrency == 0 {
		concurrency = r.opts.DefaultConcurrency
	}

	base := handlerType + "." + messageType
	r.names[base]++
	name := base
	if n := r.names[base]; n > 1 {
		name = base + "_" + strconv.Itoa(n)
	}

	md := Metadata{
		Name:        name,
		MessageType: messageType,
		HandlerType: handlerType,
		Topic:       topic,
		Group:       group,
		Concurrency: concurrency,
		Factory:     factory,
	}
	r.entries = append(r.entries, md)
	return md, nil
}

// MapTopic routes messageType to topic for registrations without an explicit
// topic. Repeating the same mapping is a no-op; a different topic fails.
func (r *Registry) MapTopic(messageType, topic string) error {
	if messageType == "" {
		return errspkg.ErrMessageTypeRequired
	}
	if err := transport.ValidateName("topic", topic); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sealed {
		return errspkg.ErrRegistrySealed
	}
	if existing, ok := r.topics[messageType]; ok {
		if existing == topic {
			return nil
		}
		return fmt.Errorf("%s mapped to %q, not %q: %w", messageType, existing, topic, errspkg.ErrTopicConflict)
	}
	r.topics[messageType] = topic
	return nil
}

// TopicFor resolves the topic a message type publishes to.
func (r *Registry) TopicFor(messageType string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if topic, ok := r.topics[messageType]; ok {
		return topic
	}
	return messageType
}

// All returns the registrations in registration order.
func (r *Registry) All() []Metadata {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.entries)
}

// Lookup returns the registrations dispatching a message of messageType
// received on topic within group. A messageType equal to the topic (or
// empty) was sent straight to the topic and matches every consumer of it.
// An empty group matches every group.
func (r *Registry) Lookup(topic, messageType, group string) []Metadata {
	r.mu.RLock()
	defer r.mu.RUnlock()

	byType := messageType != "" && messageType != topic
	var out []Metadata
	for _, md := range r.entries {
		if md.Topic != topic {
			continue
		}
		if byType && md.MessageType != messageType {
			continue
		}
		if group != "" && md.Group != group {
			continue
		}
		out = append(out, md)
	}
	return out
}

// Groups summarises registrations per group, in first-seen order. A group
// runs with the largest concurrency any of its registrations asked for.
func (r *Registry) Groups() []GroupSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()

	index := make(map[string]int)
	var out []GroupSpec
	for _, md := range r.entries {
		i, ok := index[md.Group]
		if !ok {
			i = len(out)
			index[md.Group] = i
			out = append(out, GroupSpec{Name: md.Group})
		}
		spec := &out[i]
		if !slices.Contains(spec.Topics, md.Topic) {
			spec.Topics = append(spec.Topics, md.Topic)
		}
		spec.Concurrency = max(spec.Concurrency, md.Concurrency)
	}
	return out
}

// Seal makes the registry read-only.
func (r *Registry) Seal() {
	r.mu.Lock()
	r.sealed = true
	r.mu.Unlock()
}

// Sealed reports whether Seal has been called.
func (r *Registry) Sealed() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sealed
}
