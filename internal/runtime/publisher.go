package runtime

import (
	"context"
	"slices"

	"google.golang.org/protobuf/proto"

	errspkg "github.com/drblury/courier/internal/runtime/errors"
	metadatapkg "github.com/drblury/courier/internal/runtime/metadata"
	"github.com/drblury/courier/internal/runtime/outbox"
)

// Producer emits events through the outbox.
type Producer interface {
	Publish(ctx context.Context, name string, payload any, opts ...outbox.PublishOption) (*outbox.Record, error)
	PublishProto(ctx context.Context, name string, msg proto.Message, opts ...outbox.PublishOption) (*outbox.Record, error)
}

var _ Producer = (*Service)(nil)

// Publish stores payload in the outbox and attempts an immediate send. name
// is a message type: a type bound with MapTopic travels on its topic and
// carries its type in a header. A failed send is retried in the background
// and not reported here.
func (s *Service) Publish(ctx context.Context, name string, payload any, opts ...outbox.PublishOption) (*outbox.Record, error) {
	if s == nil || s.publisher == nil {
		return nil, errspkg.ErrServiceRequired
	}
	topic, opts := s.route(name, opts)
	return s.publisher.Publish(ctx, topic, payload, opts...)
}

// PublishProto publishes a protobuf message encoded with protojson.
func (s *Service) PublishProto(ctx context.Context, name string, msg proto.Message, opts ...outbox.PublishOption) (*outbox.Record, error) {
	if s == nil || s.publisher == nil {
		return nil, errspkg.ErrServiceRequired
	}
	topic, opts := s.route(name, opts)
	return s.publisher.PublishProto(ctx, topic, msg, opts...)
}

// Emit publishes payload with headers and only reports whether it was stored.
// Typed handlers emit their outputs through it.
func (s *Service) Emit(ctx context.Context, name string, payload any, headers metadatapkg.Metadata) error {
	_, err := s.Publish(ctx, name, payload, outbox.WithHeaders(headers))
	return err
}

// route resolves the topic of messageType and appends the type header when
// the two differ.
func (s *Service) route(messageType string, opts []outbox.PublishOption) (string, []outbox.PublishOption) {
	topic := s.registry.TopicFor(messageType)
	if topic == messageType {
		return topic, opts
	}
	typed := outbox.WithHeaders(metadatapkg.New(metadatapkg.HeaderMessageType, messageType))
	return topic, append(slices.Clip(opts), typed)
}
