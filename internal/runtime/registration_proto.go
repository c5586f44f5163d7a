package runtime

import (
	"fmt"

	"google.golang.org/protobuf/proto"

	"github.com/drblury/courier/internal/runtime/consumer"
	errspkg "github.com/drblury/courier/internal/runtime/errors"
	handlerpkg "github.com/drblury/courier/internal/runtime/handlers"
)

// ProtoValidator validates messages a proto handler emits. Implementations
// typically forward to protovalidate.
type ProtoValidator interface {
	Validate(msg proto.Message) error
}

// ProtoHandlerRegistration describes a typed protobuf consumer. An empty
// MessageType defaults to the protobuf full name of T.
type ProtoHandlerRegistration[T proto.Message] struct {
	HandlerType string
	MessageType string
	Topic       string
	Group       string
	Concurrency int
	Handler     handlerpkg.ProtoMessageHandler[T]
	// Validator checks emitted messages before they reach the outbox.
	Validator ProtoValidator
}

// RegisterProtoHandler converts the typed handler into a consumer and registers it.
func RegisterProtoHandler[T proto.Message](svc *Service, cfg ProtoHandlerRegistration[T]) (consumer.Metadata, error) {
	if svc == nil {
		return consumer.Metadata{}, errspkg.ErrServiceRequired
	}

	prototype, err := NewProtoMessage[T]()
	if err != nil {
		return consumer.Metadata{}, err
	}
	messageType := cfg.MessageType
	if messageType == "" {
		messageType = string(prototype.ProtoReflect().Descriptor().FullName())
	}

	var validate func(proto.Message) error
	if cfg.Validator != nil {
		validate = cfg.Validator.Validate
	}
	factory, err := handlerpkg.Proto(prototype, cfg.Handler, validate, svc.handlerOptions())
	if err != nil {
		return consumer.Metadata{}, fmt.Errorf("%s: %w", messageType, err)
	}
	return svc.register(cfg.HandlerType, messageType, factory, cfg.Topic, cfg.Group, cfg.Concurrency)
}

// NewProtoMessage instantiates a zero-value protobuf message for the provided generic type.
func NewProtoMessage[T proto.Message]() (T, error) {
	var zero T
	return handlerpkg.EnsureProtoPrototype(zero)
}
