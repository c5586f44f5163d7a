package handlers

import (
	"context"
	"fmt"
	"reflect"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"

	"github.com/drblury/courier/internal/runtime/consumer"
	errspkg "github.com/drblury/courier/internal/runtime/errors"
	loggingpkg "github.com/drblury/courier/internal/runtime/logging"
	metadatapkg "github.com/drblury/courier/internal/runtime/metadata"
	"github.com/drblury/courier/transport"
)

// ProtoMessageContext provides strongly typed access to the incoming message payload.
type ProtoMessageContext[T proto.Message] struct {
	MessageContextBase
	Payload T
}

// ProtoMessageOutput describes an event that should be emitted after the
// handler succeeds. An empty Name publishes under the message's full proto name.
type ProtoMessageOutput struct {
	Name     string
	Message  proto.Message
	Metadata metadatapkg.Metadata
}

// ProtoMessageHandler processes a typed protobuf payload and returns the events to emit.
type ProtoMessageHandler[T proto.Message] func(ctx context.Context, event ProtoMessageContext[T]) ([]ProtoMessageOutput, error)

// Proto converts a typed protobuf handler into a consumer handler factory.
// Payloads are decoded with protojson. validate, when set, checks every
// emitted message before it is published.
func Proto[T proto.Message](prototype T, handler ProtoMessageHandler[T], validate func(proto.Message) error, opts Options) (consumer.HandlerFactory, error) {
	if handler == nil {
		return nil, errspkg.ErrHandlerRequired
	}
	prototype, err := EnsureProtoPrototype(prototype)
	if err != nil {
		return nil, err
	}
	logger := loggingpkg.Component(opts.Logger, "handler")

	h := consumer.HandlerFunc(func(ctx context.Context, msg *transport.Message) error {
		typed, err := clonePrototype(prototype)
		if err != nil {
			return err
		}
		if err := protojson.Unmarshal(msg.Body(), typed); err != nil {
			return &errspkg.UnprocessableEventError{EventMessage: fmt.Sprintf("failed to unmarshal %T payload", prototype), Err: err}
		}

		event := ProtoMessageContext[T]{MessageContextBase: newBase(msg, logger), Payload: typed}
		outgoing, err := handler(ctx, event)
		if err != nil {
			return err
		}

		for _, out := range outgoing {
			if isNilProto(out.Message) {
				return errspkg.ErrNilOutput
			}
			if validate != nil {
				if err := validate(out.Message); err != nil {
					return err
				}
			}
		}
		for _, out := range outgoing {
			name := out.Name
			if name == "" {
				name = string(out.Message.ProtoReflect().Descriptor().FullName())
			}
			if err := emit(ctx, opts.Emitter, event.MessageContextBase, name, out.Message, out.Metadata); err != nil {
				return err
			}
		}
		return nil
	})
	return consumer.Singleton(h), nil
}

func clonePrototype[T proto.Message](prototype T) (T, error) {
	cloned := proto.Clone(prototype)
	proto.Reset(cloned)

	typed, ok := cloned.(T)
	if !ok {
		var zero T
		return zero, fmt.Errorf("unexpected prototype type %T", cloned)
	}
	return typed, nil
}

// EnsureProtoPrototype returns candidate, or a fresh instance of its type
// when candidate is a typed nil pointer.
func EnsureProtoPrototype[T proto.Message](candidate T) (T, error) {
	if !isNilProto(candidate) {
		return candidate, nil
	}

	var zero T
	typ := reflect.TypeOf(candidate)
	if typ == nil {
		return zero, errspkg.ErrPayloadTypeRequired
	}
	if typ.Kind() != reflect.Ptr {
		return zero, errspkg.ErrPayloadPointer
	}

	typed, ok := reflect.New(typ.Elem()).Interface().(T)
	if !ok {
		return zero, fmt.Errorf("unexpected prototype type %s", typ)
	}
	return typed, nil
}

func isNilProto(msg proto.Message) bool {
	if msg == nil {
		return true
	}
	val := reflect.ValueOf(msg)
	switch val.Kind() {
	case reflect.Interface, reflect.Ptr, reflect.Slice, reflect.Map, reflect.Func:
		return val.IsNil()
	}
	return false
}
