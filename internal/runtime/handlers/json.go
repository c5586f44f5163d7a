package handlers

import (
	"context"
	"reflect"

	"github.com/drblury/courier/internal/runtime/consumer"
	errspkg "github.com/drblury/courier/internal/runtime/errors"
	jsoncodec "github.com/drblury/courier/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/courier/internal/runtime/logging"
	metadatapkg "github.com/drblury/courier/internal/runtime/metadata"
	"github.com/drblury/courier/transport"
)

// JSONMessageContext exposes the incoming payload and metadata for JSON handlers.
type JSONMessageContext[T any] struct {
	MessageContextBase
	Payload T
}

// JSONMessageOutput represents an event emitted by a JSON handler. Name is
// the message name it is published under.
type JSONMessageOutput struct {
	Name     string
	Message  any
	Metadata metadatapkg.Metadata
}

// JSONMessageHandler processes a JSON payload and returns the events to publish.
type JSONMessageHandler[T any] func(ctx context.Context, event JSONMessageContext[T]) ([]JSONMessageOutput, error)

// JSON converts a typed JSON handler into a consumer handler factory. T must
// be a pointer type.
func JSON[T any](handler JSONMessageHandler[T], opts Options) (consumer.HandlerFactory, error) {
	if handler == nil {
		return nil, errspkg.ErrHandlerRequired
	}

	prototypeFactory, err := jsonPrototypeFactory[T]()
	if err != nil {
		return nil, err
	}
	logger := loggingpkg.Component(opts.Logger, "handler")

	h := consumer.HandlerFunc(func(ctx context.Context, msg *transport.Message) error {
		typed := prototypeFactory()
		if err := jsoncodec.Unmarshal(msg.Body(), typed); err != nil {
			return &errspkg.UnprocessableEventError{EventMessage: "failed to unmarshal JSON payload", Err: err}
		}

		event := JSONMessageContext[T]{MessageContextBase: newBase(msg, logger), Payload: typed}
		outgoing, err := handler(ctx, event)
		if err != nil {
			return err
		}

		for _, out := range outgoing {
			if out.Message == nil || reflect.ValueOf(out.Message).IsZero() {
				return errspkg.ErrNilOutput
			}
			if err := emit(ctx, opts.Emitter, event.MessageContextBase, out.Name, out.Message, out.Metadata); err != nil {
				return err
			}
		}
		return nil
	})
	return consumer.Singleton(h), nil
}

func jsonPrototypeFactory[T any]() (func() T, error) {
	var zero T
	typ := reflect.TypeOf(zero)
	if typ == nil {
		return nil, errspkg.ErrPayloadTypeRequired
	}
	if typ.Kind() != reflect.Ptr {
		return nil, errspkg.ErrPayloadPointer
	}
	elem := typ.Elem()
	return func() T {
		return reflect.New(elem).Interface().(T)
	}, nil
}
