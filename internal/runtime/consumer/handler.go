package consumer

import (
	"context"

	"github.com/drblury/courier/transport"
)

// Handler processes one inbound message. Returning an error marks the
// delivery for redelivery.
type Handler interface {
	Handle(ctx context.Context, msg *transport.Message) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, msg *transport.Message) error

func (f HandlerFunc) Handle(ctx context.Context, msg *transport.Message) error {
	return f(ctx, msg)
}

// HandlerFactory creates a fresh Handler for each dispatch.
type HandlerFactory func() Handler

// Singleton returns a factory that always hands out h.
func Singleton(h Handler) HandlerFactory {
	return func() Handler { return h }
}
