package dispatch

import (
	"context"
	"fmt"
	"runtime/debug"
	"strconv"

	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/drblury/courier/internal/runtime/consumer"
	idspkg "github.com/drblury/courier/internal/runtime/ids"
	loggingpkg "github.com/drblury/courier/internal/runtime/logging"
	metadatapkg "github.com/drblury/courier/internal/runtime/metadata"
	"github.com/drblury/courier/transport"
)

// Invocation is a single handler execution flowing through the middleware chain.
type Invocation struct {
	Consumer consumer.Metadata
	Message  *transport.Message
	// Attempt is the delivery attempt reported by the sender, starting at 1.
	Attempt int
}

// HandlerFunc executes one invocation.
type HandlerFunc func(ctx context.Context, inv Invocation) error

// Middleware decorates a HandlerFunc.
type Middleware func(HandlerFunc) HandlerFunc

// DefaultMiddlewares returns the standard chain used by the Service.
func DefaultMiddlewares(logger loggingpkg.ServiceLogger) []Middleware {
	return []Middleware{
		CorrelationIDMiddleware(),
		LogMessagesMiddleware(logger),
		TracerMiddleware(),
		RecovererMiddleware(),
	}
}

// Attempt reads the attempt header, defaulting to 1.
func Attempt(msg *transport.Message) int {
	raw, ok := msg.Header(metadatapkg.HeaderAttempt)
	if !ok {
		return 1
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 1
	}
	return n
}

// RecovererMiddleware converts handler panics into errors so the delivery is
// rejected and the concurrency slot is still released.
func RecovererMiddleware() Middleware {
	return func(h HandlerFunc) HandlerFunc {
		return func(ctx context.Context, inv Invocation) (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = middleware.RecoveredPanicError{V: r, Stacktrace: string(debug.Stack())}
				}
			}()
			return h(ctx, inv)
		}
	}
}

// CorrelationIDMiddleware stamps a correlation identifier on messages that
// arrive without one.
func CorrelationIDMiddleware() Middleware {
	return func(h HandlerFunc) HandlerFunc {
		return func(ctx context.Context, inv Invocation) error {
			if _, ok := inv.Message.Header(metadatapkg.HeaderCorrelationID); !ok {
				inv.Message = inv.Message.WithHeader(metadatapkg.HeaderCorrelationID, idspkg.CreateULID())
			}
			return h(ctx, inv)
		}
	}
}

// LogMessagesMiddleware logs every handled message at debug level.
func LogMessagesMiddleware(logger loggingpkg.ServiceLogger) Middleware {
	log := loggingpkg.Component(logger, "dispatcher")
	return func(h HandlerFunc) HandlerFunc {
		return func(ctx context.Context, inv Invocation) error {
			log.Debug("Processing message", loggingpkg.LogFields{
				"consumer":   inv.Consumer.Name,
				"message_id": inv.Message.ID(),
				"payload":    string(inv.Message.Body()),
				"metadata":   inv.Message.Headers(),
			})
			return h(ctx, inv)
		}
	}
}

// TracerMiddleware wraps handler execution in an OpenTelemetry span.
func TracerMiddleware() Middleware {
	return func(h HandlerFunc) HandlerFunc {
		return func(ctx context.Context, inv Invocation) error {
			ctx, span := otel.Tracer("courier").Start(ctx, "courier.handle "+inv.Consumer.Name)
			defer span.End()

			span.SetAttributes(
				attribute.String("messaging.message.id", inv.Message.ID()),
				attribute.String("messaging.destination.name", inv.Consumer.Topic),
				attribute.String("messaging.consumer.group.name", inv.Consumer.Group),
				attribute.Int("courier.attempt", inv.Attempt),
			)
			err := h(ctx, inv)
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, fmt.Sprint(err))
			}
			return err
		}
	}
}
