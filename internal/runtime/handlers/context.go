package handlers

import (
	"context"

	errspkg "github.com/drblury/courier/internal/runtime/errors"
	loggingpkg "github.com/drblury/courier/internal/runtime/logging"
	metadatapkg "github.com/drblury/courier/internal/runtime/metadata"
	"github.com/drblury/courier/transport"
)

// Emitter publishes the events a handler produces. The outbox publisher
// satisfies it, so emitted events share the outbox delivery guarantees.
type Emitter interface {
	Emit(ctx context.Context, name string, payload any, headers metadatapkg.Metadata) error
}

// Options configures typed handler adapters.
type Options struct {
	Logger  loggingpkg.ServiceLogger
	Emitter Emitter
}

// MessageContextBase provides common functionality for all message context types.
// It holds the metadata and logger shared by JSON and Proto handlers.
type MessageContextBase struct {
	Name      string
	MessageID string
	Metadata  metadatapkg.Metadata
	Logger    loggingpkg.ServiceLogger
}

func newBase(msg *transport.Message, logger loggingpkg.ServiceLogger) MessageContextBase {
	return MessageContextBase{
		Name:      msg.Name(),
		MessageID: msg.ID(),
		Metadata:  msg.Headers(),
		Logger:    logger,
	}
}

// CloneMetadata returns a copy of the current metadata map so handlers can safely
// mutate headers for outgoing events without touching the original map.
func (b MessageContextBase) CloneMetadata() metadatapkg.Metadata {
	return b.Metadata.Clone()
}

// Get retrieves a metadata value by key.
func (b MessageContextBase) Get(key string) string {
	return b.Metadata[key]
}

// CorrelationID returns the correlation ID from metadata, if present.
func (b MessageContextBase) CorrelationID() string {
	return b.Metadata[metadatapkg.HeaderCorrelationID]
}

// Group returns the consuming group.
func (b MessageContextBase) Group() string {
	return b.Metadata[metadatapkg.HeaderGroup]
}

// emit publishes outputs, carrying the correlation id forward when the
// output headers do not set one.
func emit(ctx context.Context, emitter Emitter, base MessageContextBase, name string, payload any, headers metadatapkg.Metadata) error {
	if emitter == nil {
		return errspkg.ErrEmitterRequired
	}
	headers = headers.Clone()
	if _, ok := headers[metadatapkg.HeaderCorrelationID]; !ok {
		if corr := base.CorrelationID(); corr != "" {
			headers[metadatapkg.HeaderCorrelationID] = corr
		}
	}
	return emitter.Emit(ctx, name, payload, headers.Without(reservedHeaders...))
}

// reservedHeaders are stamped by the publisher and never copied from an
// inbound message onto an emitted one.
var reservedHeaders = []string{
	metadatapkg.HeaderMessageID,
	metadatapkg.HeaderMessageName,
	metadatapkg.HeaderGroup,
	metadatapkg.HeaderSentTime,
	metadatapkg.HeaderAttempt,
	metadatapkg.HeaderException,
	metadatapkg.HeaderMessageType,
}
