package errors

import (
	sterrors "errors"
	"fmt"
)

var (
	ErrConfigRequired      = sterrors.New("courier: configuration is required")
	ErrLoggerRequired      = sterrors.New("courier: logger is required")
	ErrHandlerRequired     = sterrors.New("courier: handler factory is required")
	ErrHandlerTypeRequired = sterrors.New("courier: handler type is required")
	ErrMessageTypeRequired = sterrors.New("courier: message type is required")
	ErrTopicRequired       = sterrors.New("courier: topic is required")
	ErrInvalidName         = sterrors.New("courier: invalid broker name")
	ErrInvalidConcurrency  = sterrors.New("courier: concurrency must be between 1 and 255")
	ErrTopicConflict       = sterrors.New("courier: message type already mapped to a different topic")
	ErrRegistrySealed      = sterrors.New("courier: consumer registry is sealed")
	ErrStoreRequired       = sterrors.New("courier: outbox store is required")
	ErrSenderRequired      = sterrors.New("courier: transport sender is required")
	ErrRecordNotFound      = sterrors.New("courier: outbox record not found")
	ErrPoolClosed          = sterrors.New("courier: pool is closed")
	ErrTransportClosed     = sterrors.New("courier: transport is closed")
	ErrBrokerUnavailable   = sterrors.New("courier: broker unavailable")
	ErrNoHandler           = sterrors.New("courier: no handler registered for message")
	ErrLockProviderMissing = sterrors.New("courier: lock provider is required")
	ErrResourceRequired    = sterrors.New("courier: lock resource is required")
	ErrPayloadTypeRequired = sterrors.New("courier: payload type is required")
	ErrPayloadPointer      = sterrors.New("courier: payload type must be a pointer")
	ErrEmitterRequired     = sterrors.New("courier: emitter is required to publish handler outputs")
	ErrNilOutput           = sterrors.New("courier: handler emitted a nil message")
	ErrServiceRequired     = sterrors.New("courier: service is required")
	ErrServiceStarted      = sterrors.New("courier: service already started")
	ErrServiceStopped      = sterrors.New("courier: service is stopped")
)

// ConfigValidationError marks configuration faults that must surface to the
// caller synchronously instead of being retried.
type ConfigValidationError struct {
	Err error
}

func (e ConfigValidationError) Error() string {
	return fmt.Sprintf("courier: invalid configuration: %v", e.Err)
}

func (e ConfigValidationError) Unwrap() error { return e.Err }

// NewConfigValidationError wraps err, returning nil when err is nil.
func NewConfigValidationError(err error) error {
	if err == nil {
		return nil
	}
	return ConfigValidationError{Err: err}
}

// IsConfigError reports whether err carries a ConfigValidationError.
func IsConfigError(err error) bool {
	var cfgErr ConfigValidationError
	return sterrors.As(err, &cfgErr)
}

// UnprocessableEventError wraps payloads that failed decoding or validation.
// Redelivering such a message will not help.
type UnprocessableEventError struct {
	EventMessage string
	Err          error
}

func (e *UnprocessableEventError) Error() string {
	return "unprocessable event: " + e.EventMessage + " error: " + e.Err.Error()
}

func (e *UnprocessableEventError) Unwrap() error { return e.Err }
