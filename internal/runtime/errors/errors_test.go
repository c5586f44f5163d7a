package errors

import (
	"errors"
	"fmt"
	"testing"
)

func TestSentinelErrors(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		wantMsg string
	}{
		{"ErrConfigRequired", ErrConfigRequired, "courier: configuration is required"},
		{"ErrHandlerRequired", ErrHandlerRequired, "courier: handler factory is required"},
		{"ErrInvalidName", ErrInvalidName, "courier: invalid broker name"},
		{"ErrInvalidConcurrency", ErrInvalidConcurrency, "courier: concurrency must be between 1 and 255"},
		{"ErrTopicConflict", ErrTopicConflict, "courier: message type already mapped to a different topic"},
		{"ErrPoolClosed", ErrPoolClosed, "courier: pool is closed"},
		{"ErrBrokerUnavailable", ErrBrokerUnavailable, "courier: broker unavailable"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.wantMsg {
				t.Errorf("Error() = %q, want %q", got, tt.wantMsg)
			}
		})
	}
}

func TestConfigValidationError(t *testing.T) {
	inner := errors.New("invalid port")
	err := ConfigValidationError{Err: inner}

	want := "courier: invalid configuration: invalid port"
	if got := err.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
	if unwrapped := err.Unwrap(); unwrapped != inner {
		t.Errorf("Unwrap() = %v, want %v", unwrapped, inner)
	}
}

func TestNewConfigValidationError(t *testing.T) {
	t.Run("nil error returns nil", func(t *testing.T) {
		if err := NewConfigValidationError(nil); err != nil {
			t.Errorf("NewConfigValidationError(nil) = %v, want nil", err)
		}
	})

	t.Run("wrapped sentinel stays matchable", func(t *testing.T) {
		err := NewConfigValidationError(fmt.Errorf("exchange %q: %w", "orders!", ErrInvalidName))
		if !errors.Is(err, ErrInvalidName) {
			t.Error("errors.Is should match wrapped sentinel")
		}
		if !IsConfigError(err) {
			t.Error("expected IsConfigError to detect the wrapper")
		}
	})

	t.Run("plain errors are not config errors", func(t *testing.T) {
		if IsConfigError(errors.New("boom")) {
			t.Error("plain error must not be classified as config error")
		}
	})
}

func TestUnprocessableEventError(t *testing.T) {
	inner := errors.New("unexpected end of JSON input")
	var err error = &UnprocessableEventError{EventMessage: "failed to unmarshal JSON payload", Err: inner}

	if got, want := err.Error(), "unprocessable event: failed to unmarshal JSON payload error: unexpected end of JSON input"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
	if !errors.Is(err, inner) {
		t.Error("errors.Is should reach the decode error")
	}
	var target *UnprocessableEventError
	if !errors.As(fmt.Errorf("orders: %w", err), &target) {
		t.Error("errors.As should find the wrapper")
	}
}
