package processor

import (
	"context"
	"sync/atomic"

	loggingpkg "github.com/drblury/courier/internal/runtime/logging"
	"github.com/drblury/courier/transport"
)

// Health probes the transport and asks it to drop cached handles when the
// probe fails.
type Health struct {
	target  any
	logger  loggingpkg.ServiceLogger
	healthy atomic.Bool
}

// NewHealth watches target, typically the transport sender. Targets that
// implement neither transport.HealthChecker nor transport.Recoverer are
// always healthy.
func NewHealth(target any, logger loggingpkg.ServiceLogger) *Health {
	h := &Health{
		target: target,
		logger: loggingpkg.Component(logger, "processor").With(loggingpkg.LogFields{"processor": HealthName}),
	}
	h.healthy.Store(true)
	return h
}

// Healthy reports the result of the last probe.
func (h *Health) Healthy() bool { return h.healthy.Load() }

// Check is the processor Work.
func (h *Health) Check(ctx context.Context) error {
	checker, ok := h.target.(transport.HealthChecker)
	if !ok {
		return nil
	}
	err := checker.Ping(ctx)
	if err == nil {
		if !h.healthy.Swap(true) {
			h.logger.Info("Transport recovered", nil)
		}
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	if h.healthy.Swap(false) {
		h.logger.Error("Transport health check failed", err, nil)
	}
	if recoverer, ok := h.target.(transport.Recoverer); ok {
		if rerr := recoverer.Recover(ctx); rerr != nil {
			h.logger.Error("Transport recovery failed", rerr, nil)
		}
	}
	return err
}
