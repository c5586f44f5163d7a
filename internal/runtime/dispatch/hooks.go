package dispatch

import (
	"context"
	"time"

	loggingpkg "github.com/drblury/courier/internal/runtime/logging"
	metadatapkg "github.com/drblury/courier/internal/runtime/metadata"
)

// JobContext provides information about a handler execution to hooks.
type JobContext struct {
	// HandlerName is the registered consumer name.
	HandlerName string
	// Topic is the topic the message was received from.
	Topic string
	// Group is the consuming group.
	Group     string
	MessageID string
	Metadata  metadatapkg.Metadata
	Context   context.Context
	StartedAt time.Time
	// Duration is only set in OnJobDone and OnJobError.
	Duration time.Duration
	// Attempt is the delivery attempt, starting at 1.
	Attempt int
}

// JobHooks defines callbacks for job lifecycle events.
// All hooks are optional - nil hooks are simply not called.
type JobHooks struct {
	OnJobStart func(ctx JobContext)
	OnJobDone  func(ctx JobContext)
	OnJobError func(ctx JobContext, err error)
}

// Merge combines two JobHooks, creating a new JobHooks that calls both.
// The hooks from 'other' are called after the hooks from 'h'.
func (h JobHooks) Merge(other JobHooks) JobHooks {
	return JobHooks{
		OnJobStart: chainHooks(h.OnJobStart, other.OnJobStart),
		OnJobDone:  chainHooks(h.OnJobDone, other.OnJobDone),
		OnJobError: chainErrorHooks(h.OnJobError, other.OnJobError),
	}
}

func chainHooks(a, b func(JobContext)) func(JobContext) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx JobContext) {
		a(ctx)
		b(ctx)
	}
}

func chainErrorHooks(a, b func(JobContext, error)) func(JobContext, error) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx JobContext, err error) {
		a(ctx, err)
		b(ctx, err)
	}
}

// JobHooksMiddleware invokes hooks around each handler execution.
func JobHooksMiddleware(hooks JobHooks) Middleware {
	return func(h HandlerFunc) HandlerFunc {
		return func(ctx context.Context, inv Invocation) error {
			jobCtx := JobContext{
				HandlerName: inv.Consumer.Name,
				Topic:       inv.Consumer.Topic,
				Group:       inv.Consumer.Group,
				MessageID:   inv.Message.ID(),
				Metadata:    inv.Message.Headers(),
				Context:     ctx,
				StartedAt:   time.Now(),
				Attempt:     inv.Attempt,
			}

			if hooks.OnJobStart != nil {
				hooks.OnJobStart(jobCtx)
			}

			err := h(ctx, inv)
			jobCtx.Duration = time.Since(jobCtx.StartedAt)

			if err != nil {
				if hooks.OnJobError != nil {
					hooks.OnJobError(jobCtx, err)
				}
			} else if hooks.OnJobDone != nil {
				hooks.OnJobDone(jobCtx)
			}
			return err
		}
	}
}

// LoggingHooks returns hooks that log job lifecycle events.
func LoggingHooks(logger loggingpkg.ServiceLogger) JobHooks {
	logger = loggingpkg.Component(logger, "jobs")
	return JobHooks{
		OnJobStart: func(ctx JobContext) {
			logger.Info("Job started", loggingpkg.LogFields{
				"handler":    ctx.HandlerName,
				"topic":      ctx.Topic,
				"message_id": ctx.MessageID,
				"attempt":    ctx.Attempt,
			})
		},
		OnJobDone: func(ctx JobContext) {
			logger.Info("Job completed", loggingpkg.LogFields{
				"handler":     ctx.HandlerName,
				"topic":       ctx.Topic,
				"message_id":  ctx.MessageID,
				"duration_ms": ctx.Duration.Milliseconds(),
			})
		},
		OnJobError: func(ctx JobContext, err error) {
			logger.Error("Job failed", err, loggingpkg.LogFields{
				"handler":     ctx.HandlerName,
				"topic":       ctx.Topic,
				"message_id":  ctx.MessageID,
				"duration_ms": ctx.Duration.Milliseconds(),
				"attempt":     ctx.Attempt,
			})
		},
	}
}

// MetricsHooks returns hooks that report job events to counters.
func MetricsHooks(onStart, onDone, onError func(handlerName, topic string)) JobHooks {
	return JobHooks{
		OnJobStart: func(ctx JobContext) {
			if onStart != nil {
				onStart(ctx.HandlerName, ctx.Topic)
			}
		},
		OnJobDone: func(ctx JobContext) {
			if onDone != nil {
				onDone(ctx.HandlerName, ctx.Topic)
			}
		},
		OnJobError: func(ctx JobContext, _ error) {
			if onError != nil {
				onError(ctx.HandlerName, ctx.Topic)
			}
		},
	}
}

// AlertingHooks returns hooks that trigger alerts on job errors.
func AlertingHooks(alertFunc func(ctx JobContext, err error)) JobHooks {
	return JobHooks{OnJobError: alertFunc}
}
