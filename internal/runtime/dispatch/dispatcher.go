// Package dispatch resolves inbound messages to registered handlers, runs
// them through a middleware chain and classifies the result so the consumer
// client can acknowledge or reject the delivery.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/drblury/courier/internal/runtime/consumer"
	errspkg "github.com/drblury/courier/internal/runtime/errors"
	loggingpkg "github.com/drblury/courier/internal/runtime/logging"
	"github.com/drblury/courier/internal/runtime/telemetry"
	"github.com/drblury/courier/transport"
)

// Outcome classifies a dispatch.
type Outcome int

const (
	// Succeeded means every resolved handler returned nil.
	Succeeded Outcome = iota
	// Failed means at least one handler failed; the delivery should be retried.
	Failed
	// Cancelled means dispatch stopped because ctx ended. It is not a handler fault.
	Cancelled
	// Unhandled means no handler is registered for the message in its group.
	Unhandled
)

func (o Outcome) String() string {
	switch o {
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	case Cancelled:
		return "cancelled"
	case Unhandled:
		return "unhandled"
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

// Result reports what a dispatch did.
type Result struct {
	Outcome Outcome
	// Err joins every handler error.
	Err error
	// Handled counts handlers that completed without error.
	Handled int
}

// Lookup resolves the consumers of a message within a group.
type Lookup interface {
	Lookup(topic, messageType, group string) []consumer.Metadata
}

// Options configures a Dispatcher.
type Options struct {
	Logger      loggingpkg.ServiceLogger
	Metrics     *telemetry.Metrics
	Middlewares []Middleware
}

// Dispatcher invokes registered handlers for inbound messages.
type Dispatcher struct {
	lookup  Lookup
	logger  loggingpkg.ServiceLogger
	metrics *telemetry.Metrics
	chain   []Middleware
}

// New creates a dispatcher over lookup. Nil middlewares are skipped.
func New(lookup Lookup, opts Options) *Dispatcher {
	d := &Dispatcher{
		lookup:  lookup,
		logger:  loggingpkg.Component(opts.Logger, "dispatcher"),
		metrics: opts.Metrics,
	}
	d.Use(opts.Middlewares...)
	return d
}

// Use appends middlewares. The first middleware added is the outermost.
func (d *Dispatcher) Use(mws ...Middleware) {
	for _, mw := range mws {
		if mw != nil {
			d.chain = append(d.chain, mw)
		}
	}
}

// Dispatch runs every handler registered for msg. One handler failing never
// stops the others from running.
func (d *Dispatcher) Dispatch(ctx context.Context, msg *transport.Message) Result {
	start := time.Now()
	res := d.dispatch(ctx, msg)
	d.metrics.RecordDispatch(msg.Group(), res.Outcome.String(), time.Since(start))
	return res
}

func (d *Dispatcher) dispatch(ctx context.Context, msg *transport.Message) Result {
	consumers := d.lookup.Lookup(msg.Name(), msg.MessageType(), msg.Group())
	if len(consumers) == 0 {
		loggingpkg.Message(d.logger, msg.Name(), msg.ID(), msg.Group()).Debug("No handler registered", nil)
		return Result{Outcome: Unhandled, Err: fmt.Errorf("%s in group %q: %w", msg.Name(), msg.Group(), errspkg.ErrNoHandler)}
	}

	next := d.wrap(invoke)
	var (
		errs    []error
		handled int
	)
	for _, c := range consumers {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		err := next(ctx, Invocation{Consumer: c, Message: msg, Attempt: Attempt(msg)})
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", c.Name, err))
			continue
		}
		handled++
	}

	if len(errs) == 0 {
		return Result{Outcome: Succeeded, Handled: handled}
	}
	err := errors.Join(errs...)
	if ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
		return Result{Outcome: Cancelled, Err: err, Handled: handled}
	}
	loggingpkg.Message(d.logger, msg.Name(), msg.ID(), msg.Group()).Error("Handler failed", err, nil)
	return Result{Outcome: Failed, Err: err, Handled: handled}
}

func (d *Dispatcher) wrap(h HandlerFunc) HandlerFunc {
	for i := len(d.chain) - 1; i >= 0; i-- {
		h = d.chain[i](h)
	}
	return h
}

func invoke(ctx context.Context, inv Invocation) error {
	h := inv.Consumer.Factory()
	if h == nil {
		return errspkg.ErrHandlerRequired
	}
	return h.Handle(ctx, inv.Message)
}
