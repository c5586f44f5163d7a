package processor

import (
	"context"
	"time"

	"github.com/drblury/courier/internal/runtime/lock"
	loggingpkg "github.com/drblury/courier/internal/runtime/logging"
	"github.com/drblury/courier/internal/runtime/telemetry"
)

// Tick results reported to metrics.
const (
	ResultOK      = "ok"
	ResultError   = "error"
	ResultSkipped = "skipped"
)

const releaseTimeout = 5 * time.Second

// Work is one tick of a processor.
type Work func(ctx context.Context) error

// Options configures a Periodic.
type Options struct {
	// Locks guards each tick. Nil runs every tick unguarded.
	Locks   lock.Provider
	Logger  loggingpkg.ServiceLogger
	Metrics *telemetry.Metrics
	// RunImmediately performs the first tick on start instead of after one
	// interval.
	RunImmediately bool
}

// Periodic runs work every interval while holding the lock
// "processor:<name>". A tick whose lock is held elsewhere is skipped.
type Periodic struct {
	name     string
	interval time.Duration
	work     Work
	locks    lock.Provider
	logger   loggingpkg.ServiceLogger
	metrics  *telemetry.Metrics
	eager    bool

	held *lock.Lock
}

// NewPeriodic creates a processor. It is not started until Run.
func NewPeriodic(name string, interval time.Duration, work Work, opts Options) *Periodic {
	return &Periodic{
		name:     name,
		interval: interval,
		work:     work,
		locks:    opts.Locks,
		logger:   loggingpkg.Component(opts.Logger, "processor").With(loggingpkg.LogFields{"processor": name}),
		metrics:  opts.Metrics,
		eager:    opts.RunImmediately,
	}
}

// Name identifies the processor.
func (p *Periodic) Name() string { return "processor:" + p.name }

// Interval is the tick period.
func (p *Periodic) Interval() time.Duration { return p.interval }

// Run ticks until ctx is cancelled, then releases the lock if held.
func (p *Periodic) Run(ctx context.Context) error {
	defer p.release()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	if p.eager {
		p.Tick(ctx)
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			p.Tick(ctx)
		}
	}
}

// Tick runs one guarded iteration and returns its result. Run calls it on
// every tick; it is exported for deterministic driving.
func (p *Periodic) Tick(ctx context.Context) string {
	if !p.guard(ctx) {
		p.metrics.RecordTick(p.name, ResultSkipped)
		return ResultSkipped
	}
	if err := p.work(ctx); err != nil {
		if ctx.Err() == nil {
			p.logger.Error("Processor tick failed", err, nil)
		}
		p.metrics.RecordTick(p.name, ResultError)
		return ResultError
	}
	p.metrics.RecordTick(p.name, ResultOK)
	return ResultOK
}

// guard renews a held lock or tries to take it without waiting.
func (p *Periodic) guard(ctx context.Context) bool {
	if p.locks == nil {
		return true
	}
	resource := p.Name()
	if p.held != nil {
		ok, err := p.locks.Renew(ctx, resource, p.held.ID, p.interval)
		if err == nil && ok {
			return true
		}
		if err != nil {
			p.logger.Error("Renewing processor lock failed", err, nil)
		}
		p.held = nil
	}
	held, err := p.locks.TryAcquire(ctx, resource, lock.WithTTL(p.interval), lock.WithTimeout(0))
	if err != nil {
		if ctx.Err() == nil {
			p.logger.Error("Acquiring processor lock failed", err, nil)
		}
		return false
	}
	if held == nil {
		p.logger.Trace("Processor lock held elsewhere, skipping tick", nil)
		return false
	}
	p.held = held
	return true
}

func (p *Periodic) release() {
	if p.locks == nil || p.held == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()
	if err := p.locks.Release(ctx, p.Name(), p.held.ID); err != nil {
		p.logger.Error("Releasing processor lock failed", err, nil)
	}
	p.held = nil
}
