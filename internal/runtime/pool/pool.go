// Package pool keeps a bounded set of native broker handles (AMQP channels,
// NATS connections) that are expensive to create and cheap to reuse.
package pool

import (
	"context"
	"fmt"
	"sync"

	errspkg "github.com/drblury/courier/internal/runtime/errors"
	loggingpkg "github.com/drblury/courier/internal/runtime/logging"
)

// Handle is a pooled native resource.
type Handle interface {
	// IsOpen reports whether the handle can still be used.
	IsOpen() bool
	Close() error
}

// Factory lazily creates a handle on a cache miss.
type Factory[H Handle] func(ctx context.Context) (H, error)

// Options configures a Pool.
type Options struct {
	// MaxSize bounds the number of outstanding handles (idle + rented).
	MaxSize int
	Logger  loggingpkg.ServiceLogger
	// Name labels log lines and metrics.
	Name string
}

// Stats is a point-in-time view of the pool.
type Stats struct {
	// Count is the number of live handles, rented or idle.
	Count   int
	Idle    int
	MaxSize int
}

// Pool hands out handles with Rent and takes them back with Return. Count
// never exceeds MaxSize: a Rent that finds no idle handle and no free slot
// parks until a handle is returned, a slot is freed, or ctx ends.
type Pool[H Handle] struct {
	factory Factory[H]
	logger  loggingpkg.ServiceLogger
	name    string

	mu      sync.Mutex
	idle    []H
	count   int
	maxSize int
	closed  bool
	// changed is closed and replaced whenever a slot or idle handle frees up.
	changed chan struct{}
}

// New creates a pool. MaxSize below one is treated as one.
func New[H Handle](factory Factory[H], opts Options) *Pool[H] {
	if opts.MaxSize < 1 {
		opts.MaxSize = 1
	}
	if opts.Name == "" {
		opts.Name = "pool"
	}
	return &Pool[H]{
		factory: factory,
		logger:  loggingpkg.Component(opts.Logger, "pool").With(loggingpkg.LogFields{"pool": opts.Name}),
		name:    opts.Name,
		maxSize: opts.MaxSize,
		changed: make(chan struct{}),
	}
}

// Rent returns an idle handle, creates one if a slot is free, or waits.
func (p *Pool[H]) Rent(ctx context.Context) (H, error) {
	var zero H
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return zero, errspkg.ErrPoolClosed
		}
		for len(p.idle) > 0 {
			h := p.idle[len(p.idle)-1]
			p.idle = p.idle[:len(p.idle)-1]
			if h.IsOpen() {
				p.mu.Unlock()
				return h, nil
			}
			p.count--
			p.disposeLocked(h)
		}
		if p.count < p.maxSize {
			p.count++
			p.mu.Unlock()
			return p.create(ctx)
		}
		wait := p.changed
		p.mu.Unlock()

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-wait:
		}
	}
}

func (p *Pool[H]) create(ctx context.Context) (H, error) {
	h, err := p.factory(ctx)
	if err != nil {
		p.mu.Lock()
		p.count--
		p.broadcastLocked()
		p.mu.Unlock()
		var zero H
		return zero, fmt.Errorf("%s: create handle: %w", p.name, err)
	}
	p.logger.Debug("Created pooled handle", nil)
	return h, nil
}

// Return hands a rented handle back. It reports whether the handle was kept;
// closed handles, surplus handles and handles returned after Close are
// disposed instead.
func (p *Pool[H]) Return(h H) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	defer p.broadcastLocked()

	if !p.closed && h.IsOpen() && len(p.idle) < p.maxSize && p.count <= p.maxSize {
		p.idle = append(p.idle, h)
		return true
	}
	p.count--
	p.disposeLocked(h)
	return false
}

// Discard drops a rented handle without pooling it, e.g. after a stale
// handle error.
func (p *Pool[H]) Discard(h H) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.count--
	p.disposeLocked(h)
	p.broadcastLocked()
}

// SetMaxSize changes the bound. Shrinking disposes surplus idle handles
// immediately; rented handles above the new bound are disposed on Return.
func (p *Pool[H]) SetMaxSize(n int) {
	if n < 1 {
		n = 1
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.maxSize = n
	for len(p.idle) > 0 && p.count > p.maxSize {
		h := p.idle[0]
		p.idle = p.idle[1:]
		p.count--
		p.disposeLocked(h)
	}
	p.broadcastLocked()
}

// Drain disposes every idle handle so the next Rent reconnects.
func (p *Pool[H]) Drain() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.idle)
	for _, h := range p.idle {
		p.count--
		p.disposeLocked(h)
	}
	p.idle = nil
	p.broadcastLocked()
	return n
}

// Stats returns the current counters.
func (p *Pool[H]) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{Count: p.count, Idle: len(p.idle), MaxSize: p.maxSize}
}

// Close disposes idle handles and makes every later Rent fail. Handles still
// rented are disposed when returned.
func (p *Pool[H]) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	for _, h := range p.idle {
		p.count--
		p.disposeLocked(h)
	}
	p.idle = nil
	p.broadcastLocked()
	return nil
}

func (p *Pool[H]) disposeLocked(h H) {
	if err := h.Close(); err != nil {
		p.logger.Debug("Closing pooled handle failed", loggingpkg.LogFields{"error": err.Error()})
	}
}

func (p *Pool[H]) broadcastLocked() {
	close(p.changed)
	p.changed = make(chan struct{})
}
