package transport

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// Delivery pairs an inbound Message with the broker-native handle needed to
// acknowledge it.
type Delivery struct {
	Message *Message
	// Native is the broker handle (amqp091.Delivery, *nats.Msg, ...).
	Native any

	releaseOnce sync.Once
	release     func()
}

// NewDelivery wraps msg and its native handle. release runs at most once.
func NewDelivery(msg *Message, native any, release func()) *Delivery {
	return &Delivery{Message: msg, Native: native, release: release}
}

// Release frees the concurrency slot held by the delivery. It is idempotent.
func (d *Delivery) Release() {
	if d == nil {
		return
	}
	d.releaseOnce.Do(func() {
		if d.release != nil {
			d.release()
		}
	})
}

// Throttle gates callback execution to a fixed number of concurrent
// deliveries. A zero concurrency runs callbacks inline on the listen loop.
type Throttle struct {
	concurrency int
	sem         *semaphore.Weighted
	wg          sync.WaitGroup
}

// NewThrottle returns a throttle admitting concurrency deliveries at once.
func NewThrottle(concurrency int) *Throttle {
	t := &Throttle{concurrency: concurrency}
	if concurrency > 0 {
		t.sem = semaphore.NewWeighted(int64(concurrency))
	}
	return t
}

// Concurrency returns the configured slot count.
func (t *Throttle) Concurrency() int { return t.concurrency }

// Dispatch runs cb for the delivery built by wrap. With a positive
// concurrency it first waits for a free slot, then runs cb on its own
// goroutine; the slot is returned when the delivery is released. It returns
// ctx.Err() if ctx ends while waiting.
func (t *Throttle) Dispatch(ctx context.Context, msg *Message, native any, cb Callback) error {
	if t.sem == nil {
		cb(ctx, NewDelivery(msg, native, nil))
		return nil
	}
	if err := t.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	t.wg.Add(1)
	d := NewDelivery(msg, native, func() {
		t.sem.Release(1)
		t.wg.Done()
	})
	go cb(ctx, d)
	return nil
}

// Wait blocks until every dispatched delivery has been released.
func (t *Throttle) Wait() {
	t.wg.Wait()
}
