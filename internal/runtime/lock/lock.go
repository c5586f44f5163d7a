// Package lock provides named, TTL-bounded advisory locks used to make
// periodic maintenance run on one node at a time.
package lock

import (
	"context"
	"time"
)

const (
	// DefaultTTL is how long a lock is held when no TTL option is given.
	DefaultTTL = 20 * time.Minute
	// DefaultAcquireTimeout is how long TryAcquire waits by default.
	DefaultAcquireTimeout = 30 * time.Second
	// Infinite disables expiry when used as a TTL and disables the deadline
	// when used as an acquire timeout.
	Infinite time.Duration = -1
)

// Lock describes a held lock. It is a value: releasing happens through the
// Provider with the ID.
type Lock struct {
	Resource   string
	ID         string
	AcquiredAt time.Time
	TTL        time.Duration
}

// ExpiresAt returns when the lock lapses. ok is false for infinite locks.
func (l Lock) ExpiresAt() (time.Time, bool) {
	if l.TTL == Infinite {
		return time.Time{}, false
	}
	return l.AcquiredAt.Add(l.TTL), true
}

// Provider grants exclusive, expiring ownership of named resources.
type Provider interface {
	// TryAcquire waits up to the acquire timeout for resource. It returns
	// (nil, nil) when the timeout elapses and (nil, ctx.Err()) when ctx ends
	// first; in neither case is a lock held.
	TryAcquire(ctx context.Context, resource string, opts ...AcquireOption) (*Lock, error)
	// Renew extends a held lock. It returns false when lockID no longer owns
	// resource.
	Renew(ctx context.Context, resource, lockID string, ttl time.Duration) (bool, error)
	IsLocked(ctx context.Context, resource string) (bool, error)
	// Release frees resource if lockID owns it and is a no-op otherwise.
	Release(ctx context.Context, resource, lockID string) error
}

// AcquireOption customises TryAcquire.
type AcquireOption func(*acquireOptions)

type acquireOptions struct {
	ttl     time.Duration
	timeout time.Duration
}

// WithTTL sets the lock lifetime. Zero keeps the default; negative values
// mean Infinite.
func WithTTL(d time.Duration) AcquireOption {
	return func(o *acquireOptions) { o.ttl = normalizeTTL(d) }
}

// WithTimeout sets how long to wait for the lock. Zero tries exactly once;
// negative values mean Infinite.
func WithTimeout(d time.Duration) AcquireOption {
	return func(o *acquireOptions) {
		if d < 0 {
			d = Infinite
		}
		o.timeout = d
	}
}

func resolve(opts []AcquireOption) acquireOptions {
	o := acquireOptions{ttl: DefaultTTL, timeout: DefaultAcquireTimeout}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o
}

func normalizeTTL(d time.Duration) time.Duration {
	switch {
	case d == 0:
		return DefaultTTL
	case d < 0:
		return Infinite
	}
	return d
}
