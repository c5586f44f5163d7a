package lock

import (
	"context"
	"sync"
	"time"

	errspkg "github.com/drblury/courier/internal/runtime/errors"
	idspkg "github.com/drblury/courier/internal/runtime/ids"
	loggingpkg "github.com/drblury/courier/internal/runtime/logging"
)

// keyMutex is a one-slot token channel shared by everyone interested in a
// resource. It lives in Local.keys while refs > 0.
type keyMutex struct {
	token chan struct{}
	refs  int
}

type localEntry struct {
	lock     Lock
	deadline time.Time
	timer    *time.Timer
	// gen changes on every arm; a timer from an older arm is stale.
	gen uint64
	km  *keyMutex
}

// Local is an in-process Provider. The holder of a lock owns the resource's
// token for the lifetime of the lock; expiry and Release hand the token back.
type Local struct {
	mu      sync.Mutex
	entries map[string]*localEntry
	keys    map[string]*keyMutex
	logger  loggingpkg.ServiceLogger
}

// NewLocal returns an empty in-process lock provider.
func NewLocal(logger loggingpkg.ServiceLogger) *Local {
	return &Local{
		entries: make(map[string]*localEntry),
		keys:    make(map[string]*keyMutex),
		logger:  loggingpkg.Component(logger, "lock"),
	}
}

func (l *Local) TryAcquire(ctx context.Context, resource string, opts ...AcquireOption) (*Lock, error) {
	if resource == "" {
		return nil, errspkg.ErrResourceRequired
	}
	o := resolve(opts)

	l.mu.Lock()
	km := l.keys[resource]
	if km == nil {
		km = &keyMutex{token: make(chan struct{}, 1)}
		l.keys[resource] = km
	}
	km.refs++
	l.mu.Unlock()

	got, err := l.wait(ctx, km, o.timeout)
	if err != nil || !got {
		l.mu.Lock()
		l.unrefLocked(resource, km)
		l.mu.Unlock()
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	entry := &localEntry{
		lock: Lock{Resource: resource, ID: idspkg.CreateULID(), AcquiredAt: now, TTL: o.ttl},
		km:   km,
	}
	l.entries[resource] = entry
	l.armLocked(entry, now)

	l.logger.Trace("Lock acquired", loggingpkg.LogFields{"resource": resource, "lock_id": entry.lock.ID})
	out := entry.lock
	return &out, nil
}

// wait takes the resource token. It reports false without error on timeout.
func (l *Local) wait(ctx context.Context, km *keyMutex, timeout time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	if timeout == 0 {
		select {
		case km.token <- struct{}{}:
			return true, nil
		default:
			return false, nil
		}
	}

	var expired <-chan time.Time
	if timeout != Infinite {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case km.token <- struct{}{}:
		if err := ctx.Err(); err != nil {
			<-km.token
			return false, err
		}
		return true, nil
	case <-expired:
		return false, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

func (l *Local) Renew(ctx context.Context, resource, lockID string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry := l.entries[resource]
	if entry == nil || entry.lock.ID != lockID {
		return false, nil
	}
	now := time.Now()
	if entry.lock.TTL != Infinite && !now.Before(entry.deadline) {
		return false, nil
	}
	if entry.timer != nil {
		entry.timer.Stop()
		entry.timer = nil
	}
	entry.lock.AcquiredAt = now
	entry.lock.TTL = normalizeTTL(ttl)
	l.armLocked(entry, now)
	return true, nil
}

func (l *Local) IsLocked(ctx context.Context, resource string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry := l.entries[resource]
	if entry == nil {
		return false, nil
	}
	return entry.lock.TTL == Infinite || time.Now().Before(entry.deadline), nil
}

func (l *Local) Release(ctx context.Context, resource, lockID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry := l.entries[resource]
	if entry == nil || entry.lock.ID != lockID {
		return nil
	}
	l.releaseLocked(resource, entry)
	l.logger.Trace("Lock released", loggingpkg.LogFields{"resource": resource, "lock_id": lockID})
	return nil
}

// keyCount reports how many per-resource mutexes are alive.
func (l *Local) keyCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.keys)
}

func (l *Local) armLocked(entry *localEntry, now time.Time) {
	if entry.lock.TTL == Infinite {
		entry.deadline = time.Time{}
		return
	}
	entry.deadline = now.Add(entry.lock.TTL)
	entry.gen++
	resource, id, gen := entry.lock.Resource, entry.lock.ID, entry.gen
	entry.timer = time.AfterFunc(entry.lock.TTL, func() { l.expire(resource, id, gen) })
}

func (l *Local) expire(resource, lockID string, gen uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry := l.entries[resource]
	if entry == nil || entry.lock.ID != lockID || entry.lock.TTL == Infinite {
		return
	}
	// Renew stopped this timer too late; the newer arm owns expiry.
	if entry.gen != gen {
		return
	}
	if remaining := time.Until(entry.deadline); remaining > 0 {
		entry.timer = time.AfterFunc(remaining, func() { l.expire(resource, lockID, gen) })
		return
	}
	l.releaseLocked(resource, entry)
	l.logger.Debug("Lock expired", loggingpkg.LogFields{"resource": resource, "lock_id": lockID})
}

func (l *Local) releaseLocked(resource string, entry *localEntry) {
	if entry.timer != nil {
		entry.timer.Stop()
	}
	delete(l.entries, resource)
	<-entry.km.token
	l.unrefLocked(resource, entry.km)
}

func (l *Local) unrefLocked(resource string, km *keyMutex) {
	km.refs--
	if km.refs <= 0 && l.keys[resource] == km {
		delete(l.keys, resource)
	}
}
