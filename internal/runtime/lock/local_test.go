package lock

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errspkg "github.com/drblury/courier/internal/runtime/errors"
)

func TestLocalConcurrentAcquireIsExclusive(t *testing.T) {
	p := NewLocal(nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	results := make(chan *Lock, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l, err := p.TryAcquire(ctx, "processor:retry", WithTimeout(50*time.Millisecond))
			assert.NoError(t, err)
			results <- l
		}()
	}
	wg.Wait()
	close(results)

	held := 0
	for l := range results {
		if l != nil {
			held++
			assert.Equal(t, "processor:retry", l.Resource)
			assert.NotEmpty(t, l.ID)
		}
	}
	assert.Equal(t, 1, held, "exactly one caller must win")
}

func TestLocalInfiniteTimeoutWaitsForRelease(t *testing.T) {
	p := NewLocal(nil)
	ctx := context.Background()

	first, err := p.TryAcquire(ctx, "res")
	require.NoError(t, err)
	require.NotNil(t, first)

	acquired := make(chan *Lock, 1)
	go func() {
		l, err := p.TryAcquire(ctx, "res", WithTimeout(Infinite))
		assert.NoError(t, err)
		acquired <- l
	}()

	select {
	case <-acquired:
		t.Fatal("second acquire must block while the lock is held")
	case <-time.After(30 * time.Millisecond):
	}

	require.NoError(t, p.Release(ctx, "res", first.ID))
	select {
	case l := <-acquired:
		require.NotNil(t, l)
		assert.NotEqual(t, first.ID, l.ID)
	case <-time.After(time.Second):
		t.Fatal("waiter was not woken by release")
	}
}

func TestLocalExpiryFreesResource(t *testing.T) {
	p := NewLocal(nil)
	ctx := context.Background()

	first, err := p.TryAcquire(ctx, "res", WithTTL(40*time.Millisecond))
	require.NoError(t, err)
	require.NotNil(t, first)

	second, err := p.TryAcquire(ctx, "res", WithTimeout(0))
	require.NoError(t, err)
	assert.Nil(t, second, "finite zero timeout must fail while held")

	third, err := p.TryAcquire(ctx, "res", WithTimeout(time.Second))
	require.NoError(t, err)
	require.NotNil(t, third, "lock must become available once the TTL elapses")

	ok, err := p.Renew(ctx, "res", first.ID, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "expired holder cannot renew")
}

func TestLocalReleaseWithWrongIDIsNoop(t *testing.T) {
	p := NewLocal(nil)
	ctx := context.Background()

	l, err := p.TryAcquire(ctx, "res")
	require.NoError(t, err)

	require.NoError(t, p.Release(ctx, "res", "someone-else"))
	locked, err := p.IsLocked(ctx, "res")
	require.NoError(t, err)
	assert.True(t, locked)

	require.NoError(t, p.Release(ctx, "missing", l.ID))

	require.NoError(t, p.Release(ctx, "res", l.ID))
	locked, err = p.IsLocked(ctx, "res")
	require.NoError(t, err)
	assert.False(t, locked)
}

func TestLocalRenewExtendsLifetime(t *testing.T) {
	p := NewLocal(nil)
	ctx := context.Background()

	l, err := p.TryAcquire(ctx, "res", WithTTL(60*time.Millisecond))
	require.NoError(t, err)

	time.Sleep(30 * time.Millisecond)
	ok, err := p.Renew(ctx, "res", l.ID, 300*time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)

	time.Sleep(80 * time.Millisecond)
	locked, err := p.IsLocked(ctx, "res")
	require.NoError(t, err)
	assert.True(t, locked, "renewed lock must outlive its original TTL")

	ok, err = p.Renew(ctx, "res", "wrong", time.Second)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLocalStaleExpiryAfterRenewIsNoop(t *testing.T) {
	p := NewLocal(nil)
	ctx := context.Background()

	l, err := p.TryAcquire(ctx, "res", WithTTL(time.Minute))
	require.NoError(t, err)

	p.mu.Lock()
	staleGen := p.entries["res"].gen
	p.mu.Unlock()

	ok, err := p.Renew(ctx, "res", l.ID, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	p.mu.Lock()
	armed := p.entries["res"].timer
	p.mu.Unlock()

	// A timer of the first arm that fired while Renew held the mutex.
	p.expire("res", l.ID, staleGen)

	p.mu.Lock()
	entry := p.entries["res"]
	require.NotNil(t, entry)
	assert.Same(t, armed, entry.timer, "stale expiry must not arm another timer")
	assert.Equal(t, staleGen+1, entry.gen)
	p.mu.Unlock()

	require.NoError(t, p.Release(ctx, "res", l.ID))
}

func TestLocalRepeatedRenewExpiresOnce(t *testing.T) {
	p := NewLocal(nil)
	ctx := context.Background()

	l, err := p.TryAcquire(ctx, "res", WithTTL(5*time.Millisecond))
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		ok, err := p.Renew(ctx, "res", l.ID, 5*time.Millisecond)
		require.NoError(t, err)
		if !ok {
			break
		}
		time.Sleep(time.Millisecond)
	}

	next, err := p.TryAcquire(ctx, "res", WithTimeout(time.Second), WithTTL(time.Minute))
	require.NoError(t, err)
	require.NotNil(t, next)

	time.Sleep(30 * time.Millisecond)
	locked, err := p.IsLocked(ctx, "res")
	require.NoError(t, err)
	assert.True(t, locked, "timers of the previous holder must not release the new lock")
	require.NoError(t, p.Release(ctx, "res", next.ID))
}

func TestLocalInfiniteTTLNeverExpires(t *testing.T) {
	p := NewLocal(nil)
	ctx := context.Background()

	l, err := p.TryAcquire(ctx, "res", WithTTL(Infinite))
	require.NoError(t, err)
	_, bounded := l.ExpiresAt()
	assert.False(t, bounded)

	time.Sleep(20 * time.Millisecond)
	locked, err := p.IsLocked(ctx, "res")
	require.NoError(t, err)
	assert.True(t, locked)
}

func TestLocalCancellationWhileWaiting(t *testing.T) {
	p := NewLocal(nil)

	holder, err := p.TryAcquire(context.Background(), "res")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		l, err := p.TryAcquire(ctx, "res", WithTimeout(Infinite))
		assert.Nil(t, l)
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("cancellation did not interrupt the wait")
	}

	require.NoError(t, p.Release(context.Background(), "res", holder.ID))
	assert.Equal(t, 0, p.keyCount(), "per-key mutex must be dropped once unreferenced")
}

func TestLocalCancelledContextFailsFast(t *testing.T) {
	p := NewLocal(nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	l, err := p.TryAcquire(ctx, "res")
	assert.Nil(t, l)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, p.keyCount())
}

func TestLocalRequiresResource(t *testing.T) {
	_, err := NewLocal(nil).TryAcquire(context.Background(), "")
	assert.ErrorIs(t, err, errspkg.ErrResourceRequired)
}

func TestResolveOptions(t *testing.T) {
	o := resolve(nil)
	assert.Equal(t, DefaultTTL, o.ttl)
	assert.Equal(t, DefaultAcquireTimeout, o.timeout)

	o = resolve([]AcquireOption{WithTTL(-5), WithTimeout(-1), nil})
	assert.Equal(t, Infinite, o.ttl)
	assert.Equal(t, Infinite, o.timeout)

	o = resolve([]AcquireOption{WithTTL(0), WithTimeout(0)})
	assert.Equal(t, DefaultTTL, o.ttl)
	assert.Equal(t, time.Duration(0), o.timeout)
}

func TestLockExpiresAt(t *testing.T) {
	at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	exp, ok := Lock{AcquiredAt: at, TTL: time.Minute}.ExpiresAt()
	require.True(t, ok)
	assert.Equal(t, at.Add(time.Minute), exp)
}
