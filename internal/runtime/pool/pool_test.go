package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errspkg "github.com/drblury/courier/internal/runtime/errors"
)

type fakeHandle struct {
	id     int
	open   atomic.Bool
	closes atomic.Int32
}

func (f *fakeHandle) IsOpen() bool { return f.open.Load() }
func (f *fakeHandle) Close() error {
	f.open.Store(false)
	f.closes.Add(1)
	return nil
}

type counterFactory struct {
	mu      sync.Mutex
	created []*fakeHandle
	err     error
}

func (c *counterFactory) build(ctx context.Context) (*fakeHandle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return nil, c.err
	}
	h := &fakeHandle{id: len(c.created) + 1}
	h.open.Store(true)
	c.created = append(c.created, h)
	return h, nil
}

func (c *counterFactory) total() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.created)
}

func TestRentReturnRentReusesHandle(t *testing.T) {
	f := &counterFactory{}
	p := New[*fakeHandle](f.build, Options{MaxSize: 2})
	ctx := context.Background()

	h1, err := p.Rent(ctx)
	require.NoError(t, err)
	assert.True(t, p.Return(h1))

	h2, err := p.Rent(ctx)
	require.NoError(t, err)
	assert.Same(t, h1, h2)
	assert.Equal(t, 1, f.total(), "no second native handle should be created")
}

func TestReturnBeyondMaxSizeDisposes(t *testing.T) {
	f := &counterFactory{}
	p := New[*fakeHandle](f.build, Options{MaxSize: 3})
	ctx := context.Background()

	handles := make([]*fakeHandle, 0, 3)
	for i := 0; i < 3; i++ {
		h, err := p.Rent(ctx)
		require.NoError(t, err)
		handles = append(handles, h)
	}

	p.SetMaxSize(2)
	kept := 0
	for _, h := range handles {
		if p.Return(h) {
			kept++
		}
	}

	assert.Equal(t, 2, kept)
	stats := p.Stats()
	assert.Equal(t, Stats{Count: 2, Idle: 2, MaxSize: 2}, stats)
	closed := 0
	for _, h := range handles {
		closed += int(h.closes.Load())
	}
	assert.Equal(t, 1, closed, "exactly one surplus handle is disposed")
}

func TestSetMaxSizeShrinksIdleHandles(t *testing.T) {
	f := &counterFactory{}
	p := New[*fakeHandle](f.build, Options{MaxSize: 3})
	ctx := context.Background()

	var handles []*fakeHandle
	for i := 0; i < 3; i++ {
		h, err := p.Rent(ctx)
		require.NoError(t, err)
		handles = append(handles, h)
	}
	for _, h := range handles {
		require.True(t, p.Return(h))
	}

	p.SetMaxSize(1)
	assert.Equal(t, Stats{Count: 1, Idle: 1, MaxSize: 1}, p.Stats())
}

func TestReturnClosedHandleIsDisposed(t *testing.T) {
	f := &counterFactory{}
	p := New[*fakeHandle](f.build, Options{MaxSize: 2})

	h, err := p.Rent(context.Background())
	require.NoError(t, err)
	h.open.Store(false)

	assert.False(t, p.Return(h))
	assert.Equal(t, Stats{Count: 0, Idle: 0, MaxSize: 2}, p.Stats())
}

func TestRentSkipsStaleIdleHandles(t *testing.T) {
	f := &counterFactory{}
	p := New[*fakeHandle](f.build, Options{MaxSize: 2})
	ctx := context.Background()

	h, err := p.Rent(ctx)
	require.NoError(t, err)
	require.True(t, p.Return(h))
	h.open.Store(false)

	fresh, err := p.Rent(ctx)
	require.NoError(t, err)
	assert.NotSame(t, h, fresh)
	assert.Equal(t, 1, p.Stats().Count)
}

func TestRentWaitsForReturnedHandle(t *testing.T) {
	f := &counterFactory{}
	p := New[*fakeHandle](f.build, Options{MaxSize: 1})
	ctx := context.Background()

	h, err := p.Rent(ctx)
	require.NoError(t, err)

	got := make(chan *fakeHandle, 1)
	go func() {
		waited, err := p.Rent(ctx)
		if err == nil {
			got <- waited
		}
	}()

	select {
	case <-got:
		t.Fatal("rent must block while the only handle is out")
	case <-time.After(30 * time.Millisecond):
	}

	p.Return(h)
	select {
	case waited := <-got:
		assert.Same(t, h, waited)
	case <-time.After(time.Second):
		t.Fatal("waiting rent was not woken by return")
	}
	assert.Equal(t, 1, f.total())
}

func TestRentHonoursContextWhileWaiting(t *testing.T) {
	f := &counterFactory{}
	p := New[*fakeHandle](f.build, Options{MaxSize: 1})

	_, err := p.Rent(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = p.Rent(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestFactoryErrorFreesSlot(t *testing.T) {
	f := &counterFactory{err: errors.New("dial refused")}
	p := New[*fakeHandle](f.build, Options{MaxSize: 1, Name: "amqp"})

	_, err := p.Rent(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "amqp: create handle")
	assert.Equal(t, 0, p.Stats().Count)

	f.err = nil
	_, err = p.Rent(context.Background())
	assert.NoError(t, err)
}

func TestDrainAndDiscard(t *testing.T) {
	f := &counterFactory{}
	p := New[*fakeHandle](f.build, Options{MaxSize: 3})
	ctx := context.Background()

	a, _ := p.Rent(ctx)
	b, _ := p.Rent(ctx)
	c, _ := p.Rent(ctx)
	p.Return(a)
	p.Return(b)
	p.Discard(c)

	assert.Equal(t, 2, p.Drain())
	assert.Equal(t, Stats{Count: 0, Idle: 0, MaxSize: 3}, p.Stats())
	assert.EqualValues(t, 1, c.closes.Load())
	assert.False(t, a.IsOpen())
}

func TestCloseRejectsRent(t *testing.T) {
	f := &counterFactory{}
	p := New[*fakeHandle](f.build, Options{MaxSize: 1})
	h, err := p.Rent(context.Background())
	require.NoError(t, err)

	require.NoError(t, p.Close())
	require.NoError(t, p.Close())

	_, err = p.Rent(context.Background())
	assert.ErrorIs(t, err, errspkg.ErrPoolClosed)
	assert.False(t, p.Return(h), "handles returned after close are disposed")
}

func TestConcurrentRentNeverExceedsMaxSize(t *testing.T) {
	f := &counterFactory{}
	const maxSize = 3
	p := New[*fakeHandle](f.build, Options{MaxSize: maxSize})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	var peak atomic.Int32
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				h, err := p.Rent(ctx)
				if err != nil {
					return
				}
				if c := int32(p.Stats().Count); c > peak.Load() {
					peak.Store(c)
				}
				p.Return(h)
			}
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, int(peak.Load()), maxSize)
	assert.LessOrEqual(t, f.total(), maxSize)
}
