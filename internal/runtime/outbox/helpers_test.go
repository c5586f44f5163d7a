package outbox

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/drblury/courier/transport"
)

var errBrokerDown = errors.New("connection refused")

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakeSender struct {
	mu   sync.Mutex
	down bool
	sent []*transport.Message
}

func (s *fakeSender) Send(_ context.Context, msg *transport.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.down {
		return errBrokerDown
	}
	s.sent = append(s.sent, msg)
	return nil
}

func (s *fakeSender) Close() error { return nil }

func (s *fakeSender) setDown(down bool) {
	s.mu.Lock()
	s.down = down
	s.mu.Unlock()
}

func (s *fakeSender) Sent() []*transport.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*transport.Message(nil), s.sent...)
}

type transition struct {
	id       string
	from, to State
}

type transitionLog struct {
	mu  sync.Mutex
	all []transition
}

func (l *transitionLog) hook(_ context.Context, rec Record, from, to State) {
	l.mu.Lock()
	l.all = append(l.all, transition{id: rec.ID, from: from, to: to})
	l.mu.Unlock()
}

func (l *transitionLog) pairs() [][2]State {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([][2]State, len(l.all))
	for i, t := range l.all {
		out[i] = [2]State{t.from, t.to}
	}
	return out
}

// neverTrip keeps the breaker closed so retry arithmetic is observable.
var neverTrip = gobreaker.Settings{ReadyToTrip: func(gobreaker.Counts) bool { return false }}

func newTestPublisher(store Store, sender transport.Sender, clock Clock, log *transitionLog, tweak func(*Options)) *Publisher {
	opts := Options{
		Store:   store,
		Sender:  sender,
		Clock:   clock,
		Breaker: neverTrip,
	}
	if log != nil {
		opts.Hooks = []TransitionHook{log.hook}
	}
	if tweak != nil {
		tweak(&opts)
	}
	p, err := NewPublisher(opts)
	if err != nil {
		panic(err)
	}
	return p
}
