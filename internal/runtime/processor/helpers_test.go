package processor

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/drblury/courier/internal/runtime/outbox"
	"github.com/drblury/courier/transport"
)

type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func newStepClock() *stepClock {
	return &stepClock{now: time.Date(2026, 4, 2, 9, 0, 0, 0, time.UTC)}
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *stepClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

var errUnreachable = errors.New("dial tcp: connection refused")

type switchSender struct {
	mu    sync.Mutex
	down  bool
	sent  int
	pings int
	drain int
}

func (s *switchSender) Send(context.Context, *transport.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.down {
		return errUnreachable
	}
	s.sent++
	return nil
}

func (s *switchSender) Close() error { return nil }

func (s *switchSender) Ping(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pings++
	if s.down {
		return errUnreachable
	}
	return nil
}

func (s *switchSender) Recover(context.Context) error {
	s.mu.Lock()
	s.drain++
	s.mu.Unlock()
	return nil
}

func (s *switchSender) setDown(down bool) {
	s.mu.Lock()
	s.down = down
	s.mu.Unlock()
}

func (s *switchSender) counts() (sent, pings, drain int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sent, s.pings, s.drain
}

func newPublisher(store outbox.Store, sender transport.Sender, clock outbox.Clock, hooks ...outbox.TransitionHook) *outbox.Publisher {
	pub, err := outbox.NewPublisher(outbox.Options{
		Store:   store,
		Sender:  sender,
		Clock:   clock,
		Hooks:   hooks,
		Breaker: gobreaker.Settings{ReadyToTrip: func(gobreaker.Counts) bool { return false }},
	})
	if err != nil {
		panic(err)
	}
	return pub
}
