package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/drblury/courier/internal/runtime/consumer"
	errspkg "github.com/drblury/courier/internal/runtime/errors"
	loggingpkg "github.com/drblury/courier/internal/runtime/logging"
	"github.com/drblury/courier/internal/runtime/outbox"
	"github.com/drblury/courier/transport"
)

// Server runs one consumer group: it opens a consumer client, subscribes it
// to the group's topics and acknowledges deliveries according to the
// dispatch outcome.
type Server struct {
	spec       consumer.GroupSpec
	factory    transport.ConsumerFactory
	dispatcher *Dispatcher
	timeout    time.Duration
	backoff    func(failures int) time.Duration
	logger     loggingpkg.ServiceLogger
}

// NewServer creates a consumer server for spec. listenTimeout bounds each
// broker poll.
func NewServer(spec consumer.GroupSpec, factory transport.ConsumerFactory, dispatcher *Dispatcher, listenTimeout time.Duration, logger loggingpkg.ServiceLogger) *Server {
	return &Server{
		spec:       spec,
		factory:    factory,
		dispatcher: dispatcher,
		timeout:    listenTimeout,
		backoff:    outbox.Backoff,
		logger:     loggingpkg.Component(logger, "consumer").With(loggingpkg.LogFields{"group": spec.Name}),
	}
}

// Name identifies the server for supervision.
func (s *Server) Name() string { return "consumer:" + s.spec.Name }

// Run blocks until ctx is cancelled. A client that cannot be opened or that
// loses its broker connection is closed and replaced after the outbox backoff
// delay; only configuration faults end Run with an error.
func (s *Server) Run(ctx context.Context) error {
	failures := 0
	for {
		listening, err := s.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if fatal(err) {
			return fmt.Errorf("consumer %s: %w", s.spec.Name, err)
		}
		if listening {
			failures = 0
		}
		failures++
		delay := s.backoff(failures)
		s.logger.Error("Consumer client stopped, reconnecting", err, loggingpkg.LogFields{
			"attempt": failures,
			"delay":   delay.String(),
		})

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

// session opens one client and listens on it until it fails or ctx ends.
// listening reports whether the client got as far as Listen.
func (s *Server) session(ctx context.Context) (listening bool, err error) {
	client, err := s.factory.NewConsumer(s.spec.Name, s.spec.Concurrency)
	if err != nil {
		return false, err
	}
	defer func() {
		if cerr := client.Close(); cerr != nil {
			s.logger.Error("Closing consumer client failed", cerr, nil)
		}
	}()

	topics, err := client.FetchTopics(ctx, s.spec.Topics)
	if err != nil {
		return false, fmt.Errorf("fetch topics: %w", err)
	}
	if err := client.Subscribe(ctx, topics); err != nil {
		return false, fmt.Errorf("subscribe: %w", err)
	}
	client.OnMessage(s.handle(ctx, client))

	s.logger.Info("Consumer listening", loggingpkg.LogFields{
		"topics":      topics,
		"concurrency": s.spec.Concurrency,
	})
	err = client.Listen(ctx, s.timeout)
	if err == nil && ctx.Err() == nil {
		err = errspkg.ErrBrokerUnavailable
	}
	return true, err
}

// fatal reports faults a new client cannot cure.
func fatal(err error) bool {
	return errors.Is(err, errspkg.ErrInvalidName) ||
		errors.Is(err, errspkg.ErrInvalidConcurrency) ||
		errors.Is(err, errspkg.ErrTransportClosed)
}

// handle acknowledges deliveries by outcome. Once listenCtx has ended,
// deliveries still in flight are left unacked for the broker to redeliver.
func (s *Server) handle(listenCtx context.Context, client transport.ConsumerClient) transport.Callback {
	return func(ctx context.Context, d *transport.Delivery) {
		defer d.Release()

		res := s.dispatcher.Dispatch(ctx, d.Message)
		if listenCtx.Err() != nil {
			s.logger.Debug("Consumer stopping, leaving delivery unacked", loggingpkg.LogFields{
				"message_id": d.Message.ID(),
				"outcome":    res.Outcome.String(),
			})
			return
		}
		ackCtx := context.WithoutCancel(ctx)

		var err error
		switch res.Outcome {
		case Succeeded, Unhandled:
			err = client.Commit(ackCtx, d)
		case Failed:
			err = client.Reject(ackCtx, d)
		case Cancelled:
			s.logger.Debug("Dispatch cancelled, leaving delivery unacked", loggingpkg.LogFields{"message_id": d.Message.ID()})
		}
		if err != nil {
			s.logger.Error("Acknowledging delivery failed", err, loggingpkg.LogFields{
				"message_id": d.Message.ID(),
				"outcome":    res.Outcome.String(),
			})
		}
	}
}
