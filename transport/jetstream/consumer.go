package jetstream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"golang.org/x/sync/errgroup"

	loggingpkg "github.com/drblury/courier/internal/runtime/logging"
	"github.com/drblury/courier/transport"
)

type subscription struct {
	topic   string
	durable string
	fetcher Fetcher
}

// Client consumes one group through a durable pull consumer per topic.
type Client struct {
	transport   *Transport
	group       string
	concurrency int
	throttle    *transport.Throttle
	logger      loggingpkg.ServiceLogger
	cb          transport.Callback

	mu   sync.Mutex
	conn Connection
	subs []subscription
}

// NewConsumer returns a client for group.
func (t *Transport) NewConsumer(group string, concurrency int) (transport.ConsumerClient, error) {
	if err := transport.ValidateName("group", group); err != nil {
		return nil, err
	}
	return &Client{
		transport:   t,
		group:       group,
		concurrency: concurrency,
		throttle:    transport.NewThrottle(concurrency),
		logger:      t.logger.With(loggingpkg.LogFields{"group": group}),
	}, nil
}

// jetStream returns the JetStream context of the client's own connection,
// redialing when it was closed.
func (c *Client) jetStream(ctx context.Context) (nats.JetStreamContext, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil || !c.conn.IsOpen() {
		if c.conn != nil {
			_ = c.conn.Close()
			c.conn = nil
		}
		conn, err := c.transport.dial()
		if err != nil {
			return nil, err
		}
		c.conn = conn
	}
	return c.conn.JetStream()
}

// FetchTopics ensures a stream covers every topic and returns the topics
// that are ready. It fails only when none of them is.
func (c *Client) FetchTopics(ctx context.Context, names []string) ([]string, error) {
	for _, name := range names {
		if err := transport.ValidateName("topic", name); err != nil {
			return nil, err
		}
	}
	js, err := c.jetStream(ctx)
	if err != nil {
		return nil, err
	}

	var (
		ready []string
		errs  []error
	)
	for _, name := range names {
		stream := c.transport.StreamFor(name)
		if err := transport.ValidateName("stream", stream); err != nil {
			return nil, err
		}
		if err := c.transport.ensureStream(js, stream, name); err != nil {
			c.logger.Error("Topic unavailable", err, loggingpkg.LogFields{"topic": name, "stream": stream})
			errs = append(errs, err)
			continue
		}
		ready = append(ready, name)
	}
	if len(ready) == 0 && len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return ready, nil
}

// Subscribe creates or updates a durable consumer per topic and binds a
// pull subscription to it.
func (c *Client) Subscribe(ctx context.Context, topics []string) error {
	js, err := c.jetStream(ctx)
	if err != nil {
		return err
	}
	maxPending := c.concurrency
	if maxPending < 1 {
		maxPending = 1
	}
	for _, topic := range topics {
		stream := c.transport.StreamFor(topic)
		durable := durableName(c.group, topic)
		err := ensureConsumer(js, stream, &nats.ConsumerConfig{
			Durable:       durable,
			FilterSubject: topic,
			AckPolicy:     nats.AckExplicitPolicy,
			AckWait:       c.transport.cfg.AckWait,
			DeliverPolicy: nats.DeliverAllPolicy,
			MaxAckPending: maxPending,
		})
		if err != nil {
			return err
		}
		fetcher, err := PullSubscriber(js, topic, durable, stream)
		if err != nil {
			return fmt.Errorf("nats: pull subscribe %s: %w", durable, err)
		}
		c.mu.Lock()
		c.subs = append(c.subs, subscription{topic: topic, durable: durable, fetcher: fetcher})
		c.mu.Unlock()
	}
	return nil
}

func (c *Client) OnMessage(cb transport.Callback) { c.cb = cb }

// Listen runs one fetch loop per subscription until ctx is cancelled. Each
// fetch waits at most timeout for messages.
func (c *Client) Listen(ctx context.Context, timeout time.Duration) error {
	if c.cb == nil {
		return errors.New("nats: OnMessage must be called before Listen")
	}
	if timeout <= 0 {
		timeout = time.Second
	}
	c.mu.Lock()
	subs := append([]subscription(nil), c.subs...)
	c.mu.Unlock()

	defer c.throttle.Wait()
	g, gctx := errgroup.WithContext(ctx)
	for _, sub := range subs {
		g.Go(func() error { return c.fetchLoop(gctx, sub, timeout) })
	}
	return g.Wait()
}

func (c *Client) fetchLoop(ctx context.Context, sub subscription, timeout time.Duration) error {
	batch := c.concurrency
	if batch < 1 {
		batch = 1
	}
	for ctx.Err() == nil {
		msgs, err := sub.fetcher.Fetch(batch, nats.MaxWait(timeout))
		switch {
		case err == nil:
		case errors.Is(err, nats.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
			continue
		case errors.Is(err, nats.ErrConnectionClosed), errors.Is(err, nats.ErrBadSubscription):
			return fmt.Errorf("nats: fetch %s: %w", sub.durable, err)
		default:
			c.logger.Error("Fetching messages failed", err, loggingpkg.LogFields{"topic": sub.topic})
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(timeout):
			}
			continue
		}

		for _, m := range msgs {
			msg := transport.NewInbound(m.Subject, "", c.group, toHeaders(m.Header), m.Data)
			if err := c.throttle.Dispatch(ctx, msg, m, c.cb); err != nil {
				// Undispatched messages are redelivered after AckWait.
				return nil
			}
		}
	}
	return nil
}

// Commit acks the message.
func (c *Client) Commit(_ context.Context, d *transport.Delivery) error {
	defer d.Release()
	acker, ok := d.Native.(Acker)
	if !ok {
		return fmt.Errorf("nats: unexpected native delivery %T", d.Native)
	}
	return acker.Ack()
}

// Reject naks the message for immediate redelivery.
func (c *Client) Reject(_ context.Context, d *transport.Delivery) error {
	defer d.Release()
	acker, ok := d.Native.(Acker)
	if !ok {
		return fmt.Errorf("nats: unexpected native delivery %T", d.Native)
	}
	return acker.Nak()
}

// Close drops the pull subscriptions and closes the client's connection.
// The durable consumers stay on the server.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var errs []error
	for _, sub := range c.subs {
		if err := sub.fetcher.Unsubscribe(); err != nil {
			errs = append(errs, err)
		}
	}
	c.subs = nil
	if c.conn != nil {
		if err := c.conn.Close(); err != nil {
			errs = append(errs, err)
		}
		c.conn = nil
	}
	return errors.Join(errs...)
}
