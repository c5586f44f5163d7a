package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/drblury/courier/internal/runtime/ids"
	loggingpkg "github.com/drblury/courier/internal/runtime/logging"
	"github.com/drblury/courier/transport"
)

// NewConsumer returns a client consuming the durable queue named after group.
func (t *Transport) NewConsumer(group string, concurrency int) (transport.ConsumerClient, error) {
	if err := transport.ValidateName("queue", group); err != nil {
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

// Client consumes one group's queue on a dedicated channel with
// prefetch = concurrency and manual acks.
type Client struct {
	transport   *Transport
	group       string
	concurrency int
	throttle    *transport.Throttle
	logger      loggingpkg.ServiceLogger
	cb          transport.Callback

	mu sync.Mutex
	ch Channel
}

// FetchTopics validates names and makes sure the exchange exists. A topic
// exchange routes any key, so every valid name can be subscribed.
func (c *Client) FetchTopics(ctx context.Context, names []string) ([]string, error) {
	for _, name := range names {
		if err := transport.ValidateName("topic", name); err != nil {
			return nil, err
		}
	}
	if err := c.transport.ensureExchange(ctx); err != nil {
		return nil, err
	}
	return append([]string(nil), names...), nil
}

// Subscribe declares the group queue and binds every topic to it.
func (c *Client) Subscribe(ctx context.Context, topics []string) error {
	for _, topic := range topics {
		if err := transport.ValidateName("topic", topic); err != nil {
			return err
		}
	}
	return c.transport.ensureQueue(ctx, c.group, topics)
}

func (c *Client) OnMessage(cb transport.Callback) { c.cb = cb }

// Listen consumes until ctx is cancelled. AMQP pushes deliveries, so timeout
// is unused. In-flight deliveries are waited for before returning.
func (c *Client) Listen(ctx context.Context, _ time.Duration) error {
	if c.cb == nil {
		return errors.New("rabbitmq: OnMessage must be called before Listen")
	}
	conn, err := c.transport.connection()
	if err != nil {
		return err
	}
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("rabbitmq: open consumer channel: %w", err)
	}
	c.mu.Lock()
	c.ch = ch
	c.mu.Unlock()

	prefetch := c.concurrency
	if prefetch < 1 {
		prefetch = 1
	}
	if err := ch.Qos(prefetch, 0, false); err != nil {
		return fmt.Errorf("rabbitmq: qos: %w", err)
	}
	deliveries, err := ch.Consume(c.group, c.group+"-"+ids.CreateULID(), false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("rabbitmq: consume %s: %w", c.group, err)
	}

	defer c.throttle.Wait()
	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("rabbitmq: consumer channel for %s closed: %w", c.group, amqp.ErrClosed)
			}
			msg := transport.NewInbound(d.RoutingKey, d.MessageId, c.group, fromTable(d.Headers), d.Body)
			if err := c.throttle.Dispatch(ctx, msg, d, c.cb); err != nil {
				// Unacked deliveries return to the queue when the channel closes.
				return nil
			}
		}
	}
}

// Commit acks the delivery.
func (c *Client) Commit(_ context.Context, d *transport.Delivery) error {
	defer d.Release()
	native, ok := d.Native.(amqp.Delivery)
	if !ok {
		return fmt.Errorf("rabbitmq: unexpected native delivery %T", d.Native)
	}
	return native.Ack(false)
}

// Reject nacks the delivery with requeue.
func (c *Client) Reject(_ context.Context, d *transport.Delivery) error {
	defer d.Release()
	native, ok := d.Native.(amqp.Delivery)
	if !ok {
		return fmt.Errorf("rabbitmq: unexpected native delivery %T", d.Native)
	}
	return native.Nack(false, true)
}

// Close closes the consumer channel, returning unacked deliveries to the
// queue.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ch == nil || c.ch.IsClosed() {
		return nil
	}
	err := c.ch.Close()
	c.ch = nil
	return err
}
