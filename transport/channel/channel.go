// Package channel provides an in-memory transport backed by Watermill's Go
// channel pub/sub. It is meant for tests and local development: nothing
// survives a restart.
package channel

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	errspkg "github.com/drblury/courier/internal/runtime/errors"
	loggingpkg "github.com/drblury/courier/internal/runtime/logging"
	metadatapkg "github.com/drblury/courier/internal/runtime/metadata"
	"github.com/drblury/courier/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "channel"

// Factory allows overriding the channel creation for testing.
var Factory = func(cfg gochannel.Config, logger watermill.LoggerAdapter) (message.Publisher, message.Subscriber) {
	pubSub := gochannel.NewGoChannel(cfg, logger)
	return pubSub, pubSub
}

func init() {
	Register()
}

// Register registers the channel transport with the default registry.
func Register() {
	transport.Register(TransportName, Build, transport.ChannelCapabilities)
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.ChannelCapabilities
}

// Build creates a new Go channel transport.
func Build(_ context.Context, _ transport.Config, logger loggingpkg.ServiceLogger) (transport.Transport, error) {
	if logger == nil {
		logger = loggingpkg.Nop()
	}
	pub, sub := Factory(gochannel.Config{}, loggingpkg.NewWatermillAdapter(logger))
	t := New(pub, sub, logger)
	return transport.Transport{Sender: t, Consumers: t}, nil
}

// Transport publishes and subscribes through a Watermill publisher and
// subscriber pair.
type Transport struct {
	pub    message.Publisher
	sub    message.Subscriber
	logger loggingpkg.ServiceLogger

	mu     sync.RWMutex
	closed bool
}

// New wraps pub and sub.
func New(pub message.Publisher, sub message.Subscriber, logger loggingpkg.ServiceLogger) *Transport {
	return &Transport{pub: pub, sub: sub, logger: loggingpkg.Component(logger, "channel")}
}

// Send publishes msg on the topic named after it.
func (t *Transport) Send(_ context.Context, msg *transport.Message) error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closed {
		return errspkg.ErrTransportClosed
	}
	if err := transport.ValidateName("topic", msg.Name()); err != nil {
		return err
	}

	wm := message.NewMessage(msg.ID(), msg.Body())
	wm.Metadata = metadatapkg.ToWatermill(msg.Headers())
	if err := t.pub.Publish(msg.Name(), wm); err != nil {
		return fmt.Errorf("channel: publish %s: %w", msg.Name(), err)
	}
	return nil
}

// Ping fails only once the transport is closed.
func (t *Transport) Ping(context.Context) error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closed {
		return errspkg.ErrTransportClosed
	}
	return nil
}

// Close closes the publisher and subscriber.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	if err := t.pub.Close(); err != nil {
		return err
	}
	if any(t.sub) != any(t.pub) {
		return t.sub.Close()
	}
	return nil
}

// NewConsumer returns a client for group.
func (t *Transport) NewConsumer(group string, concurrency int) (transport.ConsumerClient, error) {
	if err := transport.ValidateName("group", group); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		sub:      t.sub,
		group:    group,
		throttle: transport.NewThrottle(concurrency),
		logger:   t.logger.With(loggingpkg.LogFields{"group": group}),
		ctx:      ctx,
		cancel:   cancel,
		inbound:  make(chan *message.Message),
	}, nil
}

// Client consumes the topics of one group. Every group subscribed to a
// topic receives its own copy of each message.
type Client struct {
	sub      message.Subscriber
	group    string
	throttle *transport.Throttle
	logger   loggingpkg.ServiceLogger
	cb       transport.Callback

	ctx     context.Context
	cancel  context.CancelFunc
	inbound chan *message.Message
	topics  []string
}

// FetchTopics validates names. Go channels need no topology.
func (c *Client) FetchTopics(_ context.Context, names []string) ([]string, error) {
	out := make([]string, 0, len(names))
	for _, name := range names {
		if err := transport.ValidateName("topic", name); err != nil {
			return nil, err
		}
		out = append(out, name)
	}
	return out, nil
}

// Subscribe starts forwarding every topic into the client.
func (c *Client) Subscribe(_ context.Context, topics []string) error {
	for _, topic := range topics {
		messages, err := c.sub.Subscribe(c.ctx, topic)
		if err != nil {
			return fmt.Errorf("channel: subscribe %s: %w", topic, err)
		}
		c.topics = append(c.topics, topic)
		go c.forward(topic, messages)
	}
	return nil
}

func (c *Client) forward(topic string, messages <-chan *message.Message) {
	for msg := range messages {
		if msg.Metadata.Get(metadatapkg.HeaderMessageName) == "" {
			msg.Metadata.Set(metadatapkg.HeaderMessageName, topic)
		}
		select {
		case c.inbound <- msg:
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *Client) OnMessage(cb transport.Callback) { c.cb = cb }

// Listen dispatches messages until ctx is cancelled. Go channels push, so
// timeout is unused.
func (c *Client) Listen(ctx context.Context, _ time.Duration) error {
	if c.cb == nil {
		return fmt.Errorf("channel: OnMessage must be called before Listen")
	}
	defer c.throttle.Wait()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-c.ctx.Done():
			return errspkg.ErrTransportClosed
		case wm := <-c.inbound:
			headers := metadatapkg.FromWatermill(wm.Metadata)
			msg := transport.NewInbound(headers[metadatapkg.HeaderMessageName], wm.UUID, c.group, headers, wm.Payload)
			if err := c.throttle.Dispatch(ctx, msg, wm, c.cb); err != nil {
				wm.Nack()
				return nil
			}
		}
	}
}

func (c *Client) Commit(_ context.Context, d *transport.Delivery) error {
	defer d.Release()
	wm, ok := d.Native.(*message.Message)
	if !ok {
		return fmt.Errorf("channel: unexpected native delivery %T", d.Native)
	}
	wm.Ack()
	return nil
}

func (c *Client) Reject(_ context.Context, d *transport.Delivery) error {
	defer d.Release()
	wm, ok := d.Native.(*message.Message)
	if !ok {
		return fmt.Errorf("channel: unexpected native delivery %T", d.Native)
	}
	wm.Nack()
	return nil
}

// Close stops every subscription of the client.
func (c *Client) Close() error {
	c.cancel()
	return nil
}
