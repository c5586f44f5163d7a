// Package rabbitmq provides an AMQP 0-9-1 transport. Messages are routed
// through one durable topic exchange; every consumer group owns a durable
// queue bound with each of its topics as routing key.
package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	errspkg "github.com/drblury/courier/internal/runtime/errors"
	loggingpkg "github.com/drblury/courier/internal/runtime/logging"
	"github.com/drblury/courier/internal/runtime/pool"
	"github.com/drblury/courier/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "rabbitmq"

// DefaultExchange is the topic exchange used when none is configured.
const DefaultExchange = "courier.default.router"

// Channel is the part of *amqp.Channel the transport uses.
type Channel interface {
	ExchangeDeclarePassive(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclarePassive(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	Qos(prefetchCount, prefetchSize int, global bool) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	IsClosed() bool
	Close() error
}

// Connection is the part of *amqp.Connection the transport uses.
type Connection interface {
	Channel() (Channel, error)
	IsClosed() bool
	Close() error
}

// Dial allows overriding the connection creation for testing.
var Dial = func(url string) (Connection, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	return amqpConnection{conn}, nil
}

type amqpConnection struct {
	*amqp.Connection
}

func (c amqpConnection) Channel() (Channel, error) {
	ch, err := c.Connection.Channel()
	if err != nil {
		return nil, err
	}
	return ch, nil
}

func init() {
	Register()
}

// Register registers the RabbitMQ transport with the default registry.
func Register() {
	transport.Register(TransportName, Build, transport.RabbitMQCapabilities)
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.RabbitMQCapabilities
}

// Config holds RabbitMQ-specific configuration.
type Config struct {
	URL string
	// Exchange is the topic exchange messages are published to.
	Exchange string
	// PoolSize bounds the number of pooled publishing channels.
	PoolSize int
}

// Build creates a RabbitMQ transport from the service configuration. The
// connection is opened lazily on first use.
func Build(_ context.Context, cfg transport.Config, logger loggingpkg.ServiceLogger) (transport.Transport, error) {
	t, err := New(Config{
		URL:      cfg.GetRabbitMQURL(),
		Exchange: cfg.GetRabbitMQExchange(),
		PoolSize: cfg.GetPoolSize(),
	}, logger)
	if err != nil {
		return transport.Transport{}, err
	}
	return transport.Transport{Sender: t, Consumers: t}, nil
}

// Transport publishes through pooled channels and creates per-group
// consumer clients.
type Transport struct {
	cfg    Config
	logger loggingpkg.ServiceLogger

	connMu sync.Mutex
	conn   Connection

	channels *pool.Pool[*pooledChannel]

	exchangeMu       sync.Mutex
	exchangeDeclared bool

	closeOnce sync.Once
	closed    chan struct{}
}

type pooledChannel struct {
	Channel
}

func (c *pooledChannel) IsOpen() bool { return !c.IsClosed() }

// New validates cfg and returns a transport. No network call is made.
func New(cfg Config, logger loggingpkg.ServiceLogger) (*Transport, error) {
	if cfg.URL == "" {
		return nil, errspkg.NewConfigValidationError(errors.New("rabbitmq: URL is required"))
	}
	if cfg.Exchange == "" {
		cfg.Exchange = DefaultExchange
	}
	if err := transport.ValidateName("exchange", cfg.Exchange); err != nil {
		return nil, errspkg.NewConfigValidationError(err)
	}

	t := &Transport{
		cfg:    cfg,
		logger: loggingpkg.Component(logger, "rabbitmq").With(loggingpkg.LogFields{"exchange": cfg.Exchange}),
		closed: make(chan struct{}),
	}
	t.channels = pool.New[*pooledChannel](t.openChannel, pool.Options{
		MaxSize: cfg.PoolSize,
		Logger:  logger,
		Name:    "rabbitmq-channels",
	})
	return t, nil
}

// connection returns the shared connection, dialing when there is none or
// the previous one closed.
func (t *Transport) connection() (Connection, error) {
	t.connMu.Lock()
	defer t.connMu.Unlock()

	select {
	case <-t.closed:
		return nil, errspkg.ErrTransportClosed
	default:
	}
	if t.conn != nil && !t.conn.IsClosed() {
		return t.conn, nil
	}
	conn, err := Dial(t.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("rabbitmq: dial: %w: %w", errspkg.ErrBrokerUnavailable, err)
	}
	t.conn = conn
	t.logger.Info("Connected to RabbitMQ", nil)
	return conn, nil
}

func (t *Transport) openChannel(context.Context) (*pooledChannel, error) {
	conn, err := t.connection()
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("rabbitmq: open channel: %w", err)
	}
	return &pooledChannel{ch}, nil
}

// withChannel runs fn on a pooled channel. A channel that failed with
// amqp.ErrClosed is disposed even if it still reports open.
func (t *Transport) withChannel(ctx context.Context, fn func(Channel) error) error {
	ch, err := t.channels.Rent(ctx)
	if err != nil {
		return err
	}
	err = fn(ch)
	if err != nil && (errors.Is(err, amqp.ErrClosed) || isChannelFatal(err)) {
		t.channels.Discard(ch)
		return err
	}
	t.channels.Return(ch)
	return err
}

// isChannelFatal reports AMQP errors after which the server closed the
// channel, such as a failed passive declare.
func isChannelFatal(err error) bool {
	var amqpErr *amqp.Error
	return errors.As(err, &amqpErr) && !amqpErr.Recover
}

// Send publishes msg with its name as routing key.
func (t *Transport) Send(ctx context.Context, msg *transport.Message) error {
	if err := transport.ValidateName("topic", msg.Name()); err != nil {
		return err
	}
	if err := t.ensureExchange(ctx); err != nil {
		return err
	}

	publishing := amqp.Publishing{
		Headers:      toTable(msg.Headers()),
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    msg.ID(),
		Body:         msg.Body(),
	}
	if sent, ok := msg.SentAt(); ok {
		publishing.Timestamp = sent
	}

	err := t.withChannel(ctx, func(ch Channel) error {
		return ch.PublishWithContext(ctx, t.cfg.Exchange, msg.Name(), false, false, publishing)
	})
	if err != nil {
		return fmt.Errorf("rabbitmq: publish %s: %w", msg.Name(), err)
	}
	return nil
}

// ensureExchange declares the topic exchange once per transport.
func (t *Transport) ensureExchange(ctx context.Context) error {
	t.exchangeMu.Lock()
	defer t.exchangeMu.Unlock()
	if t.exchangeDeclared {
		return nil
	}

	passive := func(ch Channel) error {
		return ch.ExchangeDeclarePassive(t.cfg.Exchange, amqp.ExchangeTopic, true, false, false, false, nil)
	}
	if err := t.withChannel(ctx, passive); err == nil {
		t.exchangeDeclared = true
		return nil
	}

	createErr := t.withChannel(ctx, func(ch Channel) error {
		return ch.ExchangeDeclare(t.cfg.Exchange, amqp.ExchangeTopic, true, false, false, false, nil)
	})
	if createErr != nil {
		// Another node may have declared it in between.
		if err := t.withChannel(ctx, passive); err != nil {
			return fmt.Errorf("rabbitmq: declare exchange %s: %w", t.cfg.Exchange, createErr)
		}
	}
	t.exchangeDeclared = true
	return nil
}

// ensureQueue declares a durable queue for group and binds topics to it.
func (t *Transport) ensureQueue(ctx context.Context, group string, topics []string) error {
	passive := func(ch Channel) error {
		_, err := ch.QueueDeclarePassive(group, true, false, false, false, nil)
		return err
	}
	if err := t.withChannel(ctx, passive); err != nil {
		createErr := t.withChannel(ctx, func(ch Channel) error {
			_, err := ch.QueueDeclare(group, true, false, false, false, nil)
			return err
		})
		if createErr != nil {
			if err := t.withChannel(ctx, passive); err != nil {
				return fmt.Errorf("rabbitmq: declare queue %s: %w", group, createErr)
			}
		}
	}

	return t.withChannel(ctx, func(ch Channel) error {
		for _, topic := range topics {
			if err := ch.QueueBind(group, topic, t.cfg.Exchange, false, nil); err != nil {
				return fmt.Errorf("rabbitmq: bind %s to %s: %w", topic, group, err)
			}
		}
		return nil
	})
}

// Ping verifies a channel can be rented from a live connection.
func (t *Transport) Ping(ctx context.Context) error {
	return t.withChannel(ctx, func(ch Channel) error {
		if ch.IsClosed() {
			return amqp.ErrClosed
		}
		return nil
	})
}

// Recover drops idle channels and a dead connection so the next use
// reconnects.
func (t *Transport) Recover(context.Context) error {
	drained := t.channels.Drain()

	t.connMu.Lock()
	if t.conn != nil && t.conn.IsClosed() {
		t.conn = nil
	}
	t.connMu.Unlock()

	t.logger.Info("Dropped cached RabbitMQ channels", loggingpkg.LogFields{"drained": drained})
	return nil
}

// PoolStats reports the publishing channel pool.
func (t *Transport) PoolStats() pool.Stats {
	return t.channels.Stats()
}

// Close closes pooled channels and the connection.
func (t *Transport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.closed)
		_ = t.channels.Close()

		t.connMu.Lock()
		defer t.connMu.Unlock()
		if t.conn != nil && !t.conn.IsClosed() {
			err = t.conn.Close()
		}
		t.conn = nil
	})
	return err
}

func toTable(headers map[string]string) amqp.Table {
	table := make(amqp.Table, len(headers))
	for k, v := range headers {
		table[k] = v
	}
	return table
}

func fromTable(table amqp.Table) map[string]string {
	headers := make(map[string]string, len(table))
	for k, v := range table {
		switch val := v.(type) {
		case nil:
		case string:
			headers[k] = val
		case []byte:
			headers[k] = string(val)
		default:
			headers[k] = fmt.Sprint(val)
		}
	}
	return headers
}
