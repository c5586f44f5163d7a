// Package jetstream provides a NATS JetStream transport. Topics are grouped
// into streams by a normalizer; each (group, topic) pair is consumed through
// its own durable pull consumer with explicit acks.
package jetstream

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	errspkg "github.com/drblury/courier/internal/runtime/errors"
	loggingpkg "github.com/drblury/courier/internal/runtime/logging"
	"github.com/drblury/courier/internal/runtime/pool"
	"github.com/drblury/courier/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "nats-jetstream"

// DefaultAckWait is how long JetStream waits for an ack before redelivering.
const DefaultAckWait = 30 * time.Second

// Connection is a pooled NATS connection.
type Connection interface {
	JetStream() (nats.JetStreamContext, error)
	Flush(ctx context.Context) error
	IsOpen() bool
	Close() error
}

// Fetcher pulls messages of one durable consumer. *nats.Subscription
// implements it.
type Fetcher interface {
	Fetch(batch int, opts ...nats.PullOpt) ([]*nats.Msg, error)
	Unsubscribe() error
}

// Acker acknowledges a fetched message. *nats.Msg implements it.
type Acker interface {
	Ack(opts ...nats.AckOpt) error
	Nak(opts ...nats.AckOpt) error
}

// Dial allows overriding the connection creation for testing.
var Dial = func(url string) (Connection, error) {
	nc, err := nats.Connect(url, nats.Name("courier"), nats.MaxReconnects(-1))
	if err != nil {
		return nil, err
	}
	return &natsConnection{nc: nc}, nil
}

// PullSubscriber allows overriding pull subscription for testing.
var PullSubscriber = func(js nats.JetStreamContext, subject, durable, stream string) (Fetcher, error) {
	sub, err := js.PullSubscribe(subject, durable, nats.Bind(stream, durable))
	if err != nil {
		return nil, err
	}
	return sub, nil
}

type natsConnection struct {
	nc *nats.Conn
}

func (c *natsConnection) JetStream() (nats.JetStreamContext, error) { return c.nc.JetStream() }
func (c *natsConnection) Flush(ctx context.Context) error          { return c.nc.FlushWithContext(ctx) }
func (c *natsConnection) IsOpen() bool                              { return !c.nc.IsClosed() }

func (c *natsConnection) Close() error {
	c.nc.Close()
	return nil
}

func init() {
	Register()
}

// Register registers the JetStream transport with the default registry.
func Register() {
	transport.Register(TransportName, Build, transport.NATSJetStreamCapabilities)
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.NATSJetStreamCapabilities
}

// Config holds NATS JetStream-specific configuration.
type Config struct {
	URL string
	// AckWait bounds how long a fetched message may stay unacked.
	AckWait time.Duration
	// PoolSize bounds the number of pooled connections.
	PoolSize int
	// NormalizeStreamName maps a topic to its stream. Nil uses the part
	// before the first dot.
	NormalizeStreamName func(topic string) string
}

func (c Config) withDefaults() Config {
	if c.AckWait <= 0 {
		c.AckWait = DefaultAckWait
	}
	if c.NormalizeStreamName == nil {
		c.NormalizeStreamName = transport.DefaultStreamName
	}
	return c
}

// Build creates a JetStream transport. Connections are opened lazily.
func Build(_ context.Context, cfg transport.Config, logger loggingpkg.ServiceLogger) (transport.Transport, error) {
	t, err := New(Config{
		URL:                 cfg.GetNATSURL(),
		AckWait:             cfg.GetAckWait(),
		PoolSize:            cfg.GetPoolSize(),
		NormalizeStreamName: cfg.GetStreamNormalizer(),
	}, logger)
	if err != nil {
		return transport.Transport{}, err
	}
	return transport.Transport{Sender: t, Consumers: t}, nil
}

// Transport publishes through pooled connections and creates per-group
// consumer clients. Each consumer client owns a dedicated connection, so
// long-lived subscriptions never hold pool slots that Send and Ping need.
type Transport struct {
	cfg    Config
	logger loggingpkg.ServiceLogger
	conns  *pool.Pool[Connection]

	mu sync.Mutex
	// ensured caches subjects whose stream is known to cover them.
	ensured map[string]bool
}

// New validates cfg and returns a transport. No network call is made.
func New(cfg Config, logger loggingpkg.ServiceLogger) (*Transport, error) {
	if cfg.URL == "" {
		return nil, errspkg.NewConfigValidationError(errors.New("nats: URL is required"))
	}
	cfg = cfg.withDefaults()
	t := &Transport{
		cfg:     cfg,
		logger:  loggingpkg.Component(logger, "jetstream"),
		ensured: make(map[string]bool),
	}
	t.conns = pool.New[Connection](func(context.Context) (Connection, error) {
		return t.dial()
	}, pool.Options{MaxSize: cfg.PoolSize, Logger: logger, Name: "nats-connections"})
	return t, nil
}

// dial opens a connection outside the pool.
func (t *Transport) dial() (Connection, error) {
	conn, err := Dial(t.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("nats: connect: %w: %w", errspkg.ErrBrokerUnavailable, err)
	}
	return conn, nil
}

// StreamFor returns the stream holding topic.
func (t *Transport) StreamFor(topic string) string {
	return t.cfg.NormalizeStreamName(topic)
}

// withJetStream runs fn with a pooled connection's JetStream context. A
// connection that reported itself closed is disposed.
func (t *Transport) withJetStream(ctx context.Context, fn func(js nats.JetStreamContext) error) error {
	conn, err := t.conns.Rent(ctx)
	if err != nil {
		return err
	}
	js, err := conn.JetStream()
	if err == nil {
		err = fn(js)
	}
	if err != nil && errors.Is(err, nats.ErrConnectionClosed) {
		t.conns.Discard(conn)
		return err
	}
	t.conns.Return(conn)
	return err
}

// Send publishes msg on the subject named after it.
func (t *Transport) Send(ctx context.Context, msg *transport.Message) error {
	if err := transport.ValidateName("topic", msg.Name()); err != nil {
		return err
	}
	stream := t.StreamFor(msg.Name())
	if err := transport.ValidateName("stream", stream); err != nil {
		return err
	}

	out := &nats.Msg{Subject: msg.Name(), Header: nats.Header{}, Data: msg.Body()}
	for k, v := range msg.Headers() {
		out.Header[k] = []string{v}
	}

	err := t.withJetStream(ctx, func(js nats.JetStreamContext) error {
		if err := t.ensureStream(js, stream, msg.Name()); err != nil {
			return err
		}
		_, err := js.PublishMsg(out, nats.MsgId(msg.ID()), nats.Context(ctx))
		return err
	})
	if err != nil {
		return fmt.Errorf("nats: publish %s: %w", msg.Name(), err)
	}
	return nil
}

// ensureStream makes stream exist and cover subject: read, update if found,
// create otherwise, and re-read when the create fails.
func (t *Transport) ensureStream(js nats.JetStreamContext, stream, subject string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ensured[subject] {
		return nil
	}

	info, err := js.StreamInfo(stream)
	switch {
	case err == nil:
		if !covers(info.Config.Subjects, subject) {
			cfg := info.Config
			cfg.Subjects = append(append([]string(nil), cfg.Subjects...), subject)
			if _, err := js.UpdateStream(&cfg); err != nil {
				return fmt.Errorf("nats: add subject %s to stream %s: %w", subject, stream, err)
			}
		}
	case errors.Is(err, nats.ErrStreamNotFound):
		_, createErr := js.AddStream(&nats.StreamConfig{
			Name:      stream,
			Subjects:  []string{subject},
			Storage:   nats.FileStorage,
			Retention: nats.LimitsPolicy,
		})
		if createErr != nil {
			info, err := js.StreamInfo(stream)
			if err != nil || !covers(info.Config.Subjects, subject) {
				return fmt.Errorf("nats: create stream %s: %w", stream, createErr)
			}
		}
		t.logger.Info("Created JetStream stream", loggingpkg.LogFields{"stream": stream, "subject": subject})
	default:
		return fmt.Errorf("nats: stream info %s: %w", stream, err)
	}

	t.ensured[subject] = true
	return nil
}

// ensureConsumer creates or updates the durable pull consumer described by cfg.
func ensureConsumer(js nats.JetStreamContext, stream string, cfg *nats.ConsumerConfig) error {
	_, err := js.ConsumerInfo(stream, cfg.Durable)
	switch {
	case err == nil:
		if _, err := js.UpdateConsumer(stream, cfg); err != nil {
			return fmt.Errorf("nats: update consumer %s: %w", cfg.Durable, err)
		}
		return nil
	case errors.Is(err, nats.ErrConsumerNotFound):
		if _, createErr := js.AddConsumer(stream, cfg); createErr != nil {
			if _, err := js.ConsumerInfo(stream, cfg.Durable); err != nil {
				return fmt.Errorf("nats: create consumer %s: %w", cfg.Durable, createErr)
			}
		}
		return nil
	default:
		return fmt.Errorf("nats: consumer info %s: %w", cfg.Durable, err)
	}
}

// covers reports whether one of the stream subjects matches subject,
// honouring the * and > wildcards.
func covers(patterns []string, subject string) bool {
	for _, p := range patterns {
		if subjectMatches(p, subject) {
			return true
		}
	}
	return false
}

func subjectMatches(pattern, subject string) bool {
	pt := strings.Split(pattern, ".")
	st := strings.Split(subject, ".")
	for i, tok := range pt {
		if tok == ">" {
			return len(st) > i
		}
		if i >= len(st) || (tok != "*" && tok != st[i]) {
			return false
		}
	}
	return len(pt) == len(st)
}

// Ping flushes a pooled connection.
func (t *Transport) Ping(ctx context.Context) error {
	conn, err := t.conns.Rent(ctx)
	if err != nil {
		return err
	}
	if err := conn.Flush(ctx); err != nil {
		t.conns.Discard(conn)
		return err
	}
	t.conns.Return(conn)
	return nil
}

// Recover drops idle connections and forgets verified topology.
func (t *Transport) Recover(context.Context) error {
	drained := t.conns.Drain()
	t.mu.Lock()
	t.ensured = make(map[string]bool)
	t.mu.Unlock()
	t.logger.Info("Dropped cached NATS connections", loggingpkg.LogFields{"drained": drained})
	return nil
}

// PoolStats reports the connection pool.
func (t *Transport) PoolStats() pool.Stats {
	return t.conns.Stats()
}

// Close closes every pooled connection.
func (t *Transport) Close() error {
	return t.conns.Close()
}

func toHeaders(h nats.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		if len(v) > 0 {
			out[k] = v[0]
		}
	}
	return out
}

// durableName derives a consumer name; JetStream forbids dots in it.
func durableName(group, topic string) string {
	r := strings.NewReplacer(".", "_", "*", "_", ">", "_")
	return r.Replace(group) + "__" + r.Replace(topic)
}
