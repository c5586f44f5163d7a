// Package transport defines the broker-facing contracts of courier: the
// immutable Message, the Sender used by the outbox, and the ConsumerClient
// each broker implements for one consumer group. Transport implementations
// live in sub-packages and register themselves with the Registry.
package transport

import (
	"context"
	"time"

	loggingpkg "github.com/drblury/courier/internal/runtime/logging"
	"github.com/drblury/courier/internal/runtime/pool"
)

// Transport bundles what a broker backend produces for a Service.
type Transport struct {
	Sender    Sender
	Consumers ConsumerFactory
}

// Close releases the sender. Consumer clients are closed by their owners.
func (t Transport) Close() error {
	if t.Sender == nil {
		return nil
	}
	return t.Sender.Close()
}

// Builder is the function signature for creating a transport from config.
type Builder func(ctx context.Context, cfg Config, logger loggingpkg.ServiceLogger) (Transport, error)

// Config provides the values transports need without depending on the full
// config package.
type Config interface {
	GetTransport() string
	GetRabbitMQURL() string
	GetRabbitMQExchange() string
	GetNATSURL() string
	GetAckWait() time.Duration
	GetPoolSize() int
	GetStreamNormalizer() func(string) string
}

// Sender delivers outbound messages to the broker.
type Sender interface {
	Send(ctx context.Context, msg *Message) error
	Close() error
}

// HealthChecker is implemented by senders that can probe broker reachability.
type HealthChecker interface {
	Ping(ctx context.Context) error
}

// Recoverer is implemented by senders that can drop cached broker handles so
// the next use reconnects.
type Recoverer interface {
	Recover(ctx context.Context) error
}

// Callback receives every delivery a ConsumerClient hands out. The callback
// must eventually pass the delivery to Commit, Reject or Delivery.Release.
type Callback func(ctx context.Context, d *Delivery)

// ConsumerClient is the per-group subscription handle of a broker.
type ConsumerClient interface {
	// FetchTopics ensures the broker topology for names exists and returns
	// the subset that can be subscribed to.
	FetchTopics(ctx context.Context, names []string) ([]string, error)
	// Subscribe binds the client to topics.
	Subscribe(ctx context.Context, topics []string) error
	// Listen blocks, dispatching deliveries to the callback, until ctx is
	// cancelled. timeout bounds each individual poll.
	Listen(ctx context.Context, timeout time.Duration) error
	// Commit acknowledges a delivery and releases its concurrency slot.
	Commit(ctx context.Context, d *Delivery) error
	// Reject negatively acknowledges a delivery for redelivery and releases
	// its concurrency slot.
	Reject(ctx context.Context, d *Delivery) error
	// OnMessage installs the delivery callback. It must be set before Listen.
	OnMessage(cb Callback)
	Close() error
}

// ConsumerFactory creates consumer clients for a group.
type ConsumerFactory interface {
	NewConsumer(group string, concurrency int) (ConsumerClient, error)
}

// ConsumerFactoryFunc adapts a function to ConsumerFactory.
type ConsumerFactoryFunc func(group string, concurrency int) (ConsumerClient, error)

func (f ConsumerFactoryFunc) NewConsumer(group string, concurrency int) (ConsumerClient, error) {
	return f(group, concurrency)
}

// CapabilitiesProvider is implemented by transports that can report their capabilities.
type CapabilitiesProvider interface {
	Capabilities() Capabilities
}

// PoolReporter is implemented by senders that draw native handles from a
// pool.
type PoolReporter interface {
	PoolStats() pool.Stats
}
