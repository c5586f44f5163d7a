package transport

import "time"

// Capabilities describes the features supported by a transport backend.
type Capabilities struct {
	// Name is the registry name of the transport.
	Name string

	// SupportsAck indicates explicit message acknowledgment.
	SupportsAck bool
	// SupportsNack indicates negative acknowledgment with redelivery.
	SupportsNack bool
	// SupportsOrdering indicates per-topic ordering within one consumer.
	SupportsOrdering bool
	// Durable indicates messages survive a broker restart.
	Durable bool
	// PooledConnections indicates native handles are drawn from a pool.
	PooledConnections bool
	// DeclaresTopology indicates FetchTopics creates exchanges, queues or streams.
	DeclaresTopology bool

	// AckWait is the broker-side redelivery timeout (0 = none/unknown).
	AckWait time.Duration
	// MaxMessageSize is the maximum message size in bytes (0 = unlimited/unknown).
	MaxMessageSize int64
}

// SupportsReliableDelivery returns true if the transport supports at-least-once
// delivery semantics (ack + nack).
func (c Capabilities) SupportsReliableDelivery() bool {
	return c.SupportsAck && c.SupportsNack
}

// Predefined capability sets for the built-in transports.
var (
	// ChannelCapabilities for the in-memory transport.
	ChannelCapabilities = Capabilities{
		Name:             "channel",
		SupportsAck:      true,
		SupportsNack:     true,
		SupportsOrdering: true,
	}

	// RabbitMQCapabilities for the AMQP 0-9-1 transport.
	RabbitMQCapabilities = Capabilities{
		Name:              "rabbitmq",
		SupportsAck:       true,
		SupportsNack:      true,
		SupportsOrdering:  true,
		Durable:           true,
		PooledConnections: true,
		DeclaresTopology:  true,
	}

	// NATSJetStreamCapabilities for the NATS JetStream transport.
	NATSJetStreamCapabilities = Capabilities{
		Name:              "nats-jetstream",
		SupportsAck:       true,
		SupportsNack:      true,
		SupportsOrdering:  true,
		Durable:           true,
		PooledConnections: true,
		DeclaresTopology:  true,
		AckWait:           30 * time.Second,
		MaxMessageSize:    1048576, // Default 1MB
	}
)
