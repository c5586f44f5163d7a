// Package transports registers the built-in brokers (channel, rabbitmq,
// nats-jetstream) with transport.DefaultRegistry when imported.
package transports

import (
	_ "github.com/drblury/courier/transport/channel"
	_ "github.com/drblury/courier/transport/jetstream"
	_ "github.com/drblury/courier/transport/rabbitmq"
)
