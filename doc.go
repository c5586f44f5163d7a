// Package courier is a reliable messaging layer for services that publish
// domain events and consume them from a broker. Every outgoing message is
// first written to a transactional outbox, then handed to the configured
// transport; background processors retry failed sends, release delayed
// records once they are due and purge old rows.
//
// A Service owns the transport, the outbox publisher, the consumer registry
// and the dispatcher. Register consumers with Service.Consumer, Scan or the
// typed RegisterJSONHandler and RegisterProtoHandler helpers, then call Start.
// Start seals the registry and blocks until the context ends or Stop is called.
//
// # Transports
//
// Three transports are built in and selected through Config.Transport:
//   - channel: in-memory Go channels for tests and single-process setups
//   - rabbitmq: a topic exchange with one durable queue per consumer group
//   - nats-jetstream: durable pull consumers on streams derived from topics
//
// Custom brokers plug in through RegisterTransport or a dedicated
// ServiceDependencies.Transports registry.
//
// # Middleware and hooks
//
// Handler executions run through a middleware chain (correlation IDs, logging,
// tracing, panic recovery) followed by JobHooksMiddleware, which reports
// OnJobStart, OnJobDone and OnJobError for custom metrics or alerting.
//
// # Coordination
//
// The retry, delayed, health and collector processors take a named lock per
// tick. Locks stay in process unless Config.RedisURL is set, in which case
// only one replica runs each processor at a time.
package courier
