package rabbitmq

import (
	"context"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

type published struct {
	exchange, key string
	msg           amqp.Publishing
}

// fakeBroker records topology and publishes shared by every fake channel.
type fakeBroker struct {
	mu         sync.Mutex
	dials      int
	channels   int
	exchanges  map[string]bool
	queues     map[string]bool
	bindings   map[string][]string
	published  []published
	deliveries chan amqp.Delivery
	qos        int

	// publishErr is returned once by the next publish.
	publishErr error
	// failCreate makes ExchangeDeclare/QueueDeclare fail while the entity
	// appears anyway, as when another node won the race.
	failCreate bool
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{
		exchanges:  map[string]bool{},
		queues:     map[string]bool{},
		bindings:   map[string][]string{},
		deliveries: make(chan amqp.Delivery, 16),
	}
}

func (b *fakeBroker) dial(string) (Connection, error) {
	b.mu.Lock()
	b.dials++
	b.mu.Unlock()
	return &fakeConn{broker: b}, nil
}

type fakeConn struct {
	broker *fakeBroker
	closed bool
}

func (c *fakeConn) Channel() (Channel, error) {
	c.broker.mu.Lock()
	c.broker.channels++
	c.broker.mu.Unlock()
	return &fakeChannel{broker: c.broker}, nil
}

func (c *fakeConn) IsClosed() bool { return c.closed }
func (c *fakeConn) Close() error   { c.closed = true; return nil }

type fakeChannel struct {
	broker *fakeBroker
	mu     sync.Mutex
	closed bool
}

var errNotFound = &amqp.Error{Code: amqp.NotFound, Reason: "NOT_FOUND", Server: true}

func (c *fakeChannel) ExchangeDeclarePassive(name, _ string, _, _, _, _ bool, _ amqp.Table) error {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	if !c.broker.exchanges[name] {
		c.close()
		return errNotFound
	}
	return nil
}

func (c *fakeChannel) ExchangeDeclare(name, _ string, _, _, _, _ bool, _ amqp.Table) error {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	c.broker.exchanges[name] = true
	if c.broker.failCreate {
		return &amqp.Error{Code: amqp.PreconditionFailed, Reason: "PRECONDITION_FAILED"}
	}
	return nil
}

func (c *fakeChannel) QueueDeclarePassive(name string, _, _, _, _ bool, _ amqp.Table) (amqp.Queue, error) {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	if !c.broker.queues[name] {
		c.close()
		return amqp.Queue{}, errNotFound
	}
	return amqp.Queue{Name: name}, nil
}

func (c *fakeChannel) QueueDeclare(name string, _, _, _, _ bool, _ amqp.Table) (amqp.Queue, error) {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	c.broker.queues[name] = true
	return amqp.Queue{Name: name}, nil
}

func (c *fakeChannel) QueueBind(name, key, _ string, _ bool, _ amqp.Table) error {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	c.broker.bindings[name] = append(c.broker.bindings[name], key)
	return nil
}

func (c *fakeChannel) Qos(prefetch, _ int, _ bool) error {
	c.broker.mu.Lock()
	c.broker.qos = prefetch
	c.broker.mu.Unlock()
	return nil
}

func (c *fakeChannel) Consume(string, string, bool, bool, bool, bool, amqp.Table) (<-chan amqp.Delivery, error) {
	return c.broker.deliveries, nil
}

func (c *fakeChannel) PublishWithContext(_ context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) error {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	if err := c.broker.publishErr; err != nil {
		c.broker.publishErr = nil
		return err
	}
	c.broker.published = append(c.broker.published, published{exchange: exchange, key: key, msg: msg})
	return nil
}

func (c *fakeChannel) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeChannel) Close() error {
	c.close()
	return nil
}

func (c *fakeChannel) close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

type fakeAck struct {
	mu     sync.Mutex
	acked  []uint64
	nacked []uint64
}

func (a *fakeAck) Ack(tag uint64, _ bool) error {
	a.mu.Lock()
	a.acked = append(a.acked, tag)
	a.mu.Unlock()
	return nil
}

func (a *fakeAck) Nack(tag uint64, _ bool, requeue bool) error {
	a.mu.Lock()
	if requeue {
		a.nacked = append(a.nacked, tag)
	}
	a.mu.Unlock()
	return nil
}

func (a *fakeAck) Reject(tag uint64, requeue bool) error {
	return a.Nack(tag, false, requeue)
}
