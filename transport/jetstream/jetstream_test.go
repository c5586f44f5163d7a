package jetstream

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errspkg "github.com/drblury/courier/internal/runtime/errors"
	metadatapkg "github.com/drblury/courier/internal/runtime/metadata"
	"github.com/drblury/courier/transport"
)

const testURL = "nats://localhost:4222"

type harness struct {
	js       *fakeJS
	dials    int
	conns    []*fakeConn
	mu       sync.Mutex
	fetchers map[string]*fakeFetcher
}

func useFakes(t *testing.T) *harness {
	t.Helper()
	h := &harness{js: newFakeJS(), fetchers: map[string]*fakeFetcher{}}

	origDial, origSub := Dial, PullSubscriber
	Dial = func(string) (Connection, error) {
		h.mu.Lock()
		h.dials++
		conn := &fakeConn{js: h.js}
		h.conns = append(h.conns, conn)
		h.mu.Unlock()
		return conn, nil
	}
	PullSubscriber = func(_ nats.JetStreamContext, _, durable, _ string) (Fetcher, error) {
		h.mu.Lock()
		defer h.mu.Unlock()
		f := &fakeFetcher{}
		h.fetchers[durable] = f
		return f, nil
	}
	t.Cleanup(func() { Dial, PullSubscriber = origDial, origSub })
	return h
}

func (h *harness) fetcher(durable string) *fakeFetcher {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.fetchers[durable]
}

func newTestTransport(t *testing.T, cfg Config) *Transport {
	t.Helper()
	if cfg.URL == "" {
		cfg.URL = testURL
	}
	tr, err := New(cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = tr.Close() })
	return tr
}

func TestRegister(t *testing.T) {
	registry := transport.DefaultRegistry
	t.Cleanup(func() { transport.DefaultRegistry = registry })
	transport.DefaultRegistry = transport.NewRegistry()
	Register()

	caps := transport.GetCapabilities(TransportName)
	assert.Equal(t, "nats-jetstream", caps.Name)
	assert.True(t, caps.SupportsReliableDelivery())
	assert.Equal(t, transport.NATSJetStreamCapabilities, Capabilities())
}

func TestConfigDefaults(t *testing.T) {
	_, err := New(Config{}, nil)
	assert.True(t, errspkg.IsConfigError(err))

	cfg := Config{URL: testURL}.withDefaults()
	assert.Equal(t, DefaultAckWait, cfg.AckWait)
	assert.Equal(t, "orders", cfg.NormalizeStreamName("orders.created"))
}

func TestSendCreatesStreamAndPublishes(t *testing.T) {
	h := useFakes(t)
	tr := newTestTransport(t, Config{})

	msg := transport.NewMessage("orders.created", "01HX", metadatapkg.New("tenant", "acme"), []byte(`{"id":1}`))
	require.NoError(t, tr.Send(context.Background(), msg))
	require.NoError(t, tr.Send(context.Background(), transport.NewMessage("orders.cancelled", "01HY", nil, nil)))

	stream := h.js.streams["orders"]
	require.NotNil(t, stream)
	assert.Equal(t, []string{"orders.created", "orders.cancelled"}, stream.Subjects)
	assert.Equal(t, 1, h.js.updates)

	require.Len(t, h.js.published, 2)
	out := h.js.published[0]
	assert.Equal(t, "orders.created", out.Subject)
	assert.Equal(t, "acme", out.Header.Get("tenant"))
	assert.Equal(t, []byte(`{"id":1}`), out.Data)

	assert.Equal(t, 1, h.dials)
	assert.Equal(t, 1, tr.PoolStats().Idle)
}

func TestInvalidTopicFailsBeforeConnecting(t *testing.T) {
	h := useFakes(t)
	tr := newTestTransport(t, Config{})

	err := tr.Send(context.Background(), transport.NewMessage("orders!", "1", nil, nil))
	assert.ErrorIs(t, err, errspkg.ErrInvalidName)
	assert.Zero(t, h.dials)
}

func TestCustomStreamNormalizer(t *testing.T) {
	h := useFakes(t)
	tr := newTestTransport(t, Config{NormalizeStreamName: func(topic string) string {
		return strings.ToUpper(transport.DefaultStreamName(topic))
	}})

	require.NoError(t, tr.Send(context.Background(), transport.NewMessage("orders.created", "1", nil, nil)))
	assert.Contains(t, h.js.streams, "ORDERS")
}

func TestStreamCreateRaceIsSwallowed(t *testing.T) {
	h := useFakes(t)
	h.js.addStreamErr = errors.New("stream name already in use")
	tr := newTestTransport(t, Config{})

	require.NoError(t, tr.Send(context.Background(), transport.NewMessage("orders.created", "1", nil, nil)))
	assert.Len(t, h.js.published, 1)
}

func TestSubjectMatches(t *testing.T) {
	assert.True(t, subjectMatches("orders.>", "orders.created"))
	assert.True(t, subjectMatches("orders.*", "orders.created"))
	assert.False(t, subjectMatches("orders.*", "orders.created.v1"))
	assert.False(t, subjectMatches("orders.>", "orders"))
	assert.True(t, subjectMatches("orders", "orders"))
	assert.False(t, subjectMatches("orders.created", "orders.cancelled"))
}

func TestDurableName(t *testing.T) {
	assert.Equal(t, "billing_v1__orders_created", durableName("billing.v1", "orders.created"))
}

func TestConsumerFlow(t *testing.T) {
	h := useFakes(t)
	tr := newTestTransport(t, Config{AckWait: 45 * time.Second})

	client, err := tr.NewConsumer("billing", 2)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	topics, err := client.FetchTopics(ctx, []string{"orders.created"})
	require.NoError(t, err)
	require.NoError(t, client.Subscribe(ctx, topics))

	consumer := h.js.consumers["orders/billing__orders_created"]
	require.NotNil(t, consumer)
	assert.Equal(t, nats.AckExplicitPolicy, consumer.AckPolicy)
	assert.Equal(t, 45*time.Second, consumer.AckWait)
	assert.Equal(t, "orders.created", consumer.FilterSubject)

	// Subscribing again updates the existing consumer.
	require.NoError(t, client.Subscribe(ctx, topics))

	got := make(chan *transport.Delivery, 1)
	client.OnMessage(func(_ context.Context, d *transport.Delivery) { got <- d })
	done := make(chan error, 1)
	go func() { done <- client.Listen(ctx, 10*time.Millisecond) }()

	h.fetcher("billing__orders_created").push(&nats.Msg{
		Subject: "orders.created",
		Header:  nats.Header{metadatapkg.HeaderMessageID: []string{"m1"}, "tenant": []string{"acme"}},
		Data:    []byte(`{}`),
	})

	select {
	case d := <-got:
		assert.Equal(t, "orders.created", d.Message.Name())
		assert.Equal(t, "m1", d.Message.ID())
		assert.Equal(t, "billing", d.Message.Group())
		d.Release()
	case <-time.After(2 * time.Second):
		t.Fatal("message not dispatched")
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("listen did not stop")
	}

	require.NoError(t, client.Close())
	assert.True(t, h.fetcher("billing__orders_created").unsubscribed)
}

func TestConsumersDoNotHoldPooledConnections(t *testing.T) {
	h := useFakes(t)
	tr := newTestTransport(t, Config{PoolSize: 1})
	ctx := context.Background()

	var clients []transport.ConsumerClient
	for _, group := range []string{"billing", "shipping", "audit"} {
		client, err := tr.NewConsumer(group, 1)
		require.NoError(t, err)
		topics, err := client.FetchTopics(ctx, []string{"orders.created"})
		require.NoError(t, err)
		require.NoError(t, client.Subscribe(ctx, topics))
		clients = append(clients, client)
	}
	assert.Equal(t, 0, tr.PoolStats().Count)

	sendCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	require.NoError(t, tr.Send(sendCtx, transport.NewMessage("orders.created", "m1", nil, []byte(`{}`))))
	require.NoError(t, tr.Ping(sendCtx))
	assert.Equal(t, 1, tr.PoolStats().Idle)

	for _, client := range clients {
		require.NoError(t, client.Close())
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	require.Len(t, h.conns, 4)
	for _, conn := range h.conns[:3] {
		assert.True(t, conn.closed)
	}
	assert.False(t, h.conns[3].closed)
}

func TestConsumerRedialsClosedConnection(t *testing.T) {
	h := useFakes(t)
	tr := newTestTransport(t, Config{})
	ctx := context.Background()

	client, err := tr.NewConsumer("billing", 1)
	require.NoError(t, err)
	_, err = client.FetchTopics(ctx, []string{"orders.created"})
	require.NoError(t, err)

	h.mu.Lock()
	first := h.conns[0]
	h.mu.Unlock()
	first.closed = true

	_, err = client.FetchTopics(ctx, []string{"orders.created"})
	require.NoError(t, err)
	assert.Equal(t, 2, h.dials)
	require.NoError(t, client.Close())
	assert.True(t, h.conns[1].closed)
}

func TestCommitAcksAndRejectNaks(t *testing.T) {
	useFakes(t)
	tr := newTestTransport(t, Config{})
	client, err := tr.NewConsumer("billing", 1)
	require.NoError(t, err)

	acker := &fakeAcker{}
	msg := transport.NewInbound("orders.created", "1", "billing", nil, nil)
	require.NoError(t, client.Commit(context.Background(), transport.NewDelivery(msg, acker, nil)))
	require.NoError(t, client.Reject(context.Background(), transport.NewDelivery(msg, acker, nil)))
	assert.Equal(t, 1, acker.acks)
	assert.Equal(t, 1, acker.naks)

	err = client.Commit(context.Background(), transport.NewDelivery(msg, "not a message", nil))
	assert.Error(t, err)
}

func TestPingAndRecover(t *testing.T) {
	useFakes(t)
	tr := newTestTransport(t, Config{})

	require.NoError(t, tr.Ping(context.Background()))
	assert.Equal(t, 1, tr.PoolStats().Idle)

	require.NoError(t, tr.Recover(context.Background()))
	assert.Equal(t, 0, tr.PoolStats().Count)
}
