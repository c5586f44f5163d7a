package runtime

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	configpkg "github.com/drblury/courier/internal/runtime/config"
	loggingpkg "github.com/drblury/courier/internal/runtime/logging"
	"github.com/drblury/courier/transport"
	"github.com/drblury/courier/transport/channel"
)

const flakyTransport = "flaky"

var errBrokerDown = errors.New("dial tcp 127.0.0.1:5672: connect: connection refused")

// flakySender forwards to the in-memory transport unless it is switched off.
type flakySender struct {
	inner transport.Sender

	mu    sync.Mutex
	down  bool
	sends int
}

func (f *flakySender) Send(ctx context.Context, msg *transport.Message) error {
	f.mu.Lock()
	down := f.down
	f.sends++
	f.mu.Unlock()
	if down {
		return errBrokerDown
	}
	return f.inner.Send(ctx, msg)
}

func (f *flakySender) Ping(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return errBrokerDown
	}
	return nil
}

func (f *flakySender) Recover(context.Context) error { return nil }

func (f *flakySender) Close() error { return f.inner.Close() }

func (f *flakySender) setDown(down bool) {
	f.mu.Lock()
	f.down = down
	f.mu.Unlock()
}

// readyClient closes ready once its subscription is in place.
type readyClient struct {
	transport.ConsumerClient
	once  *sync.Once
	ready chan struct{}
}

func (c readyClient) Subscribe(ctx context.Context, topics []string) error {
	if err := c.ConsumerClient.Subscribe(ctx, topics); err != nil {
		return err
	}
	c.once.Do(func() { close(c.ready) })
	return nil
}

type harness struct {
	svc    *Service
	sender *flakySender
	ready  chan struct{}
	reg    *prometheus.Registry
}

func newHarness(t *testing.T, mutate func(*configpkg.Config)) *harness {
	t.Helper()

	h := &harness{ready: make(chan struct{}), reg: prometheus.NewRegistry()}
	once := &sync.Once{}

	transports := transport.NewRegistry()
	transports.Register(flakyTransport, func(ctx context.Context, cfg transport.Config, logger loggingpkg.ServiceLogger) (transport.Transport, error) {
		inner, err := channel.Build(ctx, cfg, logger)
		if err != nil {
			return transport.Transport{}, err
		}
		h.sender = &flakySender{inner: inner.Sender}
		consumers := transport.ConsumerFactoryFunc(func(group string, concurrency int) (transport.ConsumerClient, error) {
			client, err := inner.Consumers.NewConsumer(group, concurrency)
			if err != nil {
				return nil, err
			}
			return readyClient{ConsumerClient: client, once: once, ready: h.ready}, nil
		})
		return transport.Transport{Sender: h.sender, Consumers: consumers}, nil
	}, transport.Capabilities{Name: flakyTransport, SupportsAck: true, SupportsNack: true})

	cfg := &configpkg.Config{
		Transport:           flakyTransport,
		RetryInterval:       20 * time.Millisecond,
		DelayedInterval:     10 * time.Millisecond,
		HealthCheckInterval: 20 * time.Millisecond,
		CollectorInterval:   time.Hour,
		ListenTimeout:       50 * time.Millisecond,
	}
	if mutate != nil {
		mutate(cfg)
	}

	svc, err := TryNewService(cfg, loggingpkg.Nop(), context.Background(), ServiceDependencies{
		Transports: transports,
		Registerer: h.reg,
	})
	require.NoError(t, err)
	h.svc = svc
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = svc.Stop(ctx)
	})
	return h
}

// start runs the service in the background and returns a channel with its
// exit error.
func (h *harness) start(t *testing.T) <-chan error {
	t.Helper()
	errCh := make(chan error, 1)
	go func() { errCh <- h.svc.Start(context.Background()) }()
	return errCh
}

func (h *harness) waitReady(t *testing.T) {
	t.Helper()
	select {
	case <-h.ready:
	case <-time.After(5 * time.Second):
		t.Fatal("consumer never subscribed")
	}
}
