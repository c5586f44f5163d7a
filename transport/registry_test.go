package transport

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	loggingpkg "github.com/drblury/courier/internal/runtime/logging"
)

type mockConfig struct {
	transport string
}

func (m *mockConfig) GetTransport() string                     { return m.transport }
func (m *mockConfig) GetRabbitMQURL() string                   { return "" }
func (m *mockConfig) GetRabbitMQExchange() string              { return "" }
func (m *mockConfig) GetNATSURL() string                       { return "" }
func (m *mockConfig) GetAckWait() time.Duration                { return 0 }
func (m *mockConfig) GetPoolSize() int                         { return 1 }
func (m *mockConfig) GetStreamNormalizer() func(string) string { return nil }

type mockSender struct{ closed bool }

func (m *mockSender) Send(context.Context, *Message) error { return nil }
func (m *mockSender) Close() error {
	m.closed = true
	return nil
}

func TestNewRegistry(t *testing.T) {
	reg := NewRegistry()
	require.NotNil(t, reg)
	assert.Empty(t, reg.Names())
}

func TestRegistryRegisterAndBuild(t *testing.T) {
	reg := NewRegistry()
	sender := &mockSender{}

	reg.Register("mock", func(ctx context.Context, cfg Config, logger loggingpkg.ServiceLogger) (Transport, error) {
		assert.NotNil(t, logger)
		return Transport{Sender: sender}, nil
	}, Capabilities{Name: "mock", SupportsAck: true})

	assert.True(t, reg.Has("mock"))
	assert.False(t, reg.Has("other"))

	tr, err := reg.Build(context.Background(), &mockConfig{transport: "mock"}, nil)
	require.NoError(t, err)
	assert.Same(t, sender, tr.Sender)

	require.NoError(t, tr.Close())
	assert.True(t, sender.closed)

	caps := reg.GetCapabilities("mock")
	assert.True(t, caps.SupportsAck)
}

func TestRegistryBuildErrors(t *testing.T) {
	reg := NewRegistry()

	t.Run("nil config", func(t *testing.T) {
		_, err := reg.Build(context.Background(), nil, nil)
		assert.EqualError(t, err, "config is required")
	})

	t.Run("unknown transport", func(t *testing.T) {
		_, err := reg.Build(context.Background(), &mockConfig{transport: "nope"}, nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), `unknown transport: "nope"`)
	})

	t.Run("builder error propagates", func(t *testing.T) {
		boom := errors.New("boom")
		reg.Register("broken", func(context.Context, Config, loggingpkg.ServiceLogger) (Transport, error) {
			return Transport{}, boom
		}, Capabilities{Name: "broken"})
		_, err := reg.Build(context.Background(), &mockConfig{transport: "broken"}, nil)
		assert.ErrorIs(t, err, boom)
	})
}

func TestRegistryNamesSorted(t *testing.T) {
	reg := NewRegistry()
	noop := func(context.Context, Config, loggingpkg.ServiceLogger) (Transport, error) { return Transport{}, nil }
	reg.Register("rabbitmq", noop, RabbitMQCapabilities)
	reg.Register("channel", noop, ChannelCapabilities)

	assert.Equal(t, []string{"channel", "rabbitmq"}, reg.Names())
}

func TestUnknownCapabilitiesCarryName(t *testing.T) {
	caps := NewRegistry().GetCapabilities("ghost")
	assert.Equal(t, Capabilities{Name: "ghost"}, caps)
	assert.False(t, caps.SupportsReliableDelivery())
}

func TestTransportCloseWithoutSender(t *testing.T) {
	assert.NoError(t, Transport{}.Close())
}

func TestConsumerFactoryFunc(t *testing.T) {
	var gotGroup string
	var gotConcurrency int
	f := ConsumerFactoryFunc(func(group string, concurrency int) (ConsumerClient, error) {
		gotGroup, gotConcurrency = group, concurrency
		return nil, nil
	})
	_, err := f.NewConsumer("billing", 4)
	require.NoError(t, err)
	assert.Equal(t, "billing", gotGroup)
	assert.Equal(t, 4, gotConcurrency)
}
