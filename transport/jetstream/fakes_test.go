package jetstream

import (
	"context"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// fakeJS implements the JetStreamContext calls the transport makes. Any
// other call panics on the nil embedded interface.
type fakeJS struct {
	nats.JetStreamContext

	mu        sync.Mutex
	streams   map[string]*nats.StreamConfig
	consumers map[string]*nats.ConsumerConfig
	published []*nats.Msg
	updates   int
	// addStreamErr fails AddStream while still creating the stream.
	addStreamErr error
}

func newFakeJS() *fakeJS {
	return &fakeJS{
		streams:   map[string]*nats.StreamConfig{},
		consumers: map[string]*nats.ConsumerConfig{},
	}
}

func (f *fakeJS) StreamInfo(stream string, _ ...nats.JSOpt) (*nats.StreamInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cfg, ok := f.streams[stream]
	if !ok {
		return nil, nats.ErrStreamNotFound
	}
	return &nats.StreamInfo{Config: *cfg}, nil
}

func (f *fakeJS) AddStream(cfg *nats.StreamConfig, _ ...nats.JSOpt) (*nats.StreamInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *cfg
	f.streams[cfg.Name] = &cp
	if f.addStreamErr != nil {
		return nil, f.addStreamErr
	}
	return &nats.StreamInfo{Config: cp}, nil
}

func (f *fakeJS) UpdateStream(cfg *nats.StreamConfig, _ ...nats.JSOpt) (*nats.StreamInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *cfg
	f.streams[cfg.Name] = &cp
	f.updates++
	return &nats.StreamInfo{Config: cp}, nil
}

func (f *fakeJS) ConsumerInfo(stream, name string, _ ...nats.JSOpt) (*nats.ConsumerInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cfg, ok := f.consumers[stream+"/"+name]
	if !ok {
		return nil, nats.ErrConsumerNotFound
	}
	return &nats.ConsumerInfo{Stream: stream, Name: name, Config: *cfg}, nil
}

func (f *fakeJS) AddConsumer(stream string, cfg *nats.ConsumerConfig, _ ...nats.JSOpt) (*nats.ConsumerInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *cfg
	f.consumers[stream+"/"+cfg.Durable] = &cp
	return &nats.ConsumerInfo{Stream: stream, Name: cfg.Durable, Config: cp}, nil
}

func (f *fakeJS) UpdateConsumer(stream string, cfg *nats.ConsumerConfig, opts ...nats.JSOpt) (*nats.ConsumerInfo, error) {
	return f.AddConsumer(stream, cfg, opts...)
}

func (f *fakeJS) PublishMsg(m *nats.Msg, _ ...nats.PubOpt) (*nats.PubAck, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, m)
	return &nats.PubAck{Stream: "s", Sequence: uint64(len(f.published))}, nil
}

type fakeConn struct {
	js     *fakeJS
	closed bool
}

func (c *fakeConn) JetStream() (nats.JetStreamContext, error) { return c.js, nil }
func (c *fakeConn) Flush(context.Context) error {
	if c.closed {
		return nats.ErrConnectionClosed
	}
	return nil
}
func (c *fakeConn) IsOpen() bool { return !c.closed }
func (c *fakeConn) Close() error { c.closed = true; return nil }

// fakeFetcher hands out queued batches, then times out.
type fakeFetcher struct {
	mu           sync.Mutex
	batches      [][]*nats.Msg
	unsubscribed bool
}

func (f *fakeFetcher) push(msgs ...*nats.Msg) {
	f.mu.Lock()
	f.batches = append(f.batches, msgs)
	f.mu.Unlock()
}

func (f *fakeFetcher) Fetch(int, ...nats.PullOpt) ([]*nats.Msg, error) {
	f.mu.Lock()
	if len(f.batches) > 0 {
		b := f.batches[0]
		f.batches = f.batches[1:]
		f.mu.Unlock()
		return b, nil
	}
	f.mu.Unlock()
	time.Sleep(2 * time.Millisecond)
	return nil, nats.ErrTimeout
}

func (f *fakeFetcher) Unsubscribe() error {
	f.mu.Lock()
	f.unsubscribed = true
	f.mu.Unlock()
	return nil
}

type fakeAcker struct {
	mu   sync.Mutex
	acks int
	naks int
}

func (a *fakeAcker) Ack(...nats.AckOpt) error {
	a.mu.Lock()
	a.acks++
	a.mu.Unlock()
	return nil
}

func (a *fakeAcker) Nak(...nats.AckOpt) error {
	a.mu.Lock()
	a.naks++
	a.mu.Unlock()
	return nil
}
