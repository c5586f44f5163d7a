package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"

	errspkg "github.com/drblury/courier/internal/runtime/errors"
	idspkg "github.com/drblury/courier/internal/runtime/ids"
	jsoncodec "github.com/drblury/courier/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/courier/internal/runtime/logging"
	metadatapkg "github.com/drblury/courier/internal/runtime/metadata"
	"github.com/drblury/courier/internal/runtime/telemetry"
	"github.com/drblury/courier/transport"
)

const (
	DefaultMaxRetries         = 10
	DefaultSucceededRetention = 24 * time.Hour
	DefaultFailedRetention    = 15 * 24 * time.Hour
)

// TransitionHook observes every state change of a record. rec is a copy
// taken after the change.
type TransitionHook func(ctx context.Context, rec Record, from, to State)

// Options configures a Publisher.
type Options struct {
	Store  Store
	Sender transport.Sender
	Logger loggingpkg.ServiceLogger
	// Metrics may be nil.
	Metrics *telemetry.Metrics
	Clock   Clock
	Hooks   []TransitionHook

	MaxRetries         int
	SucceededRetention time.Duration
	FailedRetention    time.Duration
	// Breaker guards the sender. Zero settings trip after five consecutive
	// failures and probe again after ten seconds.
	Breaker gobreaker.Settings
}

// Publisher writes records to the store and delivers them through the
// transport sender.
type Publisher struct {
	store   Store
	sender  transport.Sender
	logger  loggingpkg.ServiceLogger
	metrics *telemetry.Metrics
	clock   Clock
	breaker *gobreaker.CircuitBreaker

	maxRetries         int
	succeededRetention time.Duration
	failedRetention    time.Duration

	hooksMu sync.RWMutex
	hooks   []TransitionHook
}

// NewPublisher validates opts and returns a Publisher.
func NewPublisher(opts Options) (*Publisher, error) {
	if opts.Store == nil {
		return nil, errspkg.ErrStoreRequired
	}
	if opts.Sender == nil {
		return nil, errspkg.ErrSenderRequired
	}
	if opts.Clock == nil {
		opts.Clock = SystemClock{}
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = DefaultMaxRetries
	}
	if opts.SucceededRetention <= 0 {
		opts.SucceededRetention = DefaultSucceededRetention
	}
	if opts.FailedRetention <= 0 {
		opts.FailedRetention = DefaultFailedRetention
	}

	p := &Publisher{
		store:              opts.Store,
		sender:             opts.Sender,
		logger:             loggingpkg.Component(opts.Logger, "outbox"),
		metrics:            opts.Metrics,
		clock:              opts.Clock,
		maxRetries:         opts.MaxRetries,
		succeededRetention: opts.SucceededRetention,
		failedRetention:    opts.FailedRetention,
		hooks:              append([]TransitionHook(nil), opts.Hooks...),
	}
	p.breaker = gobreaker.NewCircuitBreaker(p.breakerSettings(opts.Breaker))
	return p, nil
}

func (p *Publisher) breakerSettings(st gobreaker.Settings) gobreaker.Settings {
	if st.Name == "" {
		st.Name = "outbox-sender"
	}
	if st.Timeout <= 0 {
		st.Timeout = 10 * time.Second
	}
	if st.ReadyToTrip == nil {
		st.ReadyToTrip = func(c gobreaker.Counts) bool { return c.ConsecutiveFailures >= 5 }
	}
	if st.IsSuccessful == nil {
		st.IsSuccessful = func(err error) bool { return err == nil || errors.Is(err, context.Canceled) }
	}
	next := st.OnStateChange
	st.OnStateChange = func(name string, from, to gobreaker.State) {
		p.logger.Info("Sender circuit changed state", loggingpkg.LogFields{
			"breaker": name,
			"from":    from.String(),
			"to":      to.String(),
		})
		if next != nil {
			next(name, from, to)
		}
	}
	return st
}

// OnTransition adds a transition hook.
func (p *Publisher) OnTransition(hook TransitionHook) {
	if hook == nil {
		return
	}
	p.hooksMu.Lock()
	p.hooks = append(p.hooks, hook)
	p.hooksMu.Unlock()
}

// PublishOption customises a single Publish call.
type PublishOption func(*publishOptions)

type publishOptions struct {
	id          string
	headers     metadatapkg.Metadata
	delay       time.Duration
	scheduledAt time.Time
}

// WithDelay defers delivery by d.
func WithDelay(d time.Duration) PublishOption {
	return func(o *publishOptions) { o.delay = d }
}

// WithScheduleAt defers delivery until t.
func WithScheduleAt(t time.Time) PublishOption {
	return func(o *publishOptions) { o.scheduledAt = t }
}

// WithHeaders adds custom headers to the message.
func WithHeaders(md metadatapkg.Metadata) PublishOption {
	return func(o *publishOptions) { o.headers = o.headers.WithAll(md) }
}

// WithMessageID overrides the generated record id.
func WithMessageID(id string) PublishOption {
	return func(o *publishOptions) { o.id = id }
}

// Publish persists a record for name and, unless it is scheduled for later,
// tries to send it straight away. A failed send is left to the retry
// processor and is not reported to the caller; invalid names, unencodable
// payloads and store failures are.
func (p *Publisher) Publish(ctx context.Context, name string, payload any, opts ...PublishOption) (*Record, error) {
	if err := transport.ValidateName("message", name); err != nil {
		return nil, err
	}
	body, err := encodePayload(payload)
	if err != nil {
		return nil, fmt.Errorf("outbox: encode %s payload: %w", name, err)
	}
	return p.publish(ctx, name, body, opts)
}

// PublishProto publishes a protobuf message encoded with protojson.
func (p *Publisher) PublishProto(ctx context.Context, name string, msg proto.Message, opts ...PublishOption) (*Record, error) {
	if msg == nil {
		return nil, errspkg.ErrNilOutput
	}
	return p.Publish(ctx, name, msg, opts...)
}

// Emit publishes a handler output. It lets typed handlers route the events
// they produce through the outbox.
func (p *Publisher) Emit(ctx context.Context, name string, payload any, headers metadatapkg.Metadata) error {
	_, err := p.Publish(ctx, name, payload, WithHeaders(headers))
	return err
}

func (p *Publisher) publish(ctx context.Context, name string, body []byte, opts []PublishOption) (*Record, error) {
	o := publishOptions{}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}

	now := p.clock.Now()
	id := o.id
	if id == "" {
		id = idspkg.CreateULIDAt(now)
	}
	rec := &Record{
		ID:            id,
		Name:          name,
		Payload:       body,
		Headers:       o.headers.Clone(),
		State:         StatePending,
		NextAttemptAt: now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	scheduled := o.scheduledAt
	if o.delay > 0 {
		scheduled = now.Add(o.delay)
	}
	if scheduled.After(now) {
		rec.State = StateDelayed
		rec.ScheduledAt = scheduled
		rec.NextAttemptAt = scheduled
	}

	if err := p.store.Insert(ctx, rec); err != nil {
		return nil, fmt.Errorf("outbox: insert %s: %w", name, err)
	}
	p.metrics.RecordPublished(name, string(rec.State))

	if rec.State != StatePending {
		return rec, nil
	}

	claimed, err := p.store.ClaimByID(ctx, rec.ID, p.clock.Now())
	if err != nil {
		p.logger.Error("Claiming new record failed, leaving it to the retry processor", err, loggingpkg.LogFields{"record_id": rec.ID})
		return rec, nil
	}
	if claimed == nil {
		return rec, nil
	}
	p.notify(ctx, claimed, StatePending, StateSending)

	if err := p.Deliver(ctx, claimed); err != nil {
		p.logger.Error("Recording delivery result failed", err, loggingpkg.LogFields{"record_id": rec.ID})
	}
	return claimed, nil
}

// Deliver sends a claimed (Sending) record and stores the outcome. rec is
// updated in place. The returned error concerns the store only; transport
// failures become state transitions.
func (p *Publisher) Deliver(ctx context.Context, rec *Record) error {
	ctx, span := otel.Tracer("courier").Start(ctx, "courier.outbox.deliver")
	defer span.End()
	span.SetAttributes(
		attribute.String("messaging.message.id", rec.ID),
		attribute.String("messaging.destination.name", rec.Name),
		attribute.Int("courier.attempt", rec.Attempts+1),
	)

	headers := rec.Headers.WithAll(metadatapkg.Metadata{
		metadatapkg.HeaderSentTime: p.clock.Now().UTC().Format(time.RFC3339Nano),
		metadatapkg.HeaderAttempt:  strconv.Itoa(rec.Attempts + 1),
	})
	msg := transport.NewMessage(rec.Name, rec.ID, headers, rec.Payload)

	start := time.Now()
	_, sendErr := p.breaker.Execute(func() (any, error) {
		return nil, p.sender.Send(ctx, msg)
	})
	now := p.clock.Now()
	rec.UpdatedAt = now
	// Outcomes are recorded even when ctx was cancelled mid-send.
	storeCtx := context.WithoutCancel(ctx)

	if sendErr == nil {
		p.metrics.RecordSend(rec.Name, time.Since(start), nil, false)
		rec.State = StateSucceeded
		rec.LastError = ""
		rec.ExpiresAt = now.Add(p.succeededRetention)
		if err := p.store.Update(storeCtx, rec); err != nil {
			return err
		}
		p.notify(storeCtx, rec, StateSending, StateSucceeded)
		return nil
	}

	span.RecordError(sendErr)
	span.SetStatus(codes.Error, sendErr.Error())
	rec.LastError = sendErr.Error()

	// Nothing reached the broker: the breaker refused the call or the send
	// was cancelled. No attempt is spent.
	if notAttempted(ctx, sendErr) {
		p.metrics.RecordSend(rec.Name, time.Since(start), sendErr, false)
		rec.State = StatePending
		rec.NextAttemptAt = now.Add(Backoff(rec.Attempts))
		if err := p.store.Update(storeCtx, rec); err != nil {
			return err
		}
		p.notify(storeCtx, rec, StateSending, StatePending)
		return nil
	}

	rec.Attempts++
	exhausted := rec.Attempts >= p.maxRetries
	p.metrics.RecordSend(rec.Name, time.Since(start), sendErr, exhausted)

	rec.State = StateFailed
	if exhausted {
		rec.ExpiresAt = now.Add(p.failedRetention)
		if err := p.store.Update(storeCtx, rec); err != nil {
			return err
		}
		p.notify(storeCtx, rec, StateSending, StateFailed)
		loggingpkg.Record(p.logger, rec.ID, rec.Name).Error("Record exhausted its retries", sendErr, loggingpkg.LogFields{
			"attempts": rec.Attempts,
		})
		return nil
	}

	failed := rec.Clone()
	rec.State = StatePending
	rec.NextAttemptAt = now.Add(Backoff(rec.Attempts))
	if err := p.store.Update(storeCtx, rec); err != nil {
		return err
	}
	p.notify(storeCtx, failed, StateSending, StateFailed)
	p.notify(storeCtx, rec, StateFailed, StatePending)
	loggingpkg.Record(p.logger, rec.ID, rec.Name).Debug("Send failed, record rescheduled", loggingpkg.LogFields{
		"attempts":        rec.Attempts,
		"next_attempt_at": rec.NextAttemptAt,
		"error":           sendErr.Error(),
	})
	return nil
}

// NotifyTransition reports a transition performed directly by a store claim
// or sweep to the hooks.
func (p *Publisher) NotifyTransition(ctx context.Context, rec *Record, from, to State) {
	p.notify(ctx, rec, from, to)
}

func (p *Publisher) notify(ctx context.Context, rec *Record, from, to State) {
	p.metrics.RecordTransition(string(from), string(to))

	p.hooksMu.RLock()
	hooks := p.hooks
	p.hooksMu.RUnlock()
	for _, hook := range hooks {
		hook(ctx, *rec.Clone(), from, to)
	}
}

// Store returns the backing store.
func (p *Publisher) Store() Store { return p.store }

// Clock returns the publisher clock.
func (p *Publisher) Clock() Clock { return p.clock }

func notAttempted(ctx context.Context, err error) bool {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return true
	}
	return ctx.Err() != nil && errors.Is(err, ctx.Err())
}

// encodePayload turns a payload into message bytes: raw bytes pass
// through, protobuf messages use protojson and anything else is JSON.
func encodePayload(payload any) ([]byte, error) {
	switch v := payload.(type) {
	case nil:
		return nil, errors.New("payload is nil")
	case []byte:
		return v, nil
	case json.RawMessage:
		return v, nil
	case proto.Message:
		return protojson.Marshal(v)
	}
	return jsoncodec.Marshal(payload)
}
