package runtime

import (
	"context"
	"errors"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message/router/middleware"

	"github.com/drblury/courier/internal/runtime/consumer"
	"github.com/drblury/courier/internal/runtime/dispatch"
	errspkg "github.com/drblury/courier/internal/runtime/errors"
	metadatapkg "github.com/drblury/courier/internal/runtime/metadata"
)

const (
	latencySampleSize    = 256
	throughputWindowSize = time.Minute
)

// ErrorCategory buckets handler failures for the status endpoint.
type ErrorCategory string

const (
	ErrorCategoryNone       ErrorCategory = "none"
	ErrorCategoryValidation ErrorCategory = "validation"
	ErrorCategoryPanic      ErrorCategory = "panic"
	ErrorCategoryDownstream ErrorCategory = "downstream"
	ErrorCategoryOther      ErrorCategory = "other"
)

// ErrorClassifier maps a handler error to a category.
type ErrorClassifier func(error) ErrorCategory

// ConsumerInfo describes one registration and its runtime statistics.
type ConsumerInfo struct {
	Name        string         `json:"name"`
	HandlerType string         `json:"handler_type"`
	MessageType string         `json:"message_type"`
	Topic       string         `json:"topic"`
	Group       string         `json:"group"`
	Concurrency int            `json:"concurrency"`
	Stats       *ConsumerStats `json:"stats"`
}

// ConsumerStats aggregates handler executions for one consumer.
type ConsumerStats struct {
	MessagesProcessed   uint64    `json:"messages_processed"`
	MessagesFailed      uint64    `json:"messages_failed"`
	TotalProcessingTime int64     `json:"total_processing_time_ns"`
	LastProcessedAt     time.Time `json:"last_processed_at"`

	Latency    LatencyMetrics    `json:"latency"`
	Throughput ThroughputMetrics `json:"throughput"`
	Errors     ErrorBreakdown    `json:"errors"`
	Backlog    BacklogMetrics    `json:"backlog"`
}

type LatencyMetrics struct {
	AverageNs  int64 `json:"average_ns"`
	P50Ns      int64 `json:"p50_ns"`
	P95Ns      int64 `json:"p95_ns"`
	P99Ns      int64 `json:"p99_ns"`
	LastNs     int64 `json:"last_ns"`
	SampleSize int   `json:"sample_size"`
}

type ThroughputMetrics struct {
	CurrentRPS       float64 `json:"current_rps"`
	WindowSeconds    float64 `json:"window_seconds"`
	MessagesInWindow uint64  `json:"messages_in_window"`
	TotalMessages    uint64  `json:"total_messages"`
}

type ErrorBreakdown struct {
	Validation uint64 `json:"validation"`
	Panic      uint64 `json:"panic"`
	Downstream uint64 `json:"downstream"`
	Other      uint64 `json:"other"`
	LastError  string `json:"last_error,omitempty"`
}

// BacklogMetrics tracks in-flight executions and how long messages waited
// between being sent and being handled.
type BacklogMetrics struct {
	InFlight           uint64 `json:"in_flight"`
	MaxInFlight        uint64 `json:"max_in_flight"`
	EstimatedLagMillis int64  `json:"estimated_lag_millis"`
}

// Record bumps the counter for category.
func (e *ErrorBreakdown) Record(category ErrorCategory, err error) {
	switch category {
	case ErrorCategoryNone:
		if err == nil {
			return
		}
		e.Other++
	case ErrorCategoryValidation:
		e.Validation++
	case ErrorCategoryPanic:
		e.Panic++
	case ErrorCategoryDownstream:
		e.Downstream++
	default:
		e.Other++
	}
	if err != nil {
		e.LastError = err.Error()
	}
}

// consumerStats collects per-consumer statistics through job hooks.
type consumerStats struct {
	mu         sync.Mutex
	classifier ErrorClassifier
	byName     map[string]*consumerEntry
}

type consumerEntry struct {
	stats      ConsumerStats
	latency    *latencyWindow
	throughput *throughputWindow
}

func newConsumerStats(classifier ErrorClassifier) *consumerStats {
	if classifier == nil {
		classifier = defaultErrorClassifier
	}
	return &consumerStats{classifier: classifier, byName: make(map[string]*consumerEntry)}
}

func (c *consumerStats) hooks() dispatch.JobHooks {
	return dispatch.JobHooks{
		OnJobStart: c.onStart,
		OnJobDone:  func(job dispatch.JobContext) { c.onFinish(job, nil) },
		OnJobError: c.onFinish,
	}
}

func (c *consumerStats) entry(name string) *consumerEntry {
	e, ok := c.byName[name]
	if !ok {
		e = &consumerEntry{
			latency:    newLatencyWindow(latencySampleSize),
			throughput: newThroughputWindow(throughputWindowSize),
		}
		e.stats.Backlog.EstimatedLagMillis = -1
		c.byName[name] = e
	}
	return e
}

func (c *consumerStats) onStart(job dispatch.JobContext) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e := c.entry(job.HandlerName)
	e.stats.Backlog.InFlight++
	if e.stats.Backlog.InFlight > e.stats.Backlog.MaxInFlight {
		e.stats.Backlog.MaxInFlight = e.stats.Backlog.InFlight
	}
	if lag := sentLag(job.Metadata, job.StartedAt); lag >= 0 {
		e.stats.Backlog.EstimatedLagMillis = lag
	}
}

func (c *consumerStats) onFinish(job dispatch.JobContext, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e := c.entry(job.HandlerName)
	s := &e.stats
	if s.Backlog.InFlight > 0 {
		s.Backlog.InFlight--
	}

	s.MessagesProcessed++
	if err != nil {
		s.MessagesFailed++
	}
	s.TotalProcessingTime += int64(job.Duration)
	now := time.Now()
	s.LastProcessedAt = now.UTC()

	e.latency.Add(job.Duration)
	s.Latency = e.latency.Snapshot()
	s.Latency.AverageNs = s.TotalProcessingTime / int64(s.MessagesProcessed)

	tp := e.throughput.AddAndSnapshot(now)
	s.Throughput = ThroughputMetrics{
		CurrentRPS:       tp.CurrentRPS,
		WindowSeconds:    tp.WindowSeconds,
		MessagesInWindow: uint64(tp.Count),
		TotalMessages:    s.MessagesProcessed,
	}

	s.Errors.Record(c.classifier(err), err)
}

// snapshot copies the statistics of every registration, including those that
// have not handled a message yet.
func (c *consumerStats) snapshot(registrations []consumer.Metadata) []ConsumerInfo {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]ConsumerInfo, 0, len(registrations))
	for _, md := range registrations {
		var stats ConsumerStats
		if e, ok := c.byName[md.Name]; ok {
			stats = e.stats
		} else {
			stats.Backlog.EstimatedLagMillis = -1
		}
		out = append(out, ConsumerInfo{
			Name:        md.Name,
			HandlerType: md.HandlerType,
			MessageType: md.MessageType,
			Topic:       md.Topic,
			Group:       md.Group,
			Concurrency: md.Concurrency,
			Stats:       &stats,
		})
	}
	return out
}

func sentLag(md metadatapkg.Metadata, at time.Time) int64 {
	raw, ok := md.Get(metadatapkg.HeaderSentTime)
	if !ok {
		return -1
	}
	sent, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return -1
	}
	lag := at.Sub(sent).Milliseconds()
	if lag < 0 {
		return 0
	}
	return lag
}

type latencyWindow struct {
	samples []int64
	next    int
	filled  int
	last    int64
}

func newLatencyWindow(size int) *latencyWindow {
	if size <= 0 {
		size = latencySampleSize
	}
	return &latencyWindow{samples: make([]int64, size)}
}

func (lw *latencyWindow) Add(d time.Duration) {
	lw.samples[lw.next] = int64(d)
	lw.last = int64(d)
	lw.next = (lw.next + 1) % len(lw.samples)
	if lw.filled < len(lw.samples) {
		lw.filled++
	}
}

func (lw *latencyWindow) Snapshot() LatencyMetrics {
	m := LatencyMetrics{LastNs: lw.last}
	if lw.filled == 0 {
		return m
	}
	samples := make([]int64, lw.filled)
	for i := 0; i < lw.filled; i++ {
		idx := lw.next - lw.filled + i
		if idx < 0 {
			idx += len(lw.samples)
		}
		samples[i] = lw.samples[idx]
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })

	var sum int64
	for _, v := range samples {
		sum += v
	}
	m.SampleSize = lw.filled
	m.P50Ns = percentile(samples, 0.50)
	m.P95Ns = percentile(samples, 0.95)
	m.P99Ns = percentile(samples, 0.99)
	m.AverageNs = sum / int64(len(samples))
	return m
}

// percentile interpolates linearly between the closest ranks of sorted samples.
func percentile(samples []int64, quantile float64) int64 {
	if len(samples) == 0 {
		return 0
	}
	if quantile <= 0 {
		return samples[0]
	}
	if quantile >= 1 {
		return samples[len(samples)-1]
	}
	pos := quantile * float64(len(samples)-1)
	lower := int(math.Floor(pos))
	upper := int(math.Ceil(pos))
	if lower == upper {
		return samples[lower]
	}
	frac := pos - float64(lower)
	return samples[lower] + int64(float64(samples[upper]-samples[lower])*frac)
}

type throughputWindow struct {
	horizon time.Duration
	samples []time.Time
}

type throughputSnapshot struct {
	Count         int
	WindowSeconds float64
	CurrentRPS    float64
}

func newThroughputWindow(horizon time.Duration) *throughputWindow {
	return &throughputWindow{horizon: horizon, samples: make([]time.Time, 0, 64)}
}

func (tw *throughputWindow) AddAndSnapshot(now time.Time) throughputSnapshot {
	tw.samples = append(tw.samples, now)

	cutoff := now.Add(-tw.horizon)
	idx := 0
	for idx < len(tw.samples) && tw.samples[idx].Before(cutoff) {
		idx++
	}
	if idx > 0 {
		tw.samples = append(tw.samples[:0], tw.samples[idx:]...)
	}

	span := now.Sub(tw.samples[0])
	if span <= 0 {
		span = time.Nanosecond
	}
	return throughputSnapshot{
		Count:         len(tw.samples),
		WindowSeconds: span.Seconds(),
		CurrentRPS:    float64(len(tw.samples)) / span.Seconds(),
	}
}

func defaultErrorClassifier(err error) ErrorCategory {
	if err == nil {
		return ErrorCategoryNone
	}
	var unprocessable *errspkg.UnprocessableEventError
	if errors.As(err, &unprocessable) {
		return ErrorCategoryValidation
	}
	var recovered middleware.RecoveredPanicError
	if errors.As(err, &recovered) {
		return ErrorCategoryPanic
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return ErrorCategoryDownstream
	}
	return ErrorCategoryOther
}
