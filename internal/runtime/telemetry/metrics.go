// Package telemetry holds the Prometheus collectors shared by the outbox,
// the dispatcher, the processors and the connection pools. A nil *Metrics
// is valid and records nothing.
package telemetry

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "courier"

// NameMetrics holds in-process counters for one message name.
type NameMetrics struct {
	Published  uint64    `json:"published"`
	Sent       uint64    `json:"sent"`
	SendErrors uint64    `json:"send_errors"`
	Exhausted  uint64    `json:"exhausted"`
	LastSentAt time.Time `json:"last_sent_at,omitempty"`
}

// Snapshot is a point-in-time view of the outbox counters.
type Snapshot struct {
	TotalPublished uint64                  `json:"total_published"`
	TotalSent      uint64                  `json:"total_sent"`
	TotalExhausted uint64                  `json:"total_exhausted"`
	TotalPurged    uint64                  `json:"total_purged"`
	Names          map[string]*NameMetrics `json:"names"`
	CollectedAt    time.Time               `json:"collected_at"`
}

// Metrics owns every courier collector.
type Metrics struct {
	mu sync.RWMutex

	names  map[string]*NameMetrics
	purged uint64

	publishedTotal   *prometheus.CounterVec
	transitionsTotal *prometheus.CounterVec
	sendSeconds      *prometheus.HistogramVec
	purgedTotal      prometheus.Counter
	dispatchTotal    *prometheus.CounterVec
	dispatchSeconds  *prometheus.HistogramVec
	ticksTotal       *prometheus.CounterVec

	registerer prometheus.Registerer
	registered bool
	pools      map[string]bool
}

func newCounterVec(subsystem, name, help string, labels []string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

func newHistogramVec(subsystem, name, help string, labels []string) *prometheus.HistogramVec {
	return prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		labels,
	)
}

// NewMetrics creates the collectors. A nil registerer uses the Prometheus default.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &Metrics{
		names:            make(map[string]*NameMetrics),
		pools:            make(map[string]bool),
		registerer:       registerer,
		publishedTotal:   newCounterVec("outbox", "published_total", "Records accepted by the outbox publisher", []string{"name", "state"}),
		transitionsTotal: newCounterVec("outbox", "transitions_total", "Outbox record state transitions", []string{"from", "to"}),
		sendSeconds:      newHistogramVec("outbox", "send_seconds", "Time spent handing a record to the transport", []string{"result"}),
		purgedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "outbox",
			Name:      "purged_total",
			Help:      "Expired terminal records deleted by the collector",
		}),
		dispatchTotal:   newCounterVec("consumer", "dispatch_total", "Inbound deliveries by dispatch outcome", []string{"group", "outcome"}),
		dispatchSeconds: newHistogramVec("consumer", "dispatch_seconds", "Time spent dispatching an inbound delivery", []string{"group"}),
		ticksTotal:      newCounterVec("processor", "ticks_total", "Background processor ticks by result", []string{"processor", "result"}),
	}
}

// Register registers the collectors. Safe to call multiple times.
func (m *Metrics) Register() error {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.registered {
		return nil
	}

	collectors := []prometheus.Collector{
		m.publishedTotal,
		m.transitionsTotal,
		m.sendSeconds,
		m.purgedTotal,
		m.dispatchTotal,
		m.dispatchSeconds,
		m.ticksTotal,
	}
	for _, c := range collectors {
		if err := register(m.registerer, c); err != nil {
			return err
		}
	}

	m.registered = true
	return nil
}

func register(r prometheus.Registerer, c prometheus.Collector) error {
	if err := r.Register(c); err != nil {
		if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
			return err
		}
	}
	return nil
}

// RegisterPool exports the size of a connection pool as gauges read on scrape.
func (m *Metrics) RegisterPool(pool string, stats func() (count, idle, maxSize int)) error {
	if m == nil || stats == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.pools[pool] {
		return nil
	}
	gauge := func(name, help string, pick func(count, idle, maxSize int) int) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "pool",
			Name:        name,
			Help:        help,
			ConstLabels: prometheus.Labels{"pool": pool},
		}, func() float64 {
			return float64(pick(stats()))
		})
	}
	collectors := []prometheus.Collector{
		gauge("handles", "Handles created and not yet disposed", func(c, _, _ int) int { return c }),
		gauge("idle_handles", "Handles waiting in the pool", func(_, i, _ int) int { return i }),
		gauge("max_handles", "Configured pool bound", func(_, _, mx int) int { return mx }),
	}
	for _, c := range collectors {
		if err := register(m.registerer, c); err != nil {
			return err
		}
	}
	m.pools[pool] = true
	return nil
}

// RecordPublished counts a record accepted by the publisher in its initial state.
func (m *Metrics) RecordPublished(name, state string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nameMetrics(name).Published++
	m.publishedTotal.WithLabelValues(name, state).Inc()
}

// RecordTransition counts one record state change.
func (m *Metrics) RecordTransition(from, to string) {
	if m == nil {
		return
	}
	m.transitionsTotal.WithLabelValues(from, to).Inc()
}

// RecordSend records the outcome of a single transport send. exhausted marks
// a failure that left the record terminally Failed.
func (m *Metrics) RecordSend(name string, d time.Duration, err error, exhausted bool) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	nm := m.nameMetrics(name)
	result := "ok"
	if err != nil {
		result = "error"
		nm.SendErrors++
		if exhausted {
			nm.Exhausted++
		}
	} else {
		nm.Sent++
		nm.LastSentAt = time.Now()
	}
	m.sendSeconds.WithLabelValues(result).Observe(d.Seconds())
}

// RecordPurged counts records deleted by the collector.
func (m *Metrics) RecordPurged(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.mu.Lock()
	m.purged += uint64(n)
	m.mu.Unlock()
	m.purgedTotal.Add(float64(n))
}

// RecordDispatch records one inbound dispatch.
func (m *Metrics) RecordDispatch(group, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.dispatchTotal.WithLabelValues(group, outcome).Inc()
	m.dispatchSeconds.WithLabelValues(group).Observe(d.Seconds())
}

// RecordTick records a processor tick. result is "ok", "skipped" or "error".
func (m *Metrics) RecordTick(processor, result string) {
	if m == nil {
		return
	}
	m.ticksTotal.WithLabelValues(processor, result).Inc()
}

// Snapshot returns a copy of the in-process outbox counters.
func (m *Metrics) Snapshot() Snapshot {
	snap := Snapshot{Names: make(map[string]*NameMetrics), CollectedAt: time.Now()}
	if m == nil {
		return snap
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	for name, nm := range m.names {
		cp := *nm
		snap.Names[name] = &cp
		snap.TotalPublished += nm.Published
		snap.TotalSent += nm.Sent
		snap.TotalExhausted += nm.Exhausted
	}
	snap.TotalPurged = m.purged
	return snap
}

func (m *Metrics) nameMetrics(name string) *NameMetrics {
	if nm, ok := m.names[name]; ok {
		return nm
	}
	nm := &NameMetrics{}
	m.names[name] = nm
	return nm
}
