package runtime

import (
	"net/http"
	"time"

	jsoncodec "github.com/drblury/courier/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/courier/internal/runtime/logging"
	"github.com/drblury/courier/internal/runtime/pool"
	"github.com/drblury/courier/internal/runtime/telemetry"
	"github.com/drblury/courier/transport"
)

// Status is the document served on /api/status.
type Status struct {
	Transport string             `json:"transport"`
	Healthy   bool               `json:"healthy"`
	Sealed    bool               `json:"sealed"`
	Pool      *pool.Stats        `json:"pool,omitempty"`
	Outbox    telemetry.Snapshot `json:"outbox"`
	Resources ResourceUsage      `json:"resources"`
	Time      time.Time          `json:"time"`
}

// Status reports the broker health, pool occupancy, outbox counters and
// process resource usage.
func (s *Service) Status() Status {
	st := Status{
		Transport: s.Conf.Transport,
		Healthy:   s.Healthy(),
		Sealed:    s.registry.Sealed(),
		Outbox:    s.metrics.Snapshot(),
		Resources: s.resourceTracker.Snapshot(),
		Time:      time.Now().UTC(),
	}
	if reporter, ok := s.transport.Sender.(transport.PoolReporter); ok {
		stats := reporter.PoolStats()
		st.Pool = &stats
	}
	return st
}

// Consumers lists every registration with its execution statistics.
func (s *Service) Consumers() []ConsumerInfo {
	return s.stats.snapshot(s.registry.All())
}

func (s *Service) registerStatusHandlers() {
	port := s.Conf.StatusPort
	if port == 0 {
		return
	}
	s.RegisterHTTPHandler(port, "/healthz", http.HandlerFunc(s.handleHealthz))
	s.RegisterHTTPHandler(port, "/api/status", http.HandlerFunc(s.handleGetStatus))
	s.RegisterHTTPHandler(port, "/api/consumers", http.HandlerFunc(s.handleGetConsumers))
}

func (s *Service) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	if !s.Healthy() {
		http.Error(w, "broker unavailable", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Service) handleGetStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, r, s.Status())
}

func (s *Service) handleGetConsumers(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, r, s.Consumers())
}

func (s *Service) writeJSON(w http.ResponseWriter, r *http.Request, v any) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := jsoncodec.Marshal(v)
	if err != nil {
		s.Logger.Error("Failed to encode status response", err, loggingpkg.LogFields{"path": r.URL.Path})
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(body)
}
