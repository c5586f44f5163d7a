package runtime

import (
	"runtime"
	"runtime/metrics"
	"sync"
	"time"
)

const (
	sampleCPU        = "/cpu/classes/total:cpu-seconds"
	sampleHeap       = "/memory/classes/heap/objects:bytes"
	sampleGoroutines = "/sched/goroutines:goroutines"
)

// ResourceUsage is a coarse process sample reported by the status endpoint.
type ResourceUsage struct {
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryBytes   uint64  `json:"memory_bytes"`
	Goroutines    int     `json:"goroutines"`
	UptimeSeconds float64 `json:"uptime_seconds"`
}

// resourceTracker samples CPU and heap usage through runtime/metrics. CPU
// percent is averaged over the interval since the previous sample, so the
// first sample reports zero.
type resourceTracker struct {
	mu             sync.Mutex
	startedAt      time.Time
	samples        []metrics.Sample
	lastCPUSeconds float64
	lastSample     time.Time
	numCPU         float64
}

func newResourceTracker() *resourceTracker {
	return &resourceTracker{
		startedAt: time.Now(),
		samples: []metrics.Sample{
			{Name: sampleCPU},
			{Name: sampleHeap},
			{Name: sampleGoroutines},
		},
		numCPU: float64(runtime.NumCPU()),
	}
}

func (r *resourceTracker) Snapshot() ResourceUsage {
	if r == nil {
		return ResourceUsage{}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	metrics.Read(r.samples)
	now := time.Now()
	usage := ResourceUsage{
		Goroutines:    runtime.NumGoroutine(),
		UptimeSeconds: now.Sub(r.startedAt).Seconds(),
	}

	for _, s := range r.samples {
		switch s.Name {
		case sampleCPU:
			if s.Value.Kind() != metrics.KindFloat64 {
				continue
			}
			cpu := s.Value.Float64()
			if !r.lastSample.IsZero() {
				wall := now.Sub(r.lastSample).Seconds()
				if wall > 0 && r.numCPU > 0 {
					usage.CPUPercent = (cpu - r.lastCPUSeconds) / wall / r.numCPU * 100
				}
			}
			r.lastCPUSeconds = cpu
		case sampleHeap:
			if s.Value.Kind() == metrics.KindUint64 {
				usage.MemoryBytes = s.Value.Uint64()
			}
		case sampleGoroutines:
			if s.Value.Kind() == metrics.KindUint64 {
				usage.Goroutines = int(s.Value.Uint64())
			}
		}
	}
	if usage.CPUPercent < 0 {
		usage.CPUPercent = 0
	}
	r.lastSample = now
	return usage
}
