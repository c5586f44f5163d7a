package runtime

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/courier/internal/runtime/consumer"
	"github.com/drblury/courier/internal/runtime/dispatch"
	errspkg "github.com/drblury/courier/internal/runtime/errors"
	metadatapkg "github.com/drblury/courier/internal/runtime/metadata"
)

func TestConsumerStatsCountsExecutions(t *testing.T) {
	stats := newConsumerStats(nil)
	hooks := stats.hooks()
	started := time.Now()

	job := dispatch.JobContext{
		HandlerName: "Billing.OrderPlaced",
		StartedAt:   started,
		Metadata: metadatapkg.New(
			metadatapkg.HeaderSentTime, started.Add(-250*time.Millisecond).UTC().Format(time.RFC3339Nano),
		),
	}

	hooks.OnJobStart(job)
	job.Duration = 10 * time.Millisecond
	hooks.OnJobDone(job)

	hooks.OnJobStart(job)
	job.Duration = 30 * time.Millisecond
	hooks.OnJobError(job, &errspkg.UnprocessableEventError{EventMessage: "bad json", Err: errors.New("eof")})

	infos := stats.snapshot([]consumer.Metadata{
		{Name: "Billing.OrderPlaced", Topic: "orders.placed", Group: "billing", Concurrency: 2},
		{Name: "Audit.OrderPlaced", Topic: "orders.placed", Group: "audit", Concurrency: 1},
	})
	require.Len(t, infos, 2)

	billing := infos[0].Stats
	assert.Equal(t, "billing", infos[0].Group)
	assert.Equal(t, uint64(2), billing.MessagesProcessed)
	assert.Equal(t, uint64(1), billing.MessagesFailed)
	assert.Equal(t, uint64(1), billing.Errors.Validation)
	assert.Contains(t, billing.Errors.LastError, "bad json")
	assert.Equal(t, uint64(0), billing.Backlog.InFlight)
	assert.Equal(t, uint64(1), billing.Backlog.MaxInFlight)
	assert.Equal(t, int64(250), billing.Backlog.EstimatedLagMillis)
	assert.Equal(t, int64(20*time.Millisecond), billing.Latency.AverageNs)
	assert.Equal(t, int64(30*time.Millisecond), billing.Latency.LastNs)
	assert.Equal(t, 2, billing.Latency.SampleSize)
	assert.Equal(t, uint64(2), billing.Throughput.TotalMessages)

	idle := infos[1].Stats
	assert.Zero(t, idle.MessagesProcessed)
	assert.Equal(t, int64(-1), idle.Backlog.EstimatedLagMillis)
}

func TestDefaultErrorClassifier(t *testing.T) {
	tests := []struct {
		err  error
		want ErrorCategory
	}{
		{nil, ErrorCategoryNone},
		{fmt.Errorf("wrap: %w", &errspkg.UnprocessableEventError{EventMessage: "x", Err: errors.New("y")}), ErrorCategoryValidation},
		{middleware.RecoveredPanicError{V: "boom"}, ErrorCategoryPanic},
		{fmt.Errorf("call: %w", context.DeadlineExceeded), ErrorCategoryDownstream},
		{errors.New("boom"), ErrorCategoryOther},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, defaultErrorClassifier(tt.err), "%v", tt.err)
	}
}

func TestCustomClassifierIsUsed(t *testing.T) {
	stats := newConsumerStats(func(error) ErrorCategory { return ErrorCategoryDownstream })
	stats.hooks().OnJobError(dispatch.JobContext{HandlerName: "h"}, errors.New("boom"))

	infos := stats.snapshot([]consumer.Metadata{{Name: "h"}})
	assert.Equal(t, uint64(1), infos[0].Stats.Errors.Downstream)
}

func TestLatencyWindowPercentiles(t *testing.T) {
	lw := newLatencyWindow(4)
	for _, ms := range []int{40, 10, 30, 20, 50} {
		lw.Add(time.Duration(ms) * time.Millisecond)
	}

	snap := lw.Snapshot()
	assert.Equal(t, 4, snap.SampleSize, "window keeps the newest samples only")
	assert.Equal(t, int64(50*time.Millisecond), snap.LastNs)
	assert.Equal(t, int64(27500*time.Microsecond), snap.AverageNs)
	assert.Equal(t, int64(25*time.Millisecond), snap.P50Ns)
	assert.Equal(t, int64(50), percentile([]int64{10, 50}, 1))
	assert.Zero(t, percentile(nil, 0.5))
}

func TestThroughputWindowDropsOldSamples(t *testing.T) {
	tw := newThroughputWindow(time.Second)
	base := time.Date(2026, 4, 2, 9, 0, 0, 0, time.UTC)

	tw.AddAndSnapshot(base)
	tw.AddAndSnapshot(base.Add(500 * time.Millisecond))
	snap := tw.AddAndSnapshot(base.Add(1200 * time.Millisecond))

	assert.Equal(t, 2, snap.Count)
	assert.InDelta(t, 0.7, snap.WindowSeconds, 0.001)
}

func TestSentLag(t *testing.T) {
	at := time.Date(2026, 4, 2, 9, 0, 1, 0, time.UTC)
	assert.Equal(t, int64(-1), sentLag(nil, at))
	assert.Equal(t, int64(-1), sentLag(metadatapkg.New(metadatapkg.HeaderSentTime, "yesterday"), at))
	assert.Equal(t, int64(0), sentLag(metadatapkg.New(metadatapkg.HeaderSentTime, at.Add(time.Second).Format(time.RFC3339Nano)), at))
	assert.Equal(t, int64(1000), sentLag(metadatapkg.New(metadatapkg.HeaderSentTime, "2026-04-02T09:00:00Z"), at))
}
