package processor

import (
	"context"
	"errors"
	"fmt"
	"time"

	loggingpkg "github.com/drblury/courier/internal/runtime/logging"
	"github.com/drblury/courier/internal/runtime/outbox"
	"github.com/drblury/courier/internal/runtime/telemetry"
)

// Processor names, also used in lock resources and metrics labels.
const (
	RetryName     = "retry"
	DelayedName   = "delayed"
	HealthName    = "health"
	CollectorName = "collector"
)

// Retry hands stuck Sending records back to Pending, then claims due Pending
// records batch by batch and delivers each of them.
func Retry(pub *outbox.Publisher, stuckAfter time.Duration, batchSize int, logger loggingpkg.ServiceLogger) Work {
	logger = loggingpkg.Component(logger, "processor").With(loggingpkg.LogFields{"processor": RetryName})
	return func(ctx context.Context) error {
		store, clock := pub.Store(), pub.Clock()

		if stuckAfter > 0 {
			now := clock.Now()
			stuck, err := store.RecoverStuck(ctx, now.Add(-stuckAfter), now, batchSize)
			if err != nil {
				return fmt.Errorf("recover stuck records: %w", err)
			}
			for _, rec := range stuck {
				pub.NotifyTransition(ctx, rec, outbox.StateSending, outbox.StatePending)
			}
			if len(stuck) > 0 {
				logger.Info("Recovered stuck records", loggingpkg.LogFields{"count": len(stuck)})
			}
		}

		for {
			claimed, err := store.ClaimDue(ctx, clock.Now(), batchSize)
			if err != nil {
				return fmt.Errorf("claim due records: %w", err)
			}
			var errs []error
			for _, rec := range claimed {
				pub.NotifyTransition(ctx, rec, outbox.StatePending, outbox.StateSending)
				if err := pub.Deliver(ctx, rec); err != nil {
					errs = append(errs, fmt.Errorf("deliver %s: %w", rec.ID, err))
				}
			}
			if err := errors.Join(errs...); err != nil {
				return err
			}
			if len(claimed) < batchSize || batchSize <= 0 || ctx.Err() != nil {
				return nil
			}
		}
	}
}

// Delayed promotes Delayed records whose schedule has passed to Pending.
func Delayed(pub *outbox.Publisher, batchSize int) Work {
	return func(ctx context.Context) error {
		for {
			promoted, err := pub.Store().PromoteDelayed(ctx, pub.Clock().Now(), batchSize)
			if err != nil {
				return fmt.Errorf("promote delayed records: %w", err)
			}
			for _, rec := range promoted {
				pub.NotifyTransition(ctx, rec, outbox.StateDelayed, outbox.StatePending)
			}
			if len(promoted) < batchSize || batchSize <= 0 {
				return nil
			}
		}
	}
}

// Collector deletes expired Succeeded and Failed records until a batch
// comes back short.
func Collector(store outbox.Store, clock outbox.Clock, batchSize int, metrics *telemetry.Metrics, logger loggingpkg.ServiceLogger) Work {
	logger = loggingpkg.Component(logger, "processor").With(loggingpkg.LogFields{"processor": CollectorName})
	if clock == nil {
		clock = outbox.SystemClock{}
	}
	return func(ctx context.Context) error {
		total := 0
		defer func() {
			metrics.RecordPurged(total)
			if total > 0 {
				logger.Debug("Purged expired records", loggingpkg.LogFields{"count": total})
			}
		}()
		for {
			n, err := store.DeleteExpired(ctx, clock.Now(), batchSize)
			if err != nil {
				return fmt.Errorf("delete expired records: %w", err)
			}
			total += n
			if n < batchSize || batchSize <= 0 || ctx.Err() != nil {
				return nil
			}
		}
	}
}
