package outbox

import (
	"context"
	"time"
)

// Store persists records. Every claim is atomic: a claimed record is
// Sending and no other claimant can see it until it is updated.
type Store interface {
	Insert(ctx context.Context, rec *Record) error
	// Get returns ErrRecordNotFound for unknown ids.
	Get(ctx context.Context, id string) (*Record, error)
	// ClaimByID moves one Pending record to Sending. It returns nil when the
	// record is not Pending.
	ClaimByID(ctx context.Context, id string, now time.Time) (*Record, error)
	// ClaimDue moves up to limit Pending records whose NextAttemptAt is not
	// after now to Sending, oldest first.
	ClaimDue(ctx context.Context, now time.Time, limit int) ([]*Record, error)
	// PromoteDelayed moves up to limit Delayed records whose ScheduledAt is
	// not after now to Pending and returns them.
	PromoteDelayed(ctx context.Context, now time.Time, limit int) ([]*Record, error)
	// RecoverStuck returns up to limit Sending records not updated since
	// before to Pending and returns them.
	RecoverStuck(ctx context.Context, before, now time.Time, limit int) ([]*Record, error)
	// Update writes the mutable fields of rec.
	Update(ctx context.Context, rec *Record) error
	// DeleteExpired removes up to limit terminal records whose ExpiresAt is
	// not after now.
	DeleteExpired(ctx context.Context, now time.Time, limit int) (int, error)
}

// Clock abstracts time for the publisher and processors.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }
