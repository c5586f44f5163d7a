package outbox

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	errspkg "github.com/drblury/courier/internal/runtime/errors"
)

// MemoryStore is an in-process Store. It is safe for concurrent use and
// suits tests and single-node deployments that accept losing the outbox on
// restart.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]*Record
	order   []string
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*Record)}
}

func (s *MemoryStore) Insert(_ context.Context, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[rec.ID]; ok {
		return fmt.Errorf("outbox: record %s already exists", rec.ID)
	}
	s.records[rec.ID] = rec.Clone()
	s.order = append(s.order, rec.ID)
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, errspkg.ErrRecordNotFound)
	}
	return rec.Clone(), nil
}

func (s *MemoryStore) ClaimByID(_ context.Context, id string, now time.Time) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok || rec.State != StatePending {
		return nil, nil
	}
	rec.State = StateSending
	rec.UpdatedAt = now
	return rec.Clone(), nil
}

func (s *MemoryStore) ClaimDue(_ context.Context, now time.Time, limit int) ([]*Record, error) {
	return s.sweep(limit, func(r *Record) bool {
		return r.State == StatePending && !r.NextAttemptAt.After(now)
	}, func(r *Record) {
		r.State = StateSending
		r.UpdatedAt = now
	}), nil
}

func (s *MemoryStore) PromoteDelayed(_ context.Context, now time.Time, limit int) ([]*Record, error) {
	return s.sweep(limit, func(r *Record) bool {
		return r.State == StateDelayed && !r.ScheduledAt.After(now)
	}, func(r *Record) {
		r.State = StatePending
		r.NextAttemptAt = now
		r.UpdatedAt = now
	}), nil
}

func (s *MemoryStore) RecoverStuck(_ context.Context, before, now time.Time, limit int) ([]*Record, error) {
	return s.sweep(limit, func(r *Record) bool {
		return r.State == StateSending && r.UpdatedAt.Before(before)
	}, func(r *Record) {
		r.State = StatePending
		r.NextAttemptAt = now
		r.UpdatedAt = now
	}), nil
}

func (s *MemoryStore) Update(_ context.Context, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[rec.ID]; !ok {
		return fmt.Errorf("%s: %w", rec.ID, errspkg.ErrRecordNotFound)
	}
	s.records[rec.ID] = rec.Clone()
	return nil
}

func (s *MemoryStore) DeleteExpired(_ context.Context, now time.Time, limit int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	deleted := 0
	s.order = slices.DeleteFunc(s.order, func(id string) bool {
		if limit > 0 && deleted >= limit {
			return false
		}
		r := s.records[id]
		if !r.State.Terminal() || r.ExpiresAt.IsZero() || r.ExpiresAt.After(now) {
			return false
		}
		delete(s.records, id)
		deleted++
		return true
	})
	return deleted, nil
}

// Len returns how many records are stored.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// sweep applies mutate to up to limit records matching pick, in insertion order.
func (s *MemoryStore) sweep(limit int, pick func(*Record) bool, mutate func(*Record)) []*Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*Record
	for _, id := range s.order {
		if limit > 0 && len(out) >= limit {
			break
		}
		r := s.records[id]
		if !pick(r) {
			continue
		}
		mutate(r)
		out = append(out, r.Clone())
	}
	return out
}
