// Package outbox persists outgoing messages before they are handed to the
// broker and drives each record through its delivery state machine:
//
//	Delayed -> Pending -> Sending -> Succeeded
//	                          \-> Failed -> Pending (while attempts < max retries)
//
// Terminal records keep an expiry and are purged by the collector.
package outbox

import (
	"bytes"
	"time"

	metadatapkg "github.com/drblury/courier/internal/runtime/metadata"
)

// State is the delivery state of a record.
type State string

const (
	StateDelayed   State = "Delayed"
	StatePending   State = "Pending"
	StateSending   State = "Sending"
	StateSucceeded State = "Succeeded"
	StateFailed    State = "Failed"
)

// Terminal reports whether no further delivery attempt will be made. A
// Failed record is only terminal once its retries are exhausted, which is
// when it carries an expiry.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed
}

var transitions = map[State][]State{
	StateDelayed: {StatePending},
	StatePending: {StateSending},
	StateSending: {StateSucceeded, StateFailed, StatePending},
	StateFailed:  {StatePending},
}

// CanTransitionTo reports whether moving from s to next is a legal step.
func (s State) CanTransitionTo(next State) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Record is one persisted outgoing message.
type Record struct {
	ID      string
	Name    string
	Payload []byte
	Headers metadatapkg.Metadata
	State   State
	// Attempts counts sends that reached the transport and failed.
	Attempts      int
	NextAttemptAt time.Time
	ScheduledAt   time.Time
	// ExpiresAt is set once the record is terminal.
	ExpiresAt time.Time
	LastError string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Clone returns a deep copy.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	cp := *r
	cp.Payload = bytes.Clone(r.Payload)
	cp.Headers = r.Headers.Clone()
	return &cp
}

var backoffTable = []time.Duration{
	100 * time.Millisecond,
	time.Second,
	2 * time.Second,
	2 * time.Second,
	5 * time.Second,
	5 * time.Second,
	10 * time.Second,
	30 * time.Second,
	60 * time.Second,
}

// Backoff returns the delay before retrying a record that has failed
// attempts times. It is capped at one minute.
func Backoff(attempts int) time.Duration {
	i := attempts - 1
	if i < 0 {
		i = 0
	}
	if i >= len(backoffTable) {
		i = len(backoffTable) - 1
	}
	return backoffTable[i]
}
