package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EpochStatus is the epoch state machine's state (spec.md §4.5).
type EpochStatus int

const (
	EpochStatusPending EpochStatus = iota
	EpochStatusActive
	EpochStatusCleared
	EpochStatusSettled
)

func (s EpochStatus) String() string {
	switch s {
	case EpochStatusPending:
		return "pending"
	case EpochStatusActive:
		return "active"
	case EpochStatusCleared:
		return "cleared"
	case EpochStatusSettled:
		return "settled"
	default:
		return "unknown"
	}
}

// CanTransitionTo enforces spec.md §3 invariant 6: transitions only move
// forward through pending -> active -> cleared -> settled.
func (s EpochStatus) CanTransitionTo(next EpochStatus) bool {
	return next == s+1 && next <= EpochStatusSettled
}

// Epoch is one fixed 15-minute (by default) trading interval.
type Epoch struct {
	ID            uuid.UUID
	EpochNumber   int64 // YYYYMMDDHHMM at the quarter-hour boundary
	StartTime     time.Time
	EndTime       time.Time
	Status        EpochStatus
	ClearingPrice *Amount // nil until computed at clearing
	TotalVolume   Amount
	TotalOrders   int
	MatchedOrders int
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// EpochNumberFor computes the YYYYMMDDHHMM epoch number for t, aligned to
// the greatest quarter-hour boundary <= t (spec.md §4.5).
func EpochNumberFor(t time.Time, duration time.Duration) int64 {
	start := EpochStartFor(t, duration)
	return int64(start.Year())*100000000 + int64(start.Month())*1000000 + int64(start.Day())*10000 + int64(start.Hour())*100 + int64(start.Minute())
}

// EpochStartFor computes the wall-clock-aligned start time for t.
func EpochStartFor(t time.Time, duration time.Duration) time.Time {
	t = t.UTC()
	truncated := t.Truncate(duration)
	// time.Truncate operates on absolute Unix time, which for a duration
	// that evenly divides an hour (15m, 30m, etc.) coincides with
	// wall-clock quarter-hour boundaries in UTC.
	return truncated
}

// NewEpoch constructs a pending epoch starting at startTime.
func NewEpoch(startTime time.Time, duration time.Duration, now time.Time) *Epoch {
	return &Epoch{
		ID:          uuid.New(),
		EpochNumber: EpochNumberFor(startTime, duration),
		StartTime:   startTime,
		EndTime:     startTime.Add(duration),
		Status:      EpochStatusPending,
		TotalVolume: Zero,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// TransitionTo advances the epoch's status, returning an error if the
// transition would regress or skip a state (spec.md §3 invariant 6).
func (e *Epoch) TransitionTo(next EpochStatus, now time.Time) error {
	if !e.Status.CanTransitionTo(next) {
		return fmt.Errorf("%w: cannot transition epoch %d from %s to %s", ErrInvalidInput, e.EpochNumber, e.Status, next)
	}
	e.Status = next
	e.UpdatedAt = now
	return nil
}

// IsActiveAt reports whether the epoch accepts submissions at time t:
// [start_time, end_time).
func (e *Epoch) IsActiveAt(t time.Time) bool {
	return e.Status == EpochStatusActive && !t.Before(e.StartTime) && t.Before(e.EndTime)
}
