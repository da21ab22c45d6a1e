// Package scheduler contains the pure wall-clock decision rules of the
// epoch state machine (spec.md §4.5): when an epoch should activate, when
// it should clear, and what the next epoch boundary is. It holds no state
// and does no I/O — the clearing service (internal/clearing) drives these
// decisions on a ticker and performs the actual transitions, since only it
// holds the book lock and the persistence adapter.
package scheduler

import (
	"time"

	"github.com/voltgrid/clearing-engine/internal/domain"
)

// ShouldActivate reports whether a pending epoch should become active at
// wall clock now (spec.md §4.5 "pending -> active when wall clock >=
// start_time").
func ShouldActivate(e *domain.Epoch, now time.Time) bool {
	return e.Status == domain.EpochStatusPending && !now.Before(e.StartTime)
}

// ShouldClear reports whether an active epoch should clear at wall clock
// now (spec.md §4.5 "active -> cleared when wall clock >= end_time").
func ShouldClear(e *domain.Epoch, now time.Time) bool {
	return e.Status == domain.EpochStatusActive && !now.Before(e.EndTime)
}

// NextEpoch constructs the epoch that immediately follows prev, starting at
// prev.EndTime. The clearing service calls it on the scheduler tick that
// clears prev, so the successor is created at or after prev's end_time,
// not before it.
func NextEpoch(prev *domain.Epoch, duration time.Duration, now time.Time) *domain.Epoch {
	return domain.NewEpoch(prev.EndTime, duration, now)
}

// EpochForNow constructs the epoch for the current wall clock. The clearing
// service calls it only at startup (Recover), when no pending or active
// epoch exists; an order that arrives with no active epoch does not create
// one here — SubmitOrder rejects it with ErrEpochNotActive.
func EpochForNow(now time.Time, duration time.Duration) *domain.Epoch {
	start := domain.EpochStartFor(now, duration)
	return domain.NewEpoch(start, duration, now)
}
