package domain_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voltgrid/clearing-engine/internal/domain"
)

func TestEpochStartFor_AlignsToQuarterHour(t *testing.T) {
	t15 := 15 * time.Minute
	in := time.Date(2026, 7, 30, 14, 37, 12, 0, time.UTC)
	got := domain.EpochStartFor(in, t15)
	want := time.Date(2026, 7, 30, 14, 30, 0, 0, time.UTC)
	assert.True(t, got.Equal(want))
}

func TestEpochNumberFor(t *testing.T) {
	t15 := 15 * time.Minute
	in := time.Date(2026, 7, 30, 14, 37, 12, 0, time.UTC)
	got := domain.EpochNumberFor(in, t15)
	assert.Equal(t, int64(202607301430), got)
}

func TestEpoch_TransitionTo_EnforcesForwardOnly(t *testing.T) {
	now := time.Now().UTC()
	e := domain.NewEpoch(now, 15*time.Minute, now)
	require.Equal(t, domain.EpochStatusPending, e.Status)

	require.NoError(t, e.TransitionTo(domain.EpochStatusActive, now))
	require.NoError(t, e.TransitionTo(domain.EpochStatusCleared, now))
	require.NoError(t, e.TransitionTo(domain.EpochStatusSettled, now))

	assert.Error(t, e.TransitionTo(domain.EpochStatusActive, now), "must not regress")
}

func TestEpoch_TransitionTo_RejectsSkip(t *testing.T) {
	now := time.Now().UTC()
	e := domain.NewEpoch(now, 15*time.Minute, now)
	assert.Error(t, e.TransitionTo(domain.EpochStatusCleared, now), "must not skip active")
}

func TestEpoch_IsActiveAt(t *testing.T) {
	now := time.Date(2026, 7, 30, 14, 30, 0, 0, time.UTC)
	e := domain.NewEpoch(now, 15*time.Minute, now)
	require.NoError(t, e.TransitionTo(domain.EpochStatusActive, now))

	assert.True(t, e.IsActiveAt(now))
	assert.True(t, e.IsActiveAt(now.Add(14*time.Minute)))
	assert.False(t, e.IsActiveAt(now.Add(-time.Second)))
	assert.False(t, e.IsActiveAt(now.Add(15*time.Minute)), "end_time is exclusive")
}
