package matcher_test

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voltgrid/clearing-engine/internal/book"
	"github.com/voltgrid/clearing-engine/internal/domain"
	"github.com/voltgrid/clearing-engine/internal/matcher"
)

func amount(t *testing.T, s string) domain.Amount {
	t.Helper()
	a, err := domain.NewAmountFromString(s)
	require.NoError(t, err)
	return a
}

func newOrder(t *testing.T, epochID uuid.UUID, side domain.Side, price, qty string) *domain.Order {
	t.Helper()
	return domain.NewOrder(uuid.New(), epochID, side, amount(t, price), amount(t, qty), time.Now().UTC())
}

func fixedNow(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestMatcher_Run_NoCross_NoMatches(t *testing.T) {
	epochID := uuid.New()
	b := book.New(epochID, 100)
	require.NoError(t, b.Add(newOrder(t, epochID, domain.SideBuy, "0.18", "5")))
	require.NoError(t, b.Add(newOrder(t, epochID, domain.SideSell, "0.22", "5")))

	matches := matcher.Run(epochID, b, fixedNow(time.Now().UTC()))
	assert.Empty(t, matches)
	assert.Equal(t, 2, b.Len(), "non-crossing orders remain resting")
}

func TestMatcher_Run_ExactMatch_SellPricedClearing(t *testing.T) {
	epochID := uuid.New()
	b := book.New(epochID, 100)
	require.NoError(t, b.Add(newOrder(t, epochID, domain.SideBuy, "0.25", "10")))
	require.NoError(t, b.Add(newOrder(t, epochID, domain.SideSell, "0.20", "10")))

	matches := matcher.Run(epochID, b, fixedNow(time.Now().UTC()))
	require.Len(t, matches, 1)
	assert.True(t, matches[0].MatchPrice.Equal(amount(t, "0.20")), "match price must be the resting sell's price")
	assert.True(t, matches[0].MatchedAmount.Equal(amount(t, "10")))
	assert.Equal(t, 0, b.Len(), "fully filled orders leave the book")
}

func TestMatcher_Run_PartialFillLeavesRemainderResting(t *testing.T) {
	epochID := uuid.New()
	b := book.New(epochID, 100)
	buy := newOrder(t, epochID, domain.SideBuy, "0.25", "10")
	sell := newOrder(t, epochID, domain.SideSell, "0.20", "4")
	require.NoError(t, b.Add(buy))
	require.NoError(t, b.Add(sell))

	matches := matcher.Run(epochID, b, fixedNow(time.Now().UTC()))
	require.Len(t, matches, 1)
	assert.True(t, matches[0].MatchedAmount.Equal(amount(t, "4")))
	assert.Equal(t, 1, b.Len())

	remaining, ok := b.BestBid()
	require.True(t, ok)
	assert.Equal(t, buy.ID, remaining.ID)
	assert.True(t, remaining.Remaining().Equal(amount(t, "6")))
}

func TestMatcher_Run_MultipleMatchesDrainsBothSides(t *testing.T) {
	epochID := uuid.New()
	b := book.New(epochID, 100)
	require.NoError(t, b.Add(newOrder(t, epochID, domain.SideBuy, "0.25", "10")))
	require.NoError(t, b.Add(newOrder(t, epochID, domain.SideSell, "0.18", "4")))
	require.NoError(t, b.Add(newOrder(t, epochID, domain.SideSell, "0.20", "6")))

	matches := matcher.Run(epochID, b, fixedNow(time.Now().UTC()))
	require.Len(t, matches, 2)
	assert.True(t, matches[0].MatchPrice.Equal(amount(t, "0.18")), "lowest ask fills first")
	assert.True(t, matches[1].MatchPrice.Equal(amount(t, "0.20")))
	assert.Equal(t, 0, b.Len())
}

func TestClearingPrice_VolumeWeightedAverage(t *testing.T) {
	epochID := uuid.New()
	now := time.Now().UTC()
	matches := []*domain.Match{
		domain.NewMatch(epochID, uuid.New(), uuid.New(), amount(t, "4"), amount(t, "0.18"), now),
		domain.NewMatch(epochID, uuid.New(), uuid.New(), amount(t, "6"), amount(t, "0.20"), now),
	}
	price, ok := matcher.ClearingPrice(matches)
	require.True(t, ok)
	// (4*0.18 + 6*0.20) / 10 = (0.72 + 1.20) / 10 = 0.192
	assert.True(t, price.Equal(amount(t, "0.192")), "got %s", price)
}

func TestClearingPrice_NoMatches(t *testing.T) {
	_, ok := matcher.ClearingPrice(nil)
	assert.False(t, ok)
}

func TestMatcher_Run_Terminates(t *testing.T) {
	epochID := uuid.New()
	b := book.New(epochID, 1000)
	for i := 0; i < 50; i++ {
		require.NoError(t, b.Add(newOrder(t, epochID, domain.SideBuy, "0.30", "1")))
		require.NoError(t, b.Add(newOrder(t, epochID, domain.SideSell, "0.10", "1")))
	}

	done := make(chan struct{})
	go func() {
		matcher.Run(epochID, b, fixedNow(time.Now().UTC()))
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("matcher.Run did not terminate")
	}
	assert.Equal(t, 0, b.Len())
}
