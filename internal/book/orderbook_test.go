package book_test

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voltgrid/clearing-engine/internal/book"
	"github.com/voltgrid/clearing-engine/internal/domain"
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

func TestBook_BestBidAsk_PriceOrdering(t *testing.T) {
	epochID := uuid.New()
	b := book.New(epochID, 100)

	require.NoError(t, b.Add(newOrder(t, epochID, domain.SideBuy, "0.18", "5")))
	require.NoError(t, b.Add(newOrder(t, epochID, domain.SideBuy, "0.22", "5")))
	require.NoError(t, b.Add(newOrder(t, epochID, domain.SideSell, "0.25", "5")))
	require.NoError(t, b.Add(newOrder(t, epochID, domain.SideSell, "0.20", "5")))

	bid, ok := b.BestBid()
	require.True(t, ok)
	assert.True(t, bid.PricePerKWh.Equal(amount(t, "0.22")), "best bid should be the highest buy price")

	ask, ok := b.BestAsk()
	require.True(t, ok)
	assert.True(t, ask.PricePerKWh.Equal(amount(t, "0.20")), "best ask should be the lowest sell price")
}

func TestBook_FIFOWithinPriceLevel(t *testing.T) {
	epochID := uuid.New()
	b := book.New(epochID, 100)

	first := newOrder(t, epochID, domain.SideSell, "0.20", "5")
	second := newOrder(t, epochID, domain.SideSell, "0.20", "5")
	require.NoError(t, b.Add(first))
	require.NoError(t, b.Add(second))

	head, ok := b.BestAsk()
	require.True(t, ok)
	assert.Equal(t, first.ID, head.ID, "earlier order at the same price level must be served first")
}

func TestBook_Remove(t *testing.T) {
	epochID := uuid.New()
	b := book.New(epochID, 100)
	o := newOrder(t, epochID, domain.SideBuy, "0.20", "5")
	require.NoError(t, b.Add(o))

	removed, ok := b.Remove(o.ID)
	require.True(t, ok)
	assert.Equal(t, o.ID, removed.ID)
	assert.Equal(t, 0, b.Len())

	_, ok = b.Remove(o.ID)
	assert.False(t, ok, "removing twice should fail")
}

func TestBook_Depth_AggregatesPerPriceLevel(t *testing.T) {
	epochID := uuid.New()
	b := book.New(epochID, 100)
	require.NoError(t, b.Add(newOrder(t, epochID, domain.SideBuy, "0.20", "3")))
	require.NoError(t, b.Add(newOrder(t, epochID, domain.SideBuy, "0.20", "4")))
	require.NoError(t, b.Add(newOrder(t, epochID, domain.SideBuy, "0.18", "1")))

	bids, _ := b.Depth(10)
	require.Len(t, bids, 2)
	assert.True(t, bids[0].Price.Equal(amount(t, "0.20")))
	assert.True(t, bids[0].Quantity.Equal(amount(t, "7")))
	assert.Equal(t, 2, bids[0].OrderCount)
}

func TestBook_Spread_And_Mid(t *testing.T) {
	epochID := uuid.New()
	b := book.New(epochID, 100)
	require.NoError(t, b.Add(newOrder(t, epochID, domain.SideBuy, "0.18", "5")))
	require.NoError(t, b.Add(newOrder(t, epochID, domain.SideSell, "0.22", "5")))

	spread, ok := b.Spread()
	require.True(t, ok)
	assert.True(t, spread.Equal(amount(t, "0.04")))

	mid, ok := b.Mid()
	require.True(t, ok)
	assert.True(t, mid.Equal(amount(t, "0.20")))
}

func TestBook_Add_RejectsWrongEpoch(t *testing.T) {
	b := book.New(uuid.New(), 100)
	o := newOrder(t, uuid.New(), domain.SideBuy, "0.20", "5")
	err := b.Add(o)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestBook_Add_RejectsWhenFull(t *testing.T) {
	epochID := uuid.New()
	b := book.New(epochID, 1)
	require.NoError(t, b.Add(newOrder(t, epochID, domain.SideBuy, "0.20", "5")))

	err := b.Add(newOrder(t, epochID, domain.SideBuy, "0.21", "5"))
	assert.ErrorIs(t, err, domain.ErrEpochFull)
}

func TestBook_Orders_DoesNotMutateBook(t *testing.T) {
	epochID := uuid.New()
	b := book.New(epochID, 100)
	require.NoError(t, b.Add(newOrder(t, epochID, domain.SideBuy, "0.20", "5")))
	require.NoError(t, b.Add(newOrder(t, epochID, domain.SideSell, "0.20", "5")))

	all := b.Orders()
	assert.Len(t, all, 2)
	assert.Equal(t, 2, b.Len(), "Orders must be read-only")
}

func TestBook_Drain_RemovesEverything(t *testing.T) {
	epochID := uuid.New()
	b := book.New(epochID, 100)
	require.NoError(t, b.Add(newOrder(t, epochID, domain.SideBuy, "0.20", "5")))
	require.NoError(t, b.Add(newOrder(t, epochID, domain.SideSell, "0.21", "5")))

	drained := b.Drain()
	assert.Len(t, drained, 2)
	assert.Equal(t, 0, b.Len())
}
