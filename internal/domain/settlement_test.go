package domain_test

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voltgrid/clearing-engine/internal/domain"
)

func TestAggregateSettlements_GroupsByBuyerSellerPair(t *testing.T) {
	epochID := uuid.New()
	buyOrderA, buyOrderB := uuid.New(), uuid.New()
	sellOrder := uuid.New()
	buyerA, buyerB, seller := uuid.New(), uuid.New(), uuid.New()

	now := time.Now().UTC()
	matches := []*domain.Match{
		domain.NewMatch(epochID, buyOrderA, sellOrder, mustAmount(t, "3"), mustAmount(t, "0.20"), now),
		domain.NewMatch(epochID, buyOrderA, sellOrder, mustAmount(t, "2"), mustAmount(t, "0.22"), now),
		domain.NewMatch(epochID, buyOrderB, sellOrder, mustAmount(t, "5"), mustAmount(t, "0.21"), now),
	}

	buyerOf := func(id uuid.UUID) uuid.UUID {
		if id == buyOrderA {
			return buyerA
		}
		return buyerB
	}
	sellerOf := func(id uuid.UUID) uuid.UUID { return seller }

	fee, err := domain.NewFeeRate("0.01")
	require.NoError(t, err)

	settlements := domain.AggregateSettlements(epochID, matches, buyerOf, sellerOf, fee)
	require.Len(t, settlements, 2)

	var forA, forB *domain.Settlement
	for _, s := range settlements {
		if s.BuyerID == buyerA {
			forA = s
		} else {
			forB = s
		}
	}
	require.NotNil(t, forA)
	require.NotNil(t, forB)

	// buyerA: 3@0.20 + 2@0.22 = 1.04 total over 5 energy -> vwap 0.208
	assert.True(t, forA.EnergyAmount.Equal(mustAmount(t, "5")))
	assert.True(t, forA.PricePerKWh.Equal(mustAmount(t, "0.208")))
	assert.True(t, forA.TotalAmount.Equal(mustAmount(t, "1.04")))
	assert.True(t, forA.NetAmount.Equal(forA.TotalAmount.Sub(forA.FeeAmount)))

	assert.True(t, forB.EnergyAmount.Equal(mustAmount(t, "5")))
	assert.Equal(t, domain.SettlementStatusPending, forB.Status)
}

func TestAggregateSettlements_EmptyMatchesProducesNoSettlements(t *testing.T) {
	fee, err := domain.NewFeeRate("0.01")
	require.NoError(t, err)
	settlements := domain.AggregateSettlements(uuid.New(), nil, func(uuid.UUID) uuid.UUID { return uuid.Nil }, func(uuid.UUID) uuid.UUID { return uuid.Nil }, fee)
	assert.Empty(t, settlements)
}
