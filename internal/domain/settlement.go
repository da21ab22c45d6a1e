package domain

import "github.com/google/uuid"

// SettlementStatus tracks dispatch progress for an aggregated settlement.
type SettlementStatus int

const (
	SettlementStatusPending SettlementStatus = iota
	SettlementStatusProcessed
	SettlementStatusFailed
)

func (s SettlementStatus) String() string {
	switch s {
	case SettlementStatusPending:
		return "pending"
	case SettlementStatusProcessed:
		return "processed"
	case SettlementStatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Settlement aggregates all matches between a single (buyer, seller) pair
// within an epoch (spec.md §3, Open Question resolved in DESIGN.md: we
// aggregate rather than emit one settlement per match).
type Settlement struct {
	ID          uuid.UUID
	EpochID     uuid.UUID
	BuyerID     uuid.UUID
	SellerID    uuid.UUID
	EnergyAmount Amount
	PricePerKWh  Amount // volume-weighted
	TotalAmount  Amount
	FeeAmount    Amount
	NetAmount    Amount
	Status       SettlementStatus
}

// settlementAccumulator builds one Settlement's energy/price fields from
// the matches contributing to it, per spec.md §3 invariant 8:
// price_per_kwh = Σ(matched_amount * match_price) / energy_amount.
type settlementAccumulator struct {
	energy       Amount
	weightedSum  Amount // Σ(matched_amount * match_price)
}

func newSettlementAccumulator() *settlementAccumulator {
	return &settlementAccumulator{energy: Zero, weightedSum: Zero}
}

func (a *settlementAccumulator) add(matchedAmount, matchPrice Amount) {
	a.energy = a.energy.Add(matchedAmount)
	a.weightedSum = a.weightedSum.Add(matchedAmount.Mul(matchPrice))
}

// finalize produces a Settlement for (epoch, buyer, seller) from the
// accumulated matches, applying the platform fee.
func (a *settlementAccumulator) finalize(epochID, buyerID, sellerID uuid.UUID, fee FeeRate) *Settlement {
	pricePerKWh := a.weightedSum.Div(a.energy)
	total := a.energy.Mul(pricePerKWh)
	feeAmount := fee.Apply(total)
	return &Settlement{
		ID:           uuid.New(),
		EpochID:      epochID,
		BuyerID:      buyerID,
		SellerID:     sellerID,
		EnergyAmount: a.energy,
		PricePerKWh:  pricePerKWh,
		TotalAmount:  total,
		FeeAmount:    feeAmount,
		NetAmount:    total.Sub(feeAmount),
		Status:       SettlementStatusPending,
	}
}

// AggregateSettlements groups matches by (buyer, seller) pair and produces
// one Settlement per pair, resolving buy/sell order IDs to user IDs via
// the supplied lookup (the caller passes the epoch's order set).
func AggregateSettlements(epochID uuid.UUID, matches []*Match, buyerOf, sellerOf func(orderID uuid.UUID) uuid.UUID, fee FeeRate) []*Settlement {
	type pairKey struct {
		buyer, seller uuid.UUID
	}

	acc := make(map[pairKey]*settlementAccumulator)
	order := make([]pairKey, 0)

	for _, m := range matches {
		key := pairKey{buyer: buyerOf(m.BuyOrderID), seller: sellerOf(m.SellOrderID)}
		a, ok := acc[key]
		if !ok {
			a = newSettlementAccumulator()
			acc[key] = a
			order = append(order, key)
		}
		a.add(m.MatchedAmount, m.MatchPrice)
	}

	settlements := make([]*Settlement, 0, len(order))
	for _, key := range order {
		settlements = append(settlements, acc[key].finalize(epochID, key.buyer, key.seller, fee))
	}
	return settlements
}
