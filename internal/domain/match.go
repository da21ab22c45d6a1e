package domain

import (
	"time"

	"github.com/google/uuid"
)

// MatchStatus tracks a match's progress toward settlement.
type MatchStatus int

const (
	MatchStatusPending MatchStatus = iota
	MatchStatusSettled
	MatchStatusFailed
)

func (s MatchStatus) String() string {
	switch s {
	case MatchStatusPending:
		return "pending"
	case MatchStatusSettled:
		return "settled"
	case MatchStatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Match is one executed pairing between a buy and a sell order. Matches
// are append-only once written (spec.md §3 lifecycle).
type Match struct {
	ID            uuid.UUID
	EpochID       uuid.UUID
	BuyOrderID    uuid.UUID
	SellOrderID   uuid.UUID
	MatchedAmount Amount
	MatchPrice    Amount
	MatchTime     time.Time
	Status        MatchStatus
}

// NewMatch records a match at the sell-priced clearing policy of spec.md
// §4.3: "match_price = S.price — sell side sets clearing price".
func NewMatch(epochID, buyOrderID, sellOrderID uuid.UUID, amount, sellPrice Amount, now time.Time) *Match {
	return &Match{
		ID:            uuid.New(),
		EpochID:       epochID,
		BuyOrderID:    buyOrderID,
		SellOrderID:   sellOrderID,
		MatchedAmount: amount,
		MatchPrice:    sellPrice,
		MatchTime:     now,
		Status:        MatchStatusPending,
	}
}
