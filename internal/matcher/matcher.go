// Package matcher implements the price-time priority matching algorithm of
// spec.md §4.3, grounded on the reference stack's
// internal/hft.OrderBookEngine matchOrder/matchAtPriceLevel/executeTrade
// trio, generalized to work against book.Book and to emit persisted
// domain.Match records instead of in-memory trade events only.
package matcher

import (
	"time"

	"github.com/google/uuid"
	"github.com/voltgrid/clearing-engine/internal/book"
	"github.com/voltgrid/clearing-engine/internal/domain"
)

// Run repeatedly pairs the best bid against the best ask while their
// prices cross, producing one Match per pairing. Termination is
// guaranteed: each iteration either fully fills (and removes) an order or
// strictly reduces the aggregate remaining amount on the book.
func Run(epochID uuid.UUID, b *book.Book, now func() time.Time) []*domain.Match {
	var matches []*domain.Match

	for {
		bid, ok := b.BestBid()
		if !ok {
			break
		}
		ask, ok := b.BestAsk()
		if !ok {
			break
		}
		if bid.PricePerKWh.LessThan(ask.PricePerKWh) {
			break
		}

		amount := domain.Min(bid.Remaining(), ask.Remaining())
		matchPrice := ask.PricePerKWh // sell side sets the clearing price (spec.md §4.3)
		ts := now()

		m := domain.NewMatch(epochID, bid.ID, ask.ID, amount, matchPrice, ts)
		matches = append(matches, m)

		b.ApplyFill(bid.ID, amount, ts)
		b.ApplyFill(ask.ID, amount, ts)
	}

	return matches
}

// ClearingPrice computes the volume-weighted average of match prices for
// an epoch (spec.md §4.3 "epoch's reported clearing_price"). Returns
// (Zero, false) when there were no matches — callers report a null price.
func ClearingPrice(matches []*domain.Match) (domain.Amount, bool) {
	if len(matches) == 0 {
		return domain.Zero, false
	}
	volume := domain.Zero
	weighted := domain.Zero
	for _, m := range matches {
		volume = volume.Add(m.MatchedAmount)
		weighted = weighted.Add(m.MatchedAmount.Mul(m.MatchPrice))
	}
	return weighted.Div(volume), true
}

// TotalVolume sums matched amounts across matches.
func TotalVolume(matches []*domain.Match) domain.Amount {
	total := domain.Zero
	for _, m := range matches {
		total = total.Add(m.MatchedAmount)
	}
	return total
}
