// Package book implements the in-memory, price-time-priority order book
// for a single epoch (spec.md §4.2). It is grounded on the reference
// stack's internal/hft.OrderBook (PriceLevel, BookOrder, best-bid/ask
// caching, FIFO queues per price level), simplified from a lock-free
// unsafe.Pointer tree to ordinary maps plus a sorted price index: spec.md
// §4.2 and §5 both state the book is not thread-safe and that access is
// serialized by a single caller-held lock, so the lock-free machinery the
// reference engine needed for concurrent access buys nothing here.
package book

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/voltgrid/clearing-engine/internal/domain"
)

// priceLevel holds the FIFO queue of orders resting at one price.
type priceLevel struct {
	price  domain.Amount
	orders []*domain.Order
}

func (l *priceLevel) totalQty() domain.Amount {
	total := domain.Zero
	for _, o := range l.orders {
		total = total.Add(o.Remaining())
	}
	return total
}

// Book is the order book for the currently active epoch.
type Book struct {
	epochID uuid.UUID

	// buyPrices is sorted descending (best bid at index 0).
	buyPrices []domain.Amount
	// sellPrices is sorted ascending (best ask at index 0).
	sellPrices []domain.Amount

	buyLevels  map[string]*priceLevel
	sellLevels map[string]*priceLevel

	ordersByID map[uuid.UUID]*domain.Order

	maxOrders int
}

// New creates an empty book for epochID with a soft cap on resting orders
// (spec.md §5 "Backpressure").
func New(epochID uuid.UUID, maxOrders int) *Book {
	return &Book{
		epochID:    epochID,
		buyLevels:  make(map[string]*priceLevel),
		sellLevels: make(map[string]*priceLevel),
		ordersByID: make(map[uuid.UUID]*domain.Order),
		maxOrders:  maxOrders,
	}
}

// EpochID returns the epoch this book belongs to.
func (b *Book) EpochID() uuid.UUID { return b.epochID }

// Len returns the number of resting orders.
func (b *Book) Len() int { return len(b.ordersByID) }

// Add validates and inserts order at the tail of its price level.
func (b *Book) Add(order *domain.Order) error {
	if order.Side != domain.SideBuy && order.Side != domain.SideSell {
		return fmt.Errorf("%w: unknown side", domain.ErrInvalidInput)
	}
	if !order.PricePerKWh.IsPositive() {
		return fmt.Errorf("%w: price must be positive", domain.ErrInvalidInput)
	}
	if !order.EnergyAmount.IsPositive() {
		return fmt.Errorf("%w: energy amount must be positive", domain.ErrInvalidInput)
	}
	if order.EpochID != b.epochID {
		return fmt.Errorf("%w: order belongs to a different epoch", domain.ErrInvalidInput)
	}
	if len(b.ordersByID) >= b.maxOrders {
		return domain.ErrEpochFull
	}

	key := priceKey(order.PricePerKWh)
	var levels map[string]*priceLevel
	if order.Side == domain.SideBuy {
		levels = b.buyLevels
	} else {
		levels = b.sellLevels
	}

	level, exists := levels[key]
	if !exists {
		level = &priceLevel{price: order.PricePerKWh}
		levels[key] = level
		b.insertPrice(order.Side, order.PricePerKWh)
	}
	level.orders = append(level.orders, order)
	b.ordersByID[order.ID] = order

	return nil
}

// Remove removes an order by ID from its price level and the index.
func (b *Book) Remove(orderID uuid.UUID) (*domain.Order, bool) {
	order, ok := b.ordersByID[orderID]
	if !ok {
		return nil, false
	}

	var levels map[string]*priceLevel
	if order.Side == domain.SideBuy {
		levels = b.buyLevels
	} else {
		levels = b.sellLevels
	}

	key := priceKey(order.PricePerKWh)
	level := levels[key]
	removeFromSlice(level, orderID)

	if len(level.orders) == 0 {
		delete(levels, key)
		b.removePrice(order.Side, order.PricePerKWh)
	}
	delete(b.ordersByID, orderID)

	return order, true
}

func removeFromSlice(level *priceLevel, orderID uuid.UUID) {
	for i, o := range level.orders {
		if o.ID == orderID {
			level.orders = append(level.orders[:i], level.orders[i+1:]...)
			return
		}
	}
}

// BestBid returns the head order of the highest-priced buy level.
func (b *Book) BestBid() (*domain.Order, bool) {
	return b.head(domain.SideBuy)
}

// BestAsk returns the head order of the lowest-priced sell level.
func (b *Book) BestAsk() (*domain.Order, bool) {
	return b.head(domain.SideSell)
}

func (b *Book) head(side domain.Side) (*domain.Order, bool) {
	prices, levels := b.sideState(side)
	if len(prices) == 0 {
		return nil, false
	}
	level := levels[priceKey(prices[0])]
	if level == nil || len(level.orders) == 0 {
		return nil, false
	}
	return level.orders[0], true
}

// Mid returns (best_bid + best_ask) / 2 when both sides are non-empty.
func (b *Book) Mid() (domain.Amount, bool) {
	bid, ok := b.BestBid()
	if !ok {
		return domain.Amount{}, false
	}
	ask, ok := b.BestAsk()
	if !ok {
		return domain.Amount{}, false
	}
	two := domain.NewAmountFromInt(2)
	return bid.PricePerKWh.Add(ask.PricePerKWh).Div(two), true
}

// Spread returns best_ask - best_bid when both sides are non-empty.
func (b *Book) Spread() (domain.Amount, bool) {
	bid, ok := b.BestBid()
	if !ok {
		return domain.Amount{}, false
	}
	ask, ok := b.BestAsk()
	if !ok {
		return domain.Amount{}, false
	}
	return ask.PricePerKWh.Sub(bid.PricePerKWh), true
}

// DepthLevel is one aggregated price level in a depth snapshot.
type DepthLevel struct {
	Price      domain.Amount
	Quantity   domain.Amount
	OrderCount int
}

// Depth returns the top-n aggregated levels per side (spec.md §4.2,
// consumed for book snapshots and market-data reads).
func (b *Book) Depth(n int) (bids, asks []DepthLevel) {
	return b.depthSide(domain.SideBuy, n), b.depthSide(domain.SideSell, n)
}

func (b *Book) depthSide(side domain.Side, n int) []DepthLevel {
	prices, levels := b.sideState(side)
	limit := n
	if limit > len(prices) {
		limit = len(prices)
	}
	out := make([]DepthLevel, 0, limit)
	for i := 0; i < limit; i++ {
		level := levels[priceKey(prices[i])]
		out = append(out, DepthLevel{
			Price:      level.price,
			Quantity:   level.totalQty(),
			OrderCount: len(level.orders),
		})
	}
	return out
}

// ApplyFill increments an order's filled amount; if it becomes fully
// filled it is removed from the book (spec.md §4.2).
func (b *Book) ApplyFill(orderID uuid.UUID, amount domain.Amount, now time.Time) {
	order, ok := b.ordersByID[orderID]
	if !ok {
		return
	}
	order.ApplyFill(amount, now)
	if order.IsFilled() {
		b.Remove(orderID)
	}
}

// Restore reinserts order at the head of its price level. It is the
// compensating action for a fill that removed order from the book (full
// fill) but whose match was then rejected downstream (spec.md §4.4, §7
// "the offending match is rolled back"): the order held time priority
// before that fill and must regain it exactly, not be appended behind
// orders that arrived later. If order is still resting (it was only
// partially filled and never removed), this is a no-op.
func (b *Book) Restore(order *domain.Order) error {
	if order.EpochID != b.epochID {
		return fmt.Errorf("%w: order belongs to a different epoch", domain.ErrInvalidInput)
	}
	if _, resting := b.ordersByID[order.ID]; resting {
		return nil
	}

	key := priceKey(order.PricePerKWh)
	var levels map[string]*priceLevel
	if order.Side == domain.SideBuy {
		levels = b.buyLevels
	} else {
		levels = b.sellLevels
	}

	level, exists := levels[key]
	if !exists {
		level = &priceLevel{price: order.PricePerKWh}
		levels[key] = level
		b.insertPrice(order.Side, order.PricePerKWh)
	}
	level.orders = append([]*domain.Order{order}, level.orders...)
	b.ordersByID[order.ID] = order
	return nil
}

// Orders returns every order currently resting in the book, in no
// particular order. Used to snapshot owner/identity information before a
// matching pass or epoch close removes filled orders from the index.
func (b *Book) Orders() []*domain.Order {
	out := make([]*domain.Order, 0, len(b.ordersByID))
	for _, o := range b.ordersByID {
		out = append(out, o)
	}
	return out
}

// Drain removes and returns every remaining order in the book, in no
// particular order. Used at epoch close (spec.md §4.5): orders do not
// survive their epoch.
func (b *Book) Drain() []*domain.Order {
	out := make([]*domain.Order, 0, len(b.ordersByID))
	for id := range b.ordersByID {
		if order, ok := b.ordersByID[id]; ok {
			out = append(out, order)
		}
	}
	for _, o := range out {
		b.Remove(o.ID)
	}
	return out
}

// ExpireOlderThan removes orders whose created_at precedes cutoff, returning
// them. Used defensively at epoch close alongside Drain.
func (b *Book) ExpireOlderThan(cutoff time.Time) []*domain.Order {
	var stale []uuid.UUID
	for id, o := range b.ordersByID {
		if o.CreatedAt.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	out := make([]*domain.Order, 0, len(stale))
	for _, id := range stale {
		if o, ok := b.Remove(id); ok {
			out = append(out, o)
		}
	}
	return out
}

func (b *Book) sideState(side domain.Side) ([]domain.Amount, map[string]*priceLevel) {
	if side == domain.SideBuy {
		return b.buyPrices, b.buyLevels
	}
	return b.sellPrices, b.sellLevels
}

// insertPrice maintains buyPrices descending / sellPrices ascending.
func (b *Book) insertPrice(side domain.Side, price domain.Amount) {
	if side == domain.SideBuy {
		i := sort.Search(len(b.buyPrices), func(i int) bool { return b.buyPrices[i].LessThanOrEqual(price) })
		b.buyPrices = insertAt(b.buyPrices, i, price)
		return
	}
	i := sort.Search(len(b.sellPrices), func(i int) bool { return b.sellPrices[i].GreaterThanOrEqual(price) })
	b.sellPrices = insertAt(b.sellPrices, i, price)
}

func (b *Book) removePrice(side domain.Side, price domain.Amount) {
	if side == domain.SideBuy {
		b.buyPrices = removeAmount(b.buyPrices, price)
		return
	}
	b.sellPrices = removeAmount(b.sellPrices, price)
}

func insertAt(s []domain.Amount, i int, v domain.Amount) []domain.Amount {
	s = append(s, domain.Amount{})
	copy(s[i+1:], s[i:])
	s[i] = v
	return s
}

func removeAmount(s []domain.Amount, v domain.Amount) []domain.Amount {
	for i, p := range s {
		if p.Equal(v) {
			return append(s[:i], s[i+1:]...)
		}
	}
	return s
}

// priceKey buckets by numeric value via Amount.CanonicalKey: "2.5" and
// "2.50" are Equal but carry different decimal exponents, and two orders
// at the same price submitted with different JSON formatting must still
// land in one FIFO queue (spec.md §8 invariant 4).
func priceKey(a domain.Amount) string { return a.CanonicalKey() }
