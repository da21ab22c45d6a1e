package domain

import (
	"time"

	"github.com/google/uuid"
)

// Side is the side of an order.
type Side int

const (
	SideBuy Side = iota
	SideSell
)

func (s Side) String() string {
	if s == SideBuy {
		return "buy"
	}
	return "sell"
}

// OrderStatus is the lifecycle status of an order (spec.md §3 invariants 1-2).
type OrderStatus int

const (
	OrderStatusActive OrderStatus = iota
	OrderStatusPartial
	OrderStatusFilled
	OrderStatusCancelled
	OrderStatusExpired
)

func (s OrderStatus) String() string {
	switch s {
	case OrderStatusActive:
		return "active"
	case OrderStatusPartial:
		return "partial"
	case OrderStatusFilled:
		return "filled"
	case OrderStatusCancelled:
		return "cancelled"
	case OrderStatusExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// Order is a resting or historical buy/sell order.
type Order struct {
	ID            uuid.UUID
	UserID        uuid.UUID
	EpochID       uuid.UUID
	Side          Side
	PricePerKWh   Amount
	EnergyAmount  Amount
	FilledAmount  Amount
	Status        OrderStatus
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// NewOrder constructs an order in its initial active state. Validation of
// side/price/energy is the order book's responsibility (spec.md §4.2 add).
func NewOrder(userID, epochID uuid.UUID, side Side, price, energy Amount, now time.Time) *Order {
	return &Order{
		ID:           uuid.New(),
		UserID:       userID,
		EpochID:      epochID,
		Side:         side,
		PricePerKWh:  price,
		EnergyAmount: energy,
		FilledAmount: Zero,
		Status:       OrderStatusActive,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// Remaining returns energy_amount - filled_amount.
func (o *Order) Remaining() Amount {
	return o.EnergyAmount.Sub(o.FilledAmount)
}

// IsFilled reports whether the order has no remaining quantity.
func (o *Order) IsFilled() bool {
	return o.FilledAmount.GreaterThanOrEqual(o.EnergyAmount)
}

// ApplyFill increments filled_amount and updates status, preserving
// invariants 1-2 of spec.md §3.
func (o *Order) ApplyFill(amount Amount, now time.Time) {
	o.FilledAmount = o.FilledAmount.Add(amount)
	if o.IsFilled() {
		o.Status = OrderStatusFilled
	} else if o.FilledAmount.IsPositive() {
		o.Status = OrderStatusPartial
	}
	o.UpdatedAt = now
}

// UndoFill reverses a previously applied fill of amount, recomputing
// status from the resulting filled_amount. Used to compensate for a match
// whose persistence failed after the fill was already applied in memory
// (spec.md §4.4 "the book reverts any in-memory mutation that the failed
// transaction would have committed").
func (o *Order) UndoFill(amount Amount, now time.Time) {
	o.FilledAmount = o.FilledAmount.Sub(amount)
	if o.FilledAmount.IsZero() {
		o.Status = OrderStatusActive
	} else {
		o.Status = OrderStatusPartial
	}
	o.UpdatedAt = now
}

// Cancel marks the order cancelled. Callers must have already checked
// NotCancellable preconditions (spec.md §6 cancel_order).
func (o *Order) Cancel(now time.Time) {
	o.Status = OrderStatusCancelled
	o.UpdatedAt = now
}

// Expire marks an unresolved order expired at epoch close. A partially
// filled order keeps its `partial` status instead — spec.md §4.5
// "remaining book entries have their status resolved (partial or expired)".
func (o *Order) Expire(now time.Time) {
	if o.FilledAmount.IsPositive() && !o.IsFilled() {
		o.Status = OrderStatusPartial
	} else if o.FilledAmount.IsZero() {
		o.Status = OrderStatusExpired
	}
	o.UpdatedAt = now
}

// IsRestable reports whether the order can still sit in the book (neither
// terminal nor fully filled).
func (o *Order) IsRestable() bool {
	return o.Status == OrderStatusActive || o.Status == OrderStatusPartial
}
