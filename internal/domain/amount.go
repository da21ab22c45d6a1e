// Package domain defines the core entities of the energy market-clearing
// engine: amounts, orders, matches, settlements, and epochs.
package domain

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Amount is a fixed-scale decimal used for every monetary and energy
// quantity in the engine. It wraps shopspring/decimal, which already
// carries far more than the required 20 digits of precision; Amount adds
// the one behavior shopspring doesn't provide out of the box: exact
// banker's rounding (round-half-to-even) for fee computation.
type Amount struct {
	d decimal.Decimal
}

// Scale is the minimum decimal scale the engine guarantees for derived
// quantities such as fees and volume-weighted prices.
const Scale = 8

// Zero is the additive identity.
var Zero = Amount{d: decimal.Zero}

// NewAmountFromString parses a decimal string exactly; it never goes
// through float64, so no binary-rounding error can enter a monetary value.
func NewAmountFromString(s string) (Amount, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Amount{}, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	return Amount{d: d}, nil
}

// NewAmountFromInt builds an exact Amount from an integer.
func NewAmountFromInt(v int64) Amount {
	return Amount{d: decimal.NewFromInt(v)}
}

func (a Amount) String() string { return a.d.String() }

// CanonicalKey returns a string representation that is identical for any
// two Amounts that are numerically Equal, regardless of how many trailing
// zeros or what exponent the originating decimal string carried (e.g.
// "2.5" and "2.50" parse to numerically equal decimal.Decimal values with
// different exponents). The value is rounded to Scale decimal places
// first, so amounts that differ only beyond Scale places share a key.
// Callers that bucket amounts by value — price levels in the order book,
// most notably — key on this.
func (a Amount) CanonicalKey() string { return a.d.Round(Scale).String() }

// Decimal exposes the underlying decimal.Decimal for callers (e.g. the
// persistence adapter) that need to bind it to a SQL driver value.
func (a Amount) Decimal() decimal.Decimal { return a.d }

func AmountFromDecimal(d decimal.Decimal) Amount { return Amount{d: d} }

func (a Amount) Add(b Amount) Amount { return Amount{d: a.d.Add(b.d)} }
func (a Amount) Sub(b Amount) Amount { return Amount{d: a.d.Sub(b.d)} }
func (a Amount) Mul(b Amount) Amount { return Amount{d: a.d.Mul(b.d)} }

// Div divides at Scale using round-half-even, matching §4.1's rounding
// policy. Division by zero returns Zero — callers must not divide by an
// amount that can legitimately be zero without checking first.
func (a Amount) Div(b Amount) Amount {
	if b.d.IsZero() {
		return Zero
	}
	return Amount{d: a.d.DivRound(b.d, Scale+2)}.RoundBankers(Scale)
}

func (a Amount) Cmp(b Amount) int   { return a.d.Cmp(b.d) }
func (a Amount) Equal(b Amount) bool { return a.d.Equal(b.d) }
func (a Amount) GreaterThan(b Amount) bool        { return a.d.Cmp(b.d) > 0 }
func (a Amount) GreaterThanOrEqual(b Amount) bool  { return a.d.Cmp(b.d) >= 0 }
func (a Amount) LessThan(b Amount) bool            { return a.d.Cmp(b.d) < 0 }
func (a Amount) LessThanOrEqual(b Amount) bool     { return a.d.Cmp(b.d) <= 0 }
func (a Amount) IsZero() bool                      { return a.d.IsZero() }
func (a Amount) IsPositive() bool                  { return a.d.IsPositive() }
func (a Amount) IsNegative() bool                  { return a.d.IsNegative() }

// Min returns the smaller of two amounts.
func Min(a, b Amount) Amount {
	if a.LessThanOrEqual(b) {
		return a
	}
	return b
}

// RoundBankers rounds a to the given number of decimal places using
// round-half-to-even, as spec.md §4.1 requires for fee computation
// (`round_half_even(total * rate, 8)`). shopspring/decimal's own Round
// method rounds half-away-from-zero, which is why this exists: it is built
// directly on decimal.Decimal's exact string/big.Int representation rather
// than approximating via float64.
func (a Amount) RoundBankers(places int32) Amount {
	if a.d.Exponent() >= -places {
		// Already at or below the target scale; nothing to round.
		return a
	}

	shift := a.d.Shift(places)
	floor := shift.Truncate(0)
	diff := shift.Sub(floor).Abs()
	half := decimal.NewFromFloat(0.5)

	var rounded decimal.Decimal
	switch diff.Cmp(half) {
	case -1:
		rounded = floor
	case 1:
		rounded = bumpAwayFromZero(floor, shift)
	default:
		// Exactly half: round to the nearest even integer.
		two := decimal.NewFromInt(2)
		if floor.Mod(two).IsZero() {
			rounded = floor
		} else {
			rounded = bumpAwayFromZero(floor, shift)
		}
	}

	return Amount{d: rounded.Shift(-places)}
}

func bumpAwayFromZero(floor, original decimal.Decimal) decimal.Decimal {
	one := decimal.NewFromInt(1)
	if original.IsNegative() {
		return floor.Sub(one)
	}
	return floor.Add(one)
}

// FeeRate holds the platform fee rate applied to settlements, parsed once
// from configuration.
type FeeRate struct {
	rate Amount
}

func NewFeeRate(s string) (FeeRate, error) {
	a, err := NewAmountFromString(s)
	if err != nil {
		return FeeRate{}, err
	}
	return FeeRate{rate: a}, nil
}

// Apply computes round_half_even(total * rate, 8) per spec.md §4.1.
func (f FeeRate) Apply(total Amount) Amount {
	return total.Mul(f.rate).RoundBankers(Scale)
}
