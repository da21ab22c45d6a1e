package domain_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voltgrid/clearing-engine/internal/domain"
)

func mustAmount(t *testing.T, s string) domain.Amount {
	t.Helper()
	a, err := domain.NewAmountFromString(s)
	require.NoError(t, err)
	return a
}

func TestAmount_RoundBankers(t *testing.T) {
	cases := []struct {
		in     string
		places int32
		want   string
	}{
		{"0.125", 2, "0.12"}, // exact half, rounds to even
		{"0.135", 2, "0.14"}, // exact half, rounds to even
		{"0.12549999", 2, "0.13"},
		{"0.124", 2, "0.12"},
		{"-0.125", 2, "-0.12"},
		{"1.00000000", 8, "1.00000000"},
		{"2.5", 0, "2"},
		{"3.5", 0, "4"},
	}
	for _, c := range cases {
		got := mustAmount(t, c.in).RoundBankers(c.places)
		assert.True(t, got.Equal(mustAmount(t, c.want)), "RoundBankers(%s, %d) = %s, want %s", c.in, c.places, got, c.want)
	}
}

func TestFeeRate_Apply(t *testing.T) {
	fee, err := domain.NewFeeRate("0.015")
	require.NoError(t, err)

	total := mustAmount(t, "100.00000000")
	got := fee.Apply(total)
	assert.True(t, got.Equal(mustAmount(t, "1.50000000")), "got %s", got)
}

func TestAmount_DivByZeroReturnsZero(t *testing.T) {
	a := mustAmount(t, "10")
	got := a.Div(domain.Zero)
	assert.True(t, got.IsZero())
}

func TestAmount_Comparisons(t *testing.T) {
	a := mustAmount(t, "5")
	b := mustAmount(t, "7")
	assert.True(t, a.LessThan(b))
	assert.True(t, b.GreaterThan(a))
	assert.True(t, domain.Min(a, b).Equal(a))
	assert.False(t, a.Equal(b))
}
