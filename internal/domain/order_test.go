package domain_test

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/voltgrid/clearing-engine/internal/domain"
)

func TestOrder_ApplyFill_TransitionsToPartialThenFilled(t *testing.T) {
	now := time.Now().UTC()
	o := domain.NewOrder(uuid.New(), uuid.New(), domain.SideBuy, mustAmount(t, "0.20"), mustAmount(t, "10"), now)

	o.ApplyFill(mustAmount(t, "4"), now)
	assert.Equal(t, domain.OrderStatusPartial, o.Status)
	assert.True(t, o.Remaining().Equal(mustAmount(t, "6")))
	assert.False(t, o.IsFilled())

	o.ApplyFill(mustAmount(t, "6"), now)
	assert.Equal(t, domain.OrderStatusFilled, o.Status)
	assert.True(t, o.IsFilled())
	assert.True(t, o.Remaining().IsZero())
}

func TestOrder_Expire_PartialStaysPartial(t *testing.T) {
	now := time.Now().UTC()
	o := domain.NewOrder(uuid.New(), uuid.New(), domain.SideSell, mustAmount(t, "0.20"), mustAmount(t, "10"), now)
	o.ApplyFill(mustAmount(t, "3"), now)

	o.Expire(now)
	assert.Equal(t, domain.OrderStatusPartial, o.Status)
}

func TestOrder_Expire_UnfilledBecomesExpired(t *testing.T) {
	now := time.Now().UTC()
	o := domain.NewOrder(uuid.New(), uuid.New(), domain.SideSell, mustAmount(t, "0.20"), mustAmount(t, "10"), now)

	o.Expire(now)
	assert.Equal(t, domain.OrderStatusExpired, o.Status)
}

func TestOrder_IsRestable(t *testing.T) {
	now := time.Now().UTC()
	o := domain.NewOrder(uuid.New(), uuid.New(), domain.SideBuy, mustAmount(t, "0.20"), mustAmount(t, "10"), now)
	assert.True(t, o.IsRestable())

	o.Cancel(now)
	assert.False(t, o.IsRestable())
}
