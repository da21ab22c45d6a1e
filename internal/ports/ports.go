// Package ports declares the collaborator interfaces the clearing engine
// depends on but does not own the implementation of (spec.md §6): who the
// caller is, how a cleared settlement is dispatched onward, how book and
// epoch events reach subscribers, and where the current time comes from.
// Concrete adapters live alongside this package; tests supply fakes.
package ports

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/voltgrid/clearing-engine/internal/domain"
)

// AuthenticatedUser resolves the caller identity a submit_order or
// cancel_order request carries, generalized from the reference stack's
// JWT claims extraction (internal/auth.JWTService.ValidateToken).
type AuthenticatedUser interface {
	// Authenticate resolves a bearer token to the calling user's ID. It
	// returns domain.ErrNotFound-wrapped errors are not expected here;
	// callers treat any error as an authentication failure.
	Authenticate(ctx context.Context, token string) (uuid.UUID, error)
}

// SettlementDispatcher hands a cleared epoch's settlements to whatever
// external process performs the actual money/energy transfer (spec.md §4.5,
// explicit Non-goal: "on-chain or off-chain settlement finality ... is an
// external concern"). The engine only needs to know the dispatch was
// accepted; it does not wait for the transfer itself to finish.
type SettlementDispatcher interface {
	Dispatch(ctx context.Context, epoch *domain.Epoch, settlements []*domain.Settlement) error
}

// EventPublisher fans out book and epoch lifecycle events to connected
// subscribers (spec.md §6: "order_book_update", "order_matched",
// "order_filled", "epoch_transition"). The methods return nothing: an
// implementation logs its own delivery failures and never blocks the
// matching loop — this mirrors the reference
// stack's realtime broadcaster, which treats a slow/disconnected
// subscriber as the subscriber's problem.
type EventPublisher interface {
	PublishBookUpdate(ctx context.Context, epochID uuid.UUID, snapshot interface{})
	PublishEpochTransition(ctx context.Context, epoch *domain.Epoch)
	// PublishMatch fans an order_matched event out to both sides of the
	// pairing (spec.md §6 "per match, to both sides"): once from the buy
	// order's perspective and once from the sell order's, each with
	// order_id/counter_order_id swapped.
	PublishMatch(ctx context.Context, match *domain.Match, epochNumber int64)
	// PublishOrderFilled fires when order transitions to filled (spec.md
	// §6 "order_filled { order_id, total_filled, status }").
	PublishOrderFilled(ctx context.Context, order *domain.Order)
}

// Clock supplies the engine's notion of "now". Every wall-clock-aligned
// decision (epoch boundaries, order timestamps, expiry) reads through this
// instead of calling time.Now() directly, so tests can drive the epoch
// state machine deterministically.
type Clock interface {
	Now() time.Time
}

// SystemClock is the production Clock, backed by the real wall clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }
