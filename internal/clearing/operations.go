package clearing

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/voltgrid/clearing-engine/internal/book"
	"github.com/voltgrid/clearing-engine/internal/domain"
)

// SubmitOrder implements spec.md §6 submit_order. It validates, resolves
// the caller, assigns the order to the current active epoch, persists it
// in its own transaction, inserts it into the book, and publishes an
// updated snapshot.
func (s *Service) SubmitOrder(ctx context.Context, token string, side domain.Side, price, energy domain.Amount) (orderID uuid.UUID, epochNumber int64, err error) {
	ctx, span := s.tracer.Start(ctx, "clearing.SubmitOrder")
	defer span.End()

	userID, err := s.auth.Authenticate(ctx, token)
	if err != nil {
		return uuid.Nil, 0, fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
	}
	if !price.IsPositive() || !energy.IsPositive() {
		return uuid.Nil, 0, fmt.Errorf("%w: price and energy must be positive", domain.ErrInvalidInput)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current == nil || s.current.Status != domain.EpochStatusActive {
		return uuid.Nil, 0, domain.ErrEpochNotActive
	}

	select {
	case <-ctx.Done():
		return uuid.Nil, 0, fmt.Errorf("%w: %v", domain.ErrTimeout, ctx.Err())
	default:
	}

	now := s.clock.Now()
	if !s.current.IsActiveAt(now) {
		return uuid.Nil, 0, domain.ErrEpochNotActive
	}
	if s.book.Len() >= s.cfg.MaxOrdersPerEpoch {
		s.metrics.RecordOrderRejected(ctx, "epoch_full")
		return uuid.Nil, 0, domain.ErrEpochFull
	}

	order := domain.NewOrder(userID, s.current.ID, side, price, energy, now)

	start := time.Now()
	if err := s.store.InsertOrder(ctx, order); err != nil {
		s.metrics.RecordOrderRejected(ctx, "storage_unavailable")
		return uuid.Nil, 0, err
	}

	if err := s.book.Add(order); err != nil {
		s.metrics.RecordOrderRejected(ctx, "book_add_failed")
		return uuid.Nil, 0, err
	}

	s.metrics.RecordOrderSubmitted(ctx, side.String(), time.Since(start))
	s.audit.LogUserAction(ctx, "submit_order", userID.String(), order.ID.String(), map[string]interface{}{
		"side": side.String(), "epoch_number": s.current.EpochNumber,
	})
	s.publishBookSnapshot(ctx)

	return order.ID, s.current.EpochNumber, nil
}

// CancelOrder implements spec.md §6 cancel_order. Cancellation is
// permitted while the order is active or partial and its epoch is still
// active (SPEC_FULL Open Question, resolved: allowed regardless of fill
// state as long as the epoch has not cleared).
func (s *Service) CancelOrder(ctx context.Context, token string, orderID uuid.UUID) error {
	ctx, span := s.tracer.Start(ctx, "clearing.CancelOrder")
	defer span.End()

	userID, err := s.auth.Authenticate(ctx, token)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var order *domain.Order
	for _, o := range s.book.Orders() {
		if o.ID == orderID {
			order = o
			break
		}
	}
	if order == nil {
		persisted, err := s.store.GetOrder(ctx, orderID)
		if err != nil {
			return err
		}
		return classifyNonBookCancel(persisted, userID)
	}

	// a rejected cancel leaves the order where it rests, keeping its
	// time priority
	if order.UserID != userID {
		return domain.ErrNotOwner
	}
	if s.current == nil || s.current.Status != domain.EpochStatusActive {
		return domain.ErrNotCancellable
	}

	s.book.Remove(orderID)
	order.Cancel(s.clock.Now())
	if err := s.store.UpdateOrderStatus(ctx, order); err != nil {
		return err
	}
	s.audit.LogUserAction(ctx, "cancel_order", userID.String(), order.ID.String(), map[string]interface{}{
		"epoch_number": s.current.EpochNumber,
	})
	s.publishBookSnapshot(ctx)
	return nil
}

func classifyNonBookCancel(order *domain.Order, userID uuid.UUID) error {
	if order.UserID != userID {
		return domain.ErrNotOwner
	}
	return domain.ErrNotCancellable
}

// GetCurrentEpoch implements spec.md §6 get_current_epoch.
func (s *Service) GetCurrentEpoch() *domain.Epoch {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// GetEpoch implements spec.md §6 get_epoch(id).
func (s *Service) GetEpoch(ctx context.Context, id uuid.UUID) (*domain.Epoch, error) {
	return s.store.GetEpoch(ctx, id)
}

// GetEpochByNumber implements spec.md §6 get_epoch(epoch_number).
func (s *Service) GetEpochByNumber(ctx context.Context, epochNumber int64) (*domain.Epoch, error) {
	return s.store.GetEpochByNumber(ctx, epochNumber)
}

// ListEpochs implements spec.md §6 list_epochs.
func (s *Service) ListEpochs(ctx context.Context, limit, offset int) ([]*domain.Epoch, error) {
	return s.store.ListEpochs(ctx, limit, offset)
}

// BookSnapshotView is the response shape for get_order_book_snapshot.
type BookSnapshotView struct {
	Bids    []LevelView    `json:"bids"`
	Asks    []LevelView    `json:"asks"`
	BestBid *domain.Amount `json:"best_bid,omitempty"`
	BestAsk *domain.Amount `json:"best_ask,omitempty"`
	Spread  *domain.Amount `json:"spread,omitempty"`
	Mid     *domain.Amount `json:"mid,omitempty"`
}

type LevelView struct {
	Price      domain.Amount `json:"price"`
	Quantity   domain.Amount `json:"quantity"`
	OrderCount int           `json:"orders"`
}

// GetOrderBookSnapshot implements spec.md §6 get_order_book_snapshot(depth).
func (s *Service) GetOrderBookSnapshot(depth int) BookSnapshotView {
	s.mu.Lock()
	defer s.mu.Unlock()

	bids, asks := s.book.Depth(depth)
	view := BookSnapshotView{Bids: toLevelViews(bids), Asks: toLevelViews(asks)}
	if bid, ok := s.book.BestBid(); ok {
		p := bid.PricePerKWh
		view.BestBid = &p
	}
	if ask, ok := s.book.BestAsk(); ok {
		p := ask.PricePerKWh
		view.BestAsk = &p
	}
	if spread, ok := s.book.Spread(); ok {
		view.Spread = &spread
	}
	if mid, ok := s.book.Mid(); ok {
		view.Mid = &mid
	}
	return view
}

func toLevelViews(d []book.DepthLevel) []LevelView {
	out := make([]LevelView, len(d))
	for i, l := range d {
		out[i] = LevelView{Price: l.Price, Quantity: l.Quantity, OrderCount: l.OrderCount}
	}
	return out
}

// MarketStats implements spec.md §6 get_market_stats response shape.
type MarketStats struct {
	TotalVolume   domain.Amount  `json:"total_volume"`
	MatchedOrders int            `json:"matched_orders"`
	ClearingPrice *domain.Amount `json:"clearing_price,omitempty"`
	MinPrice      *domain.Amount `json:"min_price,omitempty"`
	MaxPrice      *domain.Amount `json:"max_price,omitempty"`
}

// GetMarketStats implements spec.md §6 get_market_stats(epoch_id).
func (s *Service) GetMarketStats(ctx context.Context, epochID uuid.UUID) (*MarketStats, error) {
	e, err := s.store.GetEpoch(ctx, epochID)
	if err != nil {
		return nil, err
	}
	minPrice, maxPrice, err := s.store.MatchPriceRange(ctx, epochID)
	if err != nil {
		return nil, err
	}
	return &MarketStats{
		TotalVolume:   e.TotalVolume,
		MatchedOrders: e.MatchedOrders,
		ClearingPrice: e.ClearingPrice,
		MinPrice:      minPrice,
		MaxPrice:      maxPrice,
	}, nil
}

// TriggerClearing implements spec.md §6 trigger_clearing(epoch_id), the
// admin-only manual transition. Triggering clearing on an already-cleared
// epoch is a no-op (spec.md §8 "Round-trip / idempotence").
func (s *Service) TriggerClearing(ctx context.Context, epochID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current == nil || s.current.ID != epochID {
		e, err := s.store.GetEpoch(ctx, epochID)
		if err != nil {
			return err
		}
		if e.Status == domain.EpochStatusCleared || e.Status == domain.EpochStatusSettled {
			return nil
		}
		return fmt.Errorf("%w: epoch %s is not the current epoch", domain.ErrInvalidInput, epochID)
	}
	if s.current.Status != domain.EpochStatusActive {
		return nil
	}
	return s.clearLocked(ctx, s.current, s.clock.Now())
}
