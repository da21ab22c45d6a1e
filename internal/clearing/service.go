// Package clearing is the facade of spec.md §4.6: it composes the book,
// matcher, persistence adapter, and epoch scheduler behind the operation
// surface of §6, holding the single lock that serializes book access
// (§5). It is grounded on the reference stack's OrderBookEngine
// Start/Stop/stopChan/sync.WaitGroup lifecycle
// (internal/hft/orderbook_engine.go), generalized from lock-free
// concurrent processing to the single-mutex model spec.md mandates.
package clearing

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/voltgrid/clearing-engine/internal/book"
	"github.com/voltgrid/clearing-engine/internal/config"
	"github.com/voltgrid/clearing-engine/internal/domain"
	"github.com/voltgrid/clearing-engine/internal/matcher"
	"github.com/voltgrid/clearing-engine/internal/ports"
	"github.com/voltgrid/clearing-engine/internal/scheduler"
	"github.com/voltgrid/clearing-engine/internal/storage"
	"github.com/voltgrid/clearing-engine/pkg/observability"
)

// Service is the clearing engine's facade, the single authoritative owner
// of the active epoch's order book.
type Service struct {
	mu sync.Mutex

	book    *book.Book
	current *domain.Epoch

	cfg     config.EngineConfig
	fee     domain.FeeRate
	store   *storage.Store
	clock   ports.Clock
	auth    ports.AuthenticatedUser
	events  ports.EventPublisher
	settler ports.SettlementDispatcher
	logger  *observability.Logger
	metrics *observability.MetricsProvider
	tracer  oteltrace.Tracer
	audit   *observability.AuditLogger
	perf    *observability.PerformanceLogger

	lastTick time.Time

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New constructs a Service. Call Recover before Start to rehydrate state
// from persistence (spec.md §4.5 "Recovery (restart)"). tracer may be nil,
// in which case spans are recorded against the global (no-op by default)
// OpenTelemetry tracer provider.
func New(
	cfg config.EngineConfig,
	store *storage.Store,
	clock ports.Clock,
	auth ports.AuthenticatedUser,
	events ports.EventPublisher,
	settler ports.SettlementDispatcher,
	logger *observability.Logger,
	metrics *observability.MetricsProvider,
	tracer oteltrace.Tracer,
) (*Service, error) {
	fee, err := domain.NewFeeRate(cfg.PlatformFeeRate)
	if err != nil {
		return nil, fmt.Errorf("invalid platform fee rate: %w", err)
	}
	if tracer == nil {
		tracer = otel.Tracer("clearing-engine")
	}
	return &Service{
		cfg:     cfg,
		fee:     fee,
		store:   store,
		clock:   clock,
		auth:    auth,
		events:  events,
		settler: settler,
		logger:  logger,
		metrics: metrics,
		tracer:  tracer,
		audit:   observability.NewAuditLogger(logger),
		perf:    observability.NewPerformanceLogger(logger),
		stopCh:  make(chan struct{}),
	}, nil
}

// Recover implements spec.md §4.5 "Recovery (restart)": it loads
// non-terminal epochs, drives any wall-clock-overdue transitions, and
// rehydrates the book from the current epoch's resting orders in FIFO
// order.
func (s *Service) Recover(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	if err := s.checkMonotonicLocked(ctx, now); err != nil {
		return fmt.Errorf("recover: %w", err)
	}
	epochs, err := s.store.ListNonTerminalEpochs(ctx)
	if err != nil {
		return fmt.Errorf("recover: list non-terminal epochs: %w", err)
	}

	var current *domain.Epoch
	for _, e := range epochs {
		for scheduler.ShouldActivate(e, now) {
			if err := s.activateLocked(ctx, e, now); err != nil {
				return fmt.Errorf("recover: activate epoch %d: %w", e.EpochNumber, err)
			}
		}
		if scheduler.ShouldClear(e, now) {
			// The book for this epoch must be rehydrated before it can be
			// cleared so unmatched resting orders resolve correctly.
			s.book = book.New(e.ID, s.cfg.MaxOrdersPerEpoch)
			if err := s.rehydrateLocked(ctx, e); err != nil {
				return fmt.Errorf("recover: rehydrate epoch %d: %w", e.EpochNumber, err)
			}
			if err := s.clearLocked(ctx, e, now); err != nil {
				return fmt.Errorf("recover: clear epoch %d: %w", e.EpochNumber, err)
			}
			continue
		}
		if e.Status == domain.EpochStatusPending || e.Status == domain.EpochStatusActive {
			current = e
		}
	}

	if current == nil {
		current = scheduler.EpochForNow(now, s.cfg.EpochDuration)
		if err := s.store.InsertEpoch(ctx, current); err != nil {
			return fmt.Errorf("recover: insert epoch: %w", err)
		}
		if scheduler.ShouldActivate(current, now) {
			if err := s.activateLocked(ctx, current, now); err != nil {
				return fmt.Errorf("recover: activate new epoch: %w", err)
			}
		}
	}

	s.current = current
	s.book = book.New(current.ID, s.cfg.MaxOrdersPerEpoch)
	if current.Status == domain.EpochStatusActive {
		if err := s.rehydrateLocked(ctx, current); err != nil {
			return fmt.Errorf("recover: rehydrate current epoch: %w", err)
		}
	}

	s.logger.Info(ctx, "Recovery complete", map[string]interface{}{
		"epoch_number": current.EpochNumber,
		"status":       current.Status.String(),
		"resting":      s.book.Len(),
	})
	return nil
}

// rehydrateLocked reinserts persisted active/partial orders for e into the
// book in ascending (created_at, id) order, preserving FIFO (spec.md §4.5
// step 3, §8 invariant 5). Caller must hold s.mu.
func (s *Service) rehydrateLocked(ctx context.Context, e *domain.Epoch) error {
	orders, err := s.store.LoadRestingOrders(ctx, e.ID)
	if err != nil {
		return err
	}
	for _, o := range orders {
		if err := s.book.Add(o); err != nil {
			s.logger.Warn(ctx, "Skipped unrestorable order during recovery", map[string]interface{}{
				"order_id": o.ID.String(), "error": err.Error(),
			})
		}
	}
	return nil
}

// Start launches the matching loop (cadence matching_interval) and the
// scheduler loop (cadence transition_check_interval), per spec.md §2
// "Control flow" and §5.
func (s *Service) Start(ctx context.Context) {
	s.wg.Add(2)
	go s.matchingLoop(ctx)
	go s.schedulerLoop(ctx)
}

// Stop signals both loops to exit and waits for them to drain, flushing a
// final snapshot (spec.md §5 "observe a shutdown signal between cycles and
// flush pending snapshots before exiting").
func (s *Service) Stop() {
	close(s.stopCh)
	s.wg.Wait()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current != nil && s.book != nil {
		s.publishBookSnapshot(context.Background())
	}
}

func (s *Service) matchingLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.MatchingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runMatchingPass(ctx)
		}
	}
}

func (s *Service) schedulerLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.TransitionCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runSchedulerTick(ctx)
		}
	}
}

// runSchedulerTick advances the epoch state machine at wall-clock
// boundaries (spec.md §4.5).
func (s *Service) runSchedulerTick(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	e := s.current
	if e == nil {
		return
	}

	if err := s.checkMonotonicLocked(ctx, now); err != nil {
		return
	}

	if scheduler.ShouldActivate(e, now) {
		if err := s.activateLocked(ctx, e, now); err != nil {
			s.logger.Error(ctx, "Failed to activate epoch", err)
			return
		}
	}

	if scheduler.ShouldClear(e, now) {
		if err := s.clearLocked(ctx, e, now); err != nil {
			s.logger.Error(ctx, "Failed to clear epoch", err)
			return
		}
		next := scheduler.NextEpoch(e, s.cfg.EpochDuration, now)
		if err := s.store.InsertEpoch(ctx, next); err != nil {
			s.logger.Error(ctx, "Failed to insert next epoch", err)
			return
		}
		s.current = next
		s.book = book.New(next.ID, s.cfg.MaxOrdersPerEpoch)
		if scheduler.ShouldActivate(next, now) {
			if err := s.activateLocked(ctx, next, now); err != nil {
				s.logger.Error(ctx, "Failed to activate next epoch", err)
			}
		}
		return
	}

	if e.Status == domain.EpochStatusCleared {
		s.attemptSettlementLocked(ctx, e)
	}
}

// checkMonotonicLocked implements spec.md §7's ClockSkew guard: if the wall
// clock has regressed since the last observed tick, the scheduler must pause
// advancing state until monotonic progress resumes (spec.md §9 "scheduler
// uses monotonic progress checks; never regress state"). Caller must hold
// s.mu.
func (s *Service) checkMonotonicLocked(ctx context.Context, now time.Time) error {
	if !s.lastTick.IsZero() && now.Before(s.lastTick) {
		s.logger.Warn(ctx, "Clock skew detected, pausing scheduler advances", map[string]interface{}{
			"last_tick": s.lastTick.String(), "observed": now.String(),
		})
		return domain.ErrClockSkew
	}
	s.lastTick = now
	return nil
}

func (s *Service) activateLocked(ctx context.Context, e *domain.Epoch, now time.Time) error {
	if err := e.TransitionTo(domain.EpochStatusActive, now); err != nil {
		return err
	}
	if err := s.store.UpdateEpochStatus(ctx, e); err != nil {
		return err
	}
	s.metrics.RecordEpochTransition(ctx, e.Status.String())
	s.events.PublishEpochTransition(ctx, e)
	return nil
}

// clearLocked implements the active -> cleared transition (spec.md §4.5):
// a final matching pass, resolution of remaining orders, computation of
// clearing_price/total_volume/matched_orders, and settlement aggregation,
// all in the persistence adapter's single closure transaction.
func (s *Service) clearLocked(ctx context.Context, e *domain.Epoch, now time.Time) error {
	ctx, span := s.tracer.Start(ctx, "clearing.clearEpoch")
	defer span.End()

	buyerOf := make(map[uuid.UUID]uuid.UUID)
	sellerOf := make(map[uuid.UUID]uuid.UUID)
	ordersByID := make(map[uuid.UUID]*domain.Order)
	for _, o := range s.book.Orders() {
		recordOwner(o, buyerOf, sellerOf)
		ordersByID[o.ID] = o
	}

	matches := matcher.Run(e.ID, s.book, func() time.Time { return now })
	for _, m := range matches {
		s.events.PublishMatch(ctx, m, e.EpochNumber)
		s.publishIfFilled(ctx, ordersByID[m.BuyOrderID])
		s.publishIfFilled(ctx, ordersByID[m.SellOrderID])
	}

	remaining := s.book.Drain()
	resolved := make([]*domain.Order, 0, len(remaining))
	for _, o := range remaining {
		o.Expire(now)
		resolved = append(resolved, o)
	}

	settlements := domain.AggregateSettlements(e.ID, matches, func(id uuid.UUID) uuid.UUID {
		return buyerOf[id]
	}, func(id uuid.UUID) uuid.UUID {
		return sellerOf[id]
	}, s.fee)

	clearingPrice, ok := matcher.ClearingPrice(matches)
	e.TotalVolume = matcher.TotalVolume(matches)
	e.MatchedOrders = countDistinctOrders(matches)
	e.TotalOrders = e.MatchedOrders + len(resolved)
	if ok {
		e.ClearingPrice = &clearingPrice
	}
	if err := e.TransitionTo(domain.EpochStatusCleared, now); err != nil {
		return err
	}

	if err := s.store.CloseEpoch(ctx, storage.CloseEpochResult{
		Epoch:       e,
		Resolved:    resolved,
		Settlements: settlements,
	}); err != nil {
		return err
	}

	s.metrics.RecordEpochTransition(ctx, e.Status.String())
	s.events.PublishEpochTransition(ctx, e)
	s.attemptSettlementLocked(ctx, e)
	return nil
}

// publishIfFilled emits order_filled when o has just transitioned to
// filled (spec.md §6). o may be nil if the owning map didn't have an
// entry for the match's order id; that never happens for a match this
// service itself produced, but callers pass through map lookups directly.
func (s *Service) publishIfFilled(ctx context.Context, o *domain.Order) {
	if o != nil && o.Status == domain.OrderStatusFilled {
		s.events.PublishOrderFilled(ctx, o)
	}
}

func recordOwner(o *domain.Order, buyerOf, sellerOf map[uuid.UUID]uuid.UUID) {
	if o.Side == domain.SideBuy {
		buyerOf[o.ID] = o.UserID
	} else {
		sellerOf[o.ID] = o.UserID
	}
}

func countDistinctOrders(matches []*domain.Match) int {
	seen := make(map[uuid.UUID]struct{}, len(matches)*2)
	for _, m := range matches {
		seen[m.BuyOrderID] = struct{}{}
		seen[m.SellOrderID] = struct{}{}
	}
	return len(seen)
}

// attemptSettlementLocked implements "cleared -> settled when the external
// settlement collaborator acknowledges processing" (spec.md §4.5).
// Dispatch failures leave the epoch in cleared for the next tick to retry.
func (s *Service) attemptSettlementLocked(ctx context.Context, e *domain.Epoch) {
	settlements, err := s.store.ListSettlementsForEpoch(ctx, e.ID)
	if err != nil {
		s.logger.Error(ctx, "Failed to load settlements for dispatch", err)
		return
	}
	if err := s.settler.Dispatch(ctx, e, settlements); err != nil {
		s.logger.Warn(ctx, "Settlement dispatch not yet acknowledged", map[string]interface{}{
			"epoch_number": e.EpochNumber, "error": err.Error(),
		})
		return
	}
	if err := e.TransitionTo(domain.EpochStatusSettled, s.clock.Now()); err != nil {
		s.logger.Error(ctx, "Failed to transition epoch to settled", err)
		return
	}
	if err := s.store.MarkSettlementsProcessed(ctx, e); err != nil {
		s.logger.Error(ctx, "Failed to persist settled epoch", err)
		return
	}
	s.metrics.RecordEpochTransition(ctx, e.Status.String())
	s.events.PublishEpochTransition(ctx, e)
}

// runMatchingPass drains any matchable pairs from the current book
// (spec.md §2 "continuous matching task").
func (s *Service) runMatchingPass(ctx context.Context) {
	ctx, span := s.tracer.Start(ctx, "clearing.matchingPass")
	defer span.End()
	start := time.Now()
	defer func() {
		s.perf.LogSlowOperation(ctx, "matching_pass", time.Since(start), s.cfg.MatchingInterval)
	}()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current == nil || s.current.Status != domain.EpochStatusActive {
		return
	}

	now := s.clock.Now()
	before := make(map[uuid.UUID]*domain.Order)
	for _, o := range s.book.Orders() {
		before[o.ID] = o
	}
	matches := matcher.Run(s.current.ID, s.book, func() time.Time { return now })
	if len(matches) == 0 {
		return
	}

	for _, m := range matches {
		buy, sell := before[m.BuyOrderID], before[m.SellOrderID]
		if err := s.store.RecordMatch(ctx, m, buy, sell); err != nil {
			s.logger.Error(ctx, "Failed to record match, reverting in-memory fill", err, map[string]interface{}{
				"match_id": m.ID.String(),
			})
			buy.UndoFill(m.MatchedAmount, now)
			sell.UndoFill(m.MatchedAmount, now)
			if rerr := s.book.Restore(buy); rerr != nil {
				s.logger.Error(ctx, "Failed to restore buy order after match rollback", rerr)
			}
			if rerr := s.book.Restore(sell); rerr != nil {
				s.logger.Error(ctx, "Failed to restore sell order after match rollback", rerr)
			}
			continue
		}
		s.metrics.RecordMatch(ctx, m.MatchedAmount.Decimal().InexactFloat64())
		s.events.PublishMatch(ctx, m, s.current.EpochNumber)
		s.publishIfFilled(ctx, buy)
		s.publishIfFilled(ctx, sell)
	}

	s.publishBookSnapshot(ctx)
}

// publishSnapshotKey is the stable cache key for the current epoch's book.
func (s *Service) publishSnapshotKey() string {
	if s.current == nil {
		return "book:snapshot"
	}
	return fmt.Sprintf("book:snapshot:%d", s.current.EpochNumber)
}

func (s *Service) publishBookSnapshot(ctx context.Context) {
	bids, asks := s.book.Depth(s.cfg.BookSnapshotDepth)
	snap := storage.BookSnapshot{
		EpochNumber: s.current.EpochNumber,
		Timestamp:   s.clock.Now(),
		Bids:        toLevels(bids),
		Asks:        toLevels(asks),
	}
	if bid, ok := s.book.BestBid(); ok {
		snap.BestBid = bid.PricePerKWh.String()
	}
	if ask, ok := s.book.BestAsk(); ok {
		snap.BestAsk = ask.PricePerKWh.String()
	}
	s.store.PublishSnapshot(ctx, s.publishSnapshotKey(), snap, s.cfg.SnapshotWriteTimeout)
	s.events.PublishBookUpdate(ctx, s.current.ID, snap)
}

func toLevels(d []book.DepthLevel) []storage.Level {
	out := make([]storage.Level, len(d))
	for i, l := range d {
		out[i] = storage.Level{Price: l.Price.String(), Quantity: l.Quantity.String(), OrderCount: l.OrderCount}
	}
	return out
}
