// Package storage is the persistence adapter of spec.md §4.4: transactional
// writes to the relational store, plus cache snapshots of the order book.
// It is grounded on pkg/database's DB/Cache wrappers, adapted from the
// reference stack's generic query-cache-and-metrics wrapper into concrete
// repository methods for this domain's four tables.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/voltgrid/clearing-engine/internal/domain"
	"github.com/voltgrid/clearing-engine/pkg/database"
	"github.com/voltgrid/clearing-engine/pkg/observability"
)

// Store is the persistence adapter.
type Store struct {
	db     *database.DB
	cache  *database.Cache
	logger *observability.Logger
}

func New(db *database.DB, cache *database.Cache, logger *observability.Logger) *Store {
	return &Store{db: db, cache: cache, logger: logger}
}

// InsertEpoch persists a newly created epoch. Its own transaction
// (spec.md §4.4).
func (s *Store) InsertEpoch(ctx context.Context, e *domain.Epoch) error {
	return s.db.Transaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO epochs (id, epoch_number, start_time, end_time, status, total_volume, total_orders, matched_orders, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			e.ID, e.EpochNumber, e.StartTime, e.EndTime, e.Status.String(),
			e.TotalVolume.Decimal(), e.TotalOrders, e.MatchedOrders, e.CreatedAt, e.UpdatedAt)
		return err
	})
}

// UpdateEpochStatus advances an epoch's status in its own transaction,
// used for the pending->active transition, which carries no other side
// effects. cleared->settled goes through MarkSettlementsProcessed.
func (s *Store) UpdateEpochStatus(ctx context.Context, e *domain.Epoch) error {
	return s.db.Transaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			UPDATE epochs SET status = $1, updated_at = $2, version = version + 1 WHERE id = $3`,
			e.Status.String(), e.UpdatedAt, e.ID)
		return err
	})
}

// InsertOrder persists a newly submitted order. Its own transaction
// (spec.md §4.4 "Order insert is its own transaction").
func (s *Store) InsertOrder(ctx context.Context, o *domain.Order) error {
	return s.db.Transaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO orders (id, user_id, epoch_id, side, price, energy_amount, filled_amount, status, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			o.ID, o.UserID, o.EpochID, o.Side.String(), o.PricePerKWh.Decimal(), o.EnergyAmount.Decimal(),
			o.FilledAmount.Decimal(), o.Status.String(), o.CreatedAt, o.UpdatedAt)
		return err
	})
}

// UpdateOrderStatus persists a cancellation or other status-only change.
func (s *Store) UpdateOrderStatus(ctx context.Context, o *domain.Order) error {
	return s.db.Transaction(ctx, func(tx *sql.Tx) error {
		return s.updateOrderTx(ctx, tx, o)
	})
}

func (s *Store) updateOrderTx(ctx context.Context, tx *sql.Tx, o *domain.Order) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE orders SET filled_amount = $1, status = $2, updated_at = $3, version = version + 1 WHERE id = $4`,
		o.FilledAmount.Decimal(), o.Status.String(), o.UpdatedAt, o.ID)
	return err
}

// RecordMatch writes one match plus both orders' fill updates atomically:
// spec.md §4.4 "either both orders' filled_amount advance and the match
// row exists, or none does". Called once per match pair produced by a
// matching pass.
func (s *Store) RecordMatch(ctx context.Context, m *domain.Match, buy, sell *domain.Order) error {
	return s.db.Transaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO matches (id, epoch_id, buy_order_id, sell_order_id, matched_amount, match_price, match_time, status)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			m.ID, m.EpochID, m.BuyOrderID, m.SellOrderID, m.MatchedAmount.Decimal(), m.MatchPrice.Decimal(), m.MatchTime, m.Status.String())
		if err != nil {
			return fmt.Errorf("insert match: %w", err)
		}
		if err := s.updateOrderTx(ctx, tx, buy); err != nil {
			return fmt.Errorf("update buy order: %w", err)
		}
		if err := s.updateOrderTx(ctx, tx, sell); err != nil {
			return fmt.Errorf("update sell order: %w", err)
		}
		return nil
	})
}

// CloseEpochResult bundles everything CloseEpoch needs to commit together.
type CloseEpochResult struct {
	Epoch       *domain.Epoch
	Resolved    []*domain.Order // remaining orders finalized to partial/expired
	Settlements []*domain.Settlement
}

// CloseEpoch commits order finalization, settlement aggregation, and the
// epoch's active->cleared transition in a single transaction (spec.md
// §4.4 "Epoch closure is a transaction").
func (s *Store) CloseEpoch(ctx context.Context, r CloseEpochResult) error {
	return s.db.Transaction(ctx, func(tx *sql.Tx) error {
		for _, o := range r.Resolved {
			if err := s.updateOrderTx(ctx, tx, o); err != nil {
				return fmt.Errorf("finalize order %s: %w", o.ID, err)
			}
		}

		for _, st := range r.Settlements {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO settlements (id, epoch_id, buyer_id, seller_id, energy_amount, price_per_kwh, total_amount, fee_amount, net_amount, status)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
				ON CONFLICT (epoch_id, buyer_id, seller_id) DO NOTHING`,
				st.ID, st.EpochID, st.BuyerID, st.SellerID, st.EnergyAmount.Decimal(), st.PricePerKWh.Decimal(),
				st.TotalAmount.Decimal(), st.FeeAmount.Decimal(), st.NetAmount.Decimal(), st.Status.String())
			if err != nil {
				return fmt.Errorf("insert settlement: %w", err)
			}
		}

		e := r.Epoch
		var clearingPrice interface{}
		if e.ClearingPrice != nil {
			clearingPrice = e.ClearingPrice.Decimal()
		}
		_, err := tx.ExecContext(ctx, `
			UPDATE epochs SET status = $1, clearing_price = $2, total_volume = $3, total_orders = $4, matched_orders = $5, updated_at = $6, version = version + 1
			WHERE id = $7`,
			e.Status.String(), clearingPrice, e.TotalVolume.Decimal(), e.TotalOrders, e.MatchedOrders, e.UpdatedAt, e.ID)
		if err != nil {
			return fmt.Errorf("update epoch: %w", err)
		}
		return nil
	})
}

// MatchPriceRange returns the min/max match_price for an epoch's matches,
// for get_market_stats (spec.md §6). Returns (nil, nil, nil) if no matches
// exist yet.
func (s *Store) MatchPriceRange(ctx context.Context, epochID uuid.UUID) (min, max *domain.Amount, err error) {
	var minD, maxD decimal.NullDecimal
	row := s.db.QueryRowContext(ctx, `SELECT MIN(match_price), MAX(match_price) FROM matches WHERE epoch_id = $1`, epochID)
	if err := row.Scan(&minD, &maxD); err != nil {
		return nil, nil, fmt.Errorf("match price range: %w", err)
	}
	if minD.Valid {
		a := domain.AmountFromDecimal(minD.Decimal)
		min = &a
	}
	if maxD.Valid {
		a := domain.AmountFromDecimal(maxD.Decimal)
		max = &a
	}
	return min, max, nil
}

// ListSettlementsForEpoch loads all settlement rows for an epoch, used to
// hand the dispatcher its batch on the cleared -> settled transition.
func (s *Store) ListSettlementsForEpoch(ctx context.Context, epochID uuid.UUID) ([]*domain.Settlement, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, epoch_id, buyer_id, seller_id, energy_amount, price_per_kwh, total_amount, fee_amount, net_amount, status
		FROM settlements WHERE epoch_id = $1`, epochID)
	if err != nil {
		return nil, fmt.Errorf("list settlements: %w", err)
	}
	defer rows.Close()

	var out []*domain.Settlement
	for rows.Next() {
		var st domain.Settlement
		var status string
		var energy, price, total, feeAmt, net decimal.Decimal
		if err := rows.Scan(&st.ID, &st.EpochID, &st.BuyerID, &st.SellerID, &energy, &price, &total, &feeAmt, &net, &status); err != nil {
			return nil, fmt.Errorf("scan settlement: %w", err)
		}
		st.EnergyAmount = domain.AmountFromDecimal(energy)
		st.PricePerKWh = domain.AmountFromDecimal(price)
		st.TotalAmount = domain.AmountFromDecimal(total)
		st.FeeAmount = domain.AmountFromDecimal(feeAmt)
		st.NetAmount = domain.AmountFromDecimal(net)
		st.Status = parseSettlementStatus(status)
		out = append(out, &st)
	}
	return out, rows.Err()
}

func parseSettlementStatus(s string) domain.SettlementStatus {
	switch s {
	case "pending":
		return domain.SettlementStatusPending
	case "processed":
		return domain.SettlementStatusProcessed
	case "failed":
		return domain.SettlementStatusFailed
	default:
		return domain.SettlementStatusPending
	}
}

// MarkSettlementsProcessed transitions an epoch's settlements to processed
// and the epoch itself to settled, on successful SettlementDispatcher
// acknowledgement (spec.md §4.5 "cleared -> settled").
func (s *Store) MarkSettlementsProcessed(ctx context.Context, e *domain.Epoch) error {
	return s.db.Transaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `UPDATE settlements SET status = 'processed' WHERE epoch_id = $1`, e.ID)
		if err != nil {
			return fmt.Errorf("mark settlements processed: %w", err)
		}
		_, err = tx.ExecContext(ctx, `UPDATE epochs SET status = $1, updated_at = $2, version = version + 1 WHERE id = $3`,
			e.Status.String(), e.UpdatedAt, e.ID)
		return err
	})
}

// GetEpoch loads an epoch by ID.
func (s *Store) GetEpoch(ctx context.Context, id uuid.UUID) (*domain.Epoch, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, epoch_number, start_time, end_time, status, clearing_price, total_volume, total_orders, matched_orders, created_at, updated_at
		FROM epochs WHERE id = $1`, id)
	return scanEpoch(row)
}

// GetEpochByNumber loads an epoch by its epoch_number.
func (s *Store) GetEpochByNumber(ctx context.Context, epochNumber int64) (*domain.Epoch, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, epoch_number, start_time, end_time, status, clearing_price, total_volume, total_orders, matched_orders, created_at, updated_at
		FROM epochs WHERE epoch_number = $1`, epochNumber)
	return scanEpoch(row)
}

// ListNonTerminalEpochs loads epochs in pending/active/cleared state,
// newest first, for startup recovery (spec.md §4.5 step 1).
func (s *Store) ListNonTerminalEpochs(ctx context.Context) ([]*domain.Epoch, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, epoch_number, start_time, end_time, status, clearing_price, total_volume, total_orders, matched_orders, created_at, updated_at
		FROM epochs WHERE status IN ('pending', 'active', 'cleared') ORDER BY epoch_number DESC`)
	if err != nil {
		return nil, fmt.Errorf("list non-terminal epochs: %w", err)
	}
	defer rows.Close()

	var out []*domain.Epoch
	for rows.Next() {
		e, err := scanEpoch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ListEpochs lists epochs newest-first with pagination.
func (s *Store) ListEpochs(ctx context.Context, limit, offset int) ([]*domain.Epoch, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, epoch_number, start_time, end_time, status, clearing_price, total_volume, total_orders, matched_orders, created_at, updated_at
		FROM epochs ORDER BY epoch_number DESC LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list epochs: %w", err)
	}
	defer rows.Close()

	var out []*domain.Epoch
	for rows.Next() {
		e, err := scanEpoch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEpoch(row rowScanner) (*domain.Epoch, error) {
	var e domain.Epoch
	var status string
	var clearingPrice decimal.NullDecimal
	var totalVolume decimal.Decimal

	if err := row.Scan(&e.ID, &e.EpochNumber, &e.StartTime, &e.EndTime, &status, &clearingPrice,
		&totalVolume, &e.TotalOrders, &e.MatchedOrders, &e.CreatedAt, &e.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("%w: epoch", domain.ErrNotFound)
		}
		return nil, fmt.Errorf("scan epoch: %w", err)
	}

	e.Status = parseEpochStatus(status)
	e.TotalVolume = domain.AmountFromDecimal(totalVolume)
	if clearingPrice.Valid {
		a := domain.AmountFromDecimal(clearingPrice.Decimal)
		e.ClearingPrice = &a
	}
	return &e, nil
}

func parseEpochStatus(s string) domain.EpochStatus {
	switch s {
	case "pending":
		return domain.EpochStatusPending
	case "active":
		return domain.EpochStatusActive
	case "cleared":
		return domain.EpochStatusCleared
	case "settled":
		return domain.EpochStatusSettled
	default:
		return domain.EpochStatusPending
	}
}

// LoadRestingOrders loads orders for epochID whose status is active or
// partial, ordered by (created_at, id) ascending to preserve FIFO on
// recovery (spec.md §4.5 step 3).
func (s *Store) LoadRestingOrders(ctx context.Context, epochID uuid.UUID) ([]*domain.Order, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, epoch_id, side, price, energy_amount, filled_amount, status, created_at, updated_at
		FROM orders WHERE epoch_id = $1 AND status IN ('active', 'partial') ORDER BY created_at ASC, id ASC`, epochID)
	if err != nil {
		return nil, fmt.Errorf("load resting orders: %w", err)
	}
	defer rows.Close()

	var out []*domain.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// GetOrder loads a single order by ID.
func (s *Store) GetOrder(ctx context.Context, id uuid.UUID) (*domain.Order, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, epoch_id, side, price, energy_amount, filled_amount, status, created_at, updated_at
		FROM orders WHERE id = $1`, id)
	return scanOrder(row)
}

func scanOrder(row rowScanner) (*domain.Order, error) {
	var o domain.Order
	var side, status string
	var price, energy, filled decimal.Decimal

	if err := row.Scan(&o.ID, &o.UserID, &o.EpochID, &side, &price, &energy, &filled, &status, &o.CreatedAt, &o.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("%w: order", domain.ErrNotFound)
		}
		return nil, fmt.Errorf("scan order: %w", err)
	}

	if side == "buy" {
		o.Side = domain.SideBuy
	} else {
		o.Side = domain.SideSell
	}
	o.PricePerKWh = domain.AmountFromDecimal(price)
	o.EnergyAmount = domain.AmountFromDecimal(energy)
	o.FilledAmount = domain.AmountFromDecimal(filled)
	o.Status = parseOrderStatus(status)
	return &o, nil
}

func parseOrderStatus(s string) domain.OrderStatus {
	switch s {
	case "active":
		return domain.OrderStatusActive
	case "partial":
		return domain.OrderStatusPartial
	case "filled":
		return domain.OrderStatusFilled
	case "cancelled":
		return domain.OrderStatusCancelled
	case "expired":
		return domain.OrderStatusExpired
	default:
		return domain.OrderStatusActive
	}
}

// BookSnapshot is the cache payload published after every book mutation
// (spec.md §4.4, §6 order_book_update).
type BookSnapshot struct {
	EpochNumber int64     `json:"epoch_number"`
	Timestamp   time.Time `json:"ts"`
	Bids        []Level   `json:"bids"`
	Asks        []Level   `json:"asks"`
	BestBid     string    `json:"best_bid,omitempty"`
	BestAsk     string    `json:"best_ask,omitempty"`
}

type Level struct {
	Price      string `json:"price"`
	Quantity   string `json:"quantity"`
	OrderCount int    `json:"orders"`
}

// PublishSnapshot writes a book snapshot to the cache under a stable key,
// bounded by the configured write timeout. Failures are logged, never
// surfaced (spec.md §4.4, §7 CacheUnavailable).
func (s *Store) PublishSnapshot(ctx context.Context, key string, snapshot BookSnapshot, timeout time.Duration) {
	if err := s.cache.PublishSnapshot(ctx, key, snapshot, timeout); err != nil {
		s.logger.Warn(ctx, "Snapshot publish failed", map[string]interface{}{"error": err.Error(), "key": key})
	}
}
