package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/voltgrid/clearing-engine/internal/config"
	"github.com/voltgrid/clearing-engine/internal/domain"
	"github.com/voltgrid/clearing-engine/pkg/observability"
	_ "github.com/lib/pq"
)

// DB wraps sql.DB with connection pooling, health monitoring, and the
// bounded-retry transaction helper spec.md §4.4 requires.
type DB struct {
	*sql.DB
	logger     *observability.Logger
	metrics    *DatabaseMetrics
	maxRetries int
	baseDelay  time.Duration
}

// DatabaseMetrics tracks database performance metrics.
type DatabaseMetrics struct {
	QueryCount      int64
	SlowQueryCount  int64
	RetryCount      int64
	ConnectionCount int64
	AvgQueryTime    time.Duration
	mu              sync.RWMutex
}

// NewPostgresDB creates a new PostgreSQL database connection.
func NewPostgresDB(cfg config.DatabaseConfig, logger *observability.Logger) (*DB, error) {
	conn, err := sql.Open("postgres", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	conn.SetMaxOpenConns(cfg.MaxOpenConns)
	conn.SetMaxIdleConns(cfg.MaxIdleConns)
	conn.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	conn.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := conn.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db := &DB{
		DB:         conn,
		logger:     logger,
		metrics:    &DatabaseMetrics{},
		maxRetries: cfg.MaxRetries,
		baseDelay:  cfg.RetryBaseDelay,
	}

	go db.startHealthMonitoring(cfg.HealthCheckInterval)

	logger.Info(context.Background(), "Database connection established", map[string]interface{}{
		"max_open_conns": cfg.MaxOpenConns,
		"max_idle_conns": cfg.MaxIdleConns,
	})

	return db, nil
}

// WrapDB adapts an already-open *sql.DB (e.g. one pointed at a test
// container) into a *DB with the default retry budget. Used by the
// integration test harness, which owns connection setup itself.
func WrapDB(conn *sql.DB) *DB {
	return &DB{
		DB:         conn,
		logger:     observability.NewLogger(config.ObservabilityConfig{ServiceName: "clearing-engine-test", LogLevel: "error"}),
		metrics:    &DatabaseMetrics{},
		maxRetries: 3,
		baseDelay:  10 * time.Millisecond,
	}
}

// ErrStorageUnavailable is returned once a transaction has exhausted its
// retry budget, matching spec.md §7's StorageUnavailable error. It is the
// domain sentinel itself, so errors.Is(err, domain.ErrStorageUnavailable)
// holds for it.
var ErrStorageUnavailable = domain.ErrStorageUnavailable

// Transaction executes fn within a database transaction, retrying on
// serialization/conflict failures with bounded exponential backoff up to
// db.maxRetries times after the first attempt (spec.md §4.4). Partial
// success is never observed by the caller: either fn's writes commit, or
// the transaction rolls back and an error is returned —
// ErrStorageUnavailable once the retries are exhausted or ctx ends during
// a backoff, or the error itself when it is not retryable.
func (db *DB) Transaction(ctx context.Context, fn func(*sql.Tx) error) error {
	var lastErr error

	for attempt := 0; attempt <= db.maxRetries; attempt++ {
		if attempt > 0 {
			delay := db.baseDelay * time.Duration(math.Pow(2, float64(attempt-1)))
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return fmt.Errorf("%w: %v", ErrStorageUnavailable, ctx.Err())
			}
			db.metrics.mu.Lock()
			db.metrics.RetryCount++
			db.metrics.mu.Unlock()
		}

		err := db.runOnce(ctx, fn)
		if err == nil {
			return nil
		}
		lastErr = err
		if !isRetryable(err) {
			return err
		}
	}

	db.logger.Error(ctx, "Transaction exhausted retry budget", lastErr)
	return fmt.Errorf("%w: %v", ErrStorageUnavailable, lastErr)
}

func (db *DB) runOnce(ctx context.Context, fn func(*sql.Tx) error) (err error) {
	start := time.Now()
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err = fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	db.updateMetrics(time.Since(start))
	return nil
}

// isRetryable reports whether a transaction failure should be retried.
// Connection-level failures and serialization conflicts are retryable;
// application errors returned by fn (e.g. validation) are not.
func isRetryable(err error) bool {
	var pqErr interface{ SQLState() string }
	if errors.As(err, &pqErr) {
		switch pqErr.SQLState() {
		case "40001", "40P01": // serialization_failure, deadlock_detected
			return true
		}
	}
	return errors.Is(err, sql.ErrConnDone) || errors.Is(err, context.DeadlineExceeded)
}

func (db *DB) updateMetrics(duration time.Duration) {
	db.metrics.mu.Lock()
	defer db.metrics.mu.Unlock()

	db.metrics.QueryCount++
	if duration > 100*time.Millisecond {
		db.metrics.SlowQueryCount++
	}
	if db.metrics.AvgQueryTime == 0 {
		db.metrics.AvgQueryTime = duration
	} else {
		alpha := 0.1
		db.metrics.AvgQueryTime = time.Duration(float64(db.metrics.AvgQueryTime)*(1-alpha) + float64(duration)*alpha)
	}
}

func (db *DB) startHealthMonitoring(interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for range ticker.C {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := db.DB.PingContext(ctx); err != nil {
			db.logger.Error(ctx, "Database health check failed", err)
		}
		cancel()
	}
}

// GetMetrics returns current database metrics.
func (db *DB) GetMetrics() map[string]interface{} {
	db.metrics.mu.RLock()
	defer db.metrics.mu.RUnlock()

	stats := db.DB.Stats()
	return map[string]interface{}{
		"query_count":      db.metrics.QueryCount,
		"slow_query_count": db.metrics.SlowQueryCount,
		"retry_count":      db.metrics.RetryCount,
		"avg_query_time":   db.metrics.AvgQueryTime,
		"open_connections": stats.OpenConnections,
		"idle_connections": stats.Idle,
	}
}

// Close closes the database connection.
func (db *DB) Close() error {
	db.logger.Info(context.Background(), "Closing database connection", nil)
	return db.DB.Close()
}

// Health checks the database health.
func (db *DB) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 1*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("database health check failed: %w", err)
	}
	return nil
}
