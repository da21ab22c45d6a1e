package database

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/voltgrid/clearing-engine/internal/config"
	"github.com/voltgrid/clearing-engine/pkg/observability"
	"github.com/redis/go-redis/v9"
)

// Cache wraps redis.Client with the narrow operation the persistence
// adapter needs: publishing depth-limited order book snapshots under a
// stable key (spec.md §4.4). Snapshot failures are non-fatal — the
// relational store is the source of truth — so every method here returns
// an error for the caller to log, never one that should abort a request.
type Cache struct {
	client  *redis.Client
	logger  *observability.Logger
	metrics *CacheMetrics
}

// CacheMetrics tracks cache write/read performance.
type CacheMetrics struct {
	WriteCount   int64
	WriteErrors  int64
	ReadCount    int64
	ReadMisses   int64
	mu           sync.RWMutex
}

// NewCache creates a new Redis-backed cache client.
func NewCache(cfg config.RedisConfig, logger *observability.Logger) (*Cache, error) {
	opt, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	if cfg.Password != "" {
		opt.Password = cfg.Password
	}
	opt.DB = cfg.DB
	opt.PoolSize = cfg.PoolSize
	opt.MinIdleConns = cfg.MinIdleConns
	opt.PoolTimeout = cfg.PoolTimeout
	opt.ConnMaxIdleTime = cfg.IdleTimeout
	opt.MaxRetries = cfg.MaxRetries
	opt.MinRetryBackoff = cfg.MinRetryBackoff
	opt.MaxRetryBackoff = cfg.MaxRetryBackoff

	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to ping Redis: %w", err)
	}

	logger.Info(ctx, "Cache client initialized", map[string]interface{}{
		"pool_size": opt.PoolSize,
	})

	return &Cache{client: client, logger: logger, metrics: &CacheMetrics{}}, nil
}

// WrapCache adapts an already-connected *redis.Client (e.g. one pointed at
// a test container) into a *Cache. Used by the integration test harness.
func WrapCache(client *redis.Client) *Cache {
	logger := observability.NewLogger(config.ObservabilityConfig{ServiceName: "clearing-engine-test", LogLevel: "error"})
	return &Cache{client: client, logger: logger, metrics: &CacheMetrics{}}
}

// FlushAll clears every key in the selected Redis database. Test-only.
func (c *Cache) FlushAll(ctx context.Context) error {
	return c.client.FlushDB(ctx).Err()
}

// PublishSnapshot writes a JSON-encoded book snapshot under key, bounded by
// the configured snapshot write timeout. Errors are returned for the caller
// to log; they are never surfaced to the original request (spec.md §4.4,
// §7 CacheUnavailable).
func (c *Cache) PublishSnapshot(ctx context.Context, key string, snapshot interface{}, timeout time.Duration) error {
	start := time.Now()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	data, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	err = c.client.Set(ctx, key, data, 0).Err()
	c.recordWrite(time.Since(start), err == nil)
	if err != nil {
		return fmt.Errorf("publish snapshot: %w", err)
	}
	return nil
}

// GetSnapshot reads a previously published snapshot, used by market-data
// reads that prefer the cache over hitting the relational store directly.
func (c *Cache) GetSnapshot(ctx context.Context, key string, dest interface{}) (bool, error) {
	c.metrics.mu.Lock()
	c.metrics.ReadCount++
	c.metrics.mu.Unlock()

	data, err := c.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		c.metrics.mu.Lock()
		c.metrics.ReadMisses++
		c.metrics.mu.Unlock()
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get snapshot: %w", err)
	}

	if err := json.Unmarshal(data, dest); err != nil {
		return false, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return true, nil
}

func (c *Cache) recordWrite(d time.Duration, ok bool) {
	c.metrics.mu.Lock()
	defer c.metrics.mu.Unlock()
	c.metrics.WriteCount++
	if !ok {
		c.metrics.WriteErrors++
	}
}

// GetMetrics returns current cache metrics.
func (c *Cache) GetMetrics() map[string]interface{} {
	c.metrics.mu.RLock()
	defer c.metrics.mu.RUnlock()
	return map[string]interface{}{
		"write_count":  c.metrics.WriteCount,
		"write_errors": c.metrics.WriteErrors,
		"read_count":   c.metrics.ReadCount,
		"read_misses":  c.metrics.ReadMisses,
	}
}

// Health checks the cache connection health.
func (c *Cache) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 1*time.Second)
	defer cancel()
	if err := c.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("cache health check failed: %w", err)
	}
	return nil
}

// Close closes the underlying Redis client.
func (c *Cache) Close() error {
	return c.client.Close()
}
