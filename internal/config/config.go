// Package config loads process configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the clearing engine process.
type Config struct {
	Server        ServerConfig
	Database      DatabaseConfig
	Redis         RedisConfig
	JWT           JWTConfig
	Engine        EngineConfig
	Observability ObservabilityConfig
	RateLimit     RateLimitConfig
	Security      SecurityConfig
}

type ServerConfig struct {
	Port         string
	Host         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

type DatabaseConfig struct {
	URL                 string
	MaxOpenConns        int
	MaxIdleConns        int
	ConnMaxLifetime     time.Duration
	ConnMaxIdleTime     time.Duration
	QueryTimeout        time.Duration
	HealthCheckInterval time.Duration
	MaxRetries          int
	RetryBaseDelay      time.Duration
}

type RedisConfig struct {
	URL                string
	Password           string
	DB                 int
	PoolSize           int
	MinIdleConns       int
	PoolTimeout        time.Duration
	IdleTimeout        time.Duration
	MaxRetries         int
	MinRetryBackoff    time.Duration
	MaxRetryBackoff    time.Duration
	SnapshotKeyPrefix  string
	SnapshotWriteTimeout time.Duration
}

type JWTConfig struct {
	Secret string
	Expiry time.Duration
}

// EngineConfig carries the clearing engine's own tunables, enumerated in
// spec.md §6 "Configuration options".
type EngineConfig struct {
	EpochDuration           time.Duration
	TransitionCheckInterval time.Duration
	MatchingInterval        time.Duration
	MaxOrdersPerEpoch       int
	PlatformFeeRate         string // parsed into decimal.Decimal by callers
	BookSnapshotDepth       int
	SnapshotWriteTimeout    time.Duration
}

type ObservabilityConfig struct {
	JaegerEndpoint string
	ServiceName    string
	LogLevel       string
	LogFormat      string
}

type RateLimitConfig struct {
	RequestsPerMinute int
	Burst             int
}

type SecurityConfig struct {
	CORSAllowedOrigins []string
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:         getEnv("PORT", "8080"),
			Host:         getEnv("HOST", "0.0.0.0"),
			ReadTimeout:  getDurationEnv("READ_TIMEOUT", 15*time.Second),
			WriteTimeout: getDurationEnv("WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:  getDurationEnv("IDLE_TIMEOUT", 60*time.Second),
		},
		Database: DatabaseConfig{
			URL:                 getEnv("DATABASE_URL", ""),
			MaxOpenConns:        getIntEnv("DB_MAX_OPEN_CONNS", 50),
			MaxIdleConns:        getIntEnv("DB_MAX_IDLE_CONNS", 25),
			ConnMaxLifetime:     getDurationEnv("DB_CONN_MAX_LIFETIME", 5*time.Minute),
			ConnMaxIdleTime:     getDurationEnv("DB_CONN_MAX_IDLE_TIME", 5*time.Minute),
			QueryTimeout:        getDurationEnv("DB_QUERY_TIMEOUT", 30*time.Second),
			HealthCheckInterval: getDurationEnv("DB_HEALTH_CHECK_INTERVAL", 30*time.Second),
			MaxRetries:          getIntEnv("DB_MAX_RETRIES", 3),
			RetryBaseDelay:      getDurationEnv("DB_RETRY_BASE_DELAY", 20*time.Millisecond),
		},
		Redis: RedisConfig{
			URL:                  getEnv("REDIS_URL", "redis://localhost:6379"),
			Password:             getEnv("REDIS_PASSWORD", ""),
			DB:                   getIntEnv("REDIS_DB", 0),
			PoolSize:             getIntEnv("REDIS_POOL_SIZE", 20),
			MinIdleConns:         getIntEnv("REDIS_MIN_IDLE_CONNS", 5),
			PoolTimeout:          getDurationEnv("REDIS_POOL_TIMEOUT", 4*time.Second),
			IdleTimeout:          getDurationEnv("REDIS_IDLE_TIMEOUT", 5*time.Minute),
			MaxRetries:           getIntEnv("REDIS_MAX_RETRIES", 3),
			MinRetryBackoff:      getDurationEnv("REDIS_MIN_RETRY_BACKOFF", 8*time.Millisecond),
			MaxRetryBackoff:      getDurationEnv("REDIS_MAX_RETRY_BACKOFF", 512*time.Millisecond),
			SnapshotKeyPrefix:    getEnv("REDIS_SNAPSHOT_KEY_PREFIX", "book:snapshot"),
			SnapshotWriteTimeout: getDurationEnv("SNAPSHOT_WRITE_TIMEOUT", 500*time.Millisecond),
		},
		JWT: JWTConfig{
			Secret: getEnv("JWT_SECRET", ""),
			Expiry: getDurationEnv("JWT_EXPIRY", 24*time.Hour),
		},
		Engine: EngineConfig{
			EpochDuration:           getDurationEnv("EPOCH_DURATION", 15*time.Minute),
			TransitionCheckInterval: getDurationEnv("TRANSITION_CHECK_INTERVAL", 60*time.Second),
			MatchingInterval:        getDurationEnv("MATCHING_INTERVAL", 1*time.Second),
			MaxOrdersPerEpoch:       getIntEnv("MAX_ORDERS_PER_EPOCH", 10000),
			PlatformFeeRate:         getEnv("PLATFORM_FEE_RATE", "0.01"),
			BookSnapshotDepth:       getIntEnv("BOOK_SNAPSHOT_DEPTH", 20),
			SnapshotWriteTimeout:    getDurationEnv("SNAPSHOT_WRITE_TIMEOUT", 500*time.Millisecond),
		},
		Observability: ObservabilityConfig{
			JaegerEndpoint: getEnv("JAEGER_ENDPOINT", "http://localhost:14268/api/traces"),
			ServiceName:    getEnv("OTEL_SERVICE_NAME", "clearing-engine"),
			LogLevel:       getEnv("LOG_LEVEL", "info"),
			LogFormat:      getEnv("LOG_FORMAT", "json"),
		},
		RateLimit: RateLimitConfig{
			RequestsPerMinute: getIntEnv("RATE_LIMIT_REQUESTS_PER_MINUTE", 600),
			Burst:             getIntEnv("RATE_LIMIT_BURST", 50),
		},
		Security: SecurityConfig{
			CORSAllowedOrigins: getSliceEnv("CORS_ALLOWED_ORIGINS", []string{"http://localhost:3000"}),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.JWT.Secret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	if c.Engine.EpochDuration <= 0 {
		return fmt.Errorf("EPOCH_DURATION must be positive")
	}
	if c.Engine.MaxOrdersPerEpoch <= 0 {
		return fmt.Errorf("MAX_ORDERS_PER_EPOCH must be positive")
	}
	return nil
}

// Helper functions for environment variable parsing.

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getSliceEnv(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parts := strings.Split(value, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	if len(result) == 0 {
		return defaultValue
	}
	return result
}
