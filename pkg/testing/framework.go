// Package testing provides a shared integration test harness: Postgres and
// Redis test containers, schema bootstrap, and a helper for fresh epoch
// IDs, grounded on the reference stack's testcontainers-based
// TestSuite.
package testing

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	_ "github.com/lib/pq"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/voltgrid/clearing-engine/internal/config"
	"github.com/voltgrid/clearing-engine/internal/storage"
	"github.com/voltgrid/clearing-engine/pkg/database"
	"github.com/voltgrid/clearing-engine/pkg/observability"
)

// TestSuite is the base suite embedded by package integration tests that
// need a real Postgres and Redis instance.
type TestSuite struct {
	suite.Suite

	DB    *database.DB
	Cache *database.Cache
	Store *storage.Store

	PostgresContainer testcontainers.Container
	RedisContainer    testcontainers.Container

	Config *TestConfig
	Logger *observability.Logger

	Ctx        context.Context
	CancelFunc context.CancelFunc
}

// TestConfig is the subset of runtime configuration the harness needs to
// reach the containers it started.
type TestConfig struct {
	Database DatabaseTestConfig
	Redis    RedisTestConfig
}

type DatabaseTestConfig struct {
	Host     string
	Port     int
	Name     string
	User     string
	Password string
}

type RedisTestConfig struct {
	Host string
	Port int
	DB   int
}

// SetupSuite starts fresh Postgres and Redis containers and applies the
// clearing schema.
func (ts *TestSuite) SetupSuite() {
	ts.Ctx, ts.CancelFunc = context.WithCancel(context.Background())

	ts.Config = &TestConfig{
		Database: DatabaseTestConfig{Name: "clearing_test", User: "clearing", Password: "clearing"},
		Redis:    RedisTestConfig{DB: 1},
	}
	ts.Logger = observability.NewLogger(config.ObservabilityConfig{
		ServiceName: "clearing-engine-test",
		LogLevel:    "debug",
		LogFormat:   "json",
	})

	ts.setupContainers()
	ts.Store = storage.New(ts.DB, ts.Cache, ts.Logger)
}

// TearDownSuite stops the containers and releases resources.
func (ts *TestSuite) TearDownSuite() {
	if ts.DB != nil {
		ts.DB.Close()
	}
	if ts.Cache != nil {
		ts.Cache.Close()
	}
	if ts.PostgresContainer != nil {
		ts.PostgresContainer.Terminate(ts.Ctx)
	}
	if ts.RedisContainer != nil {
		ts.RedisContainer.Terminate(ts.Ctx)
	}
	if ts.CancelFunc != nil {
		ts.CancelFunc()
	}
}

// SetupTest truncates all tables and flushes the cache before each test.
func (ts *TestSuite) SetupTest() {
	ts.cleanDatabase()
	ts.cleanRedis()
}

func (ts *TestSuite) setupContainers() {
	postgresReq := testcontainers.ContainerRequest{
		Image:        "postgres:15-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_DB":       ts.Config.Database.Name,
			"POSTGRES_USER":     ts.Config.Database.User,
			"POSTGRES_PASSWORD": ts.Config.Database.Password,
		},
		WaitingFor: wait.ForListeningPort("5432/tcp"),
	}

	var err error
	ts.PostgresContainer, err = testcontainers.GenericContainer(ts.Ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: postgresReq,
		Started:          true,
	})
	require.NoError(ts.T(), err)

	host, err := ts.PostgresContainer.Host(ts.Ctx)
	require.NoError(ts.T(), err)
	port, err := ts.PostgresContainer.MappedPort(ts.Ctx, "5432")
	require.NoError(ts.T(), err)

	dsn := fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		ts.Config.Database.User, ts.Config.Database.Password, host, port.Port(), ts.Config.Database.Name)

	sqlDB, err := sql.Open("postgres", dsn)
	require.NoError(ts.T(), err)
	require.Eventually(ts.T(), func() bool { return sqlDB.Ping() == nil }, 30*time.Second, time.Second)

	ts.DB = database.WrapDB(sqlDB)
	_, err = ts.DB.ExecContext(ts.Ctx, storage.Schema)
	require.NoError(ts.T(), err)

	redisReq := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForListeningPort("6379/tcp"),
	}
	ts.RedisContainer, err = testcontainers.GenericContainer(ts.Ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: redisReq,
		Started:          true,
	})
	require.NoError(ts.T(), err)

	redisHost, err := ts.RedisContainer.Host(ts.Ctx)
	require.NoError(ts.T(), err)
	redisPort, err := ts.RedisContainer.MappedPort(ts.Ctx, "6379")
	require.NoError(ts.T(), err)

	rdb := redis.NewClient(&redis.Options{
		Addr: fmt.Sprintf("%s:%s", redisHost, redisPort.Port()),
		DB:   ts.Config.Redis.DB,
	})
	require.Eventually(ts.T(), func() bool { return rdb.Ping(ts.Ctx).Err() == nil }, 30*time.Second, time.Second)
	ts.Cache = database.WrapCache(rdb)
}

func (ts *TestSuite) cleanDatabase() {
	if ts.DB == nil {
		return
	}
	for _, table := range []string{"settlements", "matches", "orders", "epochs"} {
		_, err := ts.DB.ExecContext(ts.Ctx, fmt.Sprintf("TRUNCATE TABLE %s CASCADE", table))
		require.NoError(ts.T(), err)
	}
}

func (ts *TestSuite) cleanRedis() {
	if ts.Cache == nil {
		return
	}
	require.NoError(ts.T(), ts.Cache.FlushAll(ts.Ctx))
}

// NewTestEpochID is a convenience for tests that need a fresh identifier
// without going through the full epoch lifecycle.
func NewTestEpochID() uuid.UUID {
	return uuid.New()
}
