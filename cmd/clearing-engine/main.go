// Command clearing-engine is the process entrypoint: it wires
// config -> logger -> database -> cache -> clock -> engine -> HTTP
// surface, and shuts everything down in reverse order on SIGINT/SIGTERM,
// grounded on the reference stack's cmd/main.go service wiring.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/voltgrid/clearing-engine/api"
	"github.com/voltgrid/clearing-engine/internal/clearing"
	"github.com/voltgrid/clearing-engine/internal/config"
	"github.com/voltgrid/clearing-engine/internal/ports"
	"github.com/voltgrid/clearing-engine/internal/storage"
	"github.com/voltgrid/clearing-engine/pkg/database"
	"github.com/voltgrid/clearing-engine/pkg/observability"
)

func main() {
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := observability.NewLogger(cfg.Observability)
	logger.Info(ctx, "Starting clearing engine", map[string]interface{}{
		"epoch_duration":     cfg.Engine.EpochDuration.String(),
		"matching_interval":  cfg.Engine.MatchingInterval.String(),
		"max_orders_per_epoch": cfg.Engine.MaxOrdersPerEpoch,
	})

	db, err := database.NewPostgresDB(cfg.Database, logger)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	if _, err := db.ExecContext(ctx, storage.Schema); err != nil {
		log.Fatalf("Failed to apply schema: %v", err)
	}

	cache, err := database.NewCache(cfg.Redis, logger)
	if err != nil {
		log.Fatalf("Failed to connect to cache: %v", err)
	}
	defer cache.Close()

	tracing, err := observability.NewTracingProvider(cfg.Observability)
	if err != nil {
		log.Fatalf("Failed to initialize tracing: %v", err)
	}

	metrics, err := observability.NewMetricsProvider(observability.MetricsConfig{
		ServiceName:    "clearing-engine",
		ServiceVersion: "1.0.0",
		Namespace:      "clearing",
		Port:           9090,
		Enabled:        true,
	})
	if err != nil {
		log.Fatalf("Failed to initialize metrics: %v", err)
	}
	if err := metrics.StartMetricsServer(9090); err != nil {
		logger.Error(ctx, "Failed to start metrics server", err)
	}

	store := storage.New(db, cache, logger)

	hub := ports.NewHub(logger)
	hubCtx, cancelHub := context.WithCancel(ctx)
	go hub.Run(hubCtx)
	defer cancelHub()

	auth := ports.NewJWTResolver(cfg.JWT.Secret, "clearing-engine", logger)
	dispatcher := ports.NewLoggingDispatcher(logger)

	engine, err := clearing.New(cfg.Engine, store, ports.SystemClock{}, auth, hub, dispatcher, logger, metrics, tracing.Tracer())
	if err != nil {
		log.Fatalf("Failed to construct clearing engine: %v", err)
	}

	if err := engine.Recover(ctx); err != nil {
		log.Fatalf("Failed to recover clearing engine state: %v", err)
	}
	engine.Start(ctx)

	port, err := strconv.Atoi(cfg.Server.Port)
	if err != nil {
		port = 8080
	}
	server := api.NewServer(logger, api.Config{
		Host:         cfg.Server.Host,
		Port:         port,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		EnableCORS:   true,
	}, engine, hub, cfg.RateLimit)

	if err := server.Start(ctx); err != nil {
		log.Fatalf("Failed to start API server: %v", err)
	}

	logger.Info(ctx, "Clearing engine started successfully", nil)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info(ctx, "Shutting down clearing engine...", nil)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Stop(shutdownCtx); err != nil {
		logger.Error(shutdownCtx, "Failed to stop API server", err)
	}
	engine.Stop()
	if err := metrics.Shutdown(shutdownCtx); err != nil {
		logger.Error(shutdownCtx, "Failed to stop metrics provider", err)
	}
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		logger.Error(shutdownCtx, "Failed to stop tracing provider", err)
	}

	logger.Info(shutdownCtx, "Clearing engine stopped", nil)
}
