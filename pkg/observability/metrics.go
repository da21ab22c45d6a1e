package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

// MetricsProvider manages OpenTelemetry metrics and Prometheus integration
// for the clearing engine. The engine treats the metrics backend itself as
// an external collaborator (spec.md §1); this provider only emits to it.
type MetricsProvider struct {
	meterProvider *sdkmetric.MeterProvider
	meter         metric.Meter
	registry      *prometheus.Registry

	ordersSubmittedTotal  metric.Int64Counter
	ordersRejectedTotal   metric.Int64Counter
	orderSubmitDuration   metric.Float64Histogram
	matchesTotal          metric.Int64Counter
	matchedVolumeTotal    metric.Float64Counter
	epochTransitionsTotal metric.Int64Counter
	bookDepth             metric.Int64Gauge
	snapshotWriteDuration metric.Float64Histogram
	settlementRetries     metric.Int64Counter
}

// MetricsConfig contains metrics configuration.
type MetricsConfig struct {
	ServiceName    string
	ServiceVersion string
	Namespace      string
	Port           int
	Enabled        bool
}

// NewMetricsProvider creates a new metrics provider.
func NewMetricsProvider(cfg MetricsConfig) (*MetricsProvider, error) {
	if !cfg.Enabled {
		return &MetricsProvider{}, nil
	}

	registry := prometheus.NewRegistry()

	exporter, err := otelprom.New(
		otelprom.WithRegisterer(registry),
		otelprom.WithNamespace(cfg.Namespace),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create Prometheus exporter: %w", err)
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceNameKey.String(cfg.ServiceName),
			semconv.ServiceVersionKey.String(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(exporter),
	)
	otel.SetMeterProvider(meterProvider)
	meter := meterProvider.Meter(cfg.ServiceName)

	mp := &MetricsProvider{
		meterProvider: meterProvider,
		meter:         meter,
		registry:      registry,
	}

	if err := mp.initializeMetrics(); err != nil {
		return nil, fmt.Errorf("failed to initialize metrics: %w", err)
	}

	return mp, nil
}

func (mp *MetricsProvider) initializeMetrics() error {
	var err error

	mp.ordersSubmittedTotal, err = mp.meter.Int64Counter(
		"clearing_orders_submitted_total",
		metric.WithDescription("Total number of orders accepted into the book"),
	)
	if err != nil {
		return err
	}

	mp.ordersRejectedTotal, err = mp.meter.Int64Counter(
		"clearing_orders_rejected_total",
		metric.WithDescription("Total number of order submissions rejected, by reason"),
	)
	if err != nil {
		return err
	}

	mp.orderSubmitDuration, err = mp.meter.Float64Histogram(
		"clearing_order_submit_duration_seconds",
		metric.WithDescription("Latency of order submission end to end"),
	)
	if err != nil {
		return err
	}

	mp.matchesTotal, err = mp.meter.Int64Counter(
		"clearing_matches_total",
		metric.WithDescription("Total number of executed matches"),
	)
	if err != nil {
		return err
	}

	mp.matchedVolumeTotal, err = mp.meter.Float64Counter(
		"clearing_matched_volume_kwh_total",
		metric.WithDescription("Cumulative matched energy volume in kWh"),
	)
	if err != nil {
		return err
	}

	mp.epochTransitionsTotal, err = mp.meter.Int64Counter(
		"clearing_epoch_transitions_total",
		metric.WithDescription("Total number of epoch state transitions, by target state"),
	)
	if err != nil {
		return err
	}

	mp.bookDepth, err = mp.meter.Int64Gauge(
		"clearing_book_depth",
		metric.WithDescription("Current number of resting orders in the active book, by side"),
	)
	if err != nil {
		return err
	}

	mp.snapshotWriteDuration, err = mp.meter.Float64Histogram(
		"clearing_snapshot_write_duration_seconds",
		metric.WithDescription("Latency of cache snapshot writes"),
	)
	if err != nil {
		return err
	}

	mp.settlementRetries, err = mp.meter.Int64Counter(
		"clearing_settlement_retries_total",
		metric.WithDescription("Total number of settlement dispatch retries"),
	)
	if err != nil {
		return err
	}

	return nil
}

func (mp *MetricsProvider) RecordOrderSubmitted(ctx context.Context, side string, duration time.Duration) {
	if mp.ordersSubmittedTotal == nil {
		return
	}
	mp.ordersSubmittedTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("side", side)))
	mp.orderSubmitDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attribute.String("side", side)))
}

func (mp *MetricsProvider) RecordOrderRejected(ctx context.Context, reason string) {
	if mp.ordersRejectedTotal == nil {
		return
	}
	mp.ordersRejectedTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

func (mp *MetricsProvider) RecordMatch(ctx context.Context, matchedAmount float64) {
	if mp.matchesTotal == nil {
		return
	}
	mp.matchesTotal.Add(ctx, 1)
	mp.matchedVolumeTotal.Add(ctx, matchedAmount)
}

func (mp *MetricsProvider) RecordEpochTransition(ctx context.Context, toStatus string) {
	if mp.epochTransitionsTotal == nil {
		return
	}
	mp.epochTransitionsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("to_status", toStatus)))
}

func (mp *MetricsProvider) UpdateBookDepth(ctx context.Context, side string, depth int64) {
	if mp.bookDepth == nil {
		return
	}
	mp.bookDepth.Record(ctx, depth, metric.WithAttributes(attribute.String("side", side)))
}

func (mp *MetricsProvider) RecordSnapshotWrite(ctx context.Context, duration time.Duration, success bool) {
	if mp.snapshotWriteDuration == nil {
		return
	}
	mp.snapshotWriteDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attribute.Bool("success", success)))
}

func (mp *MetricsProvider) RecordSettlementRetry(ctx context.Context, epochNumber int64) {
	if mp.settlementRetries == nil {
		return
	}
	mp.settlementRetries.Add(ctx, 1, metric.WithAttributes(attribute.Int64("epoch_number", epochNumber)))
}

// StartMetricsServer starts an HTTP server exposing the /metrics endpoint.
func (mp *MetricsProvider) StartMetricsServer(port int) error {
	if mp.registry == nil {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(mp.registry, promhttp.HandlerOpts{}))
	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}
	go func() {
		_ = server.ListenAndServe()
	}()
	return nil
}

// Shutdown flushes and stops the meter provider.
func (mp *MetricsProvider) Shutdown(ctx context.Context) error {
	if mp.meterProvider == nil {
		return nil
	}
	return mp.meterProvider.Shutdown(ctx)
}
