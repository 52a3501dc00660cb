package observability

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// SchemaRefreshMetrics tracks reloads of the entity schema file.
// All methods are safe to call on a nil receiver.
type SchemaRefreshMetrics struct {
	refreshCounter  metric.Int64Counter
	errorCounter    metric.Int64Counter
	durationHist    metric.Float64Histogram
	lastSuccessUnix atomic.Int64
	entityCount     atomic.Int64
}

// InitSchemaRefreshMetrics initializes entity schema reload metrics.
func InitSchemaRefreshMetrics(logger *slog.Logger) (*SchemaRefreshMetrics, error) {
	meter := otel.Meter("pgbulk")

	refreshCounter, err := meter.Int64Counter(
		"schema.refresh.total",
		metric.WithDescription("Entity schema reload attempts"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create schema refresh counter: %w", err)
	}

	errorCounter, err := meter.Int64Counter(
		"schema.refresh.errors.total",
		metric.WithDescription("Entity schema reloads that kept the previous registry"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create schema refresh error counter: %w", err)
	}

	durationHist, err := meter.Float64Histogram(
		"schema.refresh.duration",
		metric.WithDescription("Duration of entity schema reloads in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create schema refresh duration histogram: %w", err)
	}

	lastSuccessGauge, err := meter.Int64ObservableGauge(
		"schema.refresh.last_success_unix",
		metric.WithDescription("Unix timestamp of the last successful entity schema reload"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create schema refresh last success gauge: %w", err)
	}

	entityGauge, err := meter.Int64ObservableGauge(
		"schema.entities",
		metric.WithDescription("Entities in the active registry"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create entity gauge: %w", err)
	}

	metrics := &SchemaRefreshMetrics{
		refreshCounter: refreshCounter,
		errorCounter:   errorCounter,
		durationHist:   durationHist,
	}

	_, err = meter.RegisterCallback(
		func(ctx context.Context, observer metric.Observer) error {
			if value := metrics.lastSuccessUnix.Load(); value > 0 {
				observer.ObserveInt64(lastSuccessGauge, value)
			}
			observer.ObserveInt64(entityGauge, metrics.entityCount.Load())
			return nil
		},
		lastSuccessGauge, entityGauge,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to register schema refresh gauge callback: %w", err)
	}

	logger.Info("schema refresh metrics initialized")
	return metrics, nil
}

// RecordRefresh records one reload attempt. trigger is startup, poll or manual.
func (m *SchemaRefreshMetrics) RecordRefresh(ctx context.Context, duration time.Duration, success bool, trigger string, entities int) {
	if m == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("trigger", trigger),
		attribute.Bool("success", success),
	}

	m.refreshCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.durationHist.Record(ctx, float64(duration.Milliseconds()), metric.WithAttributes(attrs...))

	if !success {
		m.errorCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("trigger", trigger)))
		return
	}

	m.lastSuccessUnix.Store(time.Now().Unix())
	m.entityCount.Store(int64(entities))
}
