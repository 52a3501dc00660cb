package observability

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// BulkMetrics holds custom metrics for bulk-create requests.
// All methods are safe to call on a nil receiver.
type BulkMetrics struct {
	requestDuration metric.Float64Histogram
	requestCounter  metric.Int64Counter
	activeRequests  metric.Int64UpDownCounter
	rowsCounter     metric.Int64Counter
	statements      metric.Int64Counter
	layers          metric.Int64Histogram
	errorCounter    metric.Int64Counter
}

// InitBulkMetrics initializes bulk-create metrics
func InitBulkMetrics() (*BulkMetrics, error) {
	meter := otel.Meter("pgbulk")

	requestDuration, err := meter.Float64Histogram(
		"bulk.request.duration",
		metric.WithDescription("Duration of bulk-create requests in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create request duration histogram: %w", err)
	}

	requestCounter, err := meter.Int64Counter(
		"bulk.requests.total",
		metric.WithDescription("Total number of bulk-create requests"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create request counter: %w", err)
	}

	activeRequests, err := meter.Int64UpDownCounter(
		"bulk.requests.active",
		metric.WithDescription("Number of bulk-create requests holding a transaction"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create active requests counter: %w", err)
	}

	rowsCounter, err := meter.Int64Counter(
		"bulk.rows.total",
		metric.WithDescription("Rows processed by the batched writer, by action"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create rows counter: %w", err)
	}

	statements, err := meter.Int64Counter(
		"bulk.statements.total",
		metric.WithDescription("SQL statements issued by the batched writer"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create statements counter: %w", err)
	}

	layers, err := meter.Int64Histogram(
		"bulk.layers",
		metric.WithDescription("Number of dependency layers per request"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create layers histogram: %w", err)
	}

	errorCounter, err := meter.Int64Counter(
		"bulk.errors.total",
		metric.WithDescription("Failed bulk-create requests by error kind"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create error counter: %w", err)
	}

	return &BulkMetrics{
		requestDuration: requestDuration,
		requestCounter:  requestCounter,
		activeRequests:  activeRequests,
		rowsCounter:     rowsCounter,
		statements:      statements,
		layers:          layers,
		errorCounter:    errorCounter,
	}, nil
}

// RecordRequest records a request with its duration and outcome.
func (m *BulkMetrics) RecordRequest(ctx context.Context, duration time.Duration, entity string, errKind string) {
	if m == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("entity", entity),
		attribute.Bool("has_errors", errKind != ""),
	}
	m.requestDuration.Record(ctx, float64(duration.Milliseconds()), metric.WithAttributes(attrs...))
	m.requestCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
	if errKind != "" {
		m.errorCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", errKind)))
	}
}

// RecordRows counts rows of one entity that ended with the given action.
func (m *BulkMetrics) RecordRows(ctx context.Context, entity, action string, count int64) {
	if m == nil || count <= 0 {
		return
	}
	m.rowsCounter.Add(ctx, count, metric.WithAttributes(
		attribute.String("entity", entity),
		attribute.String("action", action),
	))
}

// RecordStatement counts one statement. kind is insert, upsert or count.
func (m *BulkMetrics) RecordStatement(ctx context.Context, entity, kind string) {
	if m == nil {
		return
	}
	m.statements.Add(ctx, 1, metric.WithAttributes(
		attribute.String("entity", entity),
		attribute.String("kind", kind),
	))
}

// RecordLayers records how many dependency layers a request needed.
func (m *BulkMetrics) RecordLayers(ctx context.Context, layers int64) {
	if m == nil {
		return
	}
	m.layers.Record(ctx, layers)
}

// IncrementActiveRequests increments the active requests counter
func (m *BulkMetrics) IncrementActiveRequests(ctx context.Context) {
	if m == nil {
		return
	}
	m.activeRequests.Add(ctx, 1)
}

// DecrementActiveRequests decrements the active requests counter
func (m *BulkMetrics) DecrementActiveRequests(ctx context.Context) {
	if m == nil {
		return
	}
	m.activeRequests.Add(ctx, -1)
}

// InitMetrics initializes all custom metrics and returns the BulkMetrics instance
func InitMetrics(logger *slog.Logger) (*BulkMetrics, error) {
	metrics, err := InitBulkMetrics()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize bulk metrics: %w", err)
	}

	logger.Info("custom bulk metrics initialized")
	return metrics, nil
}

type bulkMetricsContextKey struct{}

// ContextWithBulkMetrics stores bulk metrics in the provided context.
func ContextWithBulkMetrics(ctx context.Context, metrics *BulkMetrics) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, bulkMetricsContextKey{}, metrics)
}

// BulkMetricsFromContext retrieves bulk metrics from the context.
func BulkMetricsFromContext(ctx context.Context) *BulkMetrics {
	if ctx == nil {
		return nil
	}
	metrics, _ := ctx.Value(bulkMetricsContextKey{}).(*BulkMetrics)
	return metrics
}
