package observability

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

func TestInitMeterProvider(t *testing.T) {
	cfg := Config{
		ServiceName:    "test-service",
		ServiceVersion: "1.0.0",
		Environment:    "test",
	}

	mp, err := InitMeterProvider(cfg)
	require.NoError(t, err, "Should initialize meter provider without error")
	require.NotNil(t, mp, "Meter provider should not be nil")
	require.NotNil(t, mp.provider, "Provider should not be nil")
	require.NotNil(t, mp.exporter, "Exporter should not be nil")

	// Clean up
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	err = mp.Shutdown(context.Background(), logger)
	assert.NoError(t, err, "Should shutdown without error")
}

func TestInitMetrics(t *testing.T) {
	// First initialize meter provider
	cfg := Config{
		ServiceName:    "test-service",
		ServiceVersion: "1.0.0",
		Environment:    "test",
	}

	mp, err := InitMeterProvider(cfg)
	require.NoError(t, err)
	defer func() {
		logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
		mp.Shutdown(context.Background(), logger)
	}()

	// Initialize metrics
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	metrics, err := InitMetrics(logger)
	require.NoError(t, err, "Should initialize metrics without error")
	require.NotNil(t, metrics, "Metrics should not be nil")

	require.NotNil(t, metrics.requestDuration)
	require.NotNil(t, metrics.requestCounter)
	require.NotNil(t, metrics.errorCounter)
	require.NotNil(t, metrics.activeRequests)
	require.NotNil(t, metrics.rowsCounter)
	require.NotNil(t, metrics.statements)
	require.NotNil(t, metrics.layers)

	ctx := ContextWithBulkMetrics(context.Background(), metrics)
	assert.Same(t, metrics, BulkMetricsFromContext(ctx))
	BulkMetricsFromContext(ctx).RecordRows(ctx, "book", "inserted", 3)

	refresh, err := InitSchemaRefreshMetrics(logger)
	require.NoError(t, err)
	refresh.RecordRefresh(ctx, time.Millisecond, true, "startup", 4)
	assert.EqualValues(t, 4, refresh.entityCount.Load())
	assert.Positive(t, refresh.lastSuccessUnix.Load())
}

func TestNilMetricsAreNoops(t *testing.T) {
	ctx := context.Background()
	var bulk *BulkMetrics
	assert.Nil(t, BulkMetricsFromContext(ctx))
	assert.NotPanics(t, func() {
		bulk.RecordRequest(ctx, time.Second, "book", "conflict")
		bulk.RecordRows(ctx, "book", "inserted", 1)
		bulk.RecordStatement(ctx, "book", "insert")
		bulk.RecordLayers(ctx, 2)
		bulk.IncrementActiveRequests(ctx)
		bulk.DecrementActiveRequests(ctx)
	})

	var refresh *SchemaRefreshMetrics
	assert.NotPanics(t, func() { refresh.RecordRefresh(ctx, time.Second, false, "poll", 0) })
}

func TestParseOTLPProtocol(t *testing.T) {
	for input, want := range map[string]otlpProtocol{
		"":              otlpProtocolGRPC,
		"grpc":          otlpProtocolGRPC,
		"HTTP":          otlpProtocolHTTP,
		"http/protobuf": otlpProtocolHTTP,
	} {
		got, err := parseOTLPProtocol(input)
		require.NoError(t, err, input)
		assert.Equal(t, want, got, input)
	}
	_, err := parseOTLPProtocol("thrift")
	assert.ErrorContains(t, err, "unsupported OTLP protocol")
}

func TestNewExporterSettings(t *testing.T) {
	s, err := newExporterSettings(OTLPExporterConfig{
		Endpoint:         "https://collector:4318/v1/traces",
		Compression:      "gzip",
		RetryEnabled:     true,
		RetryMaxAttempts: 3,
	})
	require.NoError(t, err)
	assert.True(t, s.endpointURL)
	assert.True(t, s.gzip)
	assert.True(t, s.retry)
	require.NotNil(t, s.tls)
	assert.Len(t, traceHTTPOptions(s), 4)

	s, err = newExporterSettings(OTLPExporterConfig{Endpoint: "collector:4317", Insecure: true})
	require.NoError(t, err)
	assert.False(t, s.endpointURL)
	assert.Nil(t, s.tls)
	assert.Len(t, logGRPCOptions(s), 2)

	_, err = newExporterSettings(OTLPExporterConfig{TLSCertFile: "/nonexistent/ca.pem"})
	assert.ErrorContains(t, err, "failed to read OTLP TLS CA file")
}

func TestBuildTLSConfig_FileNotFound(t *testing.T) {
	// Missing CA file should surface a clear error.
	_, err := buildTLSConfig(OTLPExporterConfig{
		TLSCertFile: "/nonexistent/ca.pem",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read OTLP TLS CA file")
}

func TestBuildTLSConfig_InvalidCertFormat(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/ca.pem"

	// Write a non-PEM payload to trigger parse failure.
	require.NoError(t, os.WriteFile(path, []byte("not-a-cert"), 0600))

	_, err := buildTLSConfig(OTLPExporterConfig{
		TLSCertFile: path,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse OTLP TLS CA file")
}

func TestBuildTLSConfig_MissingClientKeyPair(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/client.crt"

	// Only set the cert path to ensure missing key is rejected.
	require.NoError(t, os.WriteFile(path, []byte("not-a-cert"), 0600))

	_, err := buildTLSConfig(OTLPExporterConfig{
		TLSClientCertFile: path,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "OTLP TLS client cert and key must both be set")
}

func TestTraceSamplerForRatio_Boundaries(t *testing.T) {
	never := traceSamplerForRatio(0)
	always := traceSamplerForRatio(1)

	decisionNever := never.ShouldSample(sdktrace.SamplingParameters{
		ParentContext: context.Background(),
		TraceID:       trace.TraceID{1},
		Name:          "test",
	}).Decision
	assert.Equal(t, sdktrace.Drop, decisionNever)

	decisionAlways := always.ShouldSample(sdktrace.SamplingParameters{
		ParentContext: context.Background(),
		TraceID:       trace.TraceID{2},
		Name:          "test",
	}).Decision
	assert.Equal(t, sdktrace.RecordAndSample, decisionAlways)
}

func TestTraceSamplerForRatio_ParentAwareMidRange(t *testing.T) {
	sampler := traceSamplerForRatio(0.5)

	parentSampled := trace.ContextWithSpanContext(context.Background(), trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    trace.TraceID{3},
		SpanID:     trace.SpanID{1},
		TraceFlags: trace.FlagsSampled,
		Remote:     true,
	}))
	decisionSampledParent := sampler.ShouldSample(sdktrace.SamplingParameters{
		ParentContext: parentSampled,
		TraceID:       trace.TraceID{4},
		Name:          "child",
	}).Decision
	assert.Equal(t, sdktrace.RecordAndSample, decisionSampledParent)

	parentNotSampled := trace.ContextWithSpanContext(context.Background(), trace.NewSpanContext(trace.SpanContextConfig{
		TraceID: trace.TraceID{5},
		SpanID:  trace.SpanID{2},
		Remote:  true,
	}))
	decisionUnsampledParent := sampler.ShouldSample(sdktrace.SamplingParameters{
		ParentContext: parentNotSampled,
		TraceID:       trace.TraceID{6},
		Name:          "child",
	}).Decision
	assert.Equal(t, sdktrace.Drop, decisionUnsampledParent)
}
