package serverapp

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"pgbulk/internal/config"
)

func TestWrapHTTPHandlerNamesRootSpanByRoute(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSampler(sdktrace.AlwaysSample()))
	tp.RegisterSpanProcessor(recorder)
	originalTP := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		_ = tp.Shutdown(context.Background())
		otel.SetTracerProvider(originalTP)
	})

	cfg := &config.Config{Observability: config.ObservabilityConfig{TracingEnabled: true}}
	handler := wrapHTTPHandler(cfg, testLogger(), http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	for _, path := range []string{graphqlPath, reloadEntityPath, "/users/123"} {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, path, nil))
		require.Equal(t, http.StatusNoContent, rec.Code)
	}

	var names []string
	for _, span := range recorder.Ended() {
		names = append(names, span.Name())
	}
	assert.Subset(t, names, []string{"POST /graphql", "POST /admin/reload-entities", "POST /*"})
}

func TestWrapHTTPHandlerAppliesBrowserAndRatePolicies(t *testing.T) {
	cfg := &config.Config{Server: config.ServerConfig{
		CORSEnabled:        true,
		CORSAllowedOrigins: []string{"http://console.example"},
		RateLimitEnabled:   true,
		RateLimitRPS:       0.01,
		RateLimitBurst:     1,
	}}
	handler := wrapHTTPHandler(cfg, testLogger(), http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	preflight := httptest.NewRequest(http.MethodOptions, reloadEntityPath, nil)
	preflight.Header.Set("Origin", "http://console.example")
	preflight.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, preflight)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Headers"), "X-Admin-Token")

	// The preflight spent the only token; health checks are exempt.
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, graphqlPath, nil))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, healthPath, nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestNormalizeHTTPSpanRoute(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{input: "/graphql", expected: "/graphql"},
		{input: "/health", expected: "/health"},
		{input: "/metrics", expected: "/metrics"},
		{input: "/admin/reload-entities", expected: "/admin/reload-entities"},
		{input: "/admin/other", expected: "/*"},
		{input: "/", expected: "/"},
		{input: "/users/123", expected: "/*"},
		{input: "", expected: "/*"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.expected, normalizeHTTPSpanRoute(tt.input), tt.input)
	}
}
