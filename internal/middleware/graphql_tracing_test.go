package middleware

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"pgbulk/internal/observability"
)

func installSpanRecorder(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSampler(sdktrace.AlwaysSample()))
	tp.RegisterSpanProcessor(recorder)

	oldProvider := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		_ = tp.Shutdown(context.Background())
		otel.SetTracerProvider(oldProvider)
	})
	return recorder
}

func spanAttr(attrs []attribute.KeyValue, key string) (attribute.Value, bool) {
	for _, attr := range attrs {
		if string(attr.Key) == key {
			return attr.Value, true
		}
	}
	return attribute.Value{}, false
}

func TestGraphQLTracingMiddlewareRecordsBulkAttributes(t *testing.T) {
	recorder := installSpanRecorder(t)

	body := `{"query":"mutation Load($rows: [JSON!]!) { bulkCreate(entity: \"book\", input: $rows) { __typename } }","variables":{"rows":[{},{}]}}`
	var sawBody bool
	handler := GraphQLTracingMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rest, _ := io.ReadAll(r.Body)
		sawBody = strings.Contains(string(rest), "bulkCreate")
		w.WriteHeader(http.StatusOK)
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/graphql", strings.NewReader(body)))
	assert.True(t, sawBody)

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	span := spans[0]
	assert.Equal(t, "graphql.execute", span.Name())

	opType, _ := spanAttr(span.Attributes(), "graphql.operation.type")
	assert.Equal(t, "mutation", opType.AsString())
	opName, _ := spanAttr(span.Attributes(), "graphql.operation.name")
	assert.Equal(t, "Load", opName.AsString())
	entities, _ := spanAttr(span.Attributes(), "bulk.entities")
	assert.Equal(t, []string{"book"}, entities.AsStringSlice())
	rows, _ := spanAttr(span.Attributes(), "bulk.input_rows")
	assert.Equal(t, int64(2), rows.AsInt64())
	valid, _ := spanAttr(span.Attributes(), "graphql.document.valid")
	assert.True(t, valid.AsBool())
	hash, ok := spanAttr(span.Attributes(), "graphql.operation.hash")
	assert.True(t, ok)
	assert.Len(t, hash.AsString(), 64)
}

func TestGraphQLTracingMiddlewareMarksInvalidDocuments(t *testing.T) {
	recorder := installSpanRecorder(t)

	handler := GraphQLTracingMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/graphql", strings.NewReader(`{"query":"mutation {"}`)))

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	valid, ok := spanAttr(spans[0].Attributes(), "graphql.document.valid")
	require.True(t, ok)
	assert.False(t, valid.AsBool())
	_, ok = spanAttr(spans[0].Attributes(), "graphql.operation.type")
	assert.False(t, ok)
}

func TestGraphQLTracingMiddlewareRejectsOversizedBodies(t *testing.T) {
	installSpanRecorder(t)

	var called bool
	handler := RequestSizeLimitMiddleware(16)(GraphQLTracingMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	})))
	req := httptest.NewRequest(http.MethodPost, "/graphql", strings.NewReader(`{"query":"{ entities { name } }"}`))
	req.ContentLength = -1
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.False(t, called)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestGraphQLTracingMiddlewareMarksServerErrors(t *testing.T) {
	recorder := installSpanRecorder(t)

	handler := GraphQLTracingMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/graphql", strings.NewReader(`{"query":"{ entities { name } }"}`)))

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, codes.Error, spans[0].Status().Code)
}

func TestGraphQLTracingMiddlewareSkipsEmptyRequests(t *testing.T) {
	recorder := installSpanRecorder(t)

	handler := GraphQLTracingMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/graphql", nil))
	assert.Empty(t, recorder.Ended())
}

func TestBulkMetricsMiddleware(t *testing.T) {
	metrics, err := observability.InitBulkMetrics()
	require.NoError(t, err)

	var got *observability.BulkMetrics
	handler := BulkMetricsMiddleware(metrics)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = observability.BulkMetricsFromContext(r.Context())
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/graphql", nil))
	assert.Same(t, metrics, got)

	got = metrics
	BulkMetricsMiddleware(nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = observability.BulkMetricsFromContext(r.Context())
	})).ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/graphql", nil))
	assert.Nil(t, got)
}
