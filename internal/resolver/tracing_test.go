package resolver

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"pgbulk/internal/mutationerr"
	"pgbulk/internal/nestedcreate"
)

func TestBulkCreateEmitsTracingSpan(t *testing.T) {
	tests := []struct {
		name     string
		creator  *fakeCreator
		typename string
		class    string
		outcome  string
		status   codes.Code
	}{
		{
			name:     "success",
			creator:  &fakeCreator{resp: &nestedcreate.Response{Layers: 1}},
			typename: "BulkCreateSuccess",
			class:    "success",
			outcome:  "success",
			status:   codes.Unset,
		},
		{
			name:     "typed failure",
			creator:  &fakeCreator{err: mutationerr.Conflictf("duplicate key")},
			typename: "ConflictError",
			class:    "typed_failure",
			outcome:  "typed_failure",
			status:   codes.Unset,
		},
		{
			name:     "execution error",
			creator:  &fakeCreator{err: context.Canceled},
			typename: "InternalError",
			class:    "execution_error",
			outcome:  "error",
			status:   codes.Error,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			recorder, cleanup := installResolverSpanRecorder(t)
			defer cleanup()

			schema, _ := newTestSchema(t, tt.creator, Config{})
			execute(t, schema, `mutation { bulkCreate(entity: "author", input: [{name: "x"}]) { __typename } }`, nil)

			span := findEndedSpanByName(recorder.Ended(), "graphql.mutation.bulk_create")
			require.NotNil(t, span)
			assert.Equal(t, "author", readSpanString(span.Attributes(), "bulk.entity"))
			assert.Equal(t, tt.typename, readSpanString(span.Attributes(), "graphql.mutation.result.typename"))
			assert.Equal(t, tt.class, readSpanString(span.Attributes(), "graphql.mutation.result.class"))
			assert.Equal(t, tt.outcome, readSpanString(span.Attributes(), "graphql.resolver.outcome"))
			assert.Equal(t, tt.status, span.Status().Code)
		})
	}
}

func installResolverSpanRecorder(t *testing.T) (*tracetest.SpanRecorder, func()) {
	t.Helper()
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSampler(sdktrace.AlwaysSample()))
	tp.RegisterSpanProcessor(recorder)

	oldProvider := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)

	return recorder, func() {
		_ = tp.Shutdown(context.Background())
		otel.SetTracerProvider(oldProvider)
	}
}

func findEndedSpanByName(spans []sdktrace.ReadOnlySpan, name string) sdktrace.ReadOnlySpan {
	for _, span := range spans {
		if span.Name() == name {
			return span
		}
	}
	return nil
}

func readSpanString(attrs []attribute.KeyValue, key string) string {
	for _, attr := range attrs {
		if string(attr.Key) == key {
			return attr.Value.AsString()
		}
	}
	return ""
}

func TestBulkCreateSpanRecordsFailureLocation(t *testing.T) {
	recorder, cleanup := installResolverSpanRecorder(t)
	defer cleanup()

	creator := &fakeCreator{err: mutationerr.Conflictf("duplicate key").At("book", "", 2).InInput(3)}
	schema, _ := newTestSchema(t, creator, Config{})
	execute(t, schema, `mutation { bulkCreate(entity: "author", input: [{name: "x"}]) { __typename } }`, nil)

	span := findEndedSpanByName(recorder.Ended(), bulkCreateSpanName)
	require.NotNil(t, span)
	assert.Equal(t, "book", readSpanString(span.Attributes(), "bulk.error.entity"))
	assert.Equal(t, int64(2), readSpanInt(span.Attributes(), "bulk.error.ordinal"))
	assert.Equal(t, int64(3), readSpanInt(span.Attributes(), "bulk.error.input_ordinal"))
	assert.Empty(t, span.Events(), "typed failures are not recorded as span errors")
}

func readSpanInt(attrs []attribute.KeyValue, key string) int64 {
	for _, attr := range attrs {
		if string(attr.Key) == key {
			return attr.Value.AsInt64()
		}
	}
	return 0
}
