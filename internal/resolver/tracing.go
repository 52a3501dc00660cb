package resolver

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"pgbulk/internal/mutationerr"
	"pgbulk/internal/nestedcreate"
)

const bulkCreateSpanName = "graphql.mutation.bulk_create"

// bulkSpan is the span around one bulkCreate field.
type bulkSpan struct {
	trace.Span
}

func startBulkSpan(ctx context.Context, entityName, field string) (context.Context, bulkSpan) {
	ctx, span := otel.Tracer("pgbulk/resolver").Start(ctx, bulkCreateSpanName,
		trace.WithAttributes(
			attribute.String("bulk.entity", entityName),
			attribute.String("graphql.field.name", field),
		),
	)
	return ctx, bulkSpan{span}
}

// succeeded records what the transaction wrote.
func (s bulkSpan) succeeded(resp *nestedcreate.Response, affected int, t mutationResultTelemetry) {
	s.SetAttributes(
		attribute.Int("bulk.layers", resp.Layers),
		attribute.Int("bulk.tables", len(resp.Tables)),
		attribute.Int("bulk.affected_rows", affected),
	)
	s.result(t)
}

// failed records where the request failed. Only execution errors mark the
// span as an error; typed failures are answers the client asked for.
func (s bulkSpan) failed(err error, t mutationResultTelemetry) {
	var me *mutationerr.Error
	if errors.As(err, &me) {
		if me.Entity != "" {
			s.SetAttributes(attribute.String("bulk.error.entity", me.Entity))
		}
		if me.Ordinal > 0 {
			s.SetAttributes(attribute.Int("bulk.error.ordinal", me.Ordinal))
		}
		if me.InputOrdinal > 0 {
			s.SetAttributes(attribute.Int("bulk.error.input_ordinal", me.InputOrdinal))
		}
	}
	if t.class == mutationResultClassExecutionError {
		s.RecordError(err)
		s.SetStatus(codes.Error, err.Error())
	}
	s.result(t)
}

func (s bulkSpan) result(t mutationResultTelemetry) {
	s.SetAttributes(
		attribute.String("graphql.mutation.result.typename", orUnknown(t.typename)),
		attribute.String("graphql.mutation.result.class", orUnknown(t.class)),
		attribute.String("graphql.mutation.result.code", orUnknown(t.code)),
		attribute.String("graphql.resolver.outcome", orUnknown(t.outcome)),
	)
}

func orUnknown(v string) string {
	if v == "" {
		return mutationResultCodeUnknown
	}
	return v
}
