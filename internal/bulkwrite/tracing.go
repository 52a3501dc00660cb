package bulkwrite

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

func startWriteSpan(ctx context.Context, entityName string, rows int, opts Options) (context.Context, trace.Span) {
	tracer := otel.Tracer("pgbulk/bulkwrite")
	return tracer.Start(ctx, "bulkwrite.write", trace.WithAttributes(
		attribute.String("db.table", entityName),
		attribute.Int("bulk.rows", rows),
		attribute.String("bulk.policy", opts.Policy.String()),
		attribute.Bool("bulk.count_only", opts.CountOnly),
	))
}

func finishWriteSpan(span trace.Span, res *Result, err error) {
	defer span.End()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return
	}
	if res != nil {
		span.SetAttributes(attribute.Int("bulk.affected_rows", res.AffectedCount))
	}
}
