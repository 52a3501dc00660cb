package nestedcreate

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"pgbulk/internal/mutationerr"
)

func startCreateSpan(ctx context.Context, req Request) (context.Context, trace.Span) {
	tracer := otel.Tracer("pgbulk/nestedcreate")
	return tracer.Start(ctx, "nestedcreate.create", trace.WithAttributes(
		attribute.String("db.table", req.Entity),
		attribute.Int("bulk.inputs", len(req.Inputs)),
		attribute.String("bulk.policy", req.Policy.String()),
	))
}

func finishCreateSpan(span trace.Span, resp *Response, err error) {
	defer span.End()
	if err != nil {
		span.SetAttributes(attribute.String("bulk.error.kind", string(mutationerr.KindOf(err))))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return
	}
	if resp != nil {
		span.SetAttributes(
			attribute.Int("bulk.tables", len(resp.Tables)),
			attribute.Int("bulk.layers", resp.Layers),
		)
	}
}
