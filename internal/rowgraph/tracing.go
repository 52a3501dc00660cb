package rowgraph

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

func startLayerSpan(ctx context.Context, layer, tables int) (context.Context, trace.Span) {
	tracer := otel.Tracer("pgbulk/rowgraph")
	return tracer.Start(ctx, "rowgraph.layer", trace.WithAttributes(
		attribute.Int("bulk.layer", layer),
		attribute.Int("bulk.tables", tables),
	))
}

func finishLayerSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
