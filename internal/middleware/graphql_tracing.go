package middleware

import (
	"errors"
	"log/slog"
	"net/http"

	"pgbulk/internal/gqlrequest"
	"pgbulk/internal/logging"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// GraphQLTracingMiddleware instruments GraphQL execution with an inner span
// carrying the operation and the size of the bulk writes it requests.
func GraphQLTracingMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			analysis := gqlrequest.AnalyzeRequest(r)

			var tooLarge *http.MaxBytesError
			if errors.As(analysis.DecodeError, &tooLarge) {
				writeGraphQLError(w, http.StatusRequestEntityTooLarge, "request body too large", "PAYLOAD_TOO_LARGE")
				return
			}
			if analysis.Envelope.Query == "" {
				next.ServeHTTP(w, r)
				return
			}
			noteBulkRequest(r.Context(), analysis)

			ctx, span := otel.Tracer("pgbulk/graphql").Start(r.Context(), "graphql.execute")
			defer span.End()
			if spanCtx := span.SpanContext(); spanCtx.IsValid() {
				reqLogger := logging.FromContext(ctx).WithFields(
					slog.String("trace_id", spanCtx.TraceID().String()),
					slog.String("span_id", spanCtx.SpanID().String()),
				)
				ctx = logging.WithLogger(ctx, reqLogger)
			}

			if span.IsRecording() {
				setAnalysisAttributes(span, analysis)
			}

			wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(wrapped, r.WithContext(ctx))

			span.SetAttributes(attribute.Int("http.response.status_code", wrapped.statusCode))
			if wrapped.statusCode >= http.StatusInternalServerError {
				span.SetStatus(codes.Error, http.StatusText(wrapped.statusCode))
			}
		})
	}
}

type attributeSetter interface {
	SetAttributes(kv ...attribute.KeyValue)
}

func setAnalysisAttributes(span attributeSetter, analysis *gqlrequest.Analysis) {
	span.SetAttributes(
		attribute.Bool("graphql.document.valid", analysis.Valid()),
		attribute.Int("graphql.document.size_bytes", analysis.Envelope.DocumentSizeBytes),
	)
	if !analysis.Valid() {
		return
	}
	span.SetAttributes(
		attribute.String("graphql.operation.type", analysis.OperationType),
		attribute.String("graphql.operation.name", analysis.OperationName),
	)
	if analysis.OperationHash != "" {
		span.SetAttributes(attribute.String("graphql.operation.hash", analysis.OperationHash))
	}
	if len(analysis.Entities) > 0 {
		span.SetAttributes(
			attribute.StringSlice("bulk.entities", analysis.Entities),
			attribute.Int("bulk.input_rows", analysis.InputRows),
		)
	}
}
