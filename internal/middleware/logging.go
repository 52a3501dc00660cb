// Package middleware applies cross-cutting HTTP policies like auth, roles, and logging.
package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"pgbulk/internal/gqlrequest"
	"pgbulk/internal/logging"
)

// RequestIDHeader is the HTTP header name for request IDs
const RequestIDHeader = "X-Request-ID"

// bulkSummary is what inner handlers learned about the bulk writes a request
// asked for. It is reported on the completion line.
type bulkSummary struct {
	operation string
	entities  []string
	inputRows int
}

type bulkSummaryKey struct{}

// noteBulkRequest records a parsed GraphQL request for the access log.
func noteBulkRequest(ctx context.Context, analysis *gqlrequest.Analysis) {
	summary, ok := ctx.Value(bulkSummaryKey{}).(*bulkSummary)
	if !ok || analysis == nil || !analysis.Valid() {
		return
	}
	summary.operation = analysis.OperationName
	summary.entities = analysis.Entities
	summary.inputRows = analysis.InputRows
}

// LoggingMiddleware assigns a request ID, puts a request-scoped logger in the
// context and writes one completion line per request. The line names the
// bulk operation and its input size when the request carried one.
func LoggingMiddleware(logger *logging.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			requestID := r.Header.Get(RequestIDHeader)
			if requestID == "" {
				requestID = uuid.New().String()
			}
			w.Header().Set(RequestIDHeader, requestID)

			reqLogger := logger.WithRequestID(requestID).WithFields(slog.String("component", "http"))
			summary := &bulkSummary{}
			ctx := logging.WithLogger(r.Context(), reqLogger)
			ctx = logging.WithRequestIDContext(ctx, requestID)
			ctx = context.WithValue(ctx, bulkSummaryKey{}, summary)

			if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
				span.SetAttributes(attribute.String("http.request_id", requestID))
			}

			reqLogger.Debug("request started",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.String("remote_addr", r.RemoteAddr),
			)

			wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(wrapped, r.WithContext(ctx))

			duration := time.Since(start)
			attrs := []any{
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", wrapped.statusCode),
				slog.Int("response_bytes", wrapped.bytes),
				slog.Duration("duration", duration),
				slog.Int64("duration_ms", duration.Milliseconds()),
			}
			if summary.operation != "" {
				attrs = append(attrs, slog.String("operation", summary.operation))
			}
			if len(summary.entities) > 0 {
				attrs = append(attrs,
					slog.Any("entities", summary.entities),
					slog.Int("input_rows", summary.inputRows),
				)
			}
			reqLogger.Log(ctx, completionLevel(wrapped.statusCode), "request completed", attrs...)
		})
	}
}

func completionLevel(status int) slog.Level {
	switch {
	case status >= http.StatusInternalServerError:
		return slog.LevelError
	case status >= http.StatusBadRequest:
		return slog.LevelWarn
	default:
		return slog.LevelInfo
	}
}

// responseWriter records the status code and body size of a response.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
	bytes      int
	written    bool
}

func (rw *responseWriter) WriteHeader(statusCode int) {
	if rw.written {
		return
	}
	rw.statusCode = statusCode
	rw.written = true
	rw.ResponseWriter.WriteHeader(statusCode)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	if !rw.written {
		rw.WriteHeader(http.StatusOK)
	}
	n, err := rw.ResponseWriter.Write(b)
	rw.bytes += n
	return n, err
}
