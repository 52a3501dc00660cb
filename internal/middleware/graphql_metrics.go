package middleware

import (
	"net/http"

	"pgbulk/internal/observability"
)

// BulkMetricsMiddleware makes bulk metrics available to the writers that run
// inside the GraphQL handler. A nil metrics value passes requests through.
func BulkMetricsMiddleware(metrics *observability.BulkMetrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if metrics == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := observability.ContextWithBulkMetrics(r.Context(), metrics)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
