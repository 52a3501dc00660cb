package middleware

import (
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/time/rate"
)

// RateLimitConfig configures the process-wide request limiter.
type RateLimitConfig struct {
	Enabled bool
	RPS     float64
	Burst   int
	// ExemptPaths are never throttled, so health probes and metric scrapes
	// keep working while loaders saturate the limit.
	ExemptPaths []string
}

// RateLimitMiddleware rejects requests beyond the configured rate with 429.
// A non-positive RPS or burst disables limiting.
func RateLimitMiddleware(cfg RateLimitConfig) func(http.Handler) http.Handler {
	if !cfg.Enabled || cfg.RPS <= 0 || cfg.Burst <= 0 {
		return func(next http.Handler) http.Handler {
			return next
		}
	}

	limiter := rate.NewLimiter(rate.Limit(cfg.RPS), cfg.Burst)
	exempt := make(map[string]bool, len(cfg.ExemptPaths))
	for _, p := range cfg.ExemptPaths {
		exempt[p] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if exempt[r.URL.Path] || limiter.Allow() {
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", retryAfterSeconds(limiter.Limit()))
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = fmt.Fprint(w, `{"error":"rate limit exceeded"}`)
		})
	}
}

// retryAfterSeconds is the time for one token to refill, rounded up.
func retryAfterSeconds(limit rate.Limit) string {
	wait := time.Duration(float64(time.Second) / float64(limit))
	return strconv.Itoa(max(1, int(math.Ceil(wait.Seconds()))))
}
