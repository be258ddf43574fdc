package middleware

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strconv"

	"fides/internal/platform/privacy"
	"fides/internal/ratelimit"
)

// Admitter decides whether a keyed request may proceed.
type Admitter interface {
	Allow(ctx context.Context, key string) (*ratelimit.Result, error)
}

// Throttle rate limits requests per client address. A limiter failure
// fails open: dropping traffic because the throttle broke would turn an
// internal fault into an outage.
func Throttle(limiter Admitter, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			key := clientKey(r)

			result, err := limiter.Allow(ctx, key)
			if err != nil {
				if logger != nil {
					logger.ErrorContext(ctx, "rate limit check failed",
						"error", err,
						"client", privacy.AnonymizeAddr(r.RemoteAddr),
						"request_id", GetRequestID(ctx),
					)
				}
				next.ServeHTTP(w, r)
				return
			}

			writeRateHeaders(w, result)
			if !result.Allowed {
				if logger != nil {
					logger.WarnContext(ctx, "request throttled",
						"client", privacy.AnonymizeAddr(r.RemoteAddr),
						"path", r.URL.Path,
						"retry_after", result.RetryAfter,
						"request_id", GetRequestID(ctx),
					)
				}
				w.Header().Set("Retry-After", strconv.Itoa(result.RetryAfter))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				w.Write([]byte(`{"error":"rate_limited","error_description":"too many requests, slow down"}`))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// clientKey buckets requests by remote host. The port would make every
// connection its own bucket.
func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeRateHeaders(w http.ResponseWriter, result *ratelimit.Result) {
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(result.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
	if !result.ResetAt.IsZero() {
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(result.ResetAt.Unix(), 10))
	}
}
