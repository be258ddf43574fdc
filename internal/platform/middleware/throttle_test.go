package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fides/internal/ratelimit"
)

type failingAdmitter struct{}

func (failingAdmitter) Allow(context.Context, string) (*ratelimit.Result, error) {
	return nil, assert.AnError
}

func TestThrottle(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	t.Run("admits within budget and reports headers", func(t *testing.T) {
		limiter := ratelimit.New(ratelimit.Policy{Name: "test", Limit: 2, Window: time.Minute})
		handler := Throttle(limiter, discardLogger())(next)

		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/bindings/validate", nil))

		assert.Equal(t, http.StatusNoContent, rec.Code)
		assert.Equal(t, "2", rec.Header().Get("X-RateLimit-Limit"))
		assert.Equal(t, "1", rec.Header().Get("X-RateLimit-Remaining"))
		assert.NotEmpty(t, rec.Header().Get("X-RateLimit-Reset"))
	})

	t.Run("blocks over budget with retry advice", func(t *testing.T) {
		limiter := ratelimit.New(ratelimit.Policy{Name: "test", Limit: 1, Window: time.Minute})
		handler := Throttle(limiter, discardLogger())(next)

		handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/", nil))

		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", nil))

		assert.Equal(t, http.StatusTooManyRequests, rec.Code)
		assert.NotEmpty(t, rec.Header().Get("Retry-After"))
		assert.Contains(t, rec.Body.String(), "rate_limited")
	})

	t.Run("buckets by remote host", func(t *testing.T) {
		limiter := ratelimit.New(ratelimit.Policy{Name: "test", Limit: 1, Window: time.Minute})
		handler := Throttle(limiter, discardLogger())(next)

		first := httptest.NewRequest(http.MethodPost, "/", nil)
		first.RemoteAddr = "203.0.113.7:40001"
		handler.ServeHTTP(httptest.NewRecorder(), first)

		samehost := httptest.NewRequest(http.MethodPost, "/", nil)
		samehost.RemoteAddr = "203.0.113.7:40002"
		blocked := httptest.NewRecorder()
		handler.ServeHTTP(blocked, samehost)

		other := httptest.NewRequest(http.MethodPost, "/", nil)
		other.RemoteAddr = "203.0.113.8:40001"
		allowed := httptest.NewRecorder()
		handler.ServeHTTP(allowed, other)

		require.Equal(t, http.StatusTooManyRequests, blocked.Code, "a fresh port is not a fresh budget")
		assert.Equal(t, http.StatusNoContent, allowed.Code)
	})

	t.Run("fails open when the limiter errors", func(t *testing.T) {
		handler := Throttle(failingAdmitter{}, discardLogger())(next)

		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", nil))

		assert.Equal(t, http.StatusNoContent, rec.Code)
	})
}
