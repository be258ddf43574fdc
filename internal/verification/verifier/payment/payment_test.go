package payment

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fides/internal/identity/models"
	"fides/internal/verification/verifier"
)

func newClient(t *testing.T, handler http.HandlerFunc) *HTTPClient {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return NewHTTPClient(server.URL, "test-key", 5*time.Second)
}

func respond(t *testing.T, w http.ResponseWriter, standing string) {
	t.Helper()
	err := json.NewEncoder(w).Encode(checkResponse{
		CustomerID: "cust-1",
		Processor:  "stripe",
		PlanID:     "team",
		Standing:   standing,
		CheckedAt:  time.Now().UTC().Format(time.RFC3339),
	})
	require.NoError(t, err)
}

func TestVerify(t *testing.T) {
	ctx := context.Background()

	t.Run("accepts an active customer", func(t *testing.T) {
		client := newClient(t, func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, http.MethodPost, r.Method)
			assert.Equal(t, "/api/v1/customers/check", r.URL.Path)
			assert.Equal(t, "test-key", r.Header.Get("X-API-Key"))

			var req checkRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, "cust-1", req.CustomerID)

			respond(t, w, standingActive)
		})

		outcome, err := client.Verify(ctx, "org-A", "cust-1")
		require.NoError(t, err)
		assert.True(t, outcome.Verified)
		assert.Empty(t, outcome.Reason)
		assert.Equal(t, "stripe", outcome.Metadata[models.MetaProcessor])
		assert.Equal(t, "team", outcome.Metadata[models.MetaPlanID])
		assert.False(t, outcome.CheckedAt.IsZero())
	})

	t.Run("rejects a delinquent customer", func(t *testing.T) {
		client := newClient(t, func(w http.ResponseWriter, r *http.Request) {
			respond(t, w, standingDelinquent)
		})

		outcome, err := client.Verify(ctx, "org-A", "cust-1")
		require.NoError(t, err)
		assert.False(t, outcome.Verified)
		assert.Equal(t, "payment account delinquent", outcome.Reason)
	})

	t.Run("rejects a closed account", func(t *testing.T) {
		client := newClient(t, func(w http.ResponseWriter, r *http.Request) {
			respond(t, w, standingClosed)
		})

		outcome, err := client.Verify(ctx, "org-A", "cust-1")
		require.NoError(t, err)
		assert.False(t, outcome.Verified)
		assert.Equal(t, "payment account closed", outcome.Reason)
	})

	t.Run("treats an unknown customer as a rejection, not an error", func(t *testing.T) {
		client := newClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
		})

		outcome, err := client.Verify(ctx, "org-A", "cust-gone")
		require.NoError(t, err)
		assert.False(t, outcome.Verified)
		assert.Equal(t, "payment customer not found", outcome.Reason)
	})

	t.Run("categorizes authentication failures as permanent", func(t *testing.T) {
		client := newClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusUnauthorized)
		})

		_, err := client.Verify(ctx, "org-A", "cust-1")
		require.Error(t, err)
		assert.Equal(t, verifier.ErrorAuthentication, verifier.CategoryOf(err))
		assert.False(t, verifier.IsRetryable(err))
	})

	t.Run("categorizes rate limiting as retryable", func(t *testing.T) {
		client := newClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusTooManyRequests)
		})

		_, err := client.Verify(ctx, "org-A", "cust-1")
		require.Error(t, err)
		assert.Equal(t, verifier.ErrorRateLimited, verifier.CategoryOf(err))
		assert.True(t, verifier.IsRetryable(err))
	})

	t.Run("categorizes outages as retryable", func(t *testing.T) {
		client := newClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		})

		_, err := client.Verify(ctx, "org-A", "cust-1")
		require.Error(t, err)
		assert.Equal(t, verifier.ErrorOutage, verifier.CategoryOf(err))
		assert.True(t, verifier.IsRetryable(err))
	})

	t.Run("surfaces the processor's bad request message", func(t *testing.T) {
		client := newClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(w).Encode(errorResponse{Message: "customer_id is required"})
		})

		_, err := client.Verify(ctx, "org-A", "cust-1")
		require.Error(t, err)
		assert.Equal(t, verifier.ErrorBadData, verifier.CategoryOf(err))
		assert.ErrorContains(t, err, "customer_id is required")
	})

	t.Run("categorizes unparseable responses as contract drift", func(t *testing.T) {
		client := newClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("not json"))
		})

		_, err := client.Verify(ctx, "org-A", "cust-1")
		require.Error(t, err)
		assert.Equal(t, verifier.ErrorContractMismatch, verifier.CategoryOf(err))
	})

	t.Run("categorizes deadline expiry as timeout", func(t *testing.T) {
		client := newClient(t, func(w http.ResponseWriter, r *http.Request) {
			// Drain the body so the server's background read can notice the
			// client abandoning the request; without it r.Context() is never
			// cancelled and Cleanup deadlocks in server.Close.
			io.Copy(io.Discard, r.Body)
			<-r.Context().Done()
		})

		timeoutCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
		defer cancel()

		_, err := client.Verify(timeoutCtx, "org-A", "cust-1")
		require.Error(t, err)
		assert.Equal(t, verifier.ErrorTimeout, verifier.CategoryOf(err))
		assert.True(t, verifier.IsRetryable(err))
	})

	t.Run("categorizes an unreachable processor as an outage", func(t *testing.T) {
		client := NewHTTPClient("http://127.0.0.1:1", "test-key", time.Second)

		_, err := client.Verify(ctx, "org-A", "cust-1")
		require.Error(t, err)
		assert.Equal(t, verifier.ErrorOutage, verifier.CategoryOf(err))

		var ve *verifier.VerifierError
		require.True(t, errors.As(err, &ve))
		assert.Equal(t, models.MethodPayment, ve.Method)
	})
}

func TestMethod(t *testing.T) {
	client := NewHTTPClient("http://processor.test", "key", time.Second)
	assert.Equal(t, models.MethodPayment, client.Method())
}

func TestHealth(t *testing.T) {
	t.Run("healthy processor", func(t *testing.T) {
		client := newClient(t, func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/health", r.URL.Path)
			w.WriteHeader(http.StatusOK)
		})
		assert.NoError(t, client.Health(context.Background()))
	})

	t.Run("unhealthy processor", func(t *testing.T) {
		client := newClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		})
		assert.Error(t, client.Health(context.Background()))
	})
}
