package httptransport

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"fides/internal/platform/health"
	"fides/internal/platform/metrics"
	"fides/internal/platform/middleware"
	"fides/internal/ratelimit"
)

const (
	defaultRequestTimeout = 30 * time.Second
	defaultMaxBodyBytes   = 1 << 20 // 1 MiB
)

// RouterConfig carries the transport-level knobs.
type RouterConfig struct {
	// OperatorTokenHash is the bcrypt hash gating management routes.
	// Empty refuses all operator traffic.
	OperatorTokenHash string

	RequestTimeout time.Duration
	MaxBodyBytes   int64

	// ValidateRate throttles the public validation endpoint per client
	// address; OperatorRate does the same for management routes, ahead of
	// token verification so credential guessing is throttled too. A zero
	// policy leaves the group unthrottled.
	ValidateRate ratelimit.Policy
	OperatorRate ratelimit.Policy
}

func (c RouterConfig) withDefaults() RouterConfig {
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = defaultRequestTimeout
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = defaultMaxBodyBytes
	}
	return c
}

// NewRouter wires every endpoint with the middleware stack. The validation
// endpoint stays public; management routes sit behind operator auth;
// health and metrics bypass nothing but the recovery layer on purpose, so
// probes observe the same stack clients do.
func NewRouter(
	h *Handler,
	healthHandler *health.Handler,
	httpMetrics *metrics.HTTP,
	logger *slog.Logger,
	cfg RouterConfig,
) http.Handler {
	cfg = cfg.withDefaults()

	r := chi.NewRouter()
	r.Use(middleware.Recovery(logger))
	r.Use(middleware.RequestID)
	if httpMetrics != nil {
		r.Use(httpMetrics.Middleware())
	}
	r.Use(middleware.Logger(logger))
	r.Use(middleware.Timeout(cfg.RequestTimeout))
	r.Use(middleware.BodyLimit(cfg.MaxBodyBytes))
	r.Use(middleware.ContentTypeJSON)

	if healthHandler != nil {
		healthHandler.Register(r)
	}
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		if cfg.ValidateRate.Enabled() {
			r.Use(middleware.Throttle(ratelimit.New(cfg.ValidateRate), logger))
		}
		h.Register(r)
	})

	r.Group(func(r chi.Router) {
		if cfg.OperatorRate.Enabled() {
			r.Use(middleware.Throttle(ratelimit.New(cfg.OperatorRate), logger))
		}
		r.Use(middleware.RequireOperatorToken(cfg.OperatorTokenHash, logger))
		h.RegisterOperator(r)
	})

	return r
}
