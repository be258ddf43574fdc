package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds Prometheus collectors for binding engine operations.
type Metrics struct {
	BindingsCreated    prometheus.Counter
	BindingsRotated    prometheus.Counter
	BindingsRevoked    prometheus.Counter
	ActiveBindings     prometheus.Gauge
	Validations        *prometheus.CounterVec
	StoreConflictRetry prometheus.Counter
	BindLatency        prometheus.Histogram
	ValidateLatency    prometheus.Histogram
}

// New registers and returns binding metrics collectors.
func New() *Metrics {
	return &Metrics{
		BindingsCreated: promauto.NewCounter(prometheus.CounterOpts{
			Name: "fides_bindings_created_total",
			Help: "Total number of nonce bindings minted",
		}),
		BindingsRotated: promauto.NewCounter(prometheus.CounterOpts{
			Name: "fides_bindings_rotated_total",
			Help: "Total number of binding rotations completed",
		}),
		BindingsRevoked: promauto.NewCounter(prometheus.CounterOpts{
			Name: "fides_bindings_revoked_total",
			Help: "Total number of standalone binding revocations",
		}),
		ActiveBindings: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "fides_active_bindings",
			Help: "Current number of non-revoked bindings",
		}),
		Validations: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "fides_validations_total",
			Help: "Total number of nonce validations, labeled by outcome and reason",
		}, []string{"outcome", "reason"}),
		StoreConflictRetry: promauto.NewCounter(prometheus.CounterOpts{
			Name: "fides_store_conflict_retries_total",
			Help: "Total number of write retries after a store conflict",
		}),
		BindLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "fides_bind_latency_seconds",
			Help:    "Latency of bind and rotate operations in seconds",
			Buckets: prometheus.DefBuckets,
		}),
		ValidateLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "fides_validate_latency_seconds",
			Help:    "Latency of validation lookups in seconds",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}),
	}
}

func (m *Metrics) IncrementBindingsCreated() {
	m.BindingsCreated.Inc()
}

func (m *Metrics) IncrementBindingsRotated() {
	m.BindingsRotated.Inc()
}

func (m *Metrics) IncrementBindingsRevoked() {
	m.BindingsRevoked.Inc()
}

func (m *Metrics) IncrementActiveBindings() {
	m.ActiveBindings.Inc()
}

func (m *Metrics) DecrementActiveBindings() {
	m.ActiveBindings.Dec()
}

// IncrementValidation records one validation outcome. Reason is empty for
// successful validations.
func (m *Metrics) IncrementValidation(outcome, reason string) {
	m.Validations.WithLabelValues(outcome, reason).Inc()
}

func (m *Metrics) IncrementStoreConflictRetries() {
	m.StoreConflictRetry.Inc()
}

func (m *Metrics) ObserveBindLatency(durationSeconds float64) {
	m.BindLatency.Observe(durationSeconds)
}

func (m *Metrics) ObserveValidateLatency(durationSeconds float64) {
	m.ValidateLatency.Observe(durationSeconds)
}
