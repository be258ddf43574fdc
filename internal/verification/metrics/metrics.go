// Package metrics exposes Prometheus collectors for the onboarding flow.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the onboarding and verifier collectors.
type Metrics struct {
	OnboardAttempts *prometheus.CounterVec
	OnboardLatency  prometheus.Histogram
	VerifierCalls   *prometheus.CounterVec
	VerifierErrors  *prometheus.CounterVec
	VerifierLatency *prometheus.HistogramVec
}

// New creates and registers the onboarding metrics with the default registry.
func New() *Metrics {
	return &Metrics{
		OnboardAttempts: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "fides_onboard_attempts_total",
			Help: "Onboarding attempts by verification method and outcome",
		}, []string{"method", "outcome"}),
		OnboardLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "fides_onboard_duration_seconds",
			Help:    "End-to-end onboarding latency including verifier calls",
			Buckets: prometheus.DefBuckets,
		}),
		VerifierCalls: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "fides_verifier_calls_total",
			Help: "Verifier invocations by method and result",
		}, []string{"method", "result"}),
		VerifierErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "fides_verifier_errors_total",
			Help: "Verifier failures by method and error category",
		}, []string{"method", "category"}),
		VerifierLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "fides_verifier_call_duration_seconds",
			Help:    "Single verifier call latency by method",
			Buckets: prometheus.DefBuckets,
		}, []string{"method"}),
	}
}

// IncrementOnboardAttempt records an onboarding attempt outcome.
func (m *Metrics) IncrementOnboardAttempt(method, outcome string) {
	m.OnboardAttempts.WithLabelValues(method, outcome).Inc()
}

// ObserveOnboardLatency records total onboarding duration in seconds.
func (m *Metrics) ObserveOnboardLatency(durationSeconds float64) {
	m.OnboardLatency.Observe(durationSeconds)
}

// IncrementVerifierCall records a verifier invocation result.
func (m *Metrics) IncrementVerifierCall(method, result string) {
	m.VerifierCalls.WithLabelValues(method, result).Inc()
}

// IncrementVerifierError records a categorized verifier failure.
func (m *Metrics) IncrementVerifierError(method, category string) {
	m.VerifierErrors.WithLabelValues(method, category).Inc()
}

// ObserveVerifierLatency records one verifier call's duration in seconds.
func (m *Metrics) ObserveVerifierLatency(method string, durationSeconds float64) {
	m.VerifierLatency.WithLabelValues(method).Observe(durationSeconds)
}
