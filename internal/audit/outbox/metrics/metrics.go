// Package metrics exposes Prometheus collectors for the audit outbox
// worker.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the outbox delivery collectors.
type Metrics struct {
	PendingDepth    prometheus.Gauge
	PublishedTotal  prometheus.Counter
	PublishFailures prometheus.Counter
	PublishDuration prometheus.Histogram
	BatchSize       prometheus.Histogram
	PollDuration    prometheus.Histogram
	PrunedTotal     prometheus.Counter
}

// New registers and returns the outbox metrics.
func New() *Metrics {
	return &Metrics{
		PendingDepth: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "fides_outbox_pending_total",
			Help: "Current number of undelivered outbox entries",
		}),
		PublishedTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "fides_outbox_published_total",
			Help: "Total number of outbox entries delivered to the broker",
		}),
		PublishFailures: promauto.NewCounter(prometheus.CounterOpts{
			Name: "fides_outbox_publish_failures_total",
			Help: "Total number of failed outbox delivery attempts",
		}),
		PublishDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "fides_outbox_publish_duration_seconds",
			Help:    "Time taken to deliver one outbox entry",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}),
		BatchSize: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "fides_outbox_batch_size",
			Help:    "Number of entries fetched per poll",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
		}),
		PollDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "fides_outbox_poll_duration_seconds",
			Help:    "Time taken for one poll cycle",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}),
		PrunedTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "fides_outbox_pruned_total",
			Help: "Total number of delivered outbox entries removed by retention",
		}),
	}
}

// SetPendingDepth records the current number of undelivered entries.
func (m *Metrics) SetPendingDepth(count int64) {
	m.PendingDepth.Set(float64(count))
}

// IncPublished counts one delivered entry.
func (m *Metrics) IncPublished() {
	m.PublishedTotal.Inc()
}

// IncPublishFailures counts one failed delivery attempt.
func (m *Metrics) IncPublishFailures() {
	m.PublishFailures.Inc()
}

// ObservePublishDuration records the latency of one delivery.
func (m *Metrics) ObservePublishDuration(seconds float64) {
	m.PublishDuration.Observe(seconds)
}

// ObserveBatchSize records how many entries a poll fetched.
func (m *Metrics) ObserveBatchSize(size int) {
	m.BatchSize.Observe(float64(size))
}

// ObservePollDuration records the latency of one poll cycle.
func (m *Metrics) ObservePollDuration(seconds float64) {
	m.PollDuration.Observe(seconds)
}

// AddPruned counts entries removed by the retention sweep.
func (m *Metrics) AddPruned(count int64) {
	m.PrunedTotal.Add(float64(count))
}
