// Package monitoring exposes the agent's own health as Prometheus
// metrics: how much is buffered, how much was shipped, how much was
// dropped. Applications that already scrape Prometheus can mount the
// agent registry next to their own.
package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the agent's self-telemetry.
type Metrics struct {
	registry *prometheus.Registry

	TransactionsFinished prometheus.Counter
	TransactionsDropped  prometheus.Counter
	BatchesFlushed       prometheus.Counter
	BatchSize            prometheus.Histogram
	PostsSent            *prometheus.CounterVec
	PostsFailed          *prometheus.CounterVec
	ErrorsReported       prometheus.Counter
	ErrorsThrottled      prometheus.Counter
	QueueDepth           prometheus.Gauge
	PendingTransactions  prometheus.Gauge
}

// NewMetrics creates a metrics set on its own registry, so independent
// agent instances (and tests) never collide on metric registration.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,

		TransactionsFinished: factory.NewCounter(prometheus.CounterOpts{
			Name: "pulseapm_transactions_finished_total",
			Help: "Total number of transactions submitted for delivery",
		}),
		TransactionsDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "pulseapm_transactions_dropped_total",
			Help: "Transactions dropped: incomplete at submit or evicted from a bounded buffer",
		}),
		BatchesFlushed: factory.NewCounter(prometheus.CounterOpts{
			Name: "pulseapm_batches_flushed_total",
			Help: "Total number of transaction batches enqueued for delivery",
		}),
		BatchSize: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "pulseapm_batch_size_transactions",
			Help:    "Transactions per flushed batch",
			Buckets: []float64{1, 2, 5, 10, 25, 50, 100, 250},
		}),
		PostsSent: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pulseapm_posts_sent_total",
			Help: "Posts dispatched to the collector, by path",
		}, []string{"path"}),
		PostsFailed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pulseapm_posts_failed_total",
			Help: "Posts that returned a transport error, by path",
		}, []string{"path"}),
		ErrorsReported: factory.NewCounter(prometheus.CounterOpts{
			Name: "pulseapm_errors_reported_total",
			Help: "Error reports enqueued for delivery",
		}),
		ErrorsThrottled: factory.NewCounter(prometheus.CounterOpts{
			Name: "pulseapm_errors_throttled_total",
			Help: "Error reports dropped by the rate limiter",
		}),
		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "pulseapm_delivery_queue_depth",
			Help: "Requests currently waiting on the delivery queue",
		}),
		PendingTransactions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "pulseapm_pending_transactions",
			Help: "Finished transactions buffered and awaiting the next flush",
		}),
	}
}

// Registry returns the registry holding the agent metrics, for mounting
// on an application's metrics endpoint.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordPost records one dispatched post and its outcome.
func (m *Metrics) RecordPost(path string, err error) {
	m.PostsSent.WithLabelValues(path).Inc()
	if err != nil {
		m.PostsFailed.WithLabelValues(path).Inc()
	}
}

// RecordFlush records one flushed batch of n transactions.
func (m *Metrics) RecordFlush(n int) {
	m.BatchesFlushed.Inc()
	m.BatchSize.Observe(float64(n))
}

// SetQueueDepth updates the delivery queue depth gauge.
func (m *Metrics) SetQueueDepth(n int) {
	m.QueueDepth.Set(float64(n))
}

// SetPending updates the pending-transaction buffer gauge.
func (m *Metrics) SetPending(n int) {
	m.PendingTransactions.Set(float64(n))
}
