// Package metrics exposes Prometheus instrumentation for the delivery
// engine.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the engine's Prometheus collectors.
type Metrics struct {
	registry *prometheus.Registry

	SendsTotal          *prometheus.CounterVec
	SendAttemptsTotal   prometheus.Counter
	RetriesScheduled    prometheus.Counter
	ClaimBatchSize      prometheus.Histogram
	CampaignTransitions *prometheus.CounterVec
	QueueDepth          prometheus.Gauge
	WorkersActive       prometheus.Gauge
}

var (
	global *Metrics
	once   sync.Once
)

// Get returns the process-wide metrics instance.
func Get() *Metrics {
	once.Do(func() {
		global = newMetrics()
	})
	return global
}

func newMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		SendsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_sends_total",
			Help: "Send records reaching a terminal status, by outcome",
		}, []string{"outcome"}),
		SendAttemptsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "engine_send_attempts_total",
			Help: "Mailer invocations, successful or not",
		}),
		RetriesScheduled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "engine_retries_scheduled_total",
			Help: "Transient failures scheduled for a retry",
		}),
		ClaimBatchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "engine_claim_batch_size",
			Help:    "Number of send records claimed per poll",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		}),
		CampaignTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_campaign_transitions_total",
			Help: "Campaign lifecycle transitions, by target status",
		}, []string{"to"}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "engine_queue_depth",
			Help: "Send records currently due for processing",
		}),
		WorkersActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "engine_workers_active",
			Help: "Delivery workers currently running",
		}),
	}

	registry.MustRegister(
		m.SendsTotal, m.SendAttemptsTotal, m.RetriesScheduled, m.ClaimBatchSize,
		m.CampaignTransitions, m.QueueDepth, m.WorkersActive,
	)
	return m
}

// Handler returns the HTTP handler serving the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
