// Package metrics exposes Prometheus instrumentation for the incident
// pipeline: webhook handling, dedup outcomes, enrichment degradation, and
// per-channel fan-out delivery results.
package metrics

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all pipeline collectors. Create once with New, register
// against a registry, and share by reference.
type Metrics struct {
	IncidentsCreated    *prometheus.CounterVec
	DuplicateDeliveries *prometheus.CounterVec
	ExtractionFailures  *prometheus.CounterVec
	EnrichmentDegraded  prometheus.Counter
	ChannelDeliveries   *prometheus.CounterVec
	DeliveryDuration    *prometheus.HistogramVec
	WebhookDuration     *prometheus.HistogramVec
	BroadcastDelivered  prometheus.Counter

	registry *prometheus.Registry
}

// New creates the pipeline collectors backed by a fresh registry.
func New() *Metrics {
	m := &Metrics{
		IncidentsCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "incidentd_incidents_created_total",
			Help: "Incidents created, by source kind and severity.",
		}, []string{"source", "severity"}),
		DuplicateDeliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "incidentd_duplicate_deliveries_total",
			Help: "Webhook deliveries answered as duplicates, by source kind.",
		}, []string{"source"}),
		ExtractionFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "incidentd_extraction_failures_total",
			Help: "Payloads rejected by extraction, by source kind.",
		}, []string{"source"}),
		EnrichmentDegraded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "incidentd_enrichment_degraded_total",
			Help: "Incidents created with a degraded analysis result.",
		}),
		ChannelDeliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "incidentd_channel_deliveries_total",
			Help: "Fan-out delivery outcomes, by channel and outcome.",
		}, []string{"channel", "outcome"}),
		DeliveryDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "incidentd_channel_delivery_seconds",
			Help:    "Fan-out delivery latency including retries, by channel.",
			Buckets: prometheus.DefBuckets,
		}, []string{"channel"}),
		WebhookDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "incidentd_webhook_duration_seconds",
			Help:    "End-to-end webhook handling latency, by source kind.",
			Buckets: prometheus.DefBuckets,
		}, []string{"source"}),
		BroadcastDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "incidentd_broadcast_events_delivered_total",
			Help: "Events delivered to dashboard subscribers.",
		}),
		registry: prometheus.NewRegistry(),
	}

	return m
}

// Register registers all collectors against the given registerer. Already
// registered collectors are tolerated so tests can share a registry.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		m.IncidentsCreated,
		m.DuplicateDeliveries,
		m.ExtractionFailures,
		m.EnrichmentDegraded,
		m.ChannelDeliveries,
		m.DeliveryDuration,
		m.WebhookDuration,
		m.BroadcastDelivered,
	}

	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			alreadyRegistered := prometheus.AlreadyRegisteredError{}
			if errors.As(err, &alreadyRegistered) {
				continue
			}

			return err
		}
	}

	return nil
}

// MustRegister registers against the internal registry and panics on
// conflict. Called once at startup.
func (m *Metrics) MustRegister() {
	if err := m.Register(m.registry); err != nil {
		panic(err)
	}
}

// Handler returns the scrape endpoint handler for the internal registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveDelivery records one settled fan-out delivery.
func (m *Metrics) ObserveDelivery(channel, outcome string, elapsed time.Duration) {
	m.ChannelDeliveries.WithLabelValues(channel, outcome).Inc()
	m.DeliveryDuration.WithLabelValues(channel).Observe(elapsed.Seconds())
}

// ObserveWebhook records one handled webhook delivery.
func (m *Metrics) ObserveWebhook(source string, elapsed time.Duration) {
	m.WebhookDuration.WithLabelValues(source).Observe(elapsed.Seconds())
}
