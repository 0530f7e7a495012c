// Package metrics exposes Prometheus instrumentation for the sync pipeline.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Namespace prefixes every metric name.
const Namespace = "fulcrum_sync"

// Label names.
const (
	LabelCollection = "collection"
	LabelEvent      = "event"
	LabelOutcome    = "outcome"
	LabelOperation  = "operation"
	LabelTrigger    = "trigger"
)

// Event outcomes at the webhook.
const (
	OutcomeQueued    = "queued"
	OutcomeDropped   = "dropped"
	OutcomeUnknown   = "unknown_form"
	OutcomeMalformed = "malformed"
	OutcomeIgnored   = "ignored"
)

// Record outcomes at the store.
const (
	OutcomeOK         = "ok"
	OutcomeConstraint = "constraint"
	OutcomeCoercion   = "coercion"
	OutcomeError      = "error"
)

// Metrics holds the collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	events       *prometheus.CounterVec
	records      *prometheus.CounterVec
	pages        *prometheus.CounterVec
	bulkDuration *prometheus.HistogramVec
	queueDepth   prometheus.Gauge
}

// New creates and registers the collectors on a private registry together
// with the Go runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "webhook",
			Name:      "events_total",
			Help:      "Inbound webhook events by type and outcome.",
		}, []string{LabelEvent, LabelOutcome}),
		records: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "store",
			Name:      "records_total",
			Help:      "Record mutations by collection, operation and outcome.",
		}, []string{LabelCollection, LabelOperation, LabelOutcome}),
		pages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "provider",
			Name:      "pages_total",
			Help:      "Data share pages consumed by bulk loads.",
		}, []string{LabelCollection}),
		bulkDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: "syncer",
			Name:      "bulk_load_duration_seconds",
			Help:      "Wall time of bulk loads.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		}, []string{LabelCollection, LabelTrigger}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "dispatch",
			Name:      "queue_depth",
			Help:      "Jobs waiting for a worker.",
		}),
	}
	reg.MustRegister(
		m.events, m.records, m.pages, m.bulkDuration, m.queueDepth,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the exposition format. A nil receiver serves 404.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Event counts an inbound webhook event.
func (m *Metrics) Event(event, outcome string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(event, outcome).Inc()
}

// Record counts one store mutation.
func (m *Metrics) Record(collection, op, outcome string) {
	if m == nil {
		return
	}
	m.records.WithLabelValues(collection, op, outcome).Inc()
}

// Page counts one consumed share page.
func (m *Metrics) Page(collection string) {
	if m == nil {
		return
	}
	m.pages.WithLabelValues(collection).Inc()
}

// BulkLoad observes the duration of a finished bulk load.
func (m *Metrics) BulkLoad(collection, trigger string, d time.Duration) {
	if m == nil {
		return
	}
	m.bulkDuration.WithLabelValues(collection, trigger).Observe(d.Seconds())
}

// QueueDepth sets the current dispatch backlog.
func (m *Metrics) QueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}
