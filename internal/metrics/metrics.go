// Package metrics exposes Prometheus counters for import jobs and the
// records they process.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const Namespace = "socialcal"

// Metrics holds the ingestion metrics. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	JobsStarted  *prometheus.CounterVec
	JobsFinished *prometheus.CounterVec
	JobDuration  *prometheus.HistogramVec
	JobsRunning  prometheus.Gauge

	Records *prometheus.CounterVec

	SchemaGenerations *prometheus.CounterVec
	MusicLookups      *prometheus.CounterVec
}

// New creates and registers the metrics with reg; nil means the default
// registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		JobsStarted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "jobs",
			Name:      "started_total",
			Help:      "Import jobs started, by scraper kind",
		}, []string{"kind"}),
		JobsFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "jobs",
			Name:      "finished_total",
			Help:      "Import jobs finished, by scraper kind and final status",
		}, []string{"kind", "status"}),
		JobDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: "jobs",
			Name:      "duration_seconds",
			Help:      "Wall time of import jobs",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 14), // 0.5s to ~68min
		}, []string{"kind"}),
		JobsRunning: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "jobs",
			Name:      "running",
			Help:      "Import jobs currently running in this process",
		}),
		Records: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "ingest",
			Name:      "records_total",
			Help:      "Scraped records by outcome (created, updated, skipped)",
		}, []string{"outcome"}),
		SchemaGenerations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "schema",
			Name:      "generations_total",
			Help:      "Selector schema generations by result",
		}, []string{"result"}),
		MusicLookups: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "music",
			Name:      "enriched_total",
			Help:      "Music events by enrichment result (matched, unmatched)",
		}, []string{"result"}),
	}
}

func (m *Metrics) JobStarted(kind string) {
	if m == nil {
		return
	}
	m.JobsStarted.WithLabelValues(kind).Inc()
	m.JobsRunning.Inc()
}

func (m *Metrics) JobFinished(kind, status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.JobsRunning.Dec()
	m.JobsFinished.WithLabelValues(kind, status).Inc()
	m.JobDuration.WithLabelValues(kind).Observe(elapsed.Seconds())
}

func (m *Metrics) Record(outcome string) {
	if m == nil {
		return
	}
	m.Records.WithLabelValues(outcome).Inc()
}

func (m *Metrics) SchemaGenerated(ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "failed"
	}
	m.SchemaGenerations.WithLabelValues(result).Inc()
}

func (m *Metrics) MusicEnriched(matched bool) {
	if m == nil {
		return
	}
	result := "matched"
	if !matched {
		result = "unmatched"
	}
	m.MusicLookups.WithLabelValues(result).Inc()
}

// Handler serves the metrics gathered by g; nil means the default gatherer.
func Handler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
