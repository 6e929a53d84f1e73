// internal/metrics/metrics.go
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "ipwatch"

// Metrics holds the Prometheus instruments. A nil *Metrics is valid and
// records nothing, so components can be built without instrumentation.
type Metrics struct {
	registry *prometheus.Registry

	logEntries         *prometheus.CounterVec
	entriesSkipped     *prometheus.CounterVec
	analyses           *prometheus.CounterVec
	llmFailures        *prometheus.CounterVec
	enrichmentFailures *prometheus.CounterVec
	analysisDuration   prometheus.Histogram
	pendingAnalyses    prometheus.Gauge
	queueDepth         prometheus.Gauge
}

// New registers every instrument on a private registry
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		logEntries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "log_entries_total",
			Help:      "Log entries accepted into activity history, by activity type",
		}, []string{"type"}),
		entriesSkipped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "entries_skipped_total",
			Help:      "Log entries dropped before storage, by reason",
		}, []string{"reason"}),
		analyses: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "analyses_total",
			Help:      "Completed risk analysis passes, by result source",
		}, []string{"source"}),
		llmFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "llm_failures_total",
			Help:      "LLM analysis attempts that fell back to the heuristic scorer, by reason",
		}, []string{"reason"}),
		enrichmentFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "enrichment_failures_total",
			Help:      "Failed enrichment lookups, by source",
		}, []string{"source"}),
		analysisDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "analysis_duration_seconds",
			Help:      "Wall time of one analysis pass",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		pendingAnalyses: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_analyses",
			Help:      "Addresses with a debounced analysis armed or running",
		}),
		queueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ingest_queue_depth",
			Help:      "Log entries waiting for the ingestion worker",
		}),
	}
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// EntryStored counts one classified entry appended to a target history
func (m *Metrics) EntryStored(activityType string) {
	if m != nil {
		m.logEntries.WithLabelValues(activityType).Inc()
	}
}

// EntrySkipped counts one ingest entry dropped for reason
func (m *Metrics) EntrySkipped(reason string) {
	if m != nil {
		m.entriesSkipped.WithLabelValues(reason).Inc()
	}
}

// AnalysisDone records a persisted analysis and how long it took
func (m *Metrics) AnalysisDone(source string, d time.Duration) {
	if m != nil {
		m.analyses.WithLabelValues(source).Inc()
		m.analysisDuration.Observe(d.Seconds())
	}
}

// LLMFailure counts an LLM call that fell back to the heuristic scorer
func (m *Metrics) LLMFailure(reason string) {
	if m != nil {
		m.llmFailures.WithLabelValues(reason).Inc()
	}
}

// EnrichmentFailure counts a failed lookup against an enrichment source
func (m *Metrics) EnrichmentFailure(source string) {
	if m != nil {
		m.enrichmentFailures.WithLabelValues(source).Inc()
	}
}

// SetPending sets the number of armed or running analyses
func (m *Metrics) SetPending(n int) {
	if m != nil {
		m.pendingAnalyses.Set(float64(n))
	}
}

// SetQueueDepth sets the number of entries waiting for the worker
func (m *Metrics) SetQueueDepth(n int) {
	if m != nil {
		m.queueDepth.Set(float64(n))
	}
}
