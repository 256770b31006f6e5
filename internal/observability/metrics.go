package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce          sync.Once
	httpRequestsTotal     *prometheus.CounterVec
	httpLatencySeconds    *prometheus.HistogramVec
	pipelineRunsTotal     *prometheus.CounterVec
	pipelineStageSeconds  *prometheus.HistogramVec
	gradesAssigned        prometheus.Histogram
	parseAnomaliesTotal   *prometheus.CounterVec
	correctionCacheTotal  *prometheus.CounterVec
	gradedEventsPublished *prometheus.CounterVec
)

// RegisterMetrics initialises the Prometheus collectors used by the API and the grading pipeline.
func RegisterMetrics() {
	registerOnce.Do(func() {
		httpRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "autograde_http_requests_total",
			Help: "Total number of API requests served.",
		}, []string{"method", "route", "status"})

		httpLatencySeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "autograde_http_latency_seconds",
			Help:    "Latency distribution for API requests.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"method", "route"})

		pipelineRunsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "autograde_pipeline_runs_total",
			Help: "Grading pipeline runs by outcome and failing stage.",
		}, []string{"outcome", "stage"})

		pipelineStageSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "autograde_pipeline_stage_seconds",
			Help:    "Duration of each grading pipeline stage.",
			Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 15, 30, 60, 120},
		}, []string{"stage"})

		gradesAssigned = prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "autograde_grades_assigned",
			Help:    "Distribution of persisted grades on the 0-20 scale.",
			Buckets: prometheus.LinearBuckets(0, 2, 11),
		})

		parseAnomaliesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "autograde_parse_anomalies_total",
			Help: "Completion replies that needed a fallback or a grade adjustment.",
		}, []string{"kind"})

		correctionCacheTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "autograde_correction_cache_requests_total",
			Help: "Reference correction lookups by cache result.",
		}, []string{"result"})

		gradedEventsPublished = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "autograde_graded_events_total",
			Help: "Graded submission events by publish result.",
		}, []string{"result"})

		prometheus.MustRegister(
			httpRequestsTotal,
			httpLatencySeconds,
			pipelineRunsTotal,
			pipelineStageSeconds,
			gradesAssigned,
			parseAnomaliesTotal,
			correctionCacheTotal,
			gradedEventsPublished,
		)
	})
}

// HTTPRequests exposes the counter for API requests.
func HTTPRequests() *prometheus.CounterVec {
	RegisterMetrics()
	return httpRequestsTotal
}

// HTTPLatency exposes the latency histogram for API requests.
func HTTPLatency() *prometheus.HistogramVec {
	RegisterMetrics()
	return httpLatencySeconds
}

// PipelineRuns exposes the counter of grading pipeline outcomes.
func PipelineRuns() *prometheus.CounterVec {
	RegisterMetrics()
	return pipelineRunsTotal
}

// PipelineStageLatency exposes the per-stage duration histogram.
func PipelineStageLatency() *prometheus.HistogramVec {
	RegisterMetrics()
	return pipelineStageSeconds
}

// GradesAssigned exposes the persisted grade distribution.
func GradesAssigned() prometheus.Histogram {
	RegisterMetrics()
	return gradesAssigned
}

// ParseAnomalies exposes the counter of replies that fell back or were adjusted.
func ParseAnomalies() *prometheus.CounterVec {
	RegisterMetrics()
	return parseAnomaliesTotal
}

// CorrectionCache exposes the correction cache hit/miss counter.
func CorrectionCache() *prometheus.CounterVec {
	RegisterMetrics()
	return correctionCacheTotal
}

// GradedEvents exposes the counter of published graded events.
func GradedEvents() *prometheus.CounterVec {
	RegisterMetrics()
	return gradedEventsPublished
}
