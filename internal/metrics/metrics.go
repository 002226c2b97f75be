package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "crypto"

// Recorder owns every collector the service exports. Each Recorder has its
// own registry so tests can build one without global state.
type Recorder struct {
	registry *prometheus.Registry

	apiRequests        *prometheus.CounterVec
	apiRequestDuration *prometheus.HistogramVec
	apiRequestErrors   *prometheus.CounterVec
	rateLimitWaits     *prometheus.CounterVec
	rateLimitRemaining *prometheus.GaugeVec

	recordsProcessed   *prometheus.CounterVec
	processingErrors   *prometheus.CounterVec
	processingDuration *prometheus.HistogramVec
	stageDuration      *prometheus.HistogramVec

	jobRuns     *prometheus.CounterVec
	jobDuration *prometheus.HistogramVec
	jobsRunning prometheus.Gauge
}

// NewRecorder registers all collectors, plus the Go runtime and process
// collectors, on a fresh registry.
func NewRecorder() *Recorder {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Recorder{
		registry: reg,

		apiRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "api_requests_total",
			Help:      "Total provider API requests by outcome",
		}, []string{"api_name", "endpoint", "status"}),
		apiRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "api_request_duration_seconds",
			Help:      "Provider API request latency",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}, []string{"api_name", "endpoint"}),
		apiRequestErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "api_request_errors_total",
			Help:      "Provider API request failures by error type",
		}, []string{"api_name", "endpoint", "error_type"}),
		rateLimitWaits: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "api_rate_limit_waits_total",
			Help:      "Number of 429 cool-downs honoured per provider",
		}, []string{"api_name"}),
		rateLimitRemaining: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "api_rate_limit_remaining",
			Help:      "Tokens left in the provider bucket after the last acquire",
		}, []string{"api_name"}),

		recordsProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_processed_total",
			Help:      "Records persisted per source and data type",
		}, []string{"source", "data_type"}),
		processingErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "processing_errors_total",
			Help:      "Failed fetch cycles and pipeline runs",
		}, []string{"source", "error_type"}),
		processingDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "processing_duration_seconds",
			Help:      "Duration of one fetch cycle",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 10),
		}, []string{"source", "data_type"}),
		stageDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "pipeline_stage_duration_seconds",
			Help:      "Duration of each pipeline stage",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}, []string{"pipeline", "stage"}),

		jobRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scheduler_job_runs_total",
			Help:      "Scheduler job executions by status",
		}, []string{"job", "status"}),
		jobDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "scheduler_job_duration_seconds",
			Help:      "Scheduler job execution time",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		}, []string{"job"}),
		jobsRunning: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "scheduler_jobs_running",
			Help:      "Jobs currently executing",
		}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

// Registry exposes the underlying registry.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

func (r *Recorder) ObserveRequest(provider, endpoint, status string, d time.Duration) {
	r.apiRequests.WithLabelValues(provider, endpoint, status).Inc()
	r.apiRequestDuration.WithLabelValues(provider, endpoint).Observe(d.Seconds())
}

func (r *Recorder) ObserveError(provider, endpoint, errorType string) {
	r.apiRequestErrors.WithLabelValues(provider, endpoint, errorType).Inc()
}

func (r *Recorder) ObserveRateLimitWait(provider string, _ time.Duration) {
	r.rateLimitWaits.WithLabelValues(provider).Inc()
}

func (r *Recorder) SetRateLimitRemaining(provider string, tokens float64) {
	r.rateLimitRemaining.WithLabelValues(provider).Set(tokens)
}

func (r *Recorder) RecordsProcessed(source, dataType string, n int) {
	r.recordsProcessed.WithLabelValues(source, dataType).Add(float64(n))
}

func (r *Recorder) ProcessingError(source, errorType string) {
	r.processingErrors.WithLabelValues(source, errorType).Inc()
}

func (r *Recorder) ProcessingDuration(source, dataType string, d time.Duration) {
	r.processingDuration.WithLabelValues(source, dataType).Observe(d.Seconds())
}

func (r *Recorder) StageDuration(pipeline, stage string, d time.Duration) {
	r.stageDuration.WithLabelValues(pipeline, stage).Observe(d.Seconds())
}

func (r *Recorder) JobStarted() {
	r.jobsRunning.Inc()
}

func (r *Recorder) JobFinished(job, status string, d time.Duration) {
	r.jobsRunning.Dec()
	r.jobRuns.WithLabelValues(job, status).Inc()
	r.jobDuration.WithLabelValues(job).Observe(d.Seconds())
}

func (r *Recorder) JobSkipped(job, reason string) {
	r.jobRuns.WithLabelValues(job, reason).Inc()
}
