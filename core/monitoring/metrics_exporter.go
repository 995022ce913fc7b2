package monitoring

import (
	"net/http"

	"quicksim/core/models"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsExporter collects job lifecycle metrics for Prometheus
type MetricsExporter struct {
	registry *prometheus.Registry

	jobsSubmitted   *prometheus.CounterVec
	jobsFinished    *prometheus.CounterVec
	stagingFailures prometheus.Counter
	jobsInFlight    prometheus.Gauge
	queueDepth      prometheus.Gauge
	jobDuration     *prometheus.HistogramVec
	artifactsSwept  *prometheus.CounterVec
}

// NewMetricsExporter creates an exporter backed by its own registry
func NewMetricsExporter() *MetricsExporter {
	me := &MetricsExporter{
		registry: prometheus.NewRegistry(),
		jobsSubmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "quicksim_jobs_submitted_total",
			Help: "Total number of accepted simulation submissions",
		}, []string{"mode"}),
		jobsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "quicksim_jobs_finished_total",
			Help: "Total number of simulations that reached a terminal state",
		}, []string{"status"}),
		stagingFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "quicksim_staging_failures_total",
			Help: "Total number of submissions whose input could not be written",
		}),
		jobsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "quicksim_jobs_in_flight",
			Help: "Current number of running simulator processes",
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "quicksim_queue_depth",
			Help: "Current number of jobs waiting for a worker",
		}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "quicksim_job_duration_seconds",
			Help:    "Wall clock time of simulator runs",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
		}, []string{"status"}),
		artifactsSwept: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "quicksim_artifacts_swept_total",
			Help: "Total number of artifacts removed by the retention sweep",
		}, []string{"kind"}),
	}

	me.registry.MustRegister(
		me.jobsSubmitted,
		me.jobsFinished,
		me.stagingFailures,
		me.jobsInFlight,
		me.queueDepth,
		me.jobDuration,
		me.artifactsSwept,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return me
}

// Registry exposes the underlying registry
func (me *MetricsExporter) Registry() *prometheus.Registry {
	return me.registry
}

// Handler serves the metrics in Prometheus text format
func (me *MetricsExporter) Handler() http.Handler {
	return promhttp.HandlerFor(me.registry, promhttp.HandlerOpts{})
}

// RecordSubmitted counts an accepted submission
func (me *MetricsExporter) RecordSubmitted(mode models.ExecutionMode) {
	me.jobsSubmitted.WithLabelValues(string(mode)).Inc()
}

// RecordStagingFailure counts a rejected submission
func (me *MetricsExporter) RecordStagingFailure() {
	me.stagingFailures.Inc()
}

// RecordStarted marks a simulator process as running
func (me *MetricsExporter) RecordStarted() {
	me.jobsInFlight.Inc()
}

// RecordFinished records a simulator run that reached status
func (me *MetricsExporter) RecordFinished(status models.JobStatus, seconds float64) {
	me.jobsInFlight.Dec()
	me.jobsFinished.WithLabelValues(string(status)).Inc()
	me.jobDuration.WithLabelValues(string(status)).Observe(seconds)
}

// SetQueueDepth updates the number of waiting jobs
func (me *MetricsExporter) SetQueueDepth(n int) {
	me.queueDepth.Set(float64(n))
}

// RecordSwept counts artifacts removed by the reaper
func (me *MetricsExporter) RecordSwept(outputs, inputs int) {
	me.artifactsSwept.WithLabelValues("output").Add(float64(outputs))
	me.artifactsSwept.WithLabelValues("input").Add(float64(inputs))
}
