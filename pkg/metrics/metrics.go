// Package metrics exposes the scheduler's Prometheus instrumentation,
// mirroring the teacher's package-level-var + init()-registration pattern.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Fleet.
	ProvidersTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "beacon_providers_total",
			Help: "Total number of known providers by status",
		},
		[]string{"status"},
	)

	WorkersTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "beacon_workers_total",
			Help: "Total number of registered workers by status",
		},
		[]string{"status"},
	)

	WorkersEjected = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "beacon_workers_ejected_total",
			Help: "Total number of workers ejected for failed health pings",
		},
	)

	// Plan lifecycle.
	PlanTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "beacon_plan_transitions_total",
			Help: "Total number of plan status transitions",
		},
		[]string{"phase", "status"},
	)

	// Task generation.
	JobsEmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "beacon_jobs_emitted_total",
			Help: "Total number of jobs emitted by generators",
		},
		[]string{"task_type"},
	)

	JobsSuppressed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "beacon_jobs_suppressed_total",
			Help: "Total number of job emissions suppressed (filter, dependency, or cooldown)",
		},
		[]string{"task_type", "reason"},
	)

	GenerationLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "beacon_generation_latency_seconds",
			Help:    "Time taken for one generator tick",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Assignment & delivery.
	AssignmentsDelivered = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "beacon_assignments_delivered_total",
			Help: "Total number of job assignments successfully delivered to a worker",
		},
	)

	AssignmentsRetried = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "beacon_assignments_retried_total",
			Help: "Total number of job assignments re-queued for retry after delivery failure",
		},
	)

	DeliveryLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "beacon_delivery_latency_seconds",
			Help:    "Time taken to deliver one batch to a worker",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Result ingestion.
	ResultsIngested = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "beacon_results_ingested_total",
			Help: "Total number of job results accepted into the cache",
		},
	)

	ResultsRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "beacon_results_rejected_total",
			Help: "Total number of job results dropped at ingestion",
		},
		[]string{"reason"},
	)

	// Judgment.
	JudgmentsComputed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "beacon_judgments_computed_total",
			Help: "Total number of per-task judgments computed",
		},
		[]string{"task_type", "verdict"},
	)

	// Portal reporter.
	PortalReportsSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "beacon_portal_reports_sent_total",
			Help: "Total number of reports sent to the portal",
		},
		[]string{"outcome"},
	)

	PortalReportLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "beacon_portal_report_latency_seconds",
			Help:    "Time taken to successfully deliver a portal report, including retries",
			Buckets: prometheus.DefBuckets,
		},
	)

	// HTTP API.
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "beacon_api_requests_total",
			Help: "Total number of inbound API requests by route and status",
		},
		[]string{"route", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "beacon_api_request_duration_seconds",
			Help:    "Inbound API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)
)

func init() {
	prometheus.MustRegister(
		ProvidersTotal,
		WorkersTotal,
		WorkersEjected,
		PlanTransitions,
		JobsEmitted,
		JobsSuppressed,
		GenerationLatency,
		AssignmentsDelivered,
		AssignmentsRetried,
		DeliveryLatency,
		ResultsIngested,
		ResultsRejected,
		JudgmentsComputed,
		PortalReportsSent,
		PortalReportLatency,
		APIRequestsTotal,
		APIRequestDuration,
	)
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer starts a new Timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time to histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the elapsed time to a labeled histogram.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
