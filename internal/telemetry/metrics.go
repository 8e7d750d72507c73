package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	GatewayRequests  = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "gateway_requests_total", Help: "Gateway requests by route and status code"}, []string{"route", "code"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "gateway_rate_limit_rejects_total", Help: "Requests rejected by rate limiter"})
	DaemonCalls      = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "daemon_calls_total", Help: "Inference daemon calls by operation, dialect and outcome"}, []string{"op", "dialect", "outcome"})
	DaemonFailovers  = prometheus.NewCounter(prometheus.CounterOpts{Name: "daemon_failovers_total", Help: "Sticky switches from the primary to the fallback daemon"})
	JobsCreated      = prometheus.NewCounter(prometheus.CounterOpts{Name: "workflow_jobs_created_total", Help: "Workflow jobs created through the API"})
	JobsFinished     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "workflow_jobs_finished_total", Help: "Workflow jobs reaching a terminal state"}, []string{"status"})
	JobsInFlight     = prometheus.NewGauge(prometheus.GaugeOpts{Name: "workflow_jobs_inflight", Help: "Workflow jobs currently processing in this worker"})
	PhaseDuration    = prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: "workflow_phase_seconds", Help: "Duration of pipeline phases", Buckets: prometheus.ExponentialBuckets(0.1, 2, 12)}, []string{"phase"})
	DaemonRetries    = prometheus.NewCounter(prometheus.CounterOpts{Name: "workflow_daemon_retries_total", Help: "Pipeline-level retries of timed-out daemon calls"})
	QueueDepth       = prometheus.NewGauge(prometheus.GaugeOpts{Name: "workflow_queue_ready_depth", Help: "Dispatch hints waiting in the ready list"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			GatewayRequests,
			RateLimitRejects,
			DaemonCalls,
			DaemonFailovers,
			JobsCreated,
			JobsFinished,
			JobsInFlight,
			PhaseDuration,
			DaemonRetries,
			QueueDepth,
		)
	})
	return promhttp.Handler()
}
