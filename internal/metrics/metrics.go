// Package metrics provides Prometheus instrumentation for the broker master
// process: HTTP admin API traffic plus worker-pool and queue gauges set by
// internal/dispatcher (internal/health maintains only RequestsPerSecond).
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP metrics for the admin API.
var (
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "broker_http_requests_total",
		Help: "Total HTTP requests to the admin API, by method, path and status.",
	}, []string{"method", "path", "status"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "broker_http_request_duration_seconds",
		Help:    "HTTP admin API request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})
)

// Worker pool and queue gauges (spec §4.5 worker states, §4.9 telemetry).
var (
	ActiveWorkers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "broker_active_workers",
		Help: "Current number of worker processes in the pool.",
	})

	BusyWorkers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "broker_busy_workers",
		Help: "Current number of workers in the BUSY state.",
	})

	QueuedJobs = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "broker_queued_jobs",
		Help: "Current number of jobs waiting in the dispatch queue.",
	})
)

// Counters for admission and dispatch outcomes (spec §5, §7).
var (
	RequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "broker_requests_total",
		Help: "Total client connections accepted by the broker.",
	}, []string{"result"})

	RPCErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "broker_rpc_errors_total",
		Help: "Total wire-level error responses sent to clients, by error code.",
	}, []string{"code"})

	WorkerRespawns = promauto.NewCounter(prometheus.CounterOpts{
		Name: "broker_worker_respawns_total",
		Help: "Total worker processes spawned, including startup, auto-add and replacement spawns.",
	})

	DispatchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "broker_dispatch_duration_seconds",
		Help:    "Time the dispatcher spends handling one submitted job (hand-off, queueing or rejection).",
		Buckets: prometheus.DefBuckets,
	})
)

// RequestsPerSecond is an EWMA gauge maintained by internal/health.
var RequestsPerSecond = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "broker_requests_per_second",
	Help: "Exponentially weighted moving average of accepted requests per second.",
})
