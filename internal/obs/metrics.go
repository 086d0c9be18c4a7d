// Copyright 2025 James Ross
package obs

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	QueueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "meshcore_queue_depth",
		Help: "Current depth of a worker-type job queue",
	}, []string{"worker_type"})

	WorkersHealthy = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "meshcore_workers_healthy",
		Help: "Healthy worker count per type",
	}, []string{"worker_type"})

	WorkersTotal = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "meshcore_workers_total",
		Help: "Total known worker count per type",
	}, []string{"worker_type"})

	JobsCompleted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "meshcore_jobs_completed_total",
		Help: "Jobs completed per type",
	}, []string{"worker_type"})

	JobsFailed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "meshcore_jobs_failed_total",
		Help: "Jobs failed per type",
	}, []string{"worker_type"})

	ScalingEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "meshcore_scaling_events_total",
		Help: "Scaling decisions executed, by worker type and decision",
	}, []string{"worker_type", "decision"})

	CircuitState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "meshcore_circuit_state",
		Help: "0 Closed, 1 HalfOpen, 2 Open",
	}, []string{"worker_type"})

	OperationDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "meshcore_operation_duration_seconds",
		Help:    "Latency of runtime façade operations",
		Buckets: prometheus.DefBuckets,
	}, []string{"action"})

	ReclaimedJobs = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "meshcore_reclaimed_jobs_total",
		Help: "Jobs reclaimed from a dead consumer's pending list",
	}, []string{"worker_type"})

	BackendCircuitState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "meshcore_backend_circuit_state",
		Help: "0 Closed, 1 HalfOpen, 2 Open — sliding-window breaker over orchestration backend calls",
	}, []string{"orchestrator"})
)

func init() {
	prometheus.MustRegister(
		QueueDepth, WorkersHealthy, WorkersTotal, JobsCompleted, JobsFailed,
		ScalingEvents, CircuitState, OperationDuration, ReclaimedJobs, BackendCircuitState,
	)
}
