// Package metrics holds the Prometheus collectors of the job processing
// subsystem. Collectors register with the default registry, which the API
// server exposes on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Reasons used in the "reason" label.
const (
	ReasonHandler   = "handler"
	ReasonNoHandler = "no_handler"
	ReasonStalled   = "stalled"
)

var (
	JobsCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "jobflow",
		Name:      "jobs_created_total",
		Help:      "Jobs enqueued, by job type.",
	}, []string{"type"})

	JobsClaimed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "jobflow",
		Name:      "jobs_claimed_total",
		Help:      "Successful claims, by job type.",
	}, []string{"type"})

	JobsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "jobflow",
		Name:      "jobs_completed_total",
		Help:      "Jobs moved to COMPLETED, by job type.",
	}, []string{"type"})

	JobsFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "jobflow",
		Name:      "jobs_failed_total",
		Help:      "Jobs moved to FAILED, by job type and reason.",
	}, []string{"type", "reason"})

	JobsRequeued = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "jobflow",
		Name:      "jobs_requeued_total",
		Help:      "Jobs returned to PENDING, by job type and reason.",
	}, []string{"type", "reason"})

	HandlerDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "jobflow",
		Name:      "handler_duration_seconds",
		Help:      "Wall time of handler executions.",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 14),
	}, []string{"type", "outcome"})

	HeartbeatErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "jobflow",
		Name:      "heartbeat_errors_total",
		Help:      "Heartbeats that could not be persisted.",
	})

	Sweeps = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "jobflow",
		Name:      "sweeps_total",
		Help:      "Stalled-job sweeps run.",
	})
)
