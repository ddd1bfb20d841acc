// Package metrics holds the engine's prometheus collectors: claim
// counts, task outcomes (including retries), task duration, scheduler
// tick duration, tracked pipelines, and recovery requeue/abandon counts.
// Collectors live on the default registry so the admin CLI's serve
// command can mount promhttp.Handler() without threading a custom
// registry through the Runner.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TaskClaims = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cloacina",
		Subsystem: "executor",
		Name:      "task_claims_total",
		Help:      "Tasks claimed from the outbox, by worker.",
	}, []string{"worker_id"})

	TaskOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cloacina",
		Subsystem: "executor",
		Name:      "task_outcomes_total",
		Help:      "Terminal task outcomes, by result.",
	}, []string{"result"}) // completed, retried, abandoned

	TaskDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "cloacina",
		Subsystem: "executor",
		Name:      "task_duration_seconds",
		Help:      "Wall-clock time spent inside a task's Run, including timeouts.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"result"})

	SchedulerTickDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "cloacina",
		Subsystem: "scheduler",
		Name:      "tick_duration_seconds",
		Help:      "Time spent evaluating one pipeline's readiness in Tick.",
		Buckets:   prometheus.DefBuckets,
	})

	TrackedPipelines = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "cloacina",
		Subsystem: "scheduler",
		Name:      "tracked_pipelines",
		Help:      "Pipelines currently tracked in-memory by the scheduler.",
	})

	RecoveryRequeued = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "cloacina",
		Subsystem: "recovery",
		Name:      "requeued_total",
		Help:      "Stale Running tasks requeued to Ready by the recovery loop.",
	})

	RecoveryAbandoned = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "cloacina",
		Subsystem: "recovery",
		Name:      "abandoned_total",
		Help:      "Stale Running tasks abandoned by the recovery loop after exhausting retries.",
	})
)
