// Package recovery periodically heals a pipeline's durable state after a
// worker crash or missed notification: tasks stuck Running past a
// staleness window are requeued or abandoned, Ready tasks that lost
// their outbox row are reinserted, and pipelines whose tasks have all
// gone terminal without the pipeline itself closing out are completed
// or failed. This poll-for-staleness loop plays the same role as a
// RecoveryService that scans for stale running/pending rows on an
// interval, just scoped to task_executions instead of a single
// workflow_executions table, since the store already knows how to
// requeue and abandon individual tasks atomically.
package recovery

import (
	"context"
	"time"

	"github.com/sony/gobreaker"

	"github.com/cloacina-io/cloacina/internal/logging"
	"github.com/cloacina-io/cloacina/internal/metrics"
	"github.com/cloacina-io/cloacina/internal/store"
)

var log = logging.Component("recovery")

// Runner drives the three healing passes on a fixed interval until
// Stop is called. It only heals storage state (requeue/abandon stale
// tasks, restore missing outbox rows, close out finished pipelines);
// re-evaluating readiness for anything it requeues is the scheduler's
// own poll loop's job (internal/scheduler.Scheduler.Run), not this one's.
//
// Every store call in a pass runs through a gobreaker.CircuitBreaker so
// a database outage trips the breaker after a handful of consecutive
// failures instead of letting runOnce hammer a dead connection pool
// once per interval forever.
type Runner struct {
	st         store.Store
	staleAfter time.Duration
	interval   time.Duration
	breaker    *gobreaker.CircuitBreaker

	stopCh chan struct{}
	doneCh chan struct{}
}

func New(st store.Store, staleAfter, interval time.Duration) *Runner {
	if interval <= 0 {
		interval = time.Minute
	}
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "recovery-store",
		MaxRequests: 1,
		Interval:    0,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.WithField("breaker", name).WithField("from", from.String()).WithField("to", to.String()).Warn("recovery store circuit breaker changed state")
		},
	})
	return &Runner{
		st:         st,
		staleAfter: staleAfter,
		interval:   interval,
		breaker:    breaker,
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
}

// Start runs the healing loop in the background until Stop is called or
// ctx is cancelled.
func (r *Runner) Start(ctx context.Context) {
	go func() {
		defer close(r.doneCh)
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-r.stopCh:
				return
			case <-ticker.C:
				r.runOnce(ctx)
			}
		}
	}()
}

func (r *Runner) Stop() {
	close(r.stopCh)
	<-r.doneCh
}

// RunOnce performs one healing pass immediately; Start's ticker runs the
// same pass on every tick, and callers such as tests can invoke it
// directly too.
func (r *Runner) RunOnce(ctx context.Context) {
	r.runOnce(ctx)
}

func (r *Runner) runOnce(ctx context.Context) {
	// RecoverStaleRunning records its own task.retry_scheduled /
	// task.abandoned events and recovery_events rows per task as it
	// goes, so there's nothing further to log here beyond the summary.
	result, err := r.breaker.Execute(func() (interface{}, error) {
		recovered, abandoned, err := r.st.RecoverStaleRunning(ctx, r.staleAfter)
		return [2]int{recovered, abandoned}, err
	})
	if err != nil {
		log.WithError(err).Error("recover stale running tasks failed")
	} else {
		counts := result.([2]int)
		recovered, abandoned := counts[0], counts[1]
		metrics.RecoveryRequeued.Add(float64(recovered))
		metrics.RecoveryAbandoned.Add(float64(abandoned))
		if recovered+abandoned > 0 {
			log.WithField("recovered", recovered).WithField("abandoned", abandoned).Info("recovered stale running tasks")
		}
	}

	reinsertedVal, err := r.breaker.Execute(func() (interface{}, error) {
		return r.st.ReinsertMissingOutbox(ctx)
	})
	if err != nil {
		log.WithError(err).Error("reinsert missing outbox rows failed")
	} else if reinserted := reinsertedVal.(int); reinserted > 0 {
		log.WithField("reinserted", reinserted).Info("reinserted missing outbox rows for ready tasks")
	}

	closedVal, err := r.breaker.Execute(func() (interface{}, error) {
		return r.st.CloseStuckPipelines(ctx)
	})
	if err != nil {
		log.WithError(err).Error("close stuck pipelines failed")
	} else if closed := closedVal.(int); closed > 0 {
		log.WithField("closed", closed).Info("closed pipelines whose tasks had all gone terminal")
	}
}
