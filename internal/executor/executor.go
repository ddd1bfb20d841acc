// Package executor runs claimed tasks: a pool of workers that claim
// ready work from the store, invoke the task's Runnable under its
// declared timeout, and record the outcome (completed, retry-scheduled,
// or abandoned), consulting each task's RetryPolicy along the way. The
// pool shape is a fixed number of worker goroutines pulling from a
// shared source with a stop channel, the common worker-pool pattern
// stripped to the one job shape this engine has: store.Store plus
// workflow.Task, no separate queue/job abstraction needed.
package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/cloacina-io/cloacina/internal/cloaerr"
	"github.com/cloacina-io/cloacina/internal/ids"
	"github.com/cloacina-io/cloacina/internal/logging"
	"github.com/cloacina-io/cloacina/internal/metrics"
	"github.com/cloacina-io/cloacina/internal/scheduler"
	"github.com/cloacina-io/cloacina/internal/store"
	"github.com/cloacina-io/cloacina/internal/taskctx"
	"github.com/cloacina-io/cloacina/workflow"
)

var log = logging.Component("executor")

// WorkSource hands a worker its next unit of work. The Postgres and
// SQLite Work Distributors (internal/distributor) both implement this,
// wrapping their respective notify/poll strategies behind
// one blocking call.
type WorkSource interface {
	// Next tries to claim one task and returns it with ok=true. When
	// nothing is claimable it waits for a wakeup, a poll interval, or ctx
	// to end, then returns ok=false so the caller loops and tries again.
	Next(ctx context.Context, workerID string) (store.ClaimedTask, bool, error)
}

// Lookup resolves a claimed task's namespaced ID back to its Runnable,
// retry policy, and the merge policy of the workflow it belongs to.
type Lookup interface {
	Resolve(namespacedTaskID string) (task workflow.Task, merge taskctx.MergePolicy, ok bool)
}

// Pool runs a fixed number of worker goroutines, each looping
// claim -> run -> record outcome until Stop is called.
type Pool struct {
	st     store.Store
	source WorkSource
	lookup Lookup
	sched  *scheduler.Scheduler

	workerCount int
	stopOnce    sync.Once
	stopCh      chan struct{}
	wg          sync.WaitGroup
}

func NewPool(st store.Store, source WorkSource, lookup Lookup, sched *scheduler.Scheduler, workerCount int) *Pool {
	if workerCount < 1 {
		workerCount = 1
	}
	return &Pool{
		st:          st,
		source:      source,
		lookup:      lookup,
		sched:       sched,
		workerCount: workerCount,
		stopCh:      make(chan struct{}),
	}
}

func (p *Pool) Start(ctx context.Context) {
	log.WithField("workers", p.workerCount).Info("starting executor pool")
	for i := 0; i < p.workerCount; i++ {
		workerID := fmt.Sprintf("worker-%d", i)
		p.wg.Add(1)
		go p.runWorker(ctx, workerID)
	}
}

func (p *Pool) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
	p.wg.Wait()
	log.Info("executor pool stopped")
}

func (p *Pool) runWorker(ctx context.Context, workerID string) {
	defer p.wg.Done()
	logger := log.WithField("worker_id", workerID)

	for {
		select {
		case <-p.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		claimed, ok, err := p.source.Next(ctx, workerID)
		if err != nil {
			logger.WithError(err).Warn("claim failed")
			continue
		}
		if !ok {
			continue // ctx done, or source chose to return empty; loop re-checks stop/ctx above
		}
		metrics.TaskClaims.WithLabelValues(workerID).Inc()

		p.runOne(ctx, workerID, claimed)
	}
}

// runResult carries a task's outcome back from the goroutine it runs in,
// since Runnable has no context.Context parameter of its own to cancel.
type runResult struct {
	output taskctx.Context
	err    error
}

func (p *Pool) runOne(ctx context.Context, workerID string, claimed store.ClaimedTask) {
	logger := log.WithField("worker_id", workerID).WithField("task_id", claimed.Task.TaskID)

	task, merge, ok := p.lookup.Resolve(claimed.Task.NamespacedTaskID)
	if !ok {
		logger.Error("no Runnable registered for this task")
		p.abandon(ctx, claimed, fmt.Sprintf("no Runnable registered for %q", claimed.Task.NamespacedTaskID))
		return
	}
	if merge == nil {
		merge = taskctx.LastWriterWins
	}

	branches := make([]taskctx.Branch, 0, len(claimed.DependencyOutputs))
	for depTaskID, output := range claimed.DependencyOutputs {
		branches = append(branches, taskctx.Branch{
			TaskID:      depTaskID,
			CompletedAt: claimed.DependencyCompletion[depTaskID],
			Output:      taskctx.FromJSON(output),
		})
	}
	input := merge(branches)

	start := time.Now()
	output, err := p.invoke(ctx, task, input)
	elapsed := time.Since(start)
	logger = logger.WithField("duration_ms", elapsed.Milliseconds())

	if err != nil {
		metrics.TaskDuration.WithLabelValues("failed").Observe(elapsed.Seconds())
		p.handleFailure(ctx, claimed, task, err, logger)
		return
	}
	metrics.TaskDuration.WithLabelValues("completed").Observe(elapsed.Seconds())

	if err := p.st.MarkCompleted(ctx, claimed.Task.ID, output.JSON()); err != nil {
		logger.WithError(err).Error("mark completed failed")
		return
	}
	metrics.TaskOutcomes.WithLabelValues("completed").Inc()
	logger.Info("task completed")
	p.nudgeScheduler(ctx, claimed.Task.PipelineExecutionID)
}

// invoke runs task.Run to completion, but gives up waiting (and reports
// a retryable timeout error) once task.Timeout elapses. The goroutine
// itself is not killed — Runnable has no cancellation hook — so a
// task that ignores its deadline keeps running in the background, the
// same way an unbounded handler would in any fire-and-forget worker.
func (p *Pool) invoke(ctx context.Context, task workflow.Task, input taskctx.Context) (taskctx.Context, error) {
	resultCh := make(chan runResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				resultCh <- runResult{err: fmt.Errorf("%w: task %s panicked: %v", cloaerr.ErrUserTaskRetryable, task.ID, r)}
			}
		}()
		out, err := task.Run(input)
		resultCh <- runResult{output: out, err: err}
	}()

	if task.Timeout <= 0 {
		r := <-resultCh
		return r.output, r.err
	}

	select {
	case r := <-resultCh:
		return r.output, r.err
	case <-time.After(task.Timeout):
		return taskctx.Context{}, &cloaerr.TimeoutError{TaskID: task.ID}
	case <-ctx.Done():
		return taskctx.Context{}, ctx.Err()
	}
}

func (p *Pool) handleFailure(ctx context.Context, claimed store.ClaimedTask, task workflow.Task, taskErr error, logger *logrus.Entry) {
	retryable := !errors.Is(taskErr, cloaerr.ErrUserTaskFatal) && task.Retry.IsRetryable(taskErr)

	if err := p.st.MarkFailed(ctx, claimed.Task.ID, taskErr.Error(), retryable); err != nil {
		logger.WithError(err).Error("mark failed failed")
		return
	}

	attempt := claimed.Task.Attempt
	maxAttempts := task.Retry.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	if retryable && attempt < maxAttempts {
		delay := task.Retry.NextDelay(attempt)
		if err := p.st.ScheduleRetry(ctx, claimed.Task.ID, delay); err != nil {
			logger.WithError(err).Error("schedule retry failed")
			return
		}
		logger.WithField("retry_delay", delay.String()).Warn("task failed, retry scheduled")
		metrics.TaskOutcomes.WithLabelValues("retried").Inc()
		p.nudgeScheduler(ctx, claimed.Task.PipelineExecutionID)
		return
	}

	reason := fmt.Sprintf("attempts exhausted after %d/%d: %s", attempt, maxAttempts, taskErr)
	if err := p.st.MarkAbandoned(ctx, claimed.Task.ID, reason); err != nil {
		logger.WithError(err).Error("mark abandoned failed")
		return
	}
	metrics.TaskOutcomes.WithLabelValues("abandoned").Inc()
	logger.WithField("reason", reason).Warn("task abandoned")
	p.nudgeScheduler(ctx, claimed.Task.PipelineExecutionID)
}

func (p *Pool) nudgeScheduler(ctx context.Context, pipelineID ids.ID) {
	if p.sched == nil {
		return
	}
	if err := p.sched.Tick(ctx, pipelineID); err != nil {
		log.WithField("pipeline_id", pipelineID.String()).WithError(err).Warn("scheduler tick after task outcome failed")
	}
}

func (p *Pool) abandon(ctx context.Context, claimed store.ClaimedTask, reason string) {
	if err := p.st.MarkAbandoned(ctx, claimed.Task.ID, reason); err != nil {
		log.WithField("task_id", claimed.Task.TaskID).WithError(err).Error("mark abandoned failed")
		return
	}
	p.nudgeScheduler(ctx, claimed.Task.PipelineExecutionID)
}
