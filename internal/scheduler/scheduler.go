// Package scheduler computes task readiness for a running pipeline: for
// every NotStarted task whose dependencies have all reached a terminal
// status, it evaluates the task's trigger rule against their outcomes
// and either marks the task Ready, marks it Skipped, or leaves it
// waiting. It also detects whole-pipeline completion and drives
// pause/resume. Tracking here is deliberately thin: PipelineStatus
// already encodes transition validity at the store layer, so this
// package only needs the mutex-guarded per-pipeline bookkeeping to know
// which pipelines are still worth ticking.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cloacina-io/cloacina/internal/ids"
	"github.com/cloacina-io/cloacina/internal/logging"
	"github.com/cloacina-io/cloacina/internal/metrics"
	"github.com/cloacina-io/cloacina/internal/store"
	"github.com/cloacina-io/cloacina/workflow"
)

var log = logging.Component("scheduler")

// Scheduler advances pipelines toward completion by computing readiness
// after every task transition. One Scheduler instance serves every
// pipeline execution against a given Store.
type Scheduler struct {
	st store.Store

	mu       sync.Mutex
	tracking map[ids.ID]*workflow.Workflow
}

func New(st store.Store) *Scheduler {
	return &Scheduler{st: st, tracking: make(map[ids.ID]*workflow.Workflow)}
}

// Track associates a pipeline execution with the in-memory Workflow
// declaration that produced it, so Tick can look up each task's
// dependencies and trigger rule. The runner façade calls this once per
// Execute/ExecuteAsync.
func (s *Scheduler) Track(pipelineID ids.ID, wf *workflow.Workflow) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tracking[pipelineID] = wf
	metrics.TrackedPipelines.Set(float64(len(s.tracking)))
}

func (s *Scheduler) Untrack(pipelineID ids.ID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tracking, pipelineID)
	metrics.TrackedPipelines.Set(float64(len(s.tracking)))
}

func (s *Scheduler) workflowFor(pipelineID ids.ID) (*workflow.Workflow, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	wf, ok := s.tracking[pipelineID]
	return wf, ok
}

// Tick recomputes readiness for one pipeline execution: it evaluates
// every NotStarted task against its dependencies' current outcomes,
// marks newly-ready or newly-skipped tasks, and closes the pipeline out
// if every task has reached a terminal status. It is idempotent and
// safe to call repeatedly (e.g. on a poll loop, or after every task
// transition as an event-driven nudge).
func (s *Scheduler) Tick(ctx context.Context, pipelineID ids.ID) error {
	start := time.Now()
	defer func() { metrics.SchedulerTickDuration.Observe(time.Since(start).Seconds()) }()

	wf, ok := s.workflowFor(pipelineID)
	if !ok {
		return fmt.Errorf("scheduler: pipeline %s is not tracked", pipelineID)
	}

	pipeline, err := s.st.GetPipeline(ctx, pipelineID)
	if err != nil {
		return fmt.Errorf("scheduler: load pipeline %s: %w", pipelineID, err)
	}
	if pipeline.Status.Terminal() || pipeline.Status == store.PipelinePaused {
		return nil
	}

	tasks, err := s.st.ListTasks(ctx, pipelineID)
	if err != nil {
		return fmt.Errorf("scheduler: list tasks for %s: %w", pipelineID, err)
	}
	byTaskID := make(map[string]store.TaskExecution, len(tasks))
	for _, t := range tasks {
		byTaskID[t.TaskID] = t
	}

	mergedContext, err := s.st.GetContext(ctx, pipelineID)
	if err != nil {
		return fmt.Errorf("scheduler: load context for %s: %w", pipelineID, err)
	}

	allTerminal := true
	anyAbandoned := false

	for _, t := range tasks {
		if t.Status != store.TaskNotStarted {
			if !t.Status.Terminal() {
				allTerminal = false
			}
			if t.Status == store.TaskAbandoned {
				anyAbandoned = true
			}
			continue
		}

		decl, ok := wf.Tasks[t.TaskID]
		if !ok {
			return fmt.Errorf("scheduler: task %q has no declaration in workflow %q", t.TaskID, wf.Name)
		}

		outcomes := make([]workflow.DependencyOutcome, 0, len(decl.Dependencies))
		depsReady := true
		for _, depID := range decl.Dependencies {
			dep, ok := byTaskID[depID]
			if !ok || !dep.Status.Terminal() {
				depsReady = false
				break
			}
			outcomes = append(outcomes, workflow.DependencyOutcome{
				TaskID:    depID,
				Succeeded: dep.Status == store.TaskCompleted,
			})
		}
		if !depsReady {
			allTerminal = false
			continue
		}

		fire, err := decl.Trigger.Evaluate(outcomes, mergedContext)
		if err != nil {
			return fmt.Errorf("scheduler: evaluate trigger for %q: %w", t.TaskID, err)
		}

		if fire {
			if err := s.st.MarkReady(ctx, t.ID); err != nil {
				return fmt.Errorf("scheduler: mark %q ready: %w", t.TaskID, err)
			}
			allTerminal = false
			log.WithField("task_id", t.TaskID).Debug("task marked ready")
		} else {
			if err := s.st.MarkSkipped(ctx, t.ID, "trigger rule did not fire"); err != nil {
				return fmt.Errorf("scheduler: skip %q: %w", t.TaskID, err)
			}
			log.WithField("task_id", t.TaskID).Debug("task skipped: trigger rule did not fire")
		}
	}

	if allTerminal {
		if anyAbandoned {
			if err := s.st.FailPipeline(ctx, pipelineID, "one or more tasks abandoned"); err != nil {
				return fmt.Errorf("scheduler: fail pipeline %s: %w", pipelineID, err)
			}
			log.WithField("pipeline_id", pipelineID.String()).Info("pipeline failed")
		} else {
			if err := s.st.CompletePipeline(ctx, pipelineID); err != nil {
				return fmt.Errorf("scheduler: complete pipeline %s: %w", pipelineID, err)
			}
			log.WithField("pipeline_id", pipelineID.String()).Info("pipeline completed")
		}
		s.Untrack(pipelineID)
	}

	return nil
}

// Pause and Resume delegate directly to the store; both are idempotent
// there, so the scheduler doesn't need its own phase
// guard on top.
func (s *Scheduler) Pause(ctx context.Context, pipelineID ids.ID) error {
	return s.st.PausePipeline(ctx, pipelineID)
}

func (s *Scheduler) Resume(ctx context.Context, pipelineID ids.ID) error {
	if err := s.st.ResumePipeline(ctx, pipelineID); err != nil {
		return err
	}
	return s.Tick(ctx, pipelineID)
}

// Run polls every tracked pipeline every interval until ctx is
// cancelled. Event-driven callers (the executor, after each task
// transition) should still call Tick directly for low-latency
// readiness; Run exists as the fallback that guarantees forward
// progress even if a nudge is missed, mirroring the Work Distributor's
// own poll fallback.
func (s *Scheduler) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			pipelineIDs := make([]ids.ID, 0, len(s.tracking))
			for id := range s.tracking {
				pipelineIDs = append(pipelineIDs, id)
			}
			s.mu.Unlock()

			for _, id := range pipelineIDs {
				if err := s.Tick(ctx, id); err != nil {
					log.WithField("pipeline_id", id.String()).WithError(err).Warn("scheduler tick failed")
				}
			}
		}
	}
}
