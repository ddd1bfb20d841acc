// Package runner is the embeddable façade applications use to register
// workflows and drive pipeline executions: it assembles the Data Access
// Layer, Scheduler, Executor pool, Work Distributor, and Recovery
// service behind one small surface (execute, execute_async, pause,
// resume, list_executions, get_events, get_recent_events, start,
// shutdown). Registered workflows live in a name-keyed registry guarded
// by a mutex, with synchronous Execute built on top of an async
// submit-then-await; unlike a purely in-memory operation tracker, every
// operation here already has a durable row in the Store, and awaiting a
// pipeline polls that row, so no per-operation state is held in memory.
package runner

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cloacina-io/cloacina/internal/cloaerr"
	"github.com/cloacina-io/cloacina/internal/config"
	"github.com/cloacina-io/cloacina/internal/executor"
	"github.com/cloacina-io/cloacina/internal/ids"
	"github.com/cloacina-io/cloacina/internal/logging"
	"github.com/cloacina-io/cloacina/internal/recovery"
	"github.com/cloacina-io/cloacina/internal/scheduler"
	"github.com/cloacina-io/cloacina/internal/store"
	distributorpg "github.com/cloacina-io/cloacina/internal/distributor/postgres"
	distributorsqlite "github.com/cloacina-io/cloacina/internal/distributor/sqlite"
	storepg "github.com/cloacina-io/cloacina/internal/store/postgres"
	storesqlite "github.com/cloacina-io/cloacina/internal/store/sqlite"
	"github.com/cloacina-io/cloacina/internal/taskctx"
	"github.com/cloacina-io/cloacina/workflow"
)

var log = logging.Component("runner")

// PipelineResult is what Execute returns: the pipeline's terminal status,
// its merged final context, and every task's outcome.
type PipelineResult struct {
	PipelineID ids.ID
	Status     store.PipelineStatus
	Context    ids.JSON
	Tasks      []store.TaskExecution
	Error      string
}

// PipelineHandle is what ExecuteAsync returns: a live reference to a
// submitted pipeline that the caller can poll, block on, or cancel.
type PipelineHandle struct {
	r          *Runner
	pipelineID ids.ID
}

func (h *PipelineHandle) PipelineID() ids.ID { return h.pipelineID }

// Status returns the pipeline's current status without blocking.
func (h *PipelineHandle) Status(ctx context.Context) (store.PipelineStatus, error) {
	p, err := h.r.st.GetPipeline(ctx, h.pipelineID)
	if err != nil {
		return "", err
	}
	return p.Status, nil
}

// Await blocks until the pipeline reaches a terminal status and returns
// its PipelineResult.
func (h *PipelineHandle) Await(ctx context.Context) (PipelineResult, error) {
	return h.r.awaitTerminal(ctx, h.pipelineID)
}

// Cancel transitions the pipeline straight to Cancelled. It does not
// interrupt any task already Running, the same way pausing doesn't;
// those tasks finish or time out on their own and Recovery reconciles
// anything left against the now-terminal pipeline.
func (h *PipelineHandle) Cancel(ctx context.Context) error {
	return h.r.st.CancelPipeline(ctx, h.pipelineID, "cancelled by caller")
}

// Runner wires together one Store, Scheduler, Executor pool, Work
// Distributor, and Recovery service for one process. One Runner serves
// every workflow registered against it.
type Runner struct {
	st    store.Store
	sched *scheduler.Scheduler
	pool  *executor.Pool
	recov *recovery.Runner

	pgDistributor *distributorpg.Distributor
	schedInterval time.Duration

	mu       sync.RWMutex
	registry map[string]*workflow.Workflow

	cancel context.CancelFunc
}

// registryLookup adapts Runner's name->Workflow registry into the
// executor.Lookup interface, resolving a namespaced task ID
// ("workflow_name.task_id") back to its declaration.
type registryLookup struct {
	r *Runner
}

func (l registryLookup) Resolve(namespacedTaskID string) (workflow.Task, taskctx.MergePolicy, bool) {
	l.r.mu.RLock()
	defer l.r.mu.RUnlock()
	for name, wf := range l.r.registry {
		for taskID, task := range wf.Tasks {
			if name+"."+taskID == namespacedTaskID {
				return task, wf.MergePolicy, true
			}
		}
	}
	return workflow.Task{}, nil, false
}

// New connects to the configured backend and assembles the engine. It
// does not start any background loop; call Start for that.
func New(ctx context.Context, cfg config.Config) (*Runner, error) {
	var (
		st  store.Store
		pgd *distributorpg.Distributor
		src executor.WorkSource
	)

	switch cfg.Backend {
	case config.BackendPostgres:
		pool, err := storepg.Connect(ctx, cfg.DSN, cfg.MultiTenantSchema)
		if err != nil {
			return nil, fmt.Errorf("runner: connect postgres: %w", err)
		}
		pgStore := storepg.New(pool)
		st = pgStore
		pgd = distributorpg.New(pgStore, pool, cfg.ExecutorPollInterval)
		src = pgd
	case config.BackendSQLite:
		db, err := storesqlite.Connect(ctx, cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("runner: connect sqlite: %w", err)
		}
		sqliteStore := storesqlite.New(db)
		st = sqliteStore
		src = distributorsqlite.New(sqliteStore, cfg.ExecutorPollInterval)
	default:
		return nil, fmt.Errorf("%w: unknown backend %q", cloaerr.ErrValidation, cfg.Backend)
	}

	r := &Runner{
		st:            st,
		sched:         scheduler.New(st),
		registry:      make(map[string]*workflow.Workflow),
		pgDistributor: pgd,
		schedInterval: cfg.SchedulerPollInterval,
	}
	r.pool = executor.NewPool(st, src, registryLookup{r}, r.sched, cfg.MaxConcurrentTasks)
	r.recov = recovery.New(st, cfg.RecoveryStaleAfter, cfg.RecoveryCheckInterval)
	return r, nil
}

// Register makes a workflow executable by name. Call it once per
// process for every workflow before Start.
func (r *Runner) Register(wf *workflow.Workflow) error {
	if wf.Name == "" {
		return fmt.Errorf("%w: workflow has no name", cloaerr.ErrValidation)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.registry[wf.Name]; exists {
		return fmt.Errorf("%w: workflow %q already registered", cloaerr.ErrValidation, wf.Name)
	}
	r.registry[wf.Name] = wf
	return nil
}

func (r *Runner) workflow(name string) (*workflow.Workflow, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	wf, ok := r.registry[name]
	return wf, ok
}

// Start brings up the executor pool, distributor, scheduler poll
// fallback, and recovery loop. The context governs their lifetime;
// Shutdown can also be used to stop them early.
func (r *Runner) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	if r.pgDistributor != nil {
		r.pgDistributor.Run(ctx)
	}
	r.pool.Start(ctx)
	r.recov.Start(ctx)
	interval := r.schedInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	go r.sched.Run(ctx, interval)
	log.Info("runner started")
}

// Shutdown stops accepting new claims, waits for in-flight tasks up to
// grace for a graceful stop, then closes the store.
func (r *Runner) Shutdown(grace time.Duration) error {
	if r.cancel != nil {
		r.cancel()
	}
	done := make(chan struct{})
	go func() {
		r.pool.Stop()
		r.recov.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(grace):
		log.Warn("shutdown grace period elapsed with workers still draining")
	}
	log.Info("runner stopped")
	return r.st.Close()
}

// Execute creates a pipeline from the workflow registered under
// workflowName and initialContext, drives it to a
// terminal status, and returns the result. It blocks for as long as
// ctx allows.
func (r *Runner) Execute(ctx context.Context, workflowName string, initialContext ids.JSON) (PipelineResult, error) {
	handle, err := r.ExecuteAsync(ctx, workflowName, initialContext)
	if err != nil {
		return PipelineResult{}, err
	}
	return handle.Await(ctx)
}

// ExecuteAsync creates a pipeline and returns immediately with a handle
// the caller can poll or await.
func (r *Runner) ExecuteAsync(ctx context.Context, workflowName string, initialContext ids.JSON) (*PipelineHandle, error) {
	wf, ok := r.workflow(workflowName)
	if !ok {
		return nil, fmt.Errorf("%w: workflow %q is not registered", cloaerr.ErrValidation, workflowName)
	}

	var seeds []store.TaskSeed
	for _, taskID := range wf.Graph().TopologicalOrder() {
		task := wf.Tasks[taskID]
		maxAttempts := task.Retry.MaxAttempts
		if maxAttempts <= 0 {
			maxAttempts = 1
		}
		seeds = append(seeds, store.TaskSeed{
			TaskID:           taskID,
			NamespacedTaskID: wf.Name + "." + taskID,
			Dependencies:     task.Dependencies,
			MaxAttempts:      maxAttempts,
		})
	}

	pipelineID, err := r.st.CreatePipeline(ctx, wf.Name, wf.Fingerprint(), seeds, initialContext, "")
	if err != nil {
		return nil, fmt.Errorf("runner: create pipeline: %w", err)
	}

	r.sched.Track(pipelineID, wf)
	if err := r.sched.Tick(ctx, pipelineID); err != nil {
		log.WithField("pipeline_id", pipelineID.String()).WithError(err).Warn("initial readiness tick failed")
	}

	return &PipelineHandle{r: r, pipelineID: pipelineID}, nil
}

func (r *Runner) awaitTerminal(ctx context.Context, pipelineID ids.ID) (PipelineResult, error) {
	const pollInterval = 50 * time.Millisecond
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		pipeline, err := r.st.GetPipeline(ctx, pipelineID)
		if err != nil {
			return PipelineResult{}, err
		}
		if pipeline.Status.Terminal() {
			tasks, err := r.st.ListTasks(ctx, pipelineID)
			if err != nil {
				return PipelineResult{}, err
			}
			mergedContext, err := r.st.GetContext(ctx, pipelineID)
			if err != nil {
				return PipelineResult{}, err
			}
			errMsg := ""
			if pipeline.Error != nil {
				errMsg = *pipeline.Error
			}
			return PipelineResult{
				PipelineID: pipelineID,
				Status:     pipeline.Status,
				Context:    mergedContext,
				Tasks:      tasks,
				Error:      errMsg,
			}, nil
		}

		select {
		case <-ctx.Done():
			return PipelineResult{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Pause and Resume are idempotent.
func (r *Runner) Pause(ctx context.Context, pipelineID ids.ID) error {
	return r.sched.Pause(ctx, pipelineID)
}

func (r *Runner) Resume(ctx context.Context, pipelineID ids.ID) error {
	wf, err := r.rehydrateWorkflow(ctx, pipelineID)
	if err != nil {
		return err
	}
	r.sched.Track(pipelineID, wf)
	return r.sched.Resume(ctx, pipelineID)
}

// rehydrateWorkflow looks the pipeline's declared workflow back up by
// name, needed when Resume is called from a process that didn't
// originally submit the pipeline (e.g. this process after a restart)
// and so never called Track for it.
func (r *Runner) rehydrateWorkflow(ctx context.Context, pipelineID ids.ID) (*workflow.Workflow, error) {
	pipeline, err := r.st.GetPipeline(ctx, pipelineID)
	if err != nil {
		return nil, err
	}
	wf, ok := r.workflow(pipeline.Name)
	if !ok {
		return nil, fmt.Errorf("%w: workflow %q for pipeline %s is not registered in this process", cloaerr.ErrValidation, pipeline.Name, pipelineID)
	}
	return wf, nil
}

func (r *Runner) ListExecutions(ctx context.Context, filter store.ExecutionFilter) ([]store.PipelineExecution, error) {
	return r.st.ListExecutions(ctx, filter)
}

func (r *Runner) GetEvents(ctx context.Context, pipelineID ids.ID) ([]store.ExecutionEvent, error) {
	return r.st.GetEvents(ctx, pipelineID)
}

func (r *Runner) GetRecentEvents(ctx context.Context, limit int) ([]store.ExecutionEvent, error) {
	return r.st.GetRecentEvents(ctx, limit)
}

// Store exposes the underlying Store for callers that need lower-level
// access.
func (r *Runner) Store() store.Store { return r.st }
