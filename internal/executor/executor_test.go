package executor_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cloacina-io/cloacina/internal/executor"
	"github.com/cloacina-io/cloacina/internal/ids"
	"github.com/cloacina-io/cloacina/internal/scheduler"
	"github.com/cloacina-io/cloacina/internal/store"
	"github.com/cloacina-io/cloacina/internal/store/sqlite"
	"github.com/cloacina-io/cloacina/internal/taskctx"
	"github.com/cloacina-io/cloacina/workflow"
)

func newMemStore(t *testing.T) store.Store {
	t.Helper()
	db, err := sqlite.Connect(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return sqlite.New(db)
}

// singleClaimSource adapts a bare store.Store into an executor.WorkSource
// that claims once per call and reports no further work, standing in for
// a real distributor in these unit tests.
type singleClaimSource struct {
	st store.Store
}

func (s singleClaimSource) Next(ctx context.Context, workerID string) (store.ClaimedTask, bool, error) {
	return s.st.ClaimReadyTask(ctx, workerID, nil)
}

// staticLookup resolves every namespaced task ID to the same workflow.Task.
type staticLookup struct {
	task  workflow.Task
	merge taskctx.MergePolicy
}

func (l staticLookup) Resolve(string) (workflow.Task, taskctx.MergePolicy, bool) {
	return l.task, l.merge, true
}

func seedSingleTask(t *testing.T, st store.Store, wfName string, task workflow.Task) ids.ID {
	t.Helper()
	seeds := []store.TaskSeed{{
		TaskID:           task.ID,
		NamespacedTaskID: wfName + "." + task.ID,
		MaxAttempts:      task.Retry.MaxAttempts,
	}}
	pipelineID, err := st.CreatePipeline(context.Background(), wfName, "fp-"+wfName, seeds, ids.JSON{}, "")
	require.NoError(t, err)
	require.NoError(t, st.MarkReady(context.Background(), mustOnlyTaskID(t, st, pipelineID)))
	return pipelineID
}

func mustOnlyTaskID(t *testing.T, st store.Store, pipelineID ids.ID) ids.ID {
	t.Helper()
	tasks, err := st.ListTasks(context.Background(), pipelineID)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	return tasks[0].ID
}

func TestPool_RunsAndCompletesTask(t *testing.T) {
	st := newMemStore(t)
	task := workflow.Task{
		ID: "greet",
		Run: func(c taskctx.Context) (taskctx.Context, error) {
			c.Insert("greeting", "hello")
			return c, nil
		},
	}
	pipelineID := seedSingleTask(t, st, "greetwf", task)

	pool := executor.NewPool(st, singleClaimSource{st}, staticLookup{task: task}, nil, 1)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	pool.Start(ctx)

	require.Eventually(t, func() bool {
		tasks, err := st.ListTasks(context.Background(), pipelineID)
		require.NoError(t, err)
		return tasks[0].Status == store.TaskCompleted
	}, time.Second, 10*time.Millisecond)

	pool.Stop()

	pipelineCtx, err := st.GetContext(context.Background(), pipelineID)
	require.NoError(t, err)
	greeting, ok := taskctx.FromJSON(pipelineCtx).Get("greeting")
	require.True(t, ok)
	require.Equal(t, "hello", greeting)
}

func TestPool_RetriesRetryableFailureThenAbandons(t *testing.T) {
	st := newMemStore(t)
	task := workflow.Task{
		ID:    "flaky",
		Retry: workflow.RetryPolicy{MaxAttempts: 2, Mode: workflow.BackoffFixed, FixedDelay: time.Millisecond},
		Run: func(c taskctx.Context) (taskctx.Context, error) {
			return c, errors.New("boom")
		},
	}
	pipelineID := seedSingleTask(t, st, "flakywf", task)

	pool := executor.NewPool(st, singleClaimSource{st}, staticLookup{task: task}, nil, 1)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	pool.Start(ctx)

	require.Eventually(t, func() bool {
		tasks, err := st.ListTasks(context.Background(), pipelineID)
		require.NoError(t, err)
		return tasks[0].Status == store.TaskAbandoned
	}, time.Second, 5*time.Millisecond)

	pool.Stop()
}

func TestPool_TimeoutProducesRetryableError(t *testing.T) {
	st := newMemStore(t)
	task := workflow.Task{
		ID:      "slow",
		Timeout: 10 * time.Millisecond,
		Retry:   workflow.RetryPolicy{MaxAttempts: 1},
		Run: func(c taskctx.Context) (taskctx.Context, error) {
			time.Sleep(200 * time.Millisecond)
			return c, nil
		},
	}
	pipelineID := seedSingleTask(t, st, "slowwf", task)

	pool := executor.NewPool(st, singleClaimSource{st}, staticLookup{task: task}, nil, 1)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	pool.Start(ctx)

	require.Eventually(t, func() bool {
		tasks, err := st.ListTasks(context.Background(), pipelineID)
		require.NoError(t, err)
		return tasks[0].Status == store.TaskAbandoned
	}, time.Second, 5*time.Millisecond)

	pool.Stop()

	events, err := st.GetEvents(context.Background(), pipelineID)
	require.NoError(t, err)
	var sawRetryableFailure bool
	for _, e := range events {
		if e.EventType == store.EventTaskFailed && e.EventData["retryable"] == true {
			sawRetryableFailure = true
		}
	}
	require.True(t, sawRetryableFailure)
}

func TestPool_NudgesSchedulerOnCompletion(t *testing.T) {
	st := newMemStore(t)
	b := workflow.NewBuilder("chain").WithMergePolicy(taskctx.LastWriterWins)
	b.AddTask(workflow.Task{ID: "a", Run: func(c taskctx.Context) (taskctx.Context, error) { return c, nil }})
	b.AddTask(workflow.Task{ID: "b", Dependencies: []string{"a"}, Run: func(c taskctx.Context) (taskctx.Context, error) { return c, nil }})
	wf, err := b.Build()
	require.NoError(t, err)

	var seeds []store.TaskSeed
	for _, id := range wf.Graph().TopologicalOrder() {
		task := wf.Tasks[id]
		seeds = append(seeds, store.TaskSeed{TaskID: id, NamespacedTaskID: wf.Name + "." + id, Dependencies: task.Dependencies})
	}
	pipelineID, err := st.CreatePipeline(context.Background(), wf.Name, wf.Fingerprint(), seeds, ids.JSON{}, "")
	require.NoError(t, err)

	sch := scheduler.New(st)
	sch.Track(pipelineID, wf)
	require.NoError(t, sch.Tick(context.Background(), pipelineID))

	lookup := multiLookup{wf: wf}
	pool := executor.NewPool(st, singleClaimSource{st}, lookup, sch, 2)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	pool.Start(ctx)

	require.Eventually(t, func() bool {
		pipeline, err := st.GetPipeline(context.Background(), pipelineID)
		require.NoError(t, err)
		return pipeline.Status == store.PipelineCompleted
	}, time.Second, 10*time.Millisecond)

	pool.Stop()
}

type multiLookup struct{ wf *workflow.Workflow }

func (l multiLookup) Resolve(namespacedTaskID string) (workflow.Task, taskctx.MergePolicy, bool) {
	for id, task := range l.wf.Tasks {
		if l.wf.Name+"."+id == namespacedTaskID {
			return task, l.wf.MergePolicy, true
		}
	}
	return workflow.Task{}, nil, false
}
