package scheduler_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

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

func linearWorkflow(t *testing.T) *workflow.Workflow {
	t.Helper()
	b := workflow.NewBuilder("linear").WithMergePolicy(taskctx.LastWriterWins)
	b.AddTask(workflow.Task{ID: "a", Run: func(c taskctx.Context) (taskctx.Context, error) { return c, nil }})
	b.AddTask(workflow.Task{ID: "b", Dependencies: []string{"a"}, Run: func(c taskctx.Context) (taskctx.Context, error) { return c, nil }})
	wf, err := b.Build()
	require.NoError(t, err)
	return wf
}

func seedPipeline(t *testing.T, st store.Store, wf *workflow.Workflow) ids.ID {
	t.Helper()
	var seeds []store.TaskSeed
	for _, id := range wf.Graph().TopologicalOrder() {
		task := wf.Tasks[id]
		seeds = append(seeds, store.TaskSeed{
			TaskID:           id,
			NamespacedTaskID: wf.Name + "." + id,
			Dependencies:     task.Dependencies,
			MaxAttempts:      task.Retry.MaxAttempts,
		})
	}
	pipelineID, err := st.CreatePipeline(context.Background(), wf.Name, wf.Fingerprint(), seeds, ids.JSON{}, "")
	require.NoError(t, err)
	return pipelineID
}

func TestTick_RootTaskBecomesReady(t *testing.T) {
	ctx := context.Background()
	st := newMemStore(t)
	wf := linearWorkflow(t)
	pipelineID := seedPipeline(t, st, wf)

	sch := scheduler.New(st)
	sch.Track(pipelineID, wf)
	require.NoError(t, sch.Tick(ctx, pipelineID))

	tasks, err := st.ListTasks(ctx, pipelineID)
	require.NoError(t, err)

	byID := map[string]store.TaskExecution{}
	for _, ti := range tasks {
		byID[ti.TaskID] = ti
	}
	require.Equal(t, store.TaskReady, byID["a"].Status)
	require.Equal(t, store.TaskNotStarted, byID["b"].Status)
}

func TestTick_CompletesPipelineWhenAllTerminal(t *testing.T) {
	ctx := context.Background()
	st := newMemStore(t)
	wf := linearWorkflow(t)
	pipelineID := seedPipeline(t, st, wf)

	sch := scheduler.New(st)
	sch.Track(pipelineID, wf)

	require.NoError(t, sch.Tick(ctx, pipelineID))
	claimed, ok, err := st.ClaimReadyTask(ctx, "worker-1", nil)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "a", claimed.Task.TaskID)
	require.NoError(t, st.MarkCompleted(ctx, claimed.Task.ID, ids.JSON{}))

	require.NoError(t, sch.Tick(ctx, pipelineID))
	claimed, ok, err = st.ClaimReadyTask(ctx, "worker-1", nil)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "b", claimed.Task.TaskID)
	require.NoError(t, st.MarkCompleted(ctx, claimed.Task.ID, ids.JSON{}))

	require.NoError(t, sch.Tick(ctx, pipelineID))
	pipeline, err := st.GetPipeline(ctx, pipelineID)
	require.NoError(t, err)
	require.Equal(t, store.PipelineCompleted, pipeline.Status)
}
