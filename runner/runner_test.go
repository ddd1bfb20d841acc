package runner_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cloacina-io/cloacina/internal/config"
	"github.com/cloacina-io/cloacina/internal/ids"
	"github.com/cloacina-io/cloacina/internal/store"
	"github.com/cloacina-io/cloacina/internal/taskctx"
	"github.com/cloacina-io/cloacina/runner"
	"github.com/cloacina-io/cloacina/workflow"
)

func newTestRunner(t *testing.T) *runner.Runner {
	t.Helper()
	cfg := config.Default()
	cfg.DSN = ":memory:"
	cfg.MaxConcurrentTasks = 2
	cfg.SchedulerPollInterval = 20 * time.Millisecond
	cfg.ExecutorPollInterval = 20 * time.Millisecond
	cfg.RecoveryCheckInterval = time.Hour

	r, err := runner.New(context.Background(), cfg)
	require.NoError(t, err)
	return r
}

func TestRunner_Execute_LinearWorkflow(t *testing.T) {
	r := newTestRunner(t)

	b := workflow.NewBuilder("etl").WithMergePolicy(taskctx.LastWriterWins)
	b.AddTask(workflow.Task{ID: "extract", Run: func(c taskctx.Context) (taskctx.Context, error) {
		c.Insert("rows", 3)
		return c, nil
	}})
	b.AddTask(workflow.Task{ID: "load", Dependencies: []string{"extract"}, Run: func(c taskctx.Context) (taskctx.Context, error) {
		rows, _ := c.Get("rows")
		c.Insert("loaded", rows)
		return c, nil
	}})
	wf, err := b.Build()
	require.NoError(t, err)
	require.NoError(t, r.Register(wf))

	ctx := context.Background()
	r.Start(ctx)
	defer r.Shutdown(2 * time.Second)

	result, err := r.Execute(ctx, "etl", ids.JSON{})
	require.NoError(t, err)
	require.Equal(t, store.PipelineCompleted, result.Status)
	require.Equal(t, float64(3), toFloat(result.Context["loaded"]))
}

func toFloat(v interface{}) float64 {
	switch n := v.(type) {
	case int:
		return float64(n)
	case float64:
		return n
	default:
		return -1
	}
}

func TestRunner_PauseAndResume(t *testing.T) {
	r := newTestRunner(t)

	b := workflow.NewBuilder("pauseable").WithMergePolicy(taskctx.LastWriterWins)
	b.AddTask(workflow.Task{ID: "only", Run: func(c taskctx.Context) (taskctx.Context, error) { return c, nil }})
	wf, err := b.Build()
	require.NoError(t, err)
	require.NoError(t, r.Register(wf))

	ctx := context.Background()
	r.Start(ctx)
	defer r.Shutdown(2 * time.Second)

	handle, err := r.ExecuteAsync(ctx, "pauseable", ids.JSON{})
	require.NoError(t, err)
	require.NoError(t, r.Pause(ctx, handle.PipelineID()))

	status, err := handle.Status(ctx)
	require.NoError(t, err)
	require.Equal(t, store.PipelinePaused, status)

	require.NoError(t, r.Resume(ctx, handle.PipelineID()))
	result, err := handle.Await(ctx)
	require.NoError(t, err)
	require.Equal(t, store.PipelineCompleted, result.Status)
}
