package recovery_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cloacina-io/cloacina/internal/ids"
	"github.com/cloacina-io/cloacina/internal/recovery"
	"github.com/cloacina-io/cloacina/internal/store"
	"github.com/cloacina-io/cloacina/internal/store/sqlite"
)

func newMemStore(t *testing.T) store.Store {
	t.Helper()
	db, err := sqlite.Connect(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return sqlite.New(db)
}

func TestRunOnce_RequeuesStaleRunningTask(t *testing.T) {
	ctx := context.Background()
	st := newMemStore(t)

	pipelineID, err := st.CreatePipeline(ctx, "stuck", "fp-stuck", []store.TaskSeed{
		{TaskID: "only", NamespacedTaskID: "stuck.only", MaxAttempts: 3},
	}, ids.JSON{}, "")
	require.NoError(t, err)

	tasks, err := st.ListTasks(ctx, pipelineID)
	require.NoError(t, err)
	require.NoError(t, st.MarkReady(ctx, tasks[0].ID))
	_, ok, err := st.ClaimReadyTask(ctx, "worker-1", nil)
	require.NoError(t, err)
	require.True(t, ok)

	r := recovery.New(st, -time.Second, time.Hour)
	r.RunOnce(ctx)

	tasks, err = st.ListTasks(ctx, pipelineID)
	require.NoError(t, err)
	require.Equal(t, store.TaskReady, tasks[0].Status)
}

func TestRunOnce_AbandonsWhenAttemptsExhausted(t *testing.T) {
	ctx := context.Background()
	st := newMemStore(t)

	pipelineID, err := st.CreatePipeline(ctx, "exhausted", "fp-exhausted", []store.TaskSeed{
		{TaskID: "only", NamespacedTaskID: "exhausted.only", MaxAttempts: 1},
	}, ids.JSON{}, "")
	require.NoError(t, err)

	tasks, err := st.ListTasks(ctx, pipelineID)
	require.NoError(t, err)
	require.NoError(t, st.MarkReady(ctx, tasks[0].ID))
	_, ok, err := st.ClaimReadyTask(ctx, "worker-1", nil)
	require.NoError(t, err)
	require.True(t, ok)

	r := recovery.New(st, -time.Second, time.Hour)
	r.RunOnce(ctx)

	tasks, err = st.ListTasks(ctx, pipelineID)
	require.NoError(t, err)
	require.Equal(t, store.TaskAbandoned, tasks[0].Status)
}
