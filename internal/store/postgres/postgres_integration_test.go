//go:build integration

package postgres_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/cloacina-io/cloacina/internal/ids"
	"github.com/cloacina-io/cloacina/internal/store"
	"github.com/cloacina-io/cloacina/internal/store/postgres"
)

func setupPostgresContainer(t *testing.T) string {
	t.Helper()
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "testuser",
			"POSTGRES_PASSWORD": "testpass",
			"POSTGRES_DB":       "testdb",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432")
	require.NoError(t, err)

	return fmt.Sprintf("postgres://testuser:testpass@%s:%s/testdb?sslmode=disable", host, port.Port())
}

func newTestStore(t *testing.T, dsn, schema string) store.Store {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, postgres.ProvisionTenant(ctx, dsn, schema))
	pool, err := postgres.Connect(ctx, dsn, schema)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	return postgres.New(pool)
}

// TestIntegration_ClaimReadyTask_ExactlyOnce claims the same ready task
// from many concurrent goroutines and asserts exactly one of them wins,
// exercising the real FOR UPDATE SKIP LOCKED path against a real server
// rather than SQLite's single-connection stand-in.
func TestIntegration_ClaimReadyTask_ExactlyOnce(t *testing.T) {
	dsn := setupPostgresContainer(t)
	st := newTestStore(t, dsn, "tenant_race")
	ctx := context.Background()

	pipelineID, err := st.CreatePipeline(ctx, "race", "fp-race", []store.TaskSeed{
		{TaskID: "only", NamespacedTaskID: "race.only", MaxAttempts: 1},
	}, ids.JSON{}, "")
	require.NoError(t, err)

	tasks, err := st.ListTasks(ctx, pipelineID)
	require.NoError(t, err)
	require.NoError(t, st.MarkReady(ctx, tasks[0].ID))

	const workers = 8
	results := make(chan bool, workers)
	for i := 0; i < workers; i++ {
		go func(i int) {
			_, ok, err := st.ClaimReadyTask(ctx, fmt.Sprintf("worker-%d", i), nil)
			results <- ok && err == nil
		}(i)
	}

	wins := 0
	for i := 0; i < workers; i++ {
		if <-results {
			wins++
		}
	}
	require.Equal(t, 1, wins)
}

// TestIntegration_RecoverStaleRunning_RequeuesAgainstRealServer exercises
// RecoverStaleRunning against a real server: a task stuck Running past
// the staleness window is requeued back to Ready.
func TestIntegration_RecoverStaleRunning_RequeuesAgainstRealServer(t *testing.T) {
	dsn := setupPostgresContainer(t)
	st := newTestStore(t, dsn, "tenant_stuck")
	ctx := context.Background()

	pipelineID, err := st.CreatePipeline(ctx, "stuck", "fp-stuck", []store.TaskSeed{
		{TaskID: "only", NamespacedTaskID: "stuck.only", MaxAttempts: 3},
	}, ids.JSON{}, "")
	require.NoError(t, err)

	tasks, err := st.ListTasks(ctx, pipelineID)
	require.NoError(t, err)
	require.NoError(t, st.MarkReady(ctx, tasks[0].ID))
	_, ok, err := st.ClaimReadyTask(ctx, "worker-stuck", nil)
	require.NoError(t, err)
	require.True(t, ok)

	recovered, abandoned, err := st.RecoverStaleRunning(ctx, -time.Second)
	require.NoError(t, err)
	require.Equal(t, 1, recovered)
	require.Equal(t, 0, abandoned)

	tasks, err = st.ListTasks(ctx, pipelineID)
	require.NoError(t, err)
	require.Equal(t, store.TaskReady, tasks[0].Status)
}
