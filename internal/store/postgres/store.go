package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cloacina-io/cloacina/internal/cloaerr"
	"github.com/cloacina-io/cloacina/internal/ids"
	"github.com/cloacina-io/cloacina/internal/store"
)

// Store implements store.Store against a single Postgres schema (one
// tenant, or the default "public" schema when multi-tenancy isn't in
// use). All state-advancing methods run inside one transaction together
// with their execution_events (and, for readiness transitions,
// task_outbox) row, so a crash between the two can never happen.
type Store struct {
	pool *pgxpool.Pool
}

// New wraps an already-connected pool (see Connect) as a store.Store.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// insertEvent writes one execution_events row inside tx. sequence_num is
// not set here: the column's BIGSERIAL default hands out a monotonic
// value per row.
func insertEvent(ctx context.Context, tx pgx.Tx, pipelineID, taskID ids.ID, eventType store.EventType, data ids.JSON, workerID string) error {
	if data == nil {
		data = ids.JSON{}
	}
	var taskArg interface{}
	if !taskID.IsNil() {
		taskArg = taskID
	}
	_, err := tx.Exec(ctx, `
		INSERT INTO execution_events (id, pipeline_execution_id, task_execution_id, event_type, event_data, worker_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		ids.NewID(), pipelineID, taskArg, string(eventType), data, workerID, ids.Now())
	if err != nil {
		return fmt.Errorf("postgres: insert event %s: %w", eventType, err)
	}
	return nil
}

func (s *Store) CreatePipeline(ctx context.Context, name, version string, tasks []store.TaskSeed, initialContext ids.JSON, tenant string) (ids.ID, error) {
	pipelineID := ids.NewID()

	err := s.withTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO pipeline_executions (id, name, version, status, tenant, started_at)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			pipelineID, name, version, string(store.PipelinePending), tenant, ids.Now())
		if err != nil {
			return fmt.Errorf("create pipeline row: %w", err)
		}

		if _, err := tx.Exec(ctx, `
			INSERT INTO contexts (id, pipeline_execution_id, task_execution_id, data_json, created_at)
			VALUES ($1, $2, NULL, $3, $4)`,
			ids.NewID(), pipelineID, initialContext, ids.Now()); err != nil {
			return fmt.Errorf("seed initial context: %w", err)
		}

		for _, t := range tasks {
			deps, err := json.Marshal(t.Dependencies)
			if err != nil {
				return fmt.Errorf("marshal dependencies for %s: %w", t.TaskID, err)
			}
			taskExecID := ids.NewID()
			if _, err := tx.Exec(ctx, `
				INSERT INTO task_executions
					(id, pipeline_execution_id, task_id, namespaced_task_id, status, attempt, max_attempts, dependencies)
				VALUES ($1, $2, $3, $4, $5, 0, $6, $7)`,
				taskExecID, pipelineID, t.TaskID, t.NamespacedTaskID, string(store.TaskNotStarted), t.MaxAttempts, deps); err != nil {
				return fmt.Errorf("create task %s: %w", t.TaskID, err)
			}
			if err := insertEvent(ctx, tx, pipelineID, taskExecID, store.EventTaskCreated, ids.JSON{"task_id": t.TaskID}, ""); err != nil {
				return err
			}
		}

		if _, err := tx.Exec(ctx, `UPDATE pipeline_executions SET status = $1 WHERE id = $2`, string(store.PipelineRunning), pipelineID); err != nil {
			return fmt.Errorf("start pipeline: %w", err)
		}
		return insertEvent(ctx, tx, pipelineID, ids.Nil, store.EventPipelineStarted, ids.JSON{"name": name, "version": version}, "")
	})
	if err != nil {
		return ids.Nil, err
	}
	return pipelineID, nil
}

func (s *Store) GetPipeline(ctx context.Context, id ids.ID) (store.PipelineExecution, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, name, version, status, tenant, started_at, completed_at, error
		FROM pipeline_executions WHERE id = $1`, id)
	return scanPipeline(row)
}

func scanPipeline(row pgx.Row) (store.PipelineExecution, error) {
	var p store.PipelineExecution
	var status string
	if err := row.Scan(&p.ID, &p.Name, &p.Version, &status, &p.Tenant, &p.StartedAt, &p.CompletedAt, &p.Error); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.PipelineExecution{}, cloaerr.ErrNotFound
		}
		return store.PipelineExecution{}, fmt.Errorf("postgres: scan pipeline: %w", err)
	}
	p.Status = store.PipelineStatus(status)
	return p, nil
}

func (s *Store) ListExecutions(ctx context.Context, filter store.ExecutionFilter) ([]store.PipelineExecution, error) {
	query := `SELECT id, name, version, status, tenant, started_at, completed_at, error FROM pipeline_executions WHERE 1=1`
	var args []interface{}
	n := 0
	arg := func(v interface{}) string {
		n++
		args = append(args, v)
		return fmt.Sprintf("$%d", n)
	}
	if filter.Tenant != "" {
		query += " AND tenant = " + arg(filter.Tenant)
	}
	if filter.Name != "" {
		query += " AND name = " + arg(filter.Name)
	}
	if filter.Status != "" {
		query += " AND status = " + arg(string(filter.Status))
	}
	query += " ORDER BY started_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list executions: %w", err)
	}
	defer rows.Close()

	var out []store.PipelineExecution
	for rows.Next() {
		p, err := scanPipeline(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) ListTasks(ctx context.Context, pipelineID ids.ID) ([]store.TaskExecution, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, pipeline_execution_id, task_id, namespaced_task_id, status, sub_status,
		       attempt, max_attempts, next_attempt_at, started_at, completed_at, worker_id, error
		FROM task_executions WHERE pipeline_execution_id = $1 ORDER BY task_id`, pipelineID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list tasks: %w", err)
	}
	defer rows.Close()

	var out []store.TaskExecution
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func scanTask(row pgx.Row) (store.TaskExecution, error) {
	var t store.TaskExecution
	var status, sub string
	if err := row.Scan(&t.ID, &t.PipelineExecutionID, &t.TaskID, &t.NamespacedTaskID, &status, &sub,
		&t.Attempt, &t.MaxAttempts, &t.NextAttemptAt, &t.StartedAt, &t.CompletedAt, &t.WorkerID, &t.Error); err != nil {
		return store.TaskExecution{}, fmt.Errorf("postgres: scan task: %w", err)
	}
	t.Status = store.TaskStatus(status)
	t.SubStatus = store.SubStatus(sub)
	return t, nil
}

// GetContext returns the pipeline's merged context: the seed context
// plus every completed task's output, folded in created_at order so a
// later task's output wins over an earlier one on a shared key. Trigger
// rules with a Custom expression evaluate against this (workflow/trigger.go).
func (s *Store) GetContext(ctx context.Context, pipelineID ids.ID) (ids.JSON, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT data_json FROM contexts
		WHERE pipeline_execution_id = $1
		ORDER BY created_at, id`, pipelineID)
	if err != nil {
		return nil, fmt.Errorf("postgres: get context: %w", err)
	}
	defer rows.Close()

	merged := ids.JSON{}
	for rows.Next() {
		var data ids.JSON
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("postgres: scan context row: %w", err)
		}
		for k, v := range data {
			merged[k] = v
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate context rows: %w", err)
	}
	return merged, nil
}

func (s *Store) MarkReady(ctx context.Context, taskExecutionID ids.ID) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE task_executions SET status = $1, sub_status = ''
			WHERE id = $2 AND status = $3`,
			string(store.TaskReady), taskExecutionID, string(store.TaskNotStarted))
		if err != nil {
			return fmt.Errorf("mark ready: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("%w: task %s is not NotStarted", cloaerr.ErrContract, taskExecutionID)
		}
		if _, err := tx.Exec(ctx, `INSERT INTO task_outbox (task_execution_id, created_at) VALUES ($1, $2)`,
			taskExecutionID, ids.Now()); err != nil {
			return fmt.Errorf("insert outbox: %w", err)
		}
		pipelineID, err := pipelineIDForTask(ctx, tx, taskExecutionID)
		if err != nil {
			return err
		}
		return insertEvent(ctx, tx, pipelineID, taskExecutionID, store.EventTaskMarkedReady, nil, "")
	})
}

func pipelineIDForTask(ctx context.Context, tx pgx.Tx, taskExecutionID ids.ID) (ids.ID, error) {
	var pipelineID ids.ID
	if err := tx.QueryRow(ctx, `SELECT pipeline_execution_id FROM task_executions WHERE id = $1`, taskExecutionID).Scan(&pipelineID); err != nil {
		return ids.Nil, fmt.Errorf("lookup pipeline for task %s: %w", taskExecutionID, err)
	}
	return pipelineID, nil
}

// ClaimReadyTask implements the exactly-once claim: one outbox row is
// selected with FOR UPDATE SKIP LOCKED, deleted, and the matching task
// transitioned to Running, all inside a single transaction so no two
// concurrent callers can observe the same row.
func (s *Store) ClaimReadyTask(ctx context.Context, workerID string, mergePolicy func([]store.ContextBranch) ids.JSON) (store.ClaimedTask, bool, error) {
	var claimed store.ClaimedTask
	found := false

	err := s.withTx(ctx, func(tx pgx.Tx) error {
		var outboxID int64
		var taskExecutionID ids.ID
		err := tx.QueryRow(ctx, `
			SELECT id, task_execution_id FROM task_outbox
			WHERE created_at <= $1
			ORDER BY created_at, id
			FOR UPDATE SKIP LOCKED
			LIMIT 1`, ids.Now()).Scan(&outboxID, &taskExecutionID)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return nil
			}
			return fmt.Errorf("select outbox: %w", err)
		}

		if _, err := tx.Exec(ctx, `DELETE FROM task_outbox WHERE id = $1`, outboxID); err != nil {
			return fmt.Errorf("delete outbox row: %w", err)
		}

		now := ids.Now()
		tag, err := tx.Exec(ctx, `
			UPDATE task_executions
			SET status = $1, worker_id = $2, started_at = $3, attempt = attempt + 1, sub_status = ''
			WHERE id = $4 AND status = $5`,
			string(store.TaskRunning), workerID, now, taskExecutionID, string(store.TaskReady))
		if err != nil {
			return fmt.Errorf("claim task: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("%w: task %s was not Ready at claim time", cloaerr.ErrContract, taskExecutionID)
		}

		row := tx.QueryRow(ctx, `
			SELECT id, pipeline_execution_id, task_id, namespaced_task_id, status, sub_status,
			       attempt, max_attempts, next_attempt_at, started_at, completed_at, worker_id, error
			FROM task_executions WHERE id = $1`, taskExecutionID)
		task, err := scanTask(row)
		if err != nil {
			return err
		}

		var depsRaw []byte
		if err := tx.QueryRow(ctx, `SELECT dependencies FROM task_executions WHERE id = $1`, taskExecutionID).Scan(&depsRaw); err != nil {
			return fmt.Errorf("load dependencies: %w", err)
		}
		var depIDs []string
		if err := json.Unmarshal(depsRaw, &depIDs); err != nil {
			return fmt.Errorf("unmarshal dependencies: %w", err)
		}

		branches, err := loadDependencyOutputs(ctx, tx, task.PipelineExecutionID, depIDs)
		if err != nil {
			return err
		}

		outputs := make(map[string]ids.JSON, len(branches))
		completion := make(map[string]time.Time, len(branches))
		for _, b := range branches {
			outputs[b.TaskID] = b.Output
			completion[b.TaskID] = b.CompletedAt
		}

		claimed = store.ClaimedTask{Task: task, DependencyOutputs: outputs, DependencyCompletion: completion}
		found = true

		if err := insertEvent(ctx, tx, task.PipelineExecutionID, taskExecutionID, store.EventTaskClaimed, ids.JSON{"worker_id": workerID, "attempt": task.Attempt}, workerID); err != nil {
			return err
		}
		_ = mergePolicy // merge happens in internal/executor; unused here, kept only to match the store.Store interface signature.
		return nil
	})
	if err != nil {
		return store.ClaimedTask{}, false, err
	}
	return claimed, found, nil
}

func loadDependencyOutputs(ctx context.Context, tx pgx.Tx, pipelineID ids.ID, depTaskIDs []string) ([]store.ContextBranch, error) {
	if len(depTaskIDs) == 0 {
		return nil, nil
	}
	rows, err := tx.Query(ctx, `
		SELECT task_id, output_context, completed_at FROM task_executions
		WHERE pipeline_execution_id = $1 AND task_id = ANY($2)`, pipelineID, depTaskIDs)
	if err != nil {
		return nil, fmt.Errorf("load dependency outputs: %w", err)
	}
	defer rows.Close()

	var out []store.ContextBranch
	for rows.Next() {
		var b store.ContextBranch
		var completedAt *time.Time
		var output ids.JSON
		if err := rows.Scan(&b.TaskID, &output, &completedAt); err != nil {
			return nil, fmt.Errorf("scan dependency output: %w", err)
		}
		if output == nil {
			output = ids.JSON{}
		}
		b.Output = output
		if completedAt != nil {
			b.CompletedAt = *completedAt
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *Store) MarkCompleted(ctx context.Context, taskExecutionID ids.ID, outputContext ids.JSON) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		now := ids.Now()
		tag, err := tx.Exec(ctx, `
			UPDATE task_executions SET status = $1, completed_at = $2, output_context = $3
			WHERE id = $4 AND status = $5`,
			string(store.TaskCompleted), now, outputContext, taskExecutionID, string(store.TaskRunning))
		if err != nil {
			return fmt.Errorf("mark completed: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("%w: task %s is not Running", cloaerr.ErrContract, taskExecutionID)
		}
		pipelineID, err := pipelineIDForTask(ctx, tx, taskExecutionID)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO contexts (id, pipeline_execution_id, task_execution_id, data_json, created_at)
			VALUES ($1, $2, $3, $4, $5)`, ids.NewID(), pipelineID, taskExecutionID, outputContext, now); err != nil {
			return fmt.Errorf("persist task output context: %w", err)
		}
		return insertEvent(ctx, tx, pipelineID, taskExecutionID, store.EventTaskCompleted, nil, "")
	})
}

func (s *Store) MarkFailed(ctx context.Context, taskExecutionID ids.ID, errMsg string, retryable bool) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE task_executions SET status = $1, error = $2
			WHERE id = $3 AND status = $4`,
			string(store.TaskFailed), errMsg, taskExecutionID, string(store.TaskRunning))
		if err != nil {
			return fmt.Errorf("mark failed: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("%w: task %s is not Running", cloaerr.ErrContract, taskExecutionID)
		}
		pipelineID, err := pipelineIDForTask(ctx, tx, taskExecutionID)
		if err != nil {
			return err
		}
		return insertEvent(ctx, tx, pipelineID, taskExecutionID, store.EventTaskFailed,
			ids.JSON{"error": errMsg, "retryable": retryable}, "")
	})
}

func (s *Store) ScheduleRetry(ctx context.Context, taskExecutionID ids.ID, delay time.Duration) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		next := ids.Now().Add(delay)
		tag, err := tx.Exec(ctx, `
			UPDATE task_executions SET status = $1, next_attempt_at = $2, sub_status = $3
			WHERE id = $4 AND status = $5`,
			string(store.TaskReady), next, string(store.SubStatusRetryScheduled), taskExecutionID, string(store.TaskFailed))
		if err != nil {
			return fmt.Errorf("schedule retry: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("%w: task %s is not Failed", cloaerr.ErrContract, taskExecutionID)
		}
		if _, err := tx.Exec(ctx, `INSERT INTO task_outbox (task_execution_id, created_at) VALUES ($1, $2)`,
			taskExecutionID, next); err != nil {
			return fmt.Errorf("insert retry outbox: %w", err)
		}
		pipelineID, err := pipelineIDForTask(ctx, tx, taskExecutionID)
		if err != nil {
			return err
		}
		return insertEvent(ctx, tx, pipelineID, taskExecutionID, store.EventTaskRetryScheduled, ids.JSON{"next_attempt_at": next}, "")
	})
}

func (s *Store) MarkSkipped(ctx context.Context, taskExecutionID ids.ID, reason string) error {
	return s.terminalTransition(ctx, taskExecutionID, store.TaskSkipped, store.EventTaskSkipped, reason,
		store.TaskNotStarted, store.TaskReady, store.TaskDeferred)
}

func (s *Store) MarkAbandoned(ctx context.Context, taskExecutionID ids.ID, reason string) error {
	return s.terminalTransition(ctx, taskExecutionID, store.TaskAbandoned, store.EventTaskAbandoned, reason,
		store.TaskFailed, store.TaskRunning)
}

func (s *Store) terminalTransition(ctx context.Context, taskExecutionID ids.ID, to store.TaskStatus, evt store.EventType, reason string, from ...store.TaskStatus) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		fromStrs := make([]string, len(from))
		for i, f := range from {
			fromStrs[i] = string(f)
		}
		tag, err := tx.Exec(ctx, `
			UPDATE task_executions SET status = $1, completed_at = $2, error = NULLIF($3, '')
			WHERE id = $4 AND status = ANY($5)`,
			string(to), ids.Now(), reason, taskExecutionID, fromStrs)
		if err != nil {
			return fmt.Errorf("transition to %s: %w", to, err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("%w: task %s is not in an eligible status for %s", cloaerr.ErrContract, taskExecutionID, to)
		}
		pipelineID, err := pipelineIDForTask(ctx, tx, taskExecutionID)
		if err != nil {
			return err
		}
		return insertEvent(ctx, tx, pipelineID, taskExecutionID, evt, ids.JSON{"reason": reason}, "")
	})
}

func (s *Store) SetSubStatus(ctx context.Context, taskExecutionID ids.ID, sub store.SubStatus) error {
	_, err := s.pool.Exec(ctx, `UPDATE task_executions SET sub_status = $1 WHERE id = $2`, string(sub), taskExecutionID)
	if err != nil {
		return fmt.Errorf("postgres: set sub status: %w", err)
	}
	return nil
}

func (s *Store) ResetRetryState(ctx context.Context, taskExecutionID ids.ID) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE task_executions SET sub_status = '', next_attempt_at = NULL WHERE id = $1`, taskExecutionID)
	if err != nil {
		return fmt.Errorf("postgres: reset retry state: %w", err)
	}
	return nil
}

func (s *Store) PausePipeline(ctx context.Context, pipelineID ids.ID) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		var status string
		if err := tx.QueryRow(ctx, `SELECT status FROM pipeline_executions WHERE id = $1`, pipelineID).Scan(&status); err != nil {
			return fmt.Errorf("lookup pipeline: %w", err)
		}
		if store.PipelineStatus(status) == store.PipelinePaused {
			return nil // idempotent
		}
		if _, err := tx.Exec(ctx, `UPDATE pipeline_executions SET status = $1 WHERE id = $2`, string(store.PipelinePaused), pipelineID); err != nil {
			return fmt.Errorf("pause pipeline: %w", err)
		}
		if _, err := tx.Exec(ctx, `
			UPDATE task_executions SET sub_status = $1
			WHERE pipeline_execution_id = $2 AND status = ANY($3)`,
			string(store.SubStatusPausedByUser), pipelineID, []string{string(store.TaskReady), string(store.TaskNotStarted)}); err != nil {
			return fmt.Errorf("mark tasks paused: %w", err)
		}
		return insertEvent(ctx, tx, pipelineID, ids.Nil, store.EventPipelinePaused, nil, "")
	})
}

func (s *Store) ResumePipeline(ctx context.Context, pipelineID ids.ID) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		var status string
		if err := tx.QueryRow(ctx, `SELECT status FROM pipeline_executions WHERE id = $1`, pipelineID).Scan(&status); err != nil {
			return fmt.Errorf("lookup pipeline: %w", err)
		}
		if store.PipelineStatus(status) != store.PipelinePaused {
			return nil // idempotent
		}
		if _, err := tx.Exec(ctx, `UPDATE pipeline_executions SET status = $1 WHERE id = $2`, string(store.PipelineRunning), pipelineID); err != nil {
			return fmt.Errorf("resume pipeline: %w", err)
		}
		if _, err := tx.Exec(ctx, `
			UPDATE task_executions SET sub_status = ''
			WHERE pipeline_execution_id = $1 AND sub_status = $2`,
			pipelineID, string(store.SubStatusPausedByUser)); err != nil {
			return fmt.Errorf("clear paused sub-status: %w", err)
		}
		return insertEvent(ctx, tx, pipelineID, ids.Nil, store.EventPipelineResumed, nil, "")
	})
}

func (s *Store) CompletePipeline(ctx context.Context, pipelineID ids.ID) error {
	return s.finishPipeline(ctx, pipelineID, store.PipelineCompleted, store.EventPipelineCompleted, "")
}

func (s *Store) FailPipeline(ctx context.Context, pipelineID ids.ID, reason string) error {
	return s.finishPipeline(ctx, pipelineID, store.PipelineFailed, store.EventPipelineFailed, reason)
}

func (s *Store) CancelPipeline(ctx context.Context, pipelineID ids.ID, reason string) error {
	return s.finishPipeline(ctx, pipelineID, store.PipelineCancelled, store.EventPipelineCancelled, reason)
}

func (s *Store) finishPipeline(ctx context.Context, pipelineID ids.ID, to store.PipelineStatus, evt store.EventType, reason string) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE pipeline_executions SET status = $1, completed_at = $2, error = NULLIF($3, '')
			WHERE id = $4 AND status NOT IN ($5, $6, $7)`,
			string(to), ids.Now(), reason, pipelineID,
			string(store.PipelineCompleted), string(store.PipelineFailed), string(store.PipelineCancelled))
		if err != nil {
			return fmt.Errorf("finish pipeline: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return nil // already terminal; pipeline status is monotonic
		}
		return insertEvent(ctx, tx, pipelineID, ids.Nil, evt, ids.JSON{"error": reason}, "")
	})
}

func (s *Store) GetEvents(ctx context.Context, pipelineID ids.ID) ([]store.ExecutionEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, pipeline_execution_id, task_execution_id, event_type, event_data, worker_id, created_at, sequence_num
		FROM execution_events WHERE pipeline_execution_id = $1 ORDER BY sequence_num`, pipelineID)
	if err != nil {
		return nil, fmt.Errorf("postgres: get events: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

func (s *Store) GetRecentEvents(ctx context.Context, limit int) ([]store.ExecutionEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, pipeline_execution_id, task_execution_id, event_type, event_data, worker_id, created_at, sequence_num
		FROM execution_events ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: get recent events: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

func scanEvents(rows pgx.Rows) ([]store.ExecutionEvent, error) {
	var out []store.ExecutionEvent
	for rows.Next() {
		var e store.ExecutionEvent
		var eventType string
		var taskID *ids.ID
		if err := rows.Scan(&e.ID, &e.PipelineExecutionID, &taskID, &eventType, &e.EventData, &e.WorkerID, &e.CreatedAt, &e.SequenceNum); err != nil {
			return nil, fmt.Errorf("postgres: scan event: %w", err)
		}
		if taskID != nil {
			e.TaskExecutionID = *taskID
		}
		e.EventType = store.EventType(eventType)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) RecordRecoveryEvent(ctx context.Context, ev store.RecoveryEvent) error {
	if ev.ID.IsNil() {
		ev.ID = ids.NewID()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = ids.Now()
	}
	var taskArg interface{}
	if !ev.TaskExecutionID.IsNil() {
		taskArg = ev.TaskExecutionID
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO recovery_events (id, pipeline_execution_id, task_execution_id, kind, detail, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		ev.ID, ev.PipelineExecutionID, taskArg, ev.Kind, ev.Detail, ev.CreatedAt)
	if err != nil {
		return fmt.Errorf("postgres: record recovery event: %w", err)
	}
	return nil
}

// ReinsertMissingOutbox re-inserts an outbox row for any task in Ready
// status whose outbox row is missing.
func (s *Store) ReinsertMissingOutbox(ctx context.Context) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO task_outbox (task_execution_id, created_at)
		SELECT te.id, $1 FROM task_executions te
		WHERE te.status = $2
		  AND NOT EXISTS (SELECT 1 FROM task_outbox ob WHERE ob.task_execution_id = te.id)`,
		ids.Now(), string(store.TaskReady))
	if err != nil {
		return 0, fmt.Errorf("postgres: reinsert missing outbox: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// RecoverStaleRunning transitions tasks stuck Running past staleAfter
// back to Ready (new attempt) or Abandoned if attempts are exhausted,
// per the supplemented recovery-staleness rule.
func (s *Store) RecoverStaleRunning(ctx context.Context, staleAfter time.Duration) (recovered int, abandoned int, err error) {
	cutoff := ids.Now().Add(-staleAfter)

	rows, err := s.pool.Query(ctx, `
		SELECT id, pipeline_execution_id, attempt, max_attempts FROM task_executions
		WHERE status = $1 AND started_at < $2`, string(store.TaskRunning), cutoff)
	if err != nil {
		return 0, 0, fmt.Errorf("postgres: select stale running: %w", err)
	}
	type stale struct {
		id          ids.ID
		pipelineID  ids.ID
		attempt     int
		maxAttempts int
	}
	var candidates []stale
	for rows.Next() {
		var c stale
		if err := rows.Scan(&c.id, &c.pipelineID, &c.attempt, &c.maxAttempts); err != nil {
			rows.Close()
			return 0, 0, fmt.Errorf("postgres: scan stale running: %w", err)
		}
		candidates = append(candidates, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, 0, err
	}

	for _, c := range candidates {
		txErr := s.withTx(ctx, func(tx pgx.Tx) error {
			if c.attempt < c.maxAttempts {
				tag, err := tx.Exec(ctx, `
					UPDATE task_executions SET status = $1, worker_id = ''
					WHERE id = $2 AND status = $3`, string(store.TaskReady), c.id, string(store.TaskRunning))
				if err != nil || tag.RowsAffected() == 0 {
					return fmt.Errorf("requeue stale task %s: %w", c.id, err)
				}
				if _, err := tx.Exec(ctx, `INSERT INTO task_outbox (task_execution_id, created_at) VALUES ($1, $2)`, c.id, ids.Now()); err != nil {
					return err
				}
				recovered++
				return insertEvent(ctx, tx, c.pipelineID, c.id, store.EventTaskRetryScheduled, ids.JSON{"reason": "recovered: stale running"}, "")
			}
			tag, err := tx.Exec(ctx, `
				UPDATE task_executions SET status = $1, completed_at = $2
				WHERE id = $3 AND status = $4`, string(store.TaskAbandoned), ids.Now(), c.id, string(store.TaskRunning))
			if err != nil || tag.RowsAffected() == 0 {
				return fmt.Errorf("abandon stale task %s: %w", c.id, err)
			}
			abandoned++
			return insertEvent(ctx, tx, c.pipelineID, c.id, store.EventTaskAbandoned, ids.JSON{"reason": "stale running, attempts exhausted"}, "")
		})
		if txErr != nil {
			return recovered, abandoned, txErr
		}
		if err := s.RecordRecoveryEvent(ctx, store.RecoveryEvent{
			PipelineExecutionID: c.pipelineID,
			TaskExecutionID:     c.id,
			Kind:                "stale_running",
			Detail:              fmt.Sprintf("attempt %d/%d", c.attempt, c.maxAttempts),
		}); err != nil {
			return recovered, abandoned, err
		}
	}
	return recovered, abandoned, nil
}

// CloseStuckPipelines closes any pipeline whose tasks are all terminal
// but whose own status is not yet terminal.
func (s *Store) CloseStuckPipelines(ctx context.Context) (int, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT p.id FROM pipeline_executions p
		WHERE p.status NOT IN ($1, $2, $3)
		  AND NOT EXISTS (
		      SELECT 1 FROM task_executions t
		      WHERE t.pipeline_execution_id = p.id
		        AND t.status NOT IN ($4, $5, $6)
		  )`,
		string(store.PipelineCompleted), string(store.PipelineFailed), string(store.PipelineCancelled),
		string(store.TaskCompleted), string(store.TaskSkipped), string(store.TaskAbandoned))
	if err != nil {
		return 0, fmt.Errorf("postgres: find stuck pipelines: %w", err)
	}
	var pipelineIDs []ids.ID
	for rows.Next() {
		var id ids.ID
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, err
		}
		pipelineIDs = append(pipelineIDs, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	closed := 0
	for _, pid := range pipelineIDs {
		hasFailure, err := s.pipelineHasUnsubsumedFailure(ctx, pid)
		if err != nil {
			return closed, err
		}
		if hasFailure {
			if err := s.FailPipeline(ctx, pid, "one or more tasks abandoned"); err != nil {
				return closed, err
			}
		} else {
			if err := s.CompletePipeline(ctx, pid); err != nil {
				return closed, err
			}
		}
		closed++
	}
	return closed, nil
}

func (s *Store) pipelineHasUnsubsumedFailure(ctx context.Context, pipelineID ids.ID) (bool, error) {
	var count int
	err := s.pool.QueryRow(ctx, `
		SELECT count(*) FROM task_executions WHERE pipeline_execution_id = $1 AND status = $2`,
		pipelineID, string(store.TaskAbandoned)).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("postgres: count abandoned tasks: %w", err)
	}
	return count > 0, nil
}

func (s *Store) CleanupEvents(ctx context.Context, cutoff time.Time, dryRun bool) (int64, error) {
	if dryRun {
		var count int64
		if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM execution_events WHERE created_at < $1`, cutoff).Scan(&count); err != nil {
			return 0, fmt.Errorf("postgres: count events to clean up: %w", err)
		}
		return count, nil
	}
	tag, err := s.pool.Exec(ctx, `DELETE FROM execution_events WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("postgres: cleanup events: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *Store) withTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("%w: begin transaction: %v", cloaerr.ErrTransientStorage, err)
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("%w: commit: %v", cloaerr.ErrTransientStorage, err)
	}
	return nil
}
