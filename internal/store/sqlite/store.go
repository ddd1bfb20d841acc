package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/cloacina-io/cloacina/internal/cloaerr"
	"github.com/cloacina-io/cloacina/internal/ids"
	"github.com/cloacina-io/cloacina/internal/store"
)

// Store implements store.Store against one SQLite database file, which
// is the unit of tenant isolation for this backend: each
// tenant gets its own file rather than sharing one database the way
// Postgres shares schemas.
type Store struct {
	db *sqlx.DB
}

// New wraps an already-migrated *sql.DB (see Connect) as a store.Store.
func New(db *sql.DB) *Store {
	return &Store{db: sqlx.NewDb(db, "sqlite3")}
}

func (s *Store) Close() error {
	return s.db.Close()
}

func insertEvent(ctx context.Context, tx *sqlx.Tx, pipelineID, taskID ids.ID, eventType store.EventType, data ids.JSON, workerID string) error {
	if data == nil {
		data = ids.JSON{}
	}
	var taskArg interface{}
	if !taskID.IsNil() {
		taskArg = taskID
	}
	seq, err := nextSequence(ctx, tx, pipelineID)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO execution_events (id, pipeline_execution_id, task_execution_id, event_type, event_data, worker_id, created_at, sequence_num)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ids.NewID(), pipelineID, taskArg, string(eventType), data, workerID, ids.Now(), seq)
	if err != nil {
		return fmt.Errorf("sqlite: insert event %s: %w", eventType, err)
	}
	return nil
}

// nextSequence increments execution_events_seq for pipelineID and
// returns the new value. SQLite has no per-partition sequence object, so
// the counter is tracked by hand inside the same write transaction that
// inserts the event row.
func nextSequence(ctx context.Context, tx *sqlx.Tx, pipelineID ids.ID) (int64, error) {
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO execution_events_seq (pipeline_execution_id, last_value) VALUES (?, 0)
		ON CONFLICT (pipeline_execution_id) DO NOTHING`, pipelineID); err != nil {
		return 0, fmt.Errorf("sqlite: seed sequence counter: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE execution_events_seq SET last_value = last_value + 1 WHERE pipeline_execution_id = ?`, pipelineID); err != nil {
		return 0, fmt.Errorf("sqlite: advance sequence counter: %w", err)
	}
	var val int64
	if err := tx.GetContext(ctx, &val, `
		SELECT last_value FROM execution_events_seq WHERE pipeline_execution_id = ?`, pipelineID); err != nil {
		return 0, fmt.Errorf("sqlite: read sequence counter: %w", err)
	}
	return val, nil
}

func (s *Store) CreatePipeline(ctx context.Context, name, version string, tasks []store.TaskSeed, initialContext ids.JSON, tenant string) (ids.ID, error) {
	pipelineID := ids.NewID()

	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO pipeline_executions (id, name, version, status, tenant, started_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			pipelineID, name, version, string(store.PipelinePending), tenant, ids.Now())
		if err != nil {
			return fmt.Errorf("create pipeline row: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO contexts (id, pipeline_execution_id, task_execution_id, data_json, created_at)
			VALUES (?, ?, NULL, ?, ?)`,
			ids.NewID(), pipelineID, initialContext, ids.Now()); err != nil {
			return fmt.Errorf("seed initial context: %w", err)
		}

		for _, t := range tasks {
			deps, err := json.Marshal(t.Dependencies)
			if err != nil {
				return fmt.Errorf("marshal dependencies for %s: %w", t.TaskID, err)
			}
			taskExecID := ids.NewID()
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO task_executions
					(id, pipeline_execution_id, task_id, namespaced_task_id, status, attempt, max_attempts, dependencies)
				VALUES (?, ?, ?, ?, ?, 0, ?, ?)`,
				taskExecID, pipelineID, t.TaskID, t.NamespacedTaskID, string(store.TaskNotStarted), t.MaxAttempts, string(deps)); err != nil {
				return fmt.Errorf("create task %s: %w", t.TaskID, err)
			}
			if err := insertEvent(ctx, tx, pipelineID, taskExecID, store.EventTaskCreated, ids.JSON{"task_id": t.TaskID}, ""); err != nil {
				return err
			}
		}

		if _, err := tx.ExecContext(ctx, `UPDATE pipeline_executions SET status = ? WHERE id = ?`, string(store.PipelineRunning), pipelineID); err != nil {
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
	row := s.db.QueryRowxContext(ctx, `
		SELECT id, name, version, status, tenant, started_at, completed_at, error
		FROM pipeline_executions WHERE id = ?`, id)
	return scanPipeline(row)
}

func scanPipeline(row *sqlx.Row) (store.PipelineExecution, error) {
	var p store.PipelineExecution
	var status string
	if err := row.Scan(&p.ID, &p.Name, &p.Version, &status, &p.Tenant, &p.StartedAt, &p.CompletedAt, &p.Error); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.PipelineExecution{}, cloaerr.ErrNotFound
		}
		return store.PipelineExecution{}, fmt.Errorf("sqlite: scan pipeline: %w", err)
	}
	p.Status = store.PipelineStatus(status)
	return p, nil
}

func (s *Store) ListExecutions(ctx context.Context, filter store.ExecutionFilter) ([]store.PipelineExecution, error) {
	query := `SELECT id, name, version, status, tenant, started_at, completed_at, error FROM pipeline_executions WHERE 1=1`
	var args []interface{}
	if filter.Tenant != "" {
		query += " AND tenant = ?"
		args = append(args, filter.Tenant)
	}
	if filter.Name != "" {
		query += " AND name = ?"
		args = append(args, filter.Name)
	}
	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, string(filter.Status))
	}
	query += " ORDER BY started_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list executions: %w", err)
	}
	defer rows.Close()

	var out []store.PipelineExecution
	for rows.Next() {
		var p store.PipelineExecution
		var status string
		if err := rows.Scan(&p.ID, &p.Name, &p.Version, &status, &p.Tenant, &p.StartedAt, &p.CompletedAt, &p.Error); err != nil {
			return nil, fmt.Errorf("sqlite: scan execution: %w", err)
		}
		p.Status = store.PipelineStatus(status)
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) ListTasks(ctx context.Context, pipelineID ids.ID) ([]store.TaskExecution, error) {
	rows, err := s.db.QueryxContext(ctx, `
		SELECT id, pipeline_execution_id, task_id, namespaced_task_id, status, sub_status,
		       attempt, max_attempts, next_attempt_at, started_at, completed_at, worker_id, error
		FROM task_executions WHERE pipeline_execution_id = ? ORDER BY task_id`, pipelineID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list tasks: %w", err)
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

func scanTask(rows *sqlx.Rows) (store.TaskExecution, error) {
	var t store.TaskExecution
	var status, sub string
	if err := rows.Scan(&t.ID, &t.PipelineExecutionID, &t.TaskID, &t.NamespacedTaskID, &status, &sub,
		&t.Attempt, &t.MaxAttempts, &t.NextAttemptAt, &t.StartedAt, &t.CompletedAt, &t.WorkerID, &t.Error); err != nil {
		return store.TaskExecution{}, fmt.Errorf("sqlite: scan task: %w", err)
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
	rows, err := s.db.QueryxContext(ctx, `
		SELECT data_json FROM contexts
		WHERE pipeline_execution_id = ?
		ORDER BY created_at, id`, pipelineID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: get context: %w", err)
	}
	defer rows.Close()

	merged := ids.JSON{}
	for rows.Next() {
		var data ids.JSON
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("sqlite: scan context row: %w", err)
		}
		for k, v := range data {
			merged[k] = v
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: iterate context rows: %w", err)
	}
	return merged, nil
}

func (s *Store) MarkReady(ctx context.Context, taskExecutionID ids.ID) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE task_executions SET status = ?, sub_status = ''
			WHERE id = ? AND status = ?`,
			string(store.TaskReady), taskExecutionID, string(store.TaskNotStarted))
		if err != nil {
			return fmt.Errorf("mark ready: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%w: task %s is not NotStarted", cloaerr.ErrContract, taskExecutionID)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO task_outbox (task_execution_id, created_at) VALUES (?, ?)`,
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

func pipelineIDForTask(ctx context.Context, tx *sqlx.Tx, taskExecutionID ids.ID) (ids.ID, error) {
	var pipelineID ids.ID
	if err := tx.QueryRowxContext(ctx, `SELECT pipeline_execution_id FROM task_executions WHERE id = ?`, taskExecutionID).Scan(&pipelineID); err != nil {
		return ids.Nil, fmt.Errorf("lookup pipeline for task %s: %w", taskExecutionID, err)
	}
	return pipelineID, nil
}

// ClaimReadyTask relies on _txlock=immediate (see Connect) to serialize
// every write transaction: by the time this transaction's SELECT runs it
// already holds SQLite's RESERVED lock, so no other connection can claim
// the same outbox row concurrently.
func (s *Store) ClaimReadyTask(ctx context.Context, workerID string, mergePolicy func([]store.ContextBranch) ids.JSON) (store.ClaimedTask, bool, error) {
	var claimed store.ClaimedTask
	found := false

	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		var outboxID int64
		var taskExecutionID ids.ID
		err := tx.QueryRowxContext(ctx, `
			SELECT id, task_execution_id FROM task_outbox
			WHERE created_at <= ?
			ORDER BY created_at, id
			LIMIT 1`, ids.Now()).Scan(&outboxID, &taskExecutionID)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil
			}
			return fmt.Errorf("select outbox: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM task_outbox WHERE id = ?`, outboxID); err != nil {
			return fmt.Errorf("delete outbox row: %w", err)
		}

		now := ids.Now()
		res, err := tx.ExecContext(ctx, `
			UPDATE task_executions
			SET status = ?, worker_id = ?, started_at = ?, attempt = attempt + 1, sub_status = ''
			WHERE id = ? AND status = ?`,
			string(store.TaskRunning), workerID, now, taskExecutionID, string(store.TaskReady))
		if err != nil {
			return fmt.Errorf("claim task: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%w: task %s was not Ready at claim time", cloaerr.ErrContract, taskExecutionID)
		}

		row := tx.QueryRowxContext(ctx, `
			SELECT id, pipeline_execution_id, task_id, namespaced_task_id, status, sub_status,
			       attempt, max_attempts, next_attempt_at, started_at, completed_at, worker_id, error
			FROM task_executions WHERE id = ?`, taskExecutionID)
		task, err := scanTaskRow(row)
		if err != nil {
			return err
		}

		var depsRaw string
		if err := tx.QueryRowxContext(ctx, `SELECT dependencies FROM task_executions WHERE id = ?`, taskExecutionID).Scan(&depsRaw); err != nil {
			return fmt.Errorf("load dependencies: %w", err)
		}
		var depIDs []string
		if err := json.Unmarshal([]byte(depsRaw), &depIDs); err != nil {
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

func scanTaskRow(row *sqlx.Row) (store.TaskExecution, error) {
	var t store.TaskExecution
	var status, sub string
	if err := row.Scan(&t.ID, &t.PipelineExecutionID, &t.TaskID, &t.NamespacedTaskID, &status, &sub,
		&t.Attempt, &t.MaxAttempts, &t.NextAttemptAt, &t.StartedAt, &t.CompletedAt, &t.WorkerID, &t.Error); err != nil {
		return store.TaskExecution{}, fmt.Errorf("sqlite: scan task: %w", err)
	}
	t.Status = store.TaskStatus(status)
	t.SubStatus = store.SubStatus(sub)
	return t, nil
}

func loadDependencyOutputs(ctx context.Context, tx *sqlx.Tx, pipelineID ids.ID, depTaskIDs []string) ([]store.ContextBranch, error) {
	if len(depTaskIDs) == 0 {
		return nil, nil
	}
	query, args, err := sqlx.In(`
		SELECT task_id, output_context, completed_at FROM task_executions
		WHERE pipeline_execution_id = ? AND task_id IN (?)`, pipelineID, depTaskIDs)
	if err != nil {
		return nil, fmt.Errorf("build dependency output query: %w", err)
	}
	rows, err := tx.QueryxContext(ctx, tx.Rebind(query), args...)
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
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		now := ids.Now()
		res, err := tx.ExecContext(ctx, `
			UPDATE task_executions SET status = ?, completed_at = ?, output_context = ?
			WHERE id = ? AND status = ?`,
			string(store.TaskCompleted), now, outputContext, taskExecutionID, string(store.TaskRunning))
		if err != nil {
			return fmt.Errorf("mark completed: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%w: task %s is not Running", cloaerr.ErrContract, taskExecutionID)
		}
		pipelineID, err := pipelineIDForTask(ctx, tx, taskExecutionID)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO contexts (id, pipeline_execution_id, task_execution_id, data_json, created_at)
			VALUES (?, ?, ?, ?, ?)`, ids.NewID(), pipelineID, taskExecutionID, outputContext, now); err != nil {
			return fmt.Errorf("persist task output context: %w", err)
		}
		return insertEvent(ctx, tx, pipelineID, taskExecutionID, store.EventTaskCompleted, nil, "")
	})
}

func (s *Store) MarkFailed(ctx context.Context, taskExecutionID ids.ID, errMsg string, retryable bool) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE task_executions SET status = ?, error = ?
			WHERE id = ? AND status = ?`,
			string(store.TaskFailed), errMsg, taskExecutionID, string(store.TaskRunning))
		if err != nil {
			return fmt.Errorf("mark failed: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
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
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		next := ids.Now().Add(delay)
		res, err := tx.ExecContext(ctx, `
			UPDATE task_executions SET status = ?, next_attempt_at = ?, sub_status = ?
			WHERE id = ? AND status = ?`,
			string(store.TaskReady), next, string(store.SubStatusRetryScheduled), taskExecutionID, string(store.TaskFailed))
		if err != nil {
			return fmt.Errorf("schedule retry: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%w: task %s is not Failed", cloaerr.ErrContract, taskExecutionID)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO task_outbox (task_execution_id, created_at) VALUES (?, ?)`,
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
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		placeholders := make([]interface{}, len(from))
		for i, f := range from {
			placeholders[i] = string(f)
		}
		query, args, err := sqlx.In(`
			UPDATE task_executions SET status = ?, completed_at = ?, error = NULLIF(?, '')
			WHERE id = ? AND status IN (?)`, string(to), ids.Now(), reason, taskExecutionID, placeholders)
		if err != nil {
			return fmt.Errorf("build transition query: %w", err)
		}
		res, err := tx.ExecContext(ctx, tx.Rebind(query), args...)
		if err != nil {
			return fmt.Errorf("transition to %s: %w", to, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
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
	_, err := s.db.ExecContext(ctx, `UPDATE task_executions SET sub_status = ? WHERE id = ?`, string(sub), taskExecutionID)
	if err != nil {
		return fmt.Errorf("sqlite: set sub status: %w", err)
	}
	return nil
}

func (s *Store) ResetRetryState(ctx context.Context, taskExecutionID ids.ID) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE task_executions SET sub_status = '', next_attempt_at = NULL WHERE id = ?`, taskExecutionID)
	if err != nil {
		return fmt.Errorf("sqlite: reset retry state: %w", err)
	}
	return nil
}

func (s *Store) PausePipeline(ctx context.Context, pipelineID ids.ID) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		var status string
		if err := tx.QueryRowxContext(ctx, `SELECT status FROM pipeline_executions WHERE id = ?`, pipelineID).Scan(&status); err != nil {
			return fmt.Errorf("lookup pipeline: %w", err)
		}
		if store.PipelineStatus(status) == store.PipelinePaused {
			return nil
		}
		if _, err := tx.ExecContext(ctx, `UPDATE pipeline_executions SET status = ? WHERE id = ?`, string(store.PipelinePaused), pipelineID); err != nil {
			return fmt.Errorf("pause pipeline: %w", err)
		}
		query, args, err := sqlx.In(`
			UPDATE task_executions SET sub_status = ?
			WHERE pipeline_execution_id = ? AND status IN (?)`,
			string(store.SubStatusPausedByUser), pipelineID, []string{string(store.TaskReady), string(store.TaskNotStarted)})
		if err != nil {
			return fmt.Errorf("build pause query: %w", err)
		}
		if _, err := tx.ExecContext(ctx, tx.Rebind(query), args...); err != nil {
			return fmt.Errorf("mark tasks paused: %w", err)
		}
		return insertEvent(ctx, tx, pipelineID, ids.Nil, store.EventPipelinePaused, nil, "")
	})
}

func (s *Store) ResumePipeline(ctx context.Context, pipelineID ids.ID) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		var status string
		if err := tx.QueryRowxContext(ctx, `SELECT status FROM pipeline_executions WHERE id = ?`, pipelineID).Scan(&status); err != nil {
			return fmt.Errorf("lookup pipeline: %w", err)
		}
		if store.PipelineStatus(status) != store.PipelinePaused {
			return nil
		}
		if _, err := tx.ExecContext(ctx, `UPDATE pipeline_executions SET status = ? WHERE id = ?`, string(store.PipelineRunning), pipelineID); err != nil {
			return fmt.Errorf("resume pipeline: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE task_executions SET sub_status = ''
			WHERE pipeline_execution_id = ? AND sub_status = ?`,
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
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		query, args, err := sqlx.In(`
			UPDATE pipeline_executions SET status = ?, completed_at = ?, error = NULLIF(?, '')
			WHERE id = ? AND status NOT IN (?)`,
			string(to), ids.Now(), reason, pipelineID,
			[]string{string(store.PipelineCompleted), string(store.PipelineFailed), string(store.PipelineCancelled)})
		if err != nil {
			return fmt.Errorf("build finish query: %w", err)
		}
		res, err := tx.ExecContext(ctx, tx.Rebind(query), args...)
		if err != nil {
			return fmt.Errorf("finish pipeline: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil
		}
		return insertEvent(ctx, tx, pipelineID, ids.Nil, evt, ids.JSON{"error": reason}, "")
	})
}

func (s *Store) GetEvents(ctx context.Context, pipelineID ids.ID) ([]store.ExecutionEvent, error) {
	rows, err := s.db.QueryxContext(ctx, `
		SELECT id, pipeline_execution_id, task_execution_id, event_type, event_data, worker_id, created_at, sequence_num
		FROM execution_events WHERE pipeline_execution_id = ? ORDER BY sequence_num`, pipelineID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: get events: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

func (s *Store) GetRecentEvents(ctx context.Context, limit int) ([]store.ExecutionEvent, error) {
	rows, err := s.db.QueryxContext(ctx, `
		SELECT id, pipeline_execution_id, task_execution_id, event_type, event_data, worker_id, created_at, sequence_num
		FROM execution_events ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite: get recent events: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

func scanEvents(rows *sqlx.Rows) ([]store.ExecutionEvent, error) {
	var out []store.ExecutionEvent
	for rows.Next() {
		var e store.ExecutionEvent
		var eventType string
		var taskID *ids.ID
		if err := rows.Scan(&e.ID, &e.PipelineExecutionID, &taskID, &eventType, &e.EventData, &e.WorkerID, &e.CreatedAt, &e.SequenceNum); err != nil {
			return nil, fmt.Errorf("sqlite: scan event: %w", err)
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
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO recovery_events (id, pipeline_execution_id, task_execution_id, kind, detail, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.PipelineExecutionID, taskArg, ev.Kind, ev.Detail, ev.CreatedAt)
	if err != nil {
		return fmt.Errorf("sqlite: record recovery event: %w", err)
	}
	return nil
}

func (s *Store) ReinsertMissingOutbox(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO task_outbox (task_execution_id, created_at)
		SELECT te.id, ? FROM task_executions te
		WHERE te.status = ?
		  AND NOT EXISTS (SELECT 1 FROM task_outbox ob WHERE ob.task_execution_id = te.id)`,
		ids.Now(), string(store.TaskReady))
	if err != nil {
		return 0, fmt.Errorf("sqlite: reinsert missing outbox: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *Store) RecoverStaleRunning(ctx context.Context, staleAfter time.Duration) (recovered int, abandoned int, err error) {
	cutoff := ids.Now().Add(-staleAfter)

	rows, err := s.db.QueryxContext(ctx, `
		SELECT id, pipeline_execution_id, attempt, max_attempts FROM task_executions
		WHERE status = ? AND started_at < ?`, string(store.TaskRunning), cutoff)
	if err != nil {
		return 0, 0, fmt.Errorf("sqlite: select stale running: %w", err)
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
			return 0, 0, fmt.Errorf("sqlite: scan stale running: %w", err)
		}
		candidates = append(candidates, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, 0, err
	}

	for _, c := range candidates {
		txErr := s.withTx(ctx, func(tx *sqlx.Tx) error {
			if c.attempt < c.maxAttempts {
				res, err := tx.ExecContext(ctx, `
					UPDATE task_executions SET status = ?, worker_id = ''
					WHERE id = ? AND status = ?`, string(store.TaskReady), c.id, string(store.TaskRunning))
				if n, _ := res.RowsAffected(); err != nil || n == 0 {
					return fmt.Errorf("requeue stale task %s: %w", c.id, err)
				}
				if _, err := tx.ExecContext(ctx, `INSERT INTO task_outbox (task_execution_id, created_at) VALUES (?, ?)`, c.id, ids.Now()); err != nil {
					return err
				}
				recovered++
				return insertEvent(ctx, tx, c.pipelineID, c.id, store.EventTaskRetryScheduled, ids.JSON{"reason": "recovered: stale running"}, "")
			}
			res, err := tx.ExecContext(ctx, `
				UPDATE task_executions SET status = ?, completed_at = ?
				WHERE id = ? AND status = ?`, string(store.TaskAbandoned), ids.Now(), c.id, string(store.TaskRunning))
			if n, _ := res.RowsAffected(); err != nil || n == 0 {
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

func (s *Store) CloseStuckPipelines(ctx context.Context) (int, error) {
	query, args, err := sqlx.In(`
		SELECT p.id FROM pipeline_executions p
		WHERE p.status NOT IN (?)
		  AND NOT EXISTS (
		      SELECT 1 FROM task_executions t
		      WHERE t.pipeline_execution_id = p.id
		        AND t.status NOT IN (?)
		  )`,
		[]string{string(store.PipelineCompleted), string(store.PipelineFailed), string(store.PipelineCancelled)},
		[]string{string(store.TaskCompleted), string(store.TaskSkipped), string(store.TaskAbandoned)})
	if err != nil {
		return 0, fmt.Errorf("sqlite: build stuck-pipeline query: %w", err)
	}
	rows, err := s.db.QueryxContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return 0, fmt.Errorf("sqlite: find stuck pipelines: %w", err)
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
	err := s.db.QueryRowxContext(ctx, `
		SELECT count(*) FROM task_executions WHERE pipeline_execution_id = ? AND status = ?`,
		pipelineID, string(store.TaskAbandoned)).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("sqlite: count abandoned tasks: %w", err)
	}
	return count > 0, nil
}

func (s *Store) CleanupEvents(ctx context.Context, cutoff time.Time, dryRun bool) (int64, error) {
	if dryRun {
		var count int64
		if err := s.db.QueryRowxContext(ctx, `SELECT count(*) FROM execution_events WHERE created_at < ?`, cutoff).Scan(&count); err != nil {
			return 0, fmt.Errorf("sqlite: count events to clean up: %w", err)
		}
		return count, nil
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM execution_events WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("sqlite: cleanup events: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("sqlite: rows affected: %w", err)
	}
	return n, nil
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin transaction: %v", cloaerr.ErrTransientStorage, err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %v", cloaerr.ErrTransientStorage, err)
	}
	return nil
}
