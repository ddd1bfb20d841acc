// Package store defines the Data Access Layer contract: typed operations
// over pipeline_executions, task_executions, contexts, execution_events,
// task_outbox, and recovery_events, implemented identically in
// meaning by store/postgres and store/sqlite. Every method that changes
// task or pipeline status does so inside one transaction that also writes
// the corresponding execution_events row (and, for readiness transitions,
// a task_outbox row); partial writes are forbidden.
package store

import (
	"context"
	"time"

	"github.com/cloacina-io/cloacina/internal/ids"
)

// PipelineStatus is the lifecycle status of one pipeline execution.
type PipelineStatus string

const (
	PipelinePending   PipelineStatus = "pending"
	PipelineRunning   PipelineStatus = "running"
	PipelinePaused    PipelineStatus = "paused"
	PipelineCompleted PipelineStatus = "completed"
	PipelineFailed    PipelineStatus = "failed"
	PipelineCancelled PipelineStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s PipelineStatus) Terminal() bool {
	switch s {
	case PipelineCompleted, PipelineFailed, PipelineCancelled:
		return true
	default:
		return false
	}
}

// TaskStatus is the lifecycle status of one task execution attempt set.
type TaskStatus string

const (
	TaskNotStarted TaskStatus = "not_started"
	TaskReady      TaskStatus = "ready"
	TaskRunning    TaskStatus = "running"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
	TaskSkipped    TaskStatus = "skipped"
	TaskAbandoned  TaskStatus = "abandoned"
	TaskDeferred   TaskStatus = "deferred"
)

// Terminal reports whether the status is a terminal outcome for the task
// (Completed, Skipped, Abandoned); Failed is intermediate unless retries
// are exhausted, which the executor's failure handling and recovery
// express by moving on to Abandoned rather than leaving the task sitting
// in Failed.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskCompleted, TaskSkipped, TaskAbandoned:
		return true
	default:
		return false
	}
}

// SubStatus annotates a task status with operator-visible detail, e.g.
// why a Ready task isn't actually being scheduled.
type SubStatus string

const (
	SubStatusNone            SubStatus = ""
	SubStatusRetryScheduled  SubStatus = "retry_scheduled"
	SubStatusPausedByUser    SubStatus = "paused_by_user"
)

// EventType is a stable identifier for an execution_events row.
type EventType string

const (
	EventPipelineStarted   EventType = "pipeline.started"
	EventPipelineCompleted EventType = "pipeline.completed"
	EventPipelineFailed    EventType = "pipeline.failed"
	EventPipelineCancelled EventType = "pipeline.cancelled"
	EventPipelinePaused    EventType = "pipeline.paused"
	EventPipelineResumed   EventType = "pipeline.resumed"
	EventTaskCreated       EventType = "task.created"
	EventTaskMarkedReady   EventType = "task.marked_ready"
	EventTaskClaimed       EventType = "task.claimed"
	EventTaskStarted       EventType = "task.started"
	EventTaskDeferred      EventType = "task.deferred"
	EventTaskResumed       EventType = "task.resumed"
	EventTaskCompleted     EventType = "task.completed"
	EventTaskFailed        EventType = "task.failed"
	EventTaskRetryScheduled EventType = "task.retry_scheduled"
	EventTaskSkipped       EventType = "task.skipped"
	EventTaskAbandoned     EventType = "task.abandoned"
)

// PipelineExecution is one run of a named workflow.
type PipelineExecution struct {
	ID          ids.ID
	Name        string
	Version     string
	Status      PipelineStatus
	Tenant      string
	StartedAt   time.Time
	CompletedAt *time.Time
	Error       *string
}

// TaskExecution is one attempt-bearing node within a pipeline.
type TaskExecution struct {
	ID                  ids.ID
	PipelineExecutionID ids.ID
	TaskID              string
	NamespacedTaskID    string
	Status              TaskStatus
	SubStatus           SubStatus
	Attempt             int
	MaxAttempts         int
	NextAttemptAt       *time.Time
	StartedAt           *time.Time
	CompletedAt         *time.Time
	WorkerID            string
	Error               *string
}

// ClaimedTask is what claim_ready_task hands to a worker: the task row
// plus enough to run it (dependency output contexts).
type ClaimedTask struct {
	Task                 TaskExecution
	DependencyOutputs    map[string]ids.JSON // keyed by dependency task_id
	DependencyCompletion map[string]time.Time
}

// ExecutionEvent is an append-only record of one state transition.
type ExecutionEvent struct {
	ID                  ids.ID
	PipelineExecutionID ids.ID
	TaskExecutionID      ids.ID // Nil for pipeline-scoped events
	EventType            EventType
	EventData            ids.JSON
	WorkerID              string
	CreatedAt            time.Time
	SequenceNum          int64
}

// RecoveryEvent records one automated healing action taken by the
// recovery loop against a stale or stuck pipeline.
type RecoveryEvent struct {
	ID                  ids.ID
	PipelineExecutionID ids.ID
	TaskExecutionID     ids.ID
	Kind                string
	Detail              string
	CreatedAt           time.Time
}

// ExecutionFilter narrows ListExecutions.
type ExecutionFilter struct {
	Tenant string
	Name   string
	Status PipelineStatus
	Limit  int
}

// Store is the Data Access Layer contract. Implementations:
// store/postgres (pgx, schema-per-tenant) and store/sqlite (database/sql +
// sqlite3, file-per-tenant).
type Store interface {
	// CreatePipeline seeds a pipeline_executions row in status Pending and
	// its task_executions rows (all NotStarted), then transitions the
	// pipeline to Running and emits pipeline.started, all in one
	// transaction.
	CreatePipeline(ctx context.Context, name, version string, tasks []TaskSeed, initialContext ids.JSON, tenant string) (ids.ID, error)

	GetPipeline(ctx context.Context, id ids.ID) (PipelineExecution, error)
	ListExecutions(ctx context.Context, filter ExecutionFilter) ([]PipelineExecution, error)
	ListTasks(ctx context.Context, pipelineID ids.ID) ([]TaskExecution, error)
	GetContext(ctx context.Context, pipelineID ids.ID) (ids.JSON, error)

	// MarkReady transitions a task NotStarted -> Ready, inserting an
	// outbox row with created_at = now.
	MarkReady(ctx context.Context, taskExecutionID ids.ID) error
	// ClaimReadyTask pops exactly one claimable outbox row and transitions
	// its task to Running under the given worker ID. Returns ok=false
	// when no task is claimable. Must be exactly-once under concurrency
	//.
	ClaimReadyTask(ctx context.Context, workerID string, mergePolicy func(branches []ContextBranch) ids.JSON) (claimed ClaimedTask, ok bool, err error)
	MarkCompleted(ctx context.Context, taskExecutionID ids.ID, outputContext ids.JSON) error
	MarkFailed(ctx context.Context, taskExecutionID ids.ID, errMsg string, retryable bool) error
	// ScheduleRetry transitions Failed -> Ready at now+delay.
	ScheduleRetry(ctx context.Context, taskExecutionID ids.ID, delay time.Duration) error
	MarkSkipped(ctx context.Context, taskExecutionID ids.ID, reason string) error
	MarkAbandoned(ctx context.Context, taskExecutionID ids.ID, reason string) error
	SetSubStatus(ctx context.Context, taskExecutionID ids.ID, sub SubStatus) error
	ResetRetryState(ctx context.Context, taskExecutionID ids.ID) error

	PausePipeline(ctx context.Context, pipelineID ids.ID) error
	ResumePipeline(ctx context.Context, pipelineID ids.ID) error
	CompletePipeline(ctx context.Context, pipelineID ids.ID) error
	FailPipeline(ctx context.Context, pipelineID ids.ID, reason string) error
	// CancelPipeline transitions a non-terminal pipeline straight to
	// Cancelled, for an explicit caller-initiated PipelineHandle.Cancel.
	// It does not interrupt in-flight task goroutines, the same way
	// pausing doesn't; Running tasks finish or time out on their own and
	// the Recovery service reconciles anything left stuck against an
	// already-terminal pipeline.
	CancelPipeline(ctx context.Context, pipelineID ids.ID, reason string) error

	GetEvents(ctx context.Context, pipelineID ids.ID) ([]ExecutionEvent, error)
	GetRecentEvents(ctx context.Context, limit int) ([]ExecutionEvent, error)
	RecordRecoveryEvent(ctx context.Context, ev RecoveryEvent) error

	// ReinsertMissingOutbox and RecoverStaleRunning serve the Recovery
	// service.
	ReinsertMissingOutbox(ctx context.Context) (int, error)
	RecoverStaleRunning(ctx context.Context, staleAfter time.Duration) (recovered int, abandoned int, err error)
	CloseStuckPipelines(ctx context.Context) (int, error)

	// CleanupEvents deletes execution_events rows older than cutoff,
	// returning the count that were (or, in dry-run, would be) deleted.
	CleanupEvents(ctx context.Context, cutoff time.Time, dryRun bool) (int64, error)

	Close() error
}

// TaskSeed is the input to CreatePipeline for one graph node.
type TaskSeed struct {
	TaskID           string
	NamespacedTaskID string
	Dependencies     []string
	MaxAttempts      int
}

// ContextBranch is one completed dependency's output, the input to a
// taskctx.MergePolicy, expressed in store-native terms so internal/store
// doesn't import internal/taskctx.
type ContextBranch struct {
	TaskID      string
	CompletedAt time.Time
	Output      ids.JSON
}
