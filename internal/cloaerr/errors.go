// Package cloaerr defines the error kinds used across the engine's core
// packages. Each kind maps directly to one of the categories in the
// error handling design: validation, contract violations, transient
// storage errors, and the two flavors of user task failure.
package cloaerr

import "errors"

// Sentinel kinds. Wrap with fmt.Errorf("...: %w", ErrX) to attach detail
// while keeping errors.Is(err, cloaerr.ErrX) working.
var (
	// ErrValidation marks a malformed workflow declaration or an invalid
	// identifier (unknown dependency, cycle, duplicate task ID, bad
	// schema name). Fatal at registration time.
	ErrValidation = errors.New("cloacina: validation error")

	// ErrContract marks a state-machine precondition violation, e.g.
	// attempting to complete a task that isn't Running. Non-retryable.
	ErrContract = errors.New("cloacina: contract violation")

	// ErrTransientStorage marks a transaction that failed to begin or to
	// commit in the store (e.g. a serialization failure, busy error, or
	// deadlock). The stores wrap such failures with it and return them to
	// the caller at once; they do not retry them.
	ErrTransientStorage = errors.New("cloacina: transient storage error")

	// ErrUserTaskRetryable marks a task failure the retry policy should
	// act on (explicit retryable error, or a deadline timeout).
	ErrUserTaskRetryable = errors.New("cloacina: retryable task error")

	// ErrUserTaskFatal marks a task failure that must not be retried,
	// either because the task said so explicitly or attempts are
	// exhausted.
	ErrUserTaskFatal = errors.New("cloacina: fatal task error")

	// ErrNotFound marks a lookup (pipeline, task, workflow) that found
	// nothing.
	ErrNotFound = errors.New("cloacina: not found")
)

// TimeoutError wraps ErrUserTaskRetryable for deadline expiry so callers can
// distinguish it from an explicit user error while still matching the
// retryable sentinel via errors.Is.
type TimeoutError struct {
	TaskID string
}

func (e *TimeoutError) Error() string {
	return "cloacina: task " + e.TaskID + " exceeded its deadline"
}

func (e *TimeoutError) Unwrap() error { return ErrUserTaskRetryable }
