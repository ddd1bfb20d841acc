// Package workflow is the declaration surface: the public API an embedding
// application uses to describe a DAG of tasks once per process.
package workflow

import (
	"fmt"
	"sort"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/cloacina-io/cloacina/internal/graph"
	"github.com/cloacina-io/cloacina/internal/taskctx"
)

// Runnable is the callable an embedding application supplies for a task: it
// receives the merged context from completed dependencies and returns the
// (possibly mutated) context to persist, or an error. Errors wrapping
// cloaerr.ErrUserTaskFatal abandon the task without retrying, and the
// pipeline ends Failed once its remaining tasks reach a terminal status;
// anything else is subject to the task's RetryPolicy.
type Runnable func(ctx taskctx.Context) (taskctx.Context, error)

// Task is one node of a declared workflow: a unique ID, dependency IDs,
// max attempts, backoff policy, an optional trigger rule, an optional
// timeout, and the execution callable itself.
type Task struct {
	ID           string
	Dependencies []string
	Retry        RetryPolicy
	Trigger      TriggerRule
	Timeout      time.Duration
	Run          Runnable
}

// Workflow is a registered bundle: name, description, its tasks, the merge
// policy fan-in uses, and the deterministic fingerprint computed over the
// declaration.
type Workflow struct {
	Name        string
	Description string
	Tasks       map[string]Task
	MergePolicy taskctx.MergePolicy

	graph *graph.Graph
}

// Builder assembles a Workflow fluently, validating the DAG shape (no
// cycles, no unknown dependencies, no repeated task IDs) on Build.
type Builder struct {
	name        string
	description string
	tasks       map[string]Task
	mergePolicy taskctx.MergePolicy
	duplicates  []string
}

// NewBuilder starts a workflow declaration with the given unique name.
func NewBuilder(name string) *Builder {
	return &Builder{
		name:        name,
		tasks:       make(map[string]Task),
		mergePolicy: taskctx.LastWriterWins,
	}
}

func (b *Builder) Describe(description string) *Builder {
	b.description = description
	return b
}

// WithMergePolicy overrides the default LastWriterWins fan-in merge for
// this workflow. The policy must remain pure: no wall-clock or
// randomness beyond what's present in the branch inputs themselves.
func (b *Builder) WithMergePolicy(policy taskctx.MergePolicy) *Builder {
	if policy != nil {
		b.mergePolicy = policy
	}
	return b
}

// AddTask registers a task. A task with no Trigger set defaults to
// AllSuccess; a task with MaxAttempts == 0 defaults to
// DefaultRetryPolicy().MaxAttempts. Adding a task whose ID is already
// present makes Build fail.
func (b *Builder) AddTask(t Task) *Builder {
	if _, exists := b.tasks[t.ID]; exists {
		b.duplicates = append(b.duplicates, t.ID)
	}
	if t.Trigger.Kind == "" {
		t.Trigger = AllSuccess()
	}
	if t.Retry.MaxAttempts == 0 {
		t.Retry.MaxAttempts = DefaultRetryPolicy().MaxAttempts
	}
	b.tasks[t.ID] = t
	return b
}

// Build validates the declared tasks as a DAG and returns the immutable
// Workflow, including its fingerprint.
func (b *Builder) Build() (*Workflow, error) {
	if b.name == "" {
		return nil, fmt.Errorf("workflow: name is required")
	}
	if len(b.tasks) == 0 {
		return nil, fmt.Errorf("workflow: %q declares no tasks", b.name)
	}
	if len(b.duplicates) > 0 {
		return nil, fmt.Errorf("workflow: duplicate task id %q", b.duplicates[0])
	}

	nodes := make([]graph.Node, 0, len(b.tasks))
	for id, t := range b.tasks {
		if t.Run == nil {
			return nil, fmt.Errorf("workflow: task %q has no Run callable", id)
		}
		nodes = append(nodes, graph.Node{
			ID:           id,
			Dependencies: t.Dependencies,
			Fingerprint:  taskFingerprint(t),
		})
	}

	g, err := graph.Build(b.name, nodes, b.description)
	if err != nil {
		return nil, fmt.Errorf("workflow: %w", err)
	}

	return &Workflow{
		Name:        b.name,
		Description: b.description,
		Tasks:       b.tasks,
		MergePolicy: b.mergePolicy,
		graph:       g,
	}, nil
}

// Graph returns the validated dependency graph backing this workflow.
func (w *Workflow) Graph() *graph.Graph { return w.graph }

// Fingerprint is the deterministic identity of this declaration: two
// processes that build the same tasks with the same dependencies, retry
// policies, triggers, and timeouts compute the same value.
func (w *Workflow) Fingerprint() string { return w.graph.Fingerprint() }

func taskFingerprint(t Task) string {
	h := xxhash.New()
	deps := append([]string(nil), t.Dependencies...)
	sort.Strings(deps)
	fmt.Fprintf(h, "id=%s|deps=%v|maxattempts=%d|mode=%s|timeout=%s|trigger=%s|expr=%s",
		t.ID, deps, t.Retry.MaxAttempts, t.Retry.Mode, t.Timeout, t.Trigger.Kind, t.Trigger.Expression)
	return fmt.Sprintf("%x", h.Sum64())
}
