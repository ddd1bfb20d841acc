package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloacina-io/cloacina/internal/taskctx"
)

func noop(ctx taskctx.Context) (taskctx.Context, error) { return ctx, nil }

func TestBuilder_BuildsLinearWorkflow(t *testing.T) {
	wf, err := NewBuilder("etl").
		Describe("extract, transform, load").
		AddTask(Task{ID: "extract", Run: noop}).
		AddTask(Task{ID: "transform", Dependencies: []string{"extract"}, Run: noop}).
		AddTask(Task{ID: "load", Dependencies: []string{"transform"}, Run: noop}).
		Build()
	require.NoError(t, err)

	assert.Equal(t, []string{"extract", "transform", "load"}, wf.Graph().TopologicalOrder())
	assert.NotEmpty(t, wf.Fingerprint())
}

func TestBuilder_MissingRunCallable(t *testing.T) {
	_, err := NewBuilder("bad").
		AddTask(Task{ID: "a"}).
		Build()
	assert.ErrorContains(t, err, "Run callable")
}

func TestBuilder_DefaultsTriggerAndRetry(t *testing.T) {
	wf, err := NewBuilder("defaults").
		AddTask(Task{ID: "a", Run: noop}).
		Build()
	require.NoError(t, err)

	task := wf.Tasks["a"]
	assert.Equal(t, TriggerAllSuccess, task.Trigger.Kind)
	assert.Equal(t, DefaultRetryPolicy().MaxAttempts, task.Retry.MaxAttempts)
}

func TestBuilder_NoTasks(t *testing.T) {
	_, err := NewBuilder("empty").Build()
	assert.ErrorContains(t, err, "no tasks")
}

func TestFingerprint_ChangesWithTaskBehavior(t *testing.T) {
	build := func(mode BackoffMode) string {
		wf, err := NewBuilder("x").
			AddTask(Task{ID: "a", Run: noop, Retry: RetryPolicy{MaxAttempts: 3, Mode: mode}}).
			Build()
		require.NoError(t, err)
		return wf.Fingerprint()
	}

	assert.NotEqual(t, build(BackoffFixed), build(BackoffExponential))
}

func TestWithMergePolicy_OverridesDefault(t *testing.T) {
	var customCalled bool
	custom := func(branches []taskctx.Branch) taskctx.Context {
		customCalled = true
		return taskctx.New(nil)
	}

	wf, err := NewBuilder("merge").
		WithMergePolicy(custom).
		AddTask(Task{ID: "a", Run: noop}).
		Build()
	require.NoError(t, err)

	wf.MergePolicy(nil)
	assert.True(t, customCalled)
}

func TestTriggerRule_AllSuccessAndAnySuccess(t *testing.T) {
	outcomes := []DependencyOutcome{{TaskID: "a", Succeeded: true}, {TaskID: "b", Succeeded: false}}

	ok, err := AllSuccess().Evaluate(outcomes, nil)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = AnySuccess().Evaluate(outcomes, nil)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestTriggerRule_Custom(t *testing.T) {
	rule := Custom(`.count > 3 and .status == "ok"`)

	ok, err := rule.Evaluate(nil, map[string]interface{}{"count": 5.0, "status": "ok"})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = rule.Evaluate(nil, map[string]interface{}{"count": 1.0, "status": "ok"})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestTriggerRule_CustomInvalidExpression(t *testing.T) {
	rule := Custom(`.[[[`)
	_, err := rule.Evaluate(nil, map[string]interface{}{})
	assert.Error(t, err)
}

func TestTriggerRule_CustomNonBooleanResult(t *testing.T) {
	rule := Custom(`.count`)
	_, err := rule.Evaluate(nil, map[string]interface{}{"count": 5.0})
	assert.ErrorContains(t, err, "boolean")
}
