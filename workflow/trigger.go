package workflow

import (
	"fmt"

	"github.com/itchyny/gojq"

	"github.com/cloacina-io/cloacina/internal/ids"
)

// TriggerKind selects which built-in rule (or Custom expression)
// determines whether a task should run given its dependencies' outcomes.
type TriggerKind string

const (
	// TriggerAllSuccess (the default) requires every dependency to have
	// completed successfully.
	TriggerAllSuccess TriggerKind = "all_success"
	// TriggerAnySuccess requires at least one dependency to have
	// completed successfully.
	TriggerAnySuccess TriggerKind = "any_success"
	// TriggerAllComplete runs regardless of dependency failures, as long
	// as every dependency has reached a terminal status.
	TriggerAllComplete TriggerKind = "all_complete"
	// TriggerCustom evaluates Expression against the merged dependency
	// context using the operators {eq, ne, gt, ge, lt, le, in, exists}.
	TriggerCustom TriggerKind = "custom"
)

// DependencyOutcome is what the trigger rule sees for one dependency:
// whether it succeeded, in the sense the built-in rules need.
type DependencyOutcome struct {
	TaskID    string
	Succeeded bool // Completed, not Failed/Abandoned/Skipped-as-failure
}

// TriggerRule is a predicate over dependency statuses and the merged
// dependency context deciding whether a task should run. Evaluation is
// pure: no side effects, no I/O.
type TriggerRule struct {
	Kind       TriggerKind
	Expression string // gojq program, used only when Kind == TriggerCustom
}

// AllSuccess is the zero-value default trigger rule.
func AllSuccess() TriggerRule { return TriggerRule{Kind: TriggerAllSuccess} }

func AnySuccess() TriggerRule { return TriggerRule{Kind: TriggerAnySuccess} }

func AllComplete() TriggerRule { return TriggerRule{Kind: TriggerAllComplete} }

// Custom builds a TriggerRule that evaluates a gojq boolean expression
// against the merged dependency context, e.g. `.status == "ok" and
// .count > 0`. Operators map onto gojq's native `==`, `!=`, `>`, `>=`,
// `<`, `<=`, and `in`; `exists` is written as `has("key")`. The
// expression must produce a boolean: any other result is an error, not
// a truthiness check.
func Custom(expression string) TriggerRule {
	return TriggerRule{Kind: TriggerCustom, Expression: expression}
}

// Evaluate runs the rule. For TriggerCustom it compiles and evaluates
// Expression via gojq; a compile error or a non-boolean result is
// reported as an error rather than silently treated as false, since a
// malformed Custom expression is a validation problem, not a
// runtime one.
func (r TriggerRule) Evaluate(outcomes []DependencyOutcome, mergedContext ids.JSON) (bool, error) {
	switch r.Kind {
	case TriggerAllSuccess, "":
		for _, o := range outcomes {
			if !o.Succeeded {
				return false, nil
			}
		}
		return true, nil

	case TriggerAnySuccess:
		for _, o := range outcomes {
			if o.Succeeded {
				return true, nil
			}
		}
		return false, nil

	case TriggerAllComplete:
		return true, nil

	case TriggerCustom:
		return evaluateCustom(r.Expression, mergedContext)

	default:
		return false, fmt.Errorf("workflow: unknown trigger kind %q", r.Kind)
	}
}

func evaluateCustom(expression string, mergedContext ids.JSON) (bool, error) {
	query, err := gojq.Parse(expression)
	if err != nil {
		return false, fmt.Errorf("workflow: compile trigger expression %q: %w", expression, err)
	}

	input := map[string]interface{}(mergedContext)
	iter := query.Run(input)

	result, ok := iter.Next()
	if !ok {
		return false, fmt.Errorf("workflow: trigger expression %q produced no result", expression)
	}
	if err, ok := result.(error); ok {
		return false, fmt.Errorf("workflow: evaluate trigger expression %q: %w", expression, err)
	}

	b, ok := result.(bool)
	if !ok {
		return false, fmt.Errorf("workflow: trigger expression %q must evaluate to a boolean, got %T", expression, result)
	}
	return b, nil
}
