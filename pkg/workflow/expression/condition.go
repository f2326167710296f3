package expression

import (
	"regexp"
	"sort"
	"strings"

	"github.com/cascadehq/cascade/pkg/workflow"
)

// EvaluateCondition evaluates a condition tree against the context.
// Evaluation is a pure function of its inputs.
func EvaluateCondition(cond *workflow.ConditionExpression, ctx *Context) bool {
	if cond == nil {
		return true
	}
	switch cond.Kind() {
	case workflow.ConditionNot:
		return !EvaluateCondition(cond.Condition, ctx)
	case workflow.ConditionCompound:
		if cond.Operator == workflow.OpAnd {
			for _, c := range cond.Conditions {
				if !EvaluateCondition(c, ctx) {
					return false
				}
			}
			return true
		}
		for _, c := range cond.Conditions {
			if EvaluateCondition(c, ctx) {
				return true
			}
		}
		return false
	default:
		return evaluateSimple(cond, ctx)
	}
}

func evaluateSimple(cond *workflow.ConditionExpression, ctx *Context) bool {
	left := ResolveString(cond.Left, ctx)
	right := cond.Right

	switch cond.Operator {
	case workflow.OpEq:
		return looseEqual(left, right)
	case workflow.OpNeq:
		return !looseEqual(left, right)
	case workflow.OpGt, workflow.OpGte, workflow.OpLt, workflow.OpLte:
		l, errL := toFloat(left)
		r, errR := toFloat(right)
		if errL != nil || errR != nil {
			return false
		}
		switch cond.Operator {
		case workflow.OpGt:
			return l > r
		case workflow.OpGte:
			return l >= r
		case workflow.OpLt:
			return l < r
		default:
			return l <= r
		}
	case workflow.OpContains:
		switch lv := left.(type) {
		case []any:
			for _, item := range lv {
				if looseEqual(item, right) {
					return true
				}
			}
			return false
		case string:
			return strings.Contains(lv, Stringify(right))
		}
		return false
	case workflow.OpStartsWith:
		return strings.HasPrefix(Stringify(left), Stringify(right))
	case workflow.OpEndsWith:
		return strings.HasSuffix(Stringify(left), Stringify(right))
	case workflow.OpIn, workflow.OpNotIn:
		arr, ok := right.([]any)
		if !ok {
			// notIn over a non-array right is vacuously true.
			return cond.Operator == workflow.OpNotIn
		}
		found := false
		for _, item := range arr {
			if looseEqual(left, item) {
				found = true
				break
			}
		}
		if cond.Operator == workflow.OpIn {
			return found
		}
		return !found
	case workflow.OpExists:
		return left != nil
	case workflow.OpNotExists:
		return left == nil
	case workflow.OpRegex:
		re, err := regexp.Compile(Stringify(right))
		if err != nil {
			return false
		}
		return re.MatchString(Stringify(left))
	default:
		return false
	}
}

// looseEqual compares values with numeric coercion, so 1500 matches
// 1500.0 regardless of how JSON decoding typed them.
func looseEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if af, errA := toFloat(a); errA == nil {
		if bf, errB := toFloat(b); errB == nil {
			return af == bf
		}
	}
	return Stringify(a) == Stringify(b)
}

// FindMatchingTransition selects the target of the first transition whose
// condition matches, in ascending priority order (missing priority sorts
// last). Transitions without a condition that are not marked default match
// unconditionally. The default transition is consulted only when nothing
// else matched. Returns false when no transition applies.
func FindMatchingTransition(transitions []workflow.TransitionRule, ctx *Context) (string, bool) {
	if len(transitions) == 0 {
		return "", false
	}

	ordered := make([]workflow.TransitionRule, len(transitions))
	copy(ordered, transitions)
	sort.SliceStable(ordered, func(i, j int) bool {
		return priorityOf(ordered[i]) < priorityOf(ordered[j])
	})

	for _, t := range ordered {
		if t.Condition != nil {
			if EvaluateCondition(t.Condition, ctx) {
				return t.TargetStepID, true
			}
			continue
		}
		if !t.IsDefault {
			return t.TargetStepID, true
		}
	}

	for _, t := range ordered {
		if t.IsDefault {
			return t.TargetStepID, true
		}
	}
	return "", false
}

func priorityOf(t workflow.TransitionRule) int {
	if t.Priority == nil {
		return int(^uint(0) >> 1)
	}
	return *t.Priority
}
