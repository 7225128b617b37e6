package workflow

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"github.com/t77yq/rmm-automation/internal/model"
)

// ConditionEvaluator decides whether a workflow fires for an event.
type ConditionEvaluator interface {
	Match(conditions model.Conditions, event model.Event) (bool, error)
}

// AlwaysMatch fires every workflow whose event type matches.
type AlwaysMatch struct{}

func (AlwaysMatch) Match(model.Conditions, model.Event) (bool, error) { return true, nil }

// FieldMatcher evaluates field predicates against the event payload. An empty
// rule list matches.
type FieldMatcher struct{}

func (FieldMatcher) Match(conditions model.Conditions, event model.Event) (bool, error) {
	if conditions.IsEmpty() {
		return true, nil
	}

	matchAny := conditions.Match == model.MatchAny
	for _, rule := range conditions.Rules {
		ok, err := evaluate(rule, event)
		if err != nil {
			return false, err
		}
		if matchAny && ok {
			return true, nil
		}
		if !matchAny && !ok {
			return false, nil
		}
	}
	return !matchAny, nil
}

func evaluate(rule model.Condition, event model.Event) (bool, error) {
	actual, present := event.Field(rule.Field)

	switch rule.Operator {
	case model.OperatorExists:
		want := true
		if b, ok := rule.Value.(bool); ok {
			want = b
		}
		return present == want, nil
	case model.OperatorNotEquals:
		if !present {
			return true, nil
		}
		return !equal(actual, rule.Value), nil
	}

	if !present {
		return false, nil
	}

	switch rule.Operator {
	case model.OperatorEquals:
		return equal(actual, rule.Value), nil
	case model.OperatorContains:
		return contains(actual, rule.Value), nil
	case model.OperatorGreater, model.OperatorLess, model.OperatorGreaterOrEq, model.OperatorLessOrEq:
		a, ok := toFloat64(actual)
		if !ok {
			return false, nil
		}
		b, ok := toFloat64(rule.Value)
		if !ok {
			return false, fmt.Errorf("condition on %s: value %v is not numeric", rule.Field, rule.Value)
		}
		switch rule.Operator {
		case model.OperatorGreater:
			return a > b, nil
		case model.OperatorLess:
			return a < b, nil
		case model.OperatorGreaterOrEq:
			return a >= b, nil
		default:
			return a <= b, nil
		}
	default:
		return false, fmt.Errorf("unsupported operator %q", rule.Operator)
	}
}

func equal(actual, expected interface{}) bool {
	if a, ok := toFloat64(actual); ok {
		if b, ok := toFloat64(expected); ok {
			return a == b
		}
	}
	if as, ok := actual.(string); ok {
		if es, ok := expected.(string); ok {
			return as == es
		}
	}
	return reflect.DeepEqual(actual, expected)
}

func contains(actual, expected interface{}) bool {
	switch a := actual.(type) {
	case string:
		return strings.Contains(a, fmt.Sprintf("%v", expected))
	case []interface{}:
		for _, item := range a {
			if equal(item, expected) {
				return true
			}
		}
	}
	return false
}

func toFloat64(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}
