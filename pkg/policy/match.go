package policy

import (
	"encoding/json"
	"reflect"
)

// ruleMatches reports whether every condition of the rule holds against
// the inputs. A rule with no conditions matches every input.
func ruleMatches(rule *Rule, inputs map[string]any) bool {
	for key, expected := range rule.Conditions {
		actual, present := inputs[key]
		if !matchCondition(expected, actual, present) {
			return false
		}
	}
	return true
}

// matchCondition evaluates one matcher. A matcher is either an object
// {"op": ..., "value": ...} or a bare literal meaning eq.
func matchCondition(expected, actual any, present bool) bool {
	if obj, ok := expected.(map[string]any); ok {
		if rawOp, hasOp := obj["op"]; hasOp {
			op, _ := rawOp.(string)
			return matchOp(op, obj["value"], actual, present)
		}
	}
	return present && looseEqual(expected, actual)
}

func matchOp(op string, value, actual any, present bool) bool {
	switch op {
	case OpEq:
		return present && looseEqual(value, actual)
	case OpLte:
		a, aok := asFloat(actual)
		v, vok := asFloat(value)
		return present && aok && vok && a <= v
	case OpGte:
		a, aok := asFloat(actual)
		v, vok := asFloat(value)
		return present && aok && vok && a >= v
	case OpIn:
		return present && containsLoose(value, actual)
	case OpNotIn:
		// Absent values are trivially not in the set.
		if !present {
			return true
		}
		return !containsLoose(value, actual)
	default:
		return false
	}
}

func containsLoose(set, candidate any) bool {
	items, ok := set.([]any)
	if !ok {
		return false
	}
	for _, item := range items {
		if looseEqual(item, candidate) {
			return true
		}
	}
	return false
}

// looseEqual compares values as JSON would: numerics compare by value
// regardless of Go representation, everything else via DeepEqual.
func looseEqual(a, b any) bool {
	fa, aok := asFloat(a)
	fb, bok := asFloat(b)
	if aok && bok {
		return fa == fb
	}
	if aok != bok {
		return false
	}
	return reflect.DeepEqual(a, b)
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
