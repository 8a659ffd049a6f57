package policy

import (
	"encoding/json"
	"fmt"
	"math"
)

var validDecisions = map[string]bool{
	DecisionPass:      true,
	DecisionWarn:      true,
	DecisionSoftBlock: true,
	DecisionHardBlock: true,
	DecisionAllow:     true,
	DecisionDeny:      true,
}

// parseSnapshot validates and converts a raw snapshot payload. Rules with
// a non-integer or out-of-range priority, or an unknown decision value,
// fail the load: unknown decisions are rejected here instead of being
// silently coerced at evaluation time.
func parseSnapshot(payload map[string]any) (*Snapshot, error) {
	moduleID, _ := payload["module_id"].(string)
	if moduleID == "" {
		return nil, fmt.Errorf("snapshot payload missing module_id")
	}
	version, _ := payload["version"].(string)
	if version == "" {
		return nil, fmt.Errorf("snapshot payload missing version")
	}

	rawRules, ok := payload["rules"].([]any)
	if !ok {
		if payload["rules"] == nil {
			rawRules = nil
		} else {
			return nil, fmt.Errorf("snapshot rules must be a list")
		}
	}

	rules := make([]Rule, 0, len(rawRules))
	for i, raw := range rawRules {
		obj, ok := raw.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("rule %d is not an object", i)
		}
		rule, err := parseRule(obj)
		if err != nil {
			return nil, fmt.Errorf("rule %d: %w", i, err)
		}
		rules = append(rules, rule)
	}

	return &Snapshot{
		ModuleID: moduleID,
		Version:  version,
		Rules:    rules,
	}, nil
}

func parseRule(obj map[string]any) (Rule, error) {
	ruleID, _ := obj["rule_id"].(string)
	if ruleID == "" {
		return Rule{}, fmt.Errorf("missing rule_id")
	}

	priority, err := asInt(obj["priority"])
	if err != nil {
		return Rule{}, fmt.Errorf("rule %q: priority: %w", ruleID, err)
	}
	if priority < MinPriority || priority > MaxPriority {
		return Rule{}, fmt.Errorf("rule %q: priority %d outside [%d, %d]",
			ruleID, priority, MinPriority, MaxPriority)
	}

	decision, _ := obj["decision"].(string)
	if !validDecisions[decision] {
		return Rule{}, fmt.Errorf("rule %q: unknown decision %q", ruleID, decision)
	}

	rationale, _ := obj["rationale"].(string)

	var conditions map[string]any
	if rawConds, present := obj["conditions"]; present && rawConds != nil {
		conditions, _ = rawConds.(map[string]any)
		if conditions == nil {
			return Rule{}, fmt.Errorf("rule %q: conditions must be an object", ruleID)
		}
	}

	return Rule{
		RuleID:     ruleID,
		Priority:   priority,
		Conditions: conditions,
		Decision:   decision,
		Rationale:  rationale,
	}, nil
}

// asInt accepts the integer encodings that survive JSON round trips.
func asInt(v any) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, fmt.Errorf("not an integer: %v", v)
		}
		return int(i), nil
	case float64:
		if n != math.Trunc(n) {
			return 0, fmt.Errorf("not an integer: %v", v)
		}
		return int(n), nil
	default:
		return 0, fmt.Errorf("not an integer: %v", v)
	}
}
