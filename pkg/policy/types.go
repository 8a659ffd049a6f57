// Package policy implements the offline policy evaluator: signed snapshot
// verification, rule indexing and cached evaluation. Evaluation never
// touches the network; policy_unavailable always means "no loaded snapshot
// or invalid signature", never a network failure.
package policy

// Rule decisions. allow/deny are canonicalized by the orchestrator onto
// receipt statuses; the rest pass through.
const (
	DecisionPass      = "pass"
	DecisionWarn      = "warn"
	DecisionSoftBlock = "soft_block"
	DecisionHardBlock = "hard_block"
	DecisionAllow     = "allow"
	DecisionDeny      = "deny"
)

// Matcher operators.
const (
	OpEq    = "eq"
	OpLte   = "lte"
	OpGte   = "gte"
	OpIn    = "in"
	OpNotIn = "not_in"
)

// Priority bounds for rules.
const (
	MinPriority = 0
	MaxPriority = 10_000
)

// Rule is one policy rule. A condition value is either a bare literal
// (compared for equality) or an object {"op": ..., "value": ...}.
type Rule struct {
	RuleID     string         `json:"rule_id"`
	Priority   int            `json:"priority"`
	Conditions map[string]any `json:"conditions,omitempty"`
	Decision   string         `json:"decision"`
	Rationale  string         `json:"rationale"`
}

// Snapshot is an immutable, signed bundle of rules for one module. Rules
// are kept sorted by priority descending.
type Snapshot struct {
	ModuleID     string `json:"module_id"`
	Version      string `json:"version"`
	Rules        []Rule `json:"rules"`
	Signature    string `json:"signature"`
	SnapshotHash string `json:"snapshot_hash"`
}

// Evaluation is the cached outcome of evaluating a module's rules against
// one set of inputs.
type Evaluation struct {
	Decision           string   `json:"decision"`
	Rationale          string   `json:"rationale"`
	RuleID             string   `json:"rule_id,omitempty"`
	PolicyVersionIDs   []string `json:"policy_version_ids"`
	PolicySnapshotHash string   `json:"policy_snapshot_hash"`
}

// RationaleNoRuleMatched is returned when no rule matches the inputs.
const RationaleNoRuleMatched = "no_rule_matched"

// noConditionsBucket indexes rules that match every input.
const noConditionsBucket = "__no_conditions__"
