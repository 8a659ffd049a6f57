// Package redaction removes or masks configured fields from payloads
// before they leave the substrate. The source payload is never mutated;
// redaction operates on a deep copy.
package redaction

import (
	"strings"

	"github.com/Mindburn-Labs/cccs/pkg/contracts"
	"github.com/Mindburn-Labs/cccs/pkg/taxonomy"
)

// Strategies.
const (
	StrategyRemove = "remove"
	StrategyMask   = "mask"
)

// DefaultRuleVersion applies when no policy hint is supplied.
const DefaultRuleVersion = "v1"

const defaultMaskValue = "***"

// Rule redacts one dotted field path.
type Rule struct {
	FieldPath   string `json:"field_path"`
	Strategy    string `json:"strategy"`
	MaskValue   any    `json:"mask_value,omitempty"`
	RuleVersion string `json:"rule_version"`
}

// Result is the outcome of applying redaction.
type Result struct {
	RedactedPayload any      `json:"redacted_payload"`
	RemovedFields   []string `json:"removed_fields"`
	RuleVersion     string   `json:"rule_version"`
}

// Redactor applies a fixed rule set. It is read-only after construction
// and safe for concurrent use.
type Redactor struct {
	rules              []Rule
	negotiationEnabled bool
	requireMatch       bool
}

// Option configures a Redactor.
type Option func(*Redactor)

// WithRuleVersionNegotiation toggles negotiation of the rule version from
// the policy hint (default on).
func WithRuleVersionNegotiation(enabled bool) Option {
	return func(r *Redactor) { r.negotiationEnabled = enabled }
}

// WithRequireRuleVersionMatch controls strict matching (default on): when
// no rule carries the negotiated version, redaction fails closed.
func WithRequireRuleVersionMatch(required bool) Option {
	return func(r *Redactor) { r.requireMatch = required }
}

// New creates a redactor with the given rules.
func New(rules []Rule, opts ...Option) *Redactor {
	r := &Redactor{
		rules:              rules,
		negotiationEnabled: true,
		requireMatch:       true,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Apply redacts payload under the rule version negotiated from hint.
// Under strict matching, an empty rule set or a version with no matching
// rules raises redaction_blocked and nothing is returned.
func (r *Redactor) Apply(payload any, hint string) (*Result, error) {
	version := DefaultRuleVersion
	if r.negotiationEnabled && hint != "" {
		version = hint
	}

	active := r.activeRules(version)
	if r.requireMatch && len(active) == 0 {
		return nil, taxonomy.NewError(taxonomy.CodeRedactionBlocked,
			"no redaction rules match negotiated version "+version)
	}

	copied, err := contracts.CopyValue(payload)
	if err != nil {
		return nil, taxonomy.Wrap(taxonomy.CodeRedactionBlocked, err)
	}

	removed := []string{}
	for _, rule := range active {
		if redactPath(copied, strings.Split(rule.FieldPath, "."), rule) {
			removed = append(removed, rule.FieldPath)
		}
	}

	return &Result{
		RedactedPayload: copied,
		RemovedFields:   removed,
		RuleVersion:     version,
	}, nil
}

func (r *Redactor) activeRules(version string) []Rule {
	if !r.negotiationEnabled {
		return r.rules
	}
	var active []Rule
	for _, rule := range r.rules {
		if rule.RuleVersion == version {
			active = append(active, rule)
		}
	}
	return active
}

// redactPath walks the dotted path and removes or masks the leaf.
// It reports whether a leaf was actually touched.
func redactPath(node any, path []string, rule Rule) bool {
	obj, ok := node.(map[string]any)
	if !ok || len(path) == 0 {
		return false
	}

	key := path[0]
	if len(path) == 1 {
		if _, present := obj[key]; !present {
			return false
		}
		switch rule.Strategy {
		case StrategyRemove:
			delete(obj, key)
		case StrategyMask:
			mask := rule.MaskValue
			if mask == nil {
				mask = defaultMaskValue
			}
			obj[key] = mask
		default:
			return false
		}
		return true
	}

	child, present := obj[key]
	if !present {
		return false
	}
	return redactPath(child, path[1:], rule)
}
