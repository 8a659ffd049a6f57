package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Profile is the full configuration surface of a CCCS runtime, loadable
// from a single YAML document.
type Profile struct {
	Runtime     RuntimeProfile   `yaml:"runtime" json:"runtime"`
	Identity    AdapterProfile   `yaml:"identity" json:"identity"`
	Policy      PolicyProfile    `yaml:"policy" json:"policy"`
	Layers      LayersProfile    `yaml:"layers" json:"layers"`
	Receipt     ReceiptProfile   `yaml:"receipt" json:"receipt"`
	Redaction   RedactionProfile `yaml:"redaction" json:"redaction"`
	RateLimiter RateLimitProfile `yaml:"rate_limiter" json:"rate_limiter"`
}

// RuntimeProfile selects the runtime mode and semver.
type RuntimeProfile struct {
	Mode    string `yaml:"mode" json:"mode"` // "edge" | "backend"
	Version string `yaml:"version" json:"version"`
}

// AdapterProfile configures one upstream HTTP adapter.
type AdapterProfile struct {
	BaseURL         string  `yaml:"base_url" json:"base_url"`
	TimeoutS        float64 `yaml:"timeout_s" json:"timeout_s"`
	APIVersion      string  `yaml:"api_version" json:"api_version"`
	FallbackEnabled bool    `yaml:"fallback_enabled" json:"fallback_enabled"`
}

// PolicyProfile configures the offline evaluator and the optional
// policy backend used for health probes and version negotiation.
type PolicyProfile struct {
	BaseURL                       string   `yaml:"base_url,omitempty" json:"base_url,omitempty"`
	TimeoutS                      float64  `yaml:"timeout_s,omitempty" json:"timeout_s,omitempty"`
	SigningSecrets                []string `yaml:"signing_secrets" json:"signing_secrets"`
	RuleVersionNegotiationEnabled *bool    `yaml:"rule_version_negotiation_enabled,omitempty" json:"rule_version_negotiation_enabled,omitempty"`
}

// LayersProfile carries the three configuration layers.
type LayersProfile struct {
	Local   map[string]any `yaml:"local" json:"local"`
	Tenant  map[string]any `yaml:"tenant" json:"tenant"`
	Product map[string]any `yaml:"product" json:"product"`
}

// ReceiptProfile configures the receipt builder and its adapters.
type ReceiptProfile struct {
	GateID          string  `yaml:"gate_id" json:"gate_id"`
	StoragePath     string  `yaml:"storage_path" json:"storage_path"`
	SigningBaseURL  string  `yaml:"signing_base_url" json:"signing_base_url"`
	KeyID           string  `yaml:"key_id" json:"key_id"`
	TimeoutS        float64 `yaml:"timeout_s" json:"timeout_s"`
	APIVersion      string  `yaml:"api_version" json:"api_version"`
	IndexerBaseURL  string  `yaml:"indexer_base_url,omitempty" json:"indexer_base_url,omitempty"`
	IndexerTimeoutS float64 `yaml:"indexer_timeout_s,omitempty" json:"indexer_timeout_s,omitempty"`
	IndexerVersion  string  `yaml:"indexer_api_version,omitempty" json:"indexer_api_version,omitempty"`
}

// RedactionProfile configures the redaction service.
type RedactionProfile struct {
	Rules                         []RedactionRuleProfile `yaml:"rules" json:"rules"`
	RuleVersionNegotiationEnabled *bool                  `yaml:"rule_version_negotiation_enabled,omitempty" json:"rule_version_negotiation_enabled,omitempty"`
	RequireRuleVersionMatch       *bool                  `yaml:"require_rule_version_match,omitempty" json:"require_rule_version_match,omitempty"`
}

// RedactionRuleProfile is one redaction rule.
type RedactionRuleProfile struct {
	FieldPath   string `yaml:"field_path" json:"field_path"`
	Strategy    string `yaml:"strategy" json:"strategy"` // "remove" | "mask"
	MaskValue   any    `yaml:"mask_value,omitempty" json:"mask_value,omitempty"`
	RuleVersion string `yaml:"rule_version" json:"rule_version"`
}

// RateLimitProfile configures the budget guard's upstream.
type RateLimitProfile struct {
	BaseURL              string  `yaml:"base_url" json:"base_url"`
	TimeoutS             float64 `yaml:"timeout_s" json:"timeout_s"`
	APIVersion           string  `yaml:"api_version" json:"api_version"`
	DefaultDenyOnUnavail *bool   `yaml:"default_deny_on_unavailable,omitempty" json:"default_deny_on_unavailable,omitempty"`
}

// LoadProfile reads and validates a runtime profile from a YAML file.
func LoadProfile(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: load profile: %w", err)
	}

	var profile Profile
	if err := yaml.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("config: parse profile: %w", err)
	}
	if err := profile.Validate(); err != nil {
		return nil, err
	}
	return &profile, nil
}

// Validate checks the recognized option surface.
func (p *Profile) Validate() error {
	switch p.Runtime.Mode {
	case "edge", "backend":
	default:
		return fmt.Errorf("config: unknown runtime mode %q", p.Runtime.Mode)
	}
	if len(p.Policy.SigningSecrets) == 0 {
		return fmt.Errorf("config: policy requires at least one signing secret")
	}
	for _, rule := range p.Redaction.Rules {
		if rule.Strategy != "remove" && rule.Strategy != "mask" {
			return fmt.Errorf("config: redaction rule %q: unknown strategy %q", rule.FieldPath, rule.Strategy)
		}
	}
	return nil
}
