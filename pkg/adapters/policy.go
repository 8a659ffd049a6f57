package adapters

import (
	"context"
	"fmt"
)

// PolicyClient talks to the backend policy service. The offline
// evaluator serves the request path; this client exists for snapshot
// validation, remote evaluation during bootstrap, and version
// negotiation.
type PolicyClient struct {
	client *Client
}

// NewPolicyClient creates the policy adapter rooted at baseURL.
func NewPolicyClient(baseURL string, opts ...ClientOption) *PolicyClient {
	return &PolicyClient{client: NewClient("policy", baseURL, opts...)}
}

// RemoteEvaluation is the backend's evaluation response.
type RemoteEvaluation struct {
	Decision  string `json:"decision"`
	Rationale string `json:"rationale"`
	RuleID    string `json:"rule_id,omitempty"`
}

// Evaluate asks the backend to evaluate inputs against a module's rules.
func (c *PolicyClient) Evaluate(ctx context.Context, moduleID string, inputs map[string]any) (*RemoteEvaluation, error) {
	var out RemoteEvaluation
	err := c.client.PostJSON(ctx, "/policy/v1/evaluate", map[string]any{
		"module_id": moduleID,
		"inputs":    inputs,
	}, &out)
	if err != nil {
		return nil, fmt.Errorf("policy evaluate: %w", err)
	}
	return &out, nil
}

// ValidateSignature asks the backend to validate a snapshot signature.
func (c *PolicyClient) ValidateSignature(ctx context.Context, payload map[string]any, signature string) (bool, error) {
	var out struct {
		Valid bool `json:"valid"`
	}
	err := c.client.PostJSON(ctx, "/policy/v1/validate-signature", map[string]any{
		"payload":   payload,
		"signature": signature,
	}, &out)
	if err != nil {
		return false, fmt.Errorf("policy validate signature: %w", err)
	}
	return out.Valid, nil
}

// NegotiateVersion reports the rule version the backend settles on for
// the runtime's supported range.
func (c *PolicyClient) NegotiateVersion(ctx context.Context, supported []string) (string, error) {
	var out struct {
		Version string `json:"version"`
	}
	err := c.client.PostJSON(ctx, "/policy/v1/negotiate-version", map[string]any{
		"supported": supported,
	}, &out)
	if err != nil {
		return "", fmt.Errorf("policy negotiate version: %w", err)
	}
	return out.Version, nil
}

// Health probes the policy service.
func (c *PolicyClient) Health(ctx context.Context) error {
	return c.client.GetJSON(ctx, "/policy/v1/health", nil)
}

// Close releases idle connections.
func (c *PolicyClient) Close() { c.client.Close() }
