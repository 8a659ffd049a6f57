package adapters

import (
	"context"
	"fmt"

	"github.com/Mindburn-Labs/cccs/pkg/contracts"
	"github.com/Mindburn-Labs/cccs/pkg/identity"
)

// IdentityClient talks to the IAM service. It satisfies
// identity.Resolver.
type IdentityClient struct {
	client *Client
}

// NewIdentityClient creates the IAM adapter rooted at baseURL.
func NewIdentityClient(baseURL string, opts ...ClientOption) *IdentityClient {
	return &IdentityClient{client: NewClient("identity", baseURL, opts...)}
}

// Verify resolves the actor context into an actor id.
func (c *IdentityClient) Verify(ctx context.Context, actor contracts.ActorContext) (*identity.VerifyResult, error) {
	var out identity.VerifyResult
	err := c.client.PostJSON(ctx, "/iam/v1/verify", map[string]any{
		"tenant_id":  actor.TenantID,
		"device_id":  actor.DeviceID,
		"session_id": actor.SessionID,
		"user_id":    actor.UserID,
		"actor_type": actor.ActorType,
		"extras":     actor.Extras,
	}, &out)
	if err != nil {
		return nil, fmt.Errorf("iam verify: %w", err)
	}
	return &out, nil
}

// Provenance fetches the provenance decision for a verified actor.
func (c *IdentityClient) Provenance(ctx context.Context, actorID string) (*identity.ProvenanceResult, error) {
	var out identity.ProvenanceResult
	err := c.client.PostJSON(ctx, "/iam/v1/decision", map[string]any{
		"action":   "get_provenance",
		"actor_id": actorID,
	}, &out)
	if err != nil {
		return nil, fmt.Errorf("iam provenance: %w", err)
	}
	return &out, nil
}

// Health probes the IAM service.
func (c *IdentityClient) Health(ctx context.Context) error {
	return c.client.GetJSON(ctx, "/iam/v1/health", nil)
}

// Close releases idle connections.
func (c *IdentityClient) Close() { c.client.Close() }
