package adapters

import (
	"context"
	"fmt"
)

// SigningClient talks to the KMS signing service used for receipt
// signatures.
type SigningClient struct {
	client *Client
}

// NewSigningClient creates the KMS adapter rooted at baseURL.
func NewSigningClient(baseURL string, opts ...ClientOption) *SigningClient {
	return &SigningClient{client: NewClient("signing", baseURL, opts...)}
}

// SignResult carries a signature and the key that produced it.
type SignResult struct {
	Signature string `json:"signature"`
	KeyID     string `json:"key_id"`
	Algorithm string `json:"algorithm,omitempty"`
}

// Sign signs the canonical digest of a receipt envelope.
func (c *SigningClient) Sign(ctx context.Context, digest string) (*SignResult, error) {
	var out SignResult
	err := c.client.PostJSON(ctx, "/kms/v1/sign", map[string]any{
		"digest": digest,
	}, &out)
	if err != nil {
		return nil, fmt.Errorf("kms sign: %w", err)
	}
	return &out, nil
}

// Verify checks a signature over a digest.
func (c *SigningClient) Verify(ctx context.Context, digest, signature, keyID string) (bool, error) {
	var out struct {
		Valid bool `json:"valid"`
	}
	err := c.client.PostJSON(ctx, "/kms/v1/verify", map[string]any{
		"digest":    digest,
		"signature": signature,
		"key_id":    keyID,
	}, &out)
	if err != nil {
		return false, fmt.Errorf("kms verify: %w", err)
	}
	return out.Valid, nil
}

// Health probes the KMS service.
func (c *SigningClient) Health(ctx context.Context) error {
	return c.client.GetJSON(ctx, "/kms/v1/health", nil)
}

// Close releases idle connections.
func (c *SigningClient) Close() { c.client.Close() }
