package adapters

import (
	"context"
	"fmt"
)

// IndexerClient talks to the evidence indexer that receives finished
// receipts and batches for anchoring.
type IndexerClient struct {
	client *Client
}

// NewIndexerClient creates the evidence adapter rooted at baseURL.
func NewIndexerClient(baseURL string, opts ...ClientOption) *IndexerClient {
	return &IndexerClient{client: NewClient("indexer", baseURL, opts...)}
}

// ShipReceipt sends a finished receipt to the indexer. Failures are
// surfaced so the caller can mark the journal entry pending_sync.
func (c *IndexerClient) ShipReceipt(ctx context.Context, receipt map[string]any) error {
	if err := c.client.PostJSON(ctx, "/evidence/v1/receipts", receipt, nil); err != nil {
		return fmt.Errorf("ship receipt: %w", err)
	}
	return nil
}

// ShipBatch sends a courier batch for anchoring.
func (c *IndexerClient) ShipBatch(ctx context.Context, batch map[string]any) error {
	if err := c.client.PostJSON(ctx, "/evidence/v1/batches", batch, nil); err != nil {
		return fmt.Errorf("ship batch: %w", err)
	}
	return nil
}

// MerkleProof fetches the inclusion proof for a receipt.
func (c *IndexerClient) MerkleProof(ctx context.Context, receiptID string) (map[string]any, error) {
	var out map[string]any
	err := c.client.PostJSON(ctx, "/evidence/v1/merkle-proof", map[string]any{"receipt_id": receiptID}, &out)
	if err != nil {
		return nil, fmt.Errorf("merkle proof: %w", err)
	}
	return out, nil
}

// Health probes the indexer.
func (c *IndexerClient) Health(ctx context.Context) error {
	return c.client.GetJSON(ctx, "/evidence/v1/health", nil)
}

// Close releases idle connections.
func (c *IndexerClient) Close() { c.client.Close() }
