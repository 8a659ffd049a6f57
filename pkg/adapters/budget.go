package adapters

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/Mindburn-Labs/cccs/pkg/taxonomy"
)

// BudgetClient talks to the budget and rate-limit services. It
// satisfies budget.Checker.
type BudgetClient struct {
	client *Client
}

// NewBudgetClient creates the budget adapter rooted at baseURL.
func NewBudgetClient(baseURL string, opts ...ClientOption) *BudgetClient {
	return &BudgetClient{client: NewClient("budget", baseURL, opts...)}
}

// Check asks the upstream whether cost units are available for the
// action. 429 and 403 responses translate directly to budget_exceeded.
func (c *BudgetClient) Check(ctx context.Context, actionID string, cost int64) (int64, error) {
	var out struct {
		Allowed   bool  `json:"allowed"`
		Remaining int64 `json:"remaining"`
	}
	err := c.client.PostJSON(ctx, "/budget/v1/check", map[string]any{
		"action_id": actionID,
		"cost":      cost,
	}, &out)
	if err != nil {
		var statusErr *StatusError
		if errors.As(err, &statusErr) &&
			(statusErr.StatusCode == http.StatusTooManyRequests || statusErr.StatusCode == http.StatusForbidden) {
			return 0, taxonomy.Wrap(taxonomy.CodeBudgetExceeded, err)
		}
		return 0, fmt.Errorf("budget check: %w", err)
	}
	if !out.Allowed {
		return 0, taxonomy.NewError(taxonomy.CodeBudgetExceeded,
			fmt.Sprintf("budget denied for action %s", actionID))
	}
	return out.Remaining, nil
}

// CheckRateLimit asks the rate-limit service whether the action may
// proceed at this moment.
func (c *BudgetClient) CheckRateLimit(ctx context.Context, actionID string) (bool, error) {
	var out struct {
		Allowed bool `json:"allowed"`
	}
	err := c.client.PostJSON(ctx, "/rate-limit/v1/check", map[string]any{
		"action_id": actionID,
	}, &out)
	if err != nil {
		var statusErr *StatusError
		if errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusTooManyRequests {
			return false, nil
		}
		return false, fmt.Errorf("rate limit check: %w", err)
	}
	return out.Allowed, nil
}

// ShipSnapshot uploads a local budget audit record. Used by the drain
// to reconcile deferred decrements.
func (c *BudgetClient) ShipSnapshot(ctx context.Context, snapshot map[string]any) error {
	if err := c.client.PostJSON(ctx, "/budget/v1/snapshot", snapshot, nil); err != nil {
		return fmt.Errorf("budget snapshot: %w", err)
	}
	return nil
}

// Health probes the budget service.
func (c *BudgetClient) Health(ctx context.Context) error {
	return c.client.GetJSON(ctx, "/budget/v1/health", nil)
}

// Close releases idle connections.
func (c *BudgetClient) Close() { c.client.Close() }
