// Package budget implements the optimistic local budget guard. The
// authoritative budget lives upstream; the local cache is decremented on
// the request path and reconciled through the WAL drain.
package budget

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/Mindburn-Labs/cccs/pkg/taxonomy"
	"github.com/Mindburn-Labs/cccs/pkg/wal"
)

// Decision is the outcome of a budget check.
type Decision struct {
	Allowed   bool   `json:"allowed"`
	Reason    string `json:"reason"`
	Remaining int64  `json:"remaining"`
}

// ReasonCached marks a decision served from the local cache.
const ReasonCached = "budget_available_cached"

// Checker is the upstream budget adapter surface the guard depends on.
type Checker interface {
	Check(ctx context.Context, actionID string, cost int64) (remaining int64, err error)
}

// ExceededFunc observes budget exhaustion before the canonical error is
// raised.
type ExceededFunc func(actionID string, cost, remaining int64)

// Guard keeps an in-memory remaining-budget cache keyed by action id.
// All state mutations serialize on an internal monitor.
type Guard struct {
	mu        sync.Mutex
	remaining map[string]int64

	log           *wal.Log
	checker       Checker
	denyByDefault bool
	onExceeded    ExceededFunc
	cacheOnly     func() bool
	logger        *slog.Logger
}

// GuardOption configures a Guard.
type GuardOption func(*Guard)

// WithDenyByDefault controls how upstream failures reconcile (default true):
// when on, a failed deferred check evicts the cached budget.
func WithDenyByDefault(enabled bool) GuardOption {
	return func(g *Guard) { g.denyByDefault = enabled }
}

// WithExceededCallback installs the budget-exceeded observer.
func WithExceededCallback(fn ExceededFunc) GuardOption {
	return func(g *Guard) { g.onExceeded = fn }
}

// WithCacheOnly installs the predicate forcing cache-only checks (true
// while dependencies are not ready).
func WithCacheOnly(pred func() bool) GuardOption {
	return func(g *Guard) { g.cacheOnly = pred }
}

// WithLogger overrides the default slog logger.
func WithLogger(logger *slog.Logger) GuardOption {
	return func(g *Guard) { g.logger = logger }
}

// NewGuard creates a budget guard over the given WAL and adapter.
func NewGuard(log *wal.Log, checker Checker, opts ...GuardOption) *Guard {
	g := &Guard{
		remaining:     make(map[string]int64),
		log:           log,
		checker:       checker,
		denyByDefault: true,
		cacheOnly:     func() bool { return false },
		logger:        slog.Default().With("component", "budget"),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Check consumes cost from the cached budget for actionID. On a cache hit
// with sufficient budget it decrements and appends a budget audit record
// to the WAL; on exhaustion it fires the exceeded callback and raises
// budget_exceeded. Cache misses either queue a deferred check (cache-only
// mode) or call the adapter synchronously to populate the cache.
func (g *Guard) Check(ctx context.Context, actionID string, cost int64) (*Decision, error) {
	g.mu.Lock()
	remaining, hit := g.remaining[actionID]
	g.mu.Unlock()

	if !hit {
		if g.cacheOnly() {
			if err := g.enqueueCheck(actionID, cost); err != nil {
				g.logger.Warn("failed to queue budget check", "error", err)
			}
			return nil, g.exceeded(actionID, cost, 0,
				"budget not cached and budget dependency is unavailable")
		}

		upstream, err := g.checker.Check(ctx, actionID, cost)
		if err != nil {
			if taxonomy.IsCode(err, taxonomy.CodeBudgetExceeded) {
				return nil, g.exceeded(actionID, cost, 0, "upstream denied budget")
			}
			if g.denyByDefault {
				return nil, g.exceeded(actionID, cost, 0,
					fmt.Sprintf("budget check failed (deny by default): %v", err))
			}
			return nil, taxonomy.Wrap(taxonomy.CodeUnknown, err)
		}

		g.mu.Lock()
		g.remaining[actionID] = upstream
		remaining = upstream
		g.mu.Unlock()
	}

	g.mu.Lock()
	remaining = g.remaining[actionID]
	if cost > remaining {
		g.mu.Unlock()
		return nil, g.exceeded(actionID, cost, remaining, "insufficient cached budget")
	}
	g.remaining[actionID] = remaining - cost
	left := g.remaining[actionID]
	g.mu.Unlock()

	if _, err := g.log.AppendBudgetSnapshot(map[string]any{
		"action_id": actionID,
		"cost":      cost,
		"remaining": left,
	}); err != nil {
		g.logger.Warn("failed to append budget audit record", "error", err)
	}

	return &Decision{
		Allowed:   true,
		Reason:    ReasonCached,
		Remaining: left,
	}, nil
}

// Prime seeds the cached remaining budget for an action.
func (g *Guard) Prime(actionID string, remaining int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.remaining[actionID] = remaining
}

// Remaining reports the cached remaining budget for an action.
func (g *Guard) Remaining(actionID string) (int64, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	v, ok := g.remaining[actionID]
	return v, ok
}

func (g *Guard) exceeded(actionID string, cost, remaining int64, detail string) error {
	if g.onExceeded != nil {
		g.onExceeded(actionID, cost, remaining)
	}
	return taxonomy.NewError(taxonomy.CodeBudgetExceeded, detail)
}

func (g *Guard) enqueueCheck(actionID string, cost int64) error {
	_, err := g.log.Append(map[string]any{
		"action_id": actionID,
		"cost":      cost,
	}, wal.EntryBudgetCall)
	return err
}

// ProcessWALEntry is the drain callback for budget_call entries: it
// replays the deferred check against the adapter and refreshes the cache.
// On failure with deny-by-default, the cached entry is evicted so the next
// request fails closed.
func (g *Guard) ProcessWALEntry(ctx context.Context, payload any) error {
	obj, ok := payload.(map[string]any)
	if !ok {
		return fmt.Errorf("budget: malformed wal payload %T", payload)
	}
	actionID, _ := obj["action_id"].(string)
	cost, _ := asInt64(obj["cost"])

	remaining, err := g.checker.Check(ctx, actionID, cost)
	if err != nil {
		if g.denyByDefault {
			g.mu.Lock()
			delete(g.remaining, actionID)
			g.mu.Unlock()
		}
		return err
	}

	g.mu.Lock()
	g.remaining[actionID] = remaining
	g.mu.Unlock()
	return nil
}
