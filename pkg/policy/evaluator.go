package policy

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/Mindburn-Labs/cccs/pkg/canonicalize"
	"github.com/Mindburn-Labs/cccs/pkg/contracts"
	"github.com/Mindburn-Labs/cccs/pkg/taxonomy"
)

const defaultCacheLimit = 1000

// Evaluator verifies signed snapshots offline and evaluates rules against
// inputs with an inverted condition index and a FIFO decision cache.
type Evaluator struct {
	mu sync.Mutex

	secrets            [][]byte
	negotiationEnabled bool

	snapshots map[string]*Snapshot
	index     map[string]map[string][]*Rule // module -> condition key -> rules
	cache     map[string]*Evaluation
	cacheFIFO []string
	cacheMax  int
	// negotiated rule versions, recorded on first evaluation per module
	negotiated map[string]string

	logger *slog.Logger
}

// EvaluatorOption configures an Evaluator.
type EvaluatorOption func(*Evaluator)

// WithRuleVersionNegotiation toggles recording of the negotiated rule
// version on first evaluation (default on).
func WithRuleVersionNegotiation(enabled bool) EvaluatorOption {
	return func(e *Evaluator) { e.negotiationEnabled = enabled }
}

// WithEvaluatorLogger overrides the default slog logger.
func WithEvaluatorLogger(logger *slog.Logger) EvaluatorOption {
	return func(e *Evaluator) { e.logger = logger }
}

// WithCacheLimit overrides the FIFO cache size (default 1000).
func WithCacheLimit(n int) EvaluatorOption {
	return func(e *Evaluator) { e.cacheMax = n }
}

// NewEvaluator creates an evaluator trusting the given symmetric secrets.
// At least one secret is required.
func NewEvaluator(secrets []string, opts ...EvaluatorOption) (*Evaluator, error) {
	if len(secrets) == 0 {
		return nil, fmt.Errorf("policy: at least one signing secret is required")
	}
	anchors := make([][]byte, len(secrets))
	for i, s := range secrets {
		anchors[i] = []byte(s)
	}

	e := &Evaluator{
		secrets:            anchors,
		negotiationEnabled: true,
		snapshots:          make(map[string]*Snapshot),
		index:              make(map[string]map[string][]*Rule),
		cache:              make(map[string]*Evaluation),
		cacheMax:           defaultCacheLimit,
		negotiated:         make(map[string]string),
		logger:             slog.Default().With("component", "policy"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Sign computes the hex HMAC-SHA256 of the canonical JSON of payload with
// the given secret. Exposed so publishers and tests produce signatures the
// evaluator accepts.
func Sign(payload any, secret string) (string, error) {
	canonical, err := canonicalize.JCS(payload)
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(canonical)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// LoadSnapshot verifies the signature of payload against the trust
// anchors and, on success, parses, validates, sorts and indexes the rules.
// The evaluation cache for the module is cleared.
func (e *Evaluator) LoadSnapshot(payload map[string]any, signature string) (*Snapshot, error) {
	canonical, err := canonicalize.JCS(payload)
	if err != nil {
		return nil, taxonomy.Wrap(taxonomy.CodePolicyUnavailable, err)
	}

	supplied, err := hex.DecodeString(signature)
	if err != nil {
		supplied = nil // force mismatch below, after computing every HMAC
	}

	// Compute the expectation for every anchor before reducing, so total
	// work does not depend on which secret matched.
	matched := false
	for _, secret := range e.secrets {
		mac := hmac.New(sha256.New, secret)
		mac.Write(canonical)
		if hmac.Equal(mac.Sum(nil), supplied) {
			matched = true
		}
	}
	if !matched {
		return nil, taxonomy.NewError(taxonomy.CodePolicyUnavailable,
			"signature invalid (offline validation)")
	}

	snapshot, err := parseSnapshot(payload)
	if err != nil {
		return nil, taxonomy.Wrap(taxonomy.CodePolicyUnavailable, err)
	}
	snapshot.Signature = signature
	snapshot.SnapshotHash = canonicalize.HashPrefix + canonicalize.HashBytes(canonical)

	sort.SliceStable(snapshot.Rules, func(i, j int) bool {
		return snapshot.Rules[i].Priority > snapshot.Rules[j].Priority
	})

	e.mu.Lock()
	defer e.mu.Unlock()

	e.snapshots[snapshot.ModuleID] = snapshot
	e.index[snapshot.ModuleID] = buildIndex(snapshot.Rules)
	e.clearModuleCacheLocked(snapshot.ModuleID)
	delete(e.negotiated, snapshot.ModuleID)

	e.logger.Info("policy snapshot loaded",
		"module_id", snapshot.ModuleID,
		"version", snapshot.Version,
		"rules", len(snapshot.Rules))
	return snapshot, nil
}

// Snapshot returns the loaded snapshot for a module, or nil.
func (e *Evaluator) Snapshot(moduleID string) *Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshots[moduleID]
}

// NegotiatedVersion reports the rule version recorded on first evaluation
// of the module, when negotiation is enabled.
func (e *Evaluator) NegotiatedVersion(moduleID string) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	v, ok := e.negotiated[moduleID]
	return v, ok
}

// Evaluate runs the loaded snapshot of moduleID against inputs. Repeated
// calls with equal inputs return the cached decision. First match wins;
// no match yields deny/no_rule_matched.
func (e *Evaluator) Evaluate(moduleID string, inputs map[string]any) (*Evaluation, error) {
	inputsCopy, err := contracts.CopyMap(inputs)
	if err != nil {
		return nil, taxonomy.Wrap(taxonomy.CodePolicyUnavailable, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	snapshot, ok := e.snapshots[moduleID]
	if !ok {
		return nil, taxonomy.NewError(taxonomy.CodePolicyUnavailable,
			fmt.Sprintf("no policy snapshot loaded for module %q", moduleID))
	}

	if e.negotiationEnabled {
		if _, seen := e.negotiated[moduleID]; !seen {
			e.negotiated[moduleID] = snapshot.Version
		}
	}

	inputsHash, err := canonicalize.CanonicalHash(inputsCopy)
	if err != nil {
		return nil, taxonomy.Wrap(taxonomy.CodePolicyUnavailable, err)
	}
	cacheKey := moduleID + ":" + inputsHash
	if cached, hit := e.cache[cacheKey]; hit {
		return cached, nil
	}

	evaluation := e.evaluateLocked(snapshot, moduleID, inputsCopy)
	e.cachePutLocked(cacheKey, evaluation)
	return evaluation, nil
}

// Health reports evaluator health; evaluation is offline so this is
// trivially true.
func (e *Evaluator) Health() bool { return true }

func (e *Evaluator) evaluateLocked(snapshot *Snapshot, moduleID string, inputs map[string]any) *Evaluation {
	candidates := e.candidatesLocked(moduleID, snapshot, inputs)

	for _, rule := range candidates {
		if ruleMatches(rule, inputs) {
			return &Evaluation{
				Decision:           rule.Decision,
				Rationale:          rule.Rationale,
				RuleID:             rule.RuleID,
				PolicyVersionIDs:   []string{snapshot.Version},
				PolicySnapshotHash: snapshot.SnapshotHash,
			}
		}
	}

	return &Evaluation{
		Decision:           DecisionDeny,
		Rationale:          RationaleNoRuleMatched,
		PolicyVersionIDs:   []string{snapshot.Version},
		PolicySnapshotHash: snapshot.SnapshotHash,
	}
}

// candidatesLocked unions the index buckets for the input keys with the
// no-conditions bucket, ordered by priority descending. If the index is
// inexplicably empty the full rule list is the fallback.
func (e *Evaluator) candidatesLocked(moduleID string, snapshot *Snapshot, inputs map[string]any) []*Rule {
	idx := e.index[moduleID]
	if len(idx) == 0 {
		out := make([]*Rule, len(snapshot.Rules))
		for i := range snapshot.Rules {
			out[i] = &snapshot.Rules[i]
		}
		return out
	}

	seen := make(map[*Rule]bool)
	var candidates []*Rule
	add := func(rules []*Rule) {
		for _, r := range rules {
			if !seen[r] {
				seen[r] = true
				candidates = append(candidates, r)
			}
		}
	}
	for key := range inputs {
		add(idx[key])
	}
	add(idx[noConditionsBucket])

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Priority > candidates[j].Priority
	})
	return candidates
}

func (e *Evaluator) cachePutLocked(key string, evaluation *Evaluation) {
	if _, exists := e.cache[key]; exists {
		return
	}
	if len(e.cache) >= e.cacheMax && len(e.cacheFIFO) > 0 {
		oldest := e.cacheFIFO[0]
		e.cacheFIFO = e.cacheFIFO[1:]
		delete(e.cache, oldest)
	}
	e.cache[key] = evaluation
	e.cacheFIFO = append(e.cacheFIFO, key)
}

func (e *Evaluator) clearModuleCacheLocked(moduleID string) {
	prefix := moduleID + ":"
	kept := e.cacheFIFO[:0]
	for _, key := range e.cacheFIFO {
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			delete(e.cache, key)
			continue
		}
		kept = append(kept, key)
	}
	e.cacheFIFO = kept
}

func buildIndex(rules []Rule) map[string][]*Rule {
	idx := make(map[string][]*Rule)
	for i := range rules {
		rule := &rules[i]
		if len(rule.Conditions) == 0 {
			idx[noConditionsBucket] = append(idx[noConditionsBucket], rule)
			continue
		}
		for key := range rule.Conditions {
			idx[key] = append(idx[key], rule)
		}
	}
	return idx
}
