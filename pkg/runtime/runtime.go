// Package runtime wires the substrate together: one Runtime owns the
// WAL, the courier and its drain worker, the offline policy evaluator,
// the identity and budget caches, the receipt pipeline, and the
// upstream adapters. The gated-action request path never performs a
// synchronous network call; all upstream work happens at bootstrap or
// from the background drain.
package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Mindburn-Labs/cccs/pkg/adapters"
	"github.com/Mindburn-Labs/cccs/pkg/budget"
	"github.com/Mindburn-Labs/cccs/pkg/config"
	"github.com/Mindburn-Labs/cccs/pkg/contracts"
	"github.com/Mindburn-Labs/cccs/pkg/courier"
	"github.com/Mindburn-Labs/cccs/pkg/identity"
	"github.com/Mindburn-Labs/cccs/pkg/observability"
	"github.com/Mindburn-Labs/cccs/pkg/policy"
	"github.com/Mindburn-Labs/cccs/pkg/receipt"
	"github.com/Mindburn-Labs/cccs/pkg/redaction"
	"github.com/Mindburn-Labs/cccs/pkg/taxonomy"
	"github.com/Mindburn-Labs/cccs/pkg/wal"
)

// Runtime modes.
const (
	ModeEdge    = "edge"
	ModeBackend = "backend"
)

const (
	defaultPollInterval     = 30 * time.Second
	defaultBootstrapTimeout = 300 * time.Second
	workerJoinTimeout       = 5 * time.Second
)

// closer is implemented by every adapter client.
type closer interface{ Close() }

// Runtime is one substrate instance. All exported methods are safe for
// concurrent use.
type Runtime struct {
	mode    string
	version string
	gateID  string

	merger    *config.Merger
	evaluator *policy.Evaluator
	identity  *identity.Service
	budget    *budget.Guard
	redactor  *redaction.Redactor
	builder   *receipt.Builder
	journal   *receipt.Journal
	walLog    *wal.Log
	courier   *courier.Courier
	worker    *courier.Worker

	identityClient *adapters.IdentityClient
	policyClient   *adapters.PolicyClient
	budgetClient   *adapters.BudgetClient
	signingClient  *adapters.SigningClient
	indexerClient  *adapters.IndexerClient
	closers        []closer

	taxonomy *taxonomy.Taxonomy
	provider *observability.Provider
	logger   *slog.Logger
	deps     dependencies

	receiptSink wal.Sink
	emitter     wal.Emitter

	pollInterval     time.Duration
	bootstrapTimeout time.Duration
	workerInterval   time.Duration

	depsReady    atomic.Bool
	bootstrapped atomic.Bool

	stopCh       chan struct{}
	shutdownOnce sync.Once
	shutdownErr  error
}

// Option configures a Runtime.
type Option func(*Runtime)

// WithReceiptSink installs the external sink receiving drained receipt
// entries. Without one, drained receipts are simply marked delivered.
func WithReceiptSink(sink wal.Sink) Option {
	return func(r *Runtime) { r.receiptSink = sink }
}

// WithDeadLetterEmitter installs the observer for dead-letter
// descriptors.
func WithDeadLetterEmitter(emitter wal.Emitter) Option {
	return func(r *Runtime) { r.emitter = emitter }
}

// WithBootstrapTiming overrides the health poll interval and overall
// bootstrap timeout, used by tests.
func WithBootstrapTiming(poll, timeout time.Duration) Option {
	return func(r *Runtime) {
		r.pollInterval = poll
		r.bootstrapTimeout = timeout
	}
}

// WithWorkerInterval overrides the drain worker's idle wakeup interval.
func WithWorkerInterval(d time.Duration) Option {
	return func(r *Runtime) { r.workerInterval = d }
}

// WithObservability installs an OTel provider for flow instrumentation.
func WithObservability(p *observability.Provider) Option {
	return func(r *Runtime) { r.provider = p }
}

// WithRuntimeLogger overrides the default slog logger.
func WithRuntimeLogger(logger *slog.Logger) Option {
	return func(r *Runtime) { r.logger = logger }
}

// WithTaxonomy replaces the default error taxonomy, letting hosts
// register extra normalization rules.
func WithTaxonomy(t *taxonomy.Taxonomy) Option {
	return func(r *Runtime) { r.taxonomy = t }
}

// testing seams: adapter surfaces injectable without HTTP servers.
type dependencies struct {
	resolver identity.Resolver
	checker  budget.Checker
	signer   receipt.Signer
	shipper  receipt.Shipper
	exceeded budget.ExceededFunc
}

// WithIdentityResolver injects the identity adapter surface.
func WithIdentityResolver(resolver identity.Resolver) Option {
	return func(r *Runtime) { r.deps.resolver = resolver }
}

// WithBudgetChecker injects the budget adapter surface.
func WithBudgetChecker(checker budget.Checker) Option {
	return func(r *Runtime) { r.deps.checker = checker }
}

// WithSigner injects the receipt signer.
func WithSigner(signer receipt.Signer) Option {
	return func(r *Runtime) { r.deps.signer = signer }
}

// WithShipper injects the receipt indexer shipper.
func WithShipper(shipper receipt.Shipper) Option {
	return func(r *Runtime) { r.deps.shipper = shipper }
}

// WithBudgetExceededCallback installs the host's budget exhaustion
// observer.
func WithBudgetExceededCallback(fn budget.ExceededFunc) Option {
	return func(r *Runtime) { r.deps.exceeded = fn }
}

// New builds a Runtime from a validated profile. The drain worker is
// started immediately but idles until dependencies are ready.
func New(profile *config.Profile, opts ...Option) (*Runtime, error) {
	if err := profile.Validate(); err != nil {
		return nil, err
	}

	r := &Runtime{
		mode:             profile.Runtime.Mode,
		version:          profile.Runtime.Version,
		gateID:           profile.Receipt.GateID,
		taxonomy:         taxonomy.New(),
		logger:           slog.Default().With("component", "runtime"),
		pollInterval:     defaultPollInterval,
		bootstrapTimeout: defaultBootstrapTimeout,
		workerInterval:   time.Second,
		stopCh:           make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}

	var err error
	r.merger, err = config.NewMerger(profile.Layers.Local, profile.Layers.Tenant, profile.Layers.Product)
	if err != nil {
		return nil, fmt.Errorf("runtime: config layers: %w", err)
	}

	var evalOpts []policy.EvaluatorOption
	if profile.Policy.RuleVersionNegotiationEnabled != nil {
		evalOpts = append(evalOpts, policy.WithRuleVersionNegotiation(*profile.Policy.RuleVersionNegotiationEnabled))
	}
	r.evaluator, err = policy.NewEvaluator(profile.Policy.SigningSecrets, evalOpts...)
	if err != nil {
		return nil, fmt.Errorf("runtime: policy evaluator: %w", err)
	}

	r.redactor = newRedactor(profile.Redaction)

	r.walLog, err = wal.Open(profile.Receipt.StoragePath + ".wal")
	if err != nil {
		return nil, fmt.Errorf("runtime: wal: %w", err)
	}
	r.courier = courier.New(r.walLog)

	r.journal, err = receipt.OpenJournal(profile.Receipt.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("runtime: journal: %w", err)
	}

	if err := r.buildAdapters(profile); err != nil {
		r.journal.Close()
		return nil, err
	}

	notReady := func() bool { return !r.depsReady.Load() }
	r.identity = identity.NewService(r.walLog, r.deps.resolver,
		identity.WithCacheOnly(notReady),
		identity.WithFallback(profile.Identity.FallbackEnabled))

	var guardOpts []budget.GuardOption
	guardOpts = append(guardOpts, budget.WithCacheOnly(notReady))
	if profile.RateLimiter.DefaultDenyOnUnavail != nil {
		guardOpts = append(guardOpts, budget.WithDenyByDefault(*profile.RateLimiter.DefaultDenyOnUnavail))
	}
	if r.deps.exceeded != nil {
		guardOpts = append(guardOpts, budget.WithExceededCallback(r.deps.exceeded))
	}
	r.budget = budget.NewGuard(r.walLog, r.deps.checker, guardOpts...)

	if r.deps.signer == nil {
		r.journal.Close()
		return nil, fmt.Errorf("runtime: receipt signing requires a signing adapter")
	}
	var builderOpts []receipt.BuilderOption
	if r.deps.shipper != nil {
		builderOpts = append(builderOpts, receipt.WithShipper(r.deps.shipper))
	}
	r.builder, err = receipt.NewBuilder(r.deps.signer, r.journal, r.courier, "", builderOpts...)
	if err != nil {
		r.journal.Close()
		return nil, fmt.Errorf("runtime: receipt builder: %w", err)
	}

	r.worker = courier.NewWorker(r.courier, r.defaultSink, r.emitter,
		courier.WithGate(r.depsReady.Load),
		courier.WithInterval(r.workerInterval))
	r.worker.Start()

	register(r)
	return r, nil
}

func newRedactor(profile config.RedactionProfile) *redaction.Redactor {
	rules := make([]redaction.Rule, 0, len(profile.Rules))
	for _, raw := range profile.Rules {
		rules = append(rules, redaction.Rule{
			FieldPath:   raw.FieldPath,
			Strategy:    raw.Strategy,
			MaskValue:   raw.MaskValue,
			RuleVersion: raw.RuleVersion,
		})
	}
	var opts []redaction.Option
	if profile.RuleVersionNegotiationEnabled != nil {
		opts = append(opts, redaction.WithRuleVersionNegotiation(*profile.RuleVersionNegotiationEnabled))
	}
	if profile.RequireRuleVersionMatch != nil {
		opts = append(opts, redaction.WithRequireRuleVersionMatch(*profile.RequireRuleVersionMatch))
	}
	return redaction.New(rules, opts...)
}

// buildAdapters creates HTTP clients for every profile entry with a base
// URL, filling only the adapter surfaces not already injected.
func (r *Runtime) buildAdapters(profile *config.Profile) error {
	timeout := func(seconds float64) adapters.ClientOption {
		if seconds <= 0 {
			seconds = 5
		}
		return adapters.WithTimeout(time.Duration(seconds * float64(time.Second)))
	}

	if profile.Identity.BaseURL != "" {
		r.identityClient = adapters.NewIdentityClient(profile.Identity.BaseURL, timeout(profile.Identity.TimeoutS))
		r.closers = append(r.closers, r.identityClient)
		if r.deps.resolver == nil {
			r.deps.resolver = r.identityClient
		}
	}
	if profile.Policy.BaseURL != "" {
		r.policyClient = adapters.NewPolicyClient(profile.Policy.BaseURL, timeout(profile.Policy.TimeoutS))
		r.closers = append(r.closers, r.policyClient)
	}
	if profile.RateLimiter.BaseURL != "" {
		r.budgetClient = adapters.NewBudgetClient(profile.RateLimiter.BaseURL, timeout(profile.RateLimiter.TimeoutS))
		r.closers = append(r.closers, r.budgetClient)
		if r.deps.checker == nil {
			r.deps.checker = r.budgetClient
		}
	}
	if profile.Receipt.SigningBaseURL != "" {
		r.signingClient = adapters.NewSigningClient(profile.Receipt.SigningBaseURL, timeout(profile.Receipt.TimeoutS))
		r.closers = append(r.closers, r.signingClient)
		if r.deps.signer == nil {
			r.deps.signer = r.signingClient
		}
	}
	if profile.Receipt.IndexerBaseURL != "" {
		r.indexerClient = adapters.NewIndexerClient(profile.Receipt.IndexerBaseURL, timeout(profile.Receipt.IndexerTimeoutS))
		r.closers = append(r.closers, r.indexerClient)
		if r.deps.shipper == nil {
			r.deps.shipper = r.indexerClient
		}
	}
	return nil
}

// LoadPolicySnapshot verifies and installs a signed policy snapshot.
func (r *Runtime) LoadPolicySnapshot(payload map[string]any, signature string) (*policy.Snapshot, error) {
	return r.evaluator.LoadSnapshot(payload, signature)
}

// PrimeIdentity seeds the identity cache, used by edge deployments that
// pre-distribute actor blocks.
func (r *Runtime) PrimeIdentity(actor contracts.ActorContext, block contracts.ActorBlock) {
	r.identity.Prime(actor, block)
}

// PrimeBudget seeds the budget cache.
func (r *Runtime) PrimeBudget(actionID string, remaining int64) {
	r.budget.Prime(actionID, remaining)
}

// DependenciesReady reports whether the last bootstrap saw every
// dependency healthy.
func (r *Runtime) DependenciesReady() bool {
	return r.depsReady.Load()
}

// DrainCourier runs one synchronous drain pass and returns the acked
// WAL sequences.
func (r *Runtime) DrainCourier() ([]uint64, error) {
	return r.courier.Drain(r.defaultSink, r.emitter)
}

// PendingSyncReceipts lists WAL entries whose best-effort upstream ship
// failed; they are retried on the next drain.
func (r *Runtime) PendingSyncReceipts() []wal.Entry {
	return r.walLog.PendingSyncEntries()
}

// DeadLetters lists WAL entries that failed delivery.
func (r *Runtime) DeadLetters() []wal.Entry {
	return r.walLog.DeadLetterEntries()
}

// defaultSink dispatches drained WAL entries by type: deferred identity
// and budget calls go back to their services, receipts go to the
// external sink (or are just marked delivered), and local budget audit
// records are shipped upstream best-effort.
func (r *Runtime) defaultSink(entry wal.Entry) error {
	ctx := context.Background()
	switch entry.EntryType {
	case wal.EntryIdentityCall:
		return r.identity.ProcessWALEntry(ctx, entry.Payload)
	case wal.EntryBudgetCall:
		return r.budget.ProcessWALEntry(ctx, entry.Payload)
	case wal.EntryReceipt:
		if r.receiptSink != nil {
			return r.receiptSink(entry)
		}
		return nil
	case wal.EntryBudget:
		if r.budgetClient != nil {
			if snapshot, ok := entry.Payload.(map[string]any); ok {
				if err := r.budgetClient.ShipSnapshot(ctx, snapshot); err != nil {
					r.logger.Warn("budget snapshot ship failed", "sequence", entry.Sequence, "error", err)
				}
			}
		}
		return nil
	default:
		// policy_snapshot audit records need no delivery.
		return nil
	}
}

// Shutdown stops the drain worker, closes the adapter clients and the
// journal, and removes the runtime from the process registry. It is
// idempotent; every call returns the first shutdown's result.
func (r *Runtime) Shutdown(ctx context.Context) error {
	r.shutdownOnce.Do(func() {
		close(r.stopCh)

		if err := r.worker.Stop(workerJoinTimeout); err != nil {
			r.logger.Error("drain worker stop failed", "error", err)
			r.shutdownErr = err
		}
		for _, c := range r.closers {
			c.Close()
		}
		if err := r.journal.Close(); err != nil && r.shutdownErr == nil {
			r.shutdownErr = fmt.Errorf("close journal: %w", err)
		}
		if r.provider != nil {
			if err := r.provider.Shutdown(ctx); err != nil && r.shutdownErr == nil {
				r.shutdownErr = err
			}
		}
		deregister(r)
		r.logger.Info("runtime shut down", "mode", r.mode)
	})
	return r.shutdownErr
}
