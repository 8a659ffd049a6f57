// Package identity resolves actor contexts into provenance-carrying actor
// blocks. The request path is served entirely from cache; misses in
// degraded mode queue a refresh to the WAL and fail with
// actor_unavailable, and the background drain performs the deferred
// adapter calls.
package identity

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/Mindburn-Labs/cccs/pkg/contracts"
	"github.com/Mindburn-Labs/cccs/pkg/taxonomy"
	"github.com/Mindburn-Labs/cccs/pkg/wal"
)

// VerifyResult is the upstream identity verification outcome.
type VerifyResult struct {
	ActorID  string         `json:"actor_id"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// ProvenanceResult is the upstream provenance decision outcome.
type ProvenanceResult struct {
	ProvenanceSignature  string   `json:"provenance_signature"`
	NormalizationVersion string   `json:"normalization_version"`
	Warnings             []string `json:"warnings,omitempty"`
	SaltVersion          string   `json:"salt_version"`
	MonotonicCounter     int64    `json:"monotonic_counter"`
}

// Resolver is the upstream identity adapter surface the service depends on.
type Resolver interface {
	Verify(ctx context.Context, actor contracts.ActorContext) (*VerifyResult, error)
	Provenance(ctx context.Context, actorID string) (*ProvenanceResult, error)
}

// Service caches resolved actor blocks by (tenant, user, device) and
// defers all network work to the WAL drain.
type Service struct {
	mu       sync.Mutex
	cache    map[string]*contracts.ActorBlock
	sessions map[string]string // cache key -> last seen session id

	log             *wal.Log
	resolver        Resolver
	fallbackEnabled bool
	cacheOnly       func() bool
	logger          *slog.Logger
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithFallback enables silent dropping of failed deferred refreshes.
func WithFallback(enabled bool) ServiceOption {
	return func(s *Service) { s.fallbackEnabled = enabled }
}

// WithCacheOnly installs the predicate that forces cache-only resolution
// (true while dependencies are not ready).
func WithCacheOnly(pred func() bool) ServiceOption {
	return func(s *Service) { s.cacheOnly = pred }
}

// WithLogger overrides the default slog logger.
func WithLogger(logger *slog.Logger) ServiceOption {
	return func(s *Service) { s.logger = logger }
}

// NewService creates the identity service over the given WAL and adapter.
func NewService(log *wal.Log, resolver Resolver, opts ...ServiceOption) *Service {
	s := &Service{
		cache:     make(map[string]*contracts.ActorBlock),
		sessions:  make(map[string]string),
		log:       log,
		resolver:  resolver,
		cacheOnly: func() bool { return false },
		logger:    slog.Default().With("component", "identity"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func cacheKey(actor contracts.ActorContext) string {
	return actor.TenantID + "|" + actor.UserID + "|" + actor.DeviceID
}

// Resolve returns the actor block for the context. Cache hits whose
// session id changed queue a re-resolution without blocking the request.
// Misses either fail (cache-only mode, after queuing a refresh) or call
// the adapter synchronously and populate the cache.
func (s *Service) Resolve(ctx context.Context, actor contracts.ActorContext) (*contracts.ActorBlock, error) {
	if err := actor.Validate(); err != nil {
		return nil, taxonomy.Wrap(taxonomy.CodeActorUnavailable, err)
	}
	actor = actor.Clone()
	key := cacheKey(actor)

	s.mu.Lock()
	block, hit := s.cache[key]
	lastSession := s.sessions[key]
	s.mu.Unlock()

	if hit {
		if lastSession != actor.SessionID {
			if err := s.enqueueRefresh(actor); err != nil {
				s.logger.Warn("failed to queue identity re-resolution", "error", err)
			}
			s.mu.Lock()
			s.sessions[key] = actor.SessionID
			s.mu.Unlock()
		}
		copied := *block
		return &copied, nil
	}

	if s.cacheOnly() {
		if err := s.enqueueRefresh(actor); err != nil {
			s.logger.Warn("failed to queue identity refresh", "error", err)
		}
		return nil, taxonomy.NewError(taxonomy.CodeActorUnavailable,
			"actor not cached and identity dependency is unavailable")
	}

	block, err := s.resolve(ctx, actor)
	if err != nil {
		return nil, taxonomy.Wrap(taxonomy.CodeActorUnavailable, err)
	}

	s.mu.Lock()
	s.cache[key] = block
	s.sessions[key] = actor.SessionID
	s.mu.Unlock()

	copied := *block
	return &copied, nil
}

func (s *Service) resolve(ctx context.Context, actor contracts.ActorContext) (*contracts.ActorBlock, error) {
	verified, err := s.resolver.Verify(ctx, actor)
	if err != nil {
		return nil, fmt.Errorf("identity verify: %w", err)
	}
	provenance, err := s.resolver.Provenance(ctx, verified.ActorID)
	if err != nil {
		return nil, fmt.Errorf("identity provenance: %w", err)
	}
	return &contracts.ActorBlock{
		ActorID:              verified.ActorID,
		ProvenanceSignature:  provenance.ProvenanceSignature,
		NormalizationVersion: provenance.NormalizationVersion,
		Warnings:             provenance.Warnings,
		SaltVersion:          provenance.SaltVersion,
		MonotonicCounter:     provenance.MonotonicCounter,
	}, nil
}

// Prime seeds the cache directly, used at bootstrap in degraded mode and
// by operators.
func (s *Service) Prime(actor contracts.ActorContext, block contracts.ActorBlock) {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := block
	s.cache[cacheKey(actor)] = &copied
	s.sessions[cacheKey(actor)] = actor.SessionID
}

func (s *Service) enqueueRefresh(actor contracts.ActorContext) error {
	_, err := s.log.Append(map[string]any{
		"tenant_id":  actor.TenantID,
		"device_id":  actor.DeviceID,
		"session_id": actor.SessionID,
		"user_id":    actor.UserID,
		"actor_type": actor.ActorType,
		"extras":     actor.Extras,
	}, wal.EntryIdentityCall)
	return err
}

// ProcessWALEntry is the drain callback for identity_call entries: it
// reconstructs the original request and performs the deferred adapter
// call. With fallback enabled, failures are dropped silently.
func (s *Service) ProcessWALEntry(ctx context.Context, payload any) error {
	obj, ok := payload.(map[string]any)
	if !ok {
		return fmt.Errorf("identity: malformed wal payload %T", payload)
	}
	actor := contracts.ActorContext{
		TenantID:  str(obj["tenant_id"]),
		DeviceID:  str(obj["device_id"]),
		SessionID: str(obj["session_id"]),
		UserID:    str(obj["user_id"]),
		ActorType: str(obj["actor_type"]),
	}
	if extras, ok := obj["extras"].(map[string]any); ok {
		actor.Extras = extras
	}

	block, err := s.resolve(ctx, actor)
	if err != nil {
		if s.fallbackEnabled {
			s.logger.Warn("deferred identity refresh failed, dropping (fallback enabled)",
				"tenant", actor.TenantID, "error", err)
			return nil
		}
		return err
	}

	s.mu.Lock()
	s.cache[cacheKey(actor)] = block
	s.sessions[cacheKey(actor)] = actor.SessionID
	s.mu.Unlock()
	return nil
}

func str(v any) string {
	s, _ := v.(string)
	return s
}
