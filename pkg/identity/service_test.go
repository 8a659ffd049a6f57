package identity_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/Mindburn-Labs/cccs/pkg/contracts"
	"github.com/Mindburn-Labs/cccs/pkg/identity"
	"github.com/Mindburn-Labs/cccs/pkg/taxonomy"
	"github.com/Mindburn-Labs/cccs/pkg/wal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeResolver struct {
	verifyErr     error
	provenanceErr error
	verifies      int
	counter       int64
}

func (f *fakeResolver) Verify(_ context.Context, actor contracts.ActorContext) (*identity.VerifyResult, error) {
	f.verifies++
	if f.verifyErr != nil {
		return nil, f.verifyErr
	}
	return &identity.VerifyResult{ActorID: "actor-" + actor.UserID}, nil
}

func (f *fakeResolver) Provenance(_ context.Context, actorID string) (*identity.ProvenanceResult, error) {
	if f.provenanceErr != nil {
		return nil, f.provenanceErr
	}
	f.counter++
	return &identity.ProvenanceResult{
		ProvenanceSignature:  "sig-" + actorID,
		NormalizationVersion: "n1",
		SaltVersion:          "s1",
		MonotonicCounter:     f.counter,
	}, nil
}

func actorCtx(session string) contracts.ActorContext {
	return contracts.ActorContext{
		TenantID:  "t1",
		DeviceID:  "d1",
		SessionID: session,
		UserID:    "u1",
		ActorType: "human",
		Timestamp: time.Now().UTC(),
	}
}

func newLog(t *testing.T) *wal.Log {
	t.Helper()
	l, err := wal.Open(filepath.Join(t.TempDir(), "identity.wal"))
	require.NoError(t, err)
	return l
}

func TestResolve_InvalidContext(t *testing.T) {
	s := identity.NewService(newLog(t), &fakeResolver{})

	_, err := s.Resolve(context.Background(), contracts.ActorContext{TenantID: "t"})
	require.Error(t, err)
	assert.True(t, taxonomy.IsCode(err, taxonomy.CodeActorUnavailable))
}

func TestResolve_BypassPopulatesCache(t *testing.T) {
	resolver := &fakeResolver{}
	s := identity.NewService(newLog(t), resolver)

	block, err := s.Resolve(context.Background(), actorCtx("sess-1"))
	require.NoError(t, err)
	assert.Equal(t, "actor-u1", block.ActorID)
	assert.Equal(t, "sig-actor-u1", block.ProvenanceSignature)
	assert.Equal(t, int64(1), block.MonotonicCounter)

	// Second resolve is a cache hit.
	_, err = s.Resolve(context.Background(), actorCtx("sess-1"))
	require.NoError(t, err)
	assert.Equal(t, 1, resolver.verifies)
}

func TestResolve_CacheOnlyMissEnqueuesAndFails(t *testing.T) {
	l := newLog(t)
	resolver := &fakeResolver{}
	s := identity.NewService(l, resolver,
		identity.WithCacheOnly(func() bool { return true }))

	_, err := s.Resolve(context.Background(), actorCtx("sess-1"))
	require.Error(t, err)
	assert.True(t, taxonomy.IsCode(err, taxonomy.CodeActorUnavailable))
	assert.Zero(t, resolver.verifies)

	queued := 0
	_, err = l.Drain(func(e wal.Entry) error {
		if e.EntryType == wal.EntryIdentityCall {
			queued++
		}
		return nil
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, queued)
}

func TestResolve_PrimedCacheServesDegraded(t *testing.T) {
	s := identity.NewService(newLog(t), &fakeResolver{},
		identity.WithCacheOnly(func() bool { return true }))

	s.Prime(actorCtx("sess-1"), contracts.ActorBlock{ActorID: "primed"})

	block, err := s.Resolve(context.Background(), actorCtx("sess-1"))
	require.NoError(t, err)
	assert.Equal(t, "primed", block.ActorID)
}

func TestResolve_SessionChangeQueuesRefreshWithoutBlocking(t *testing.T) {
	l := newLog(t)
	resolver := &fakeResolver{}
	s := identity.NewService(l, resolver)

	_, err := s.Resolve(context.Background(), actorCtx("sess-1"))
	require.NoError(t, err)
	require.Equal(t, 0, l.PendingCount())

	// Same (tenant, user, device), new session: served from cache, refresh queued.
	block, err := s.Resolve(context.Background(), actorCtx("sess-2"))
	require.NoError(t, err)
	assert.Equal(t, "actor-u1", block.ActorID)
	assert.Equal(t, 1, resolver.verifies)
	assert.Equal(t, 1, l.PendingCount())
}

func TestResolve_AdapterFailureIsActorUnavailable(t *testing.T) {
	s := identity.NewService(newLog(t), &fakeResolver{verifyErr: errors.New("iam down")})

	_, err := s.Resolve(context.Background(), actorCtx("sess-1"))
	assert.True(t, taxonomy.IsCode(err, taxonomy.CodeActorUnavailable))
}

func TestResolve_ReturnsCopies(t *testing.T) {
	s := identity.NewService(newLog(t), &fakeResolver{})

	first, err := s.Resolve(context.Background(), actorCtx("sess-1"))
	require.NoError(t, err)
	first.ActorID = "mutated"

	second, err := s.Resolve(context.Background(), actorCtx("sess-1"))
	require.NoError(t, err)
	assert.Equal(t, "actor-u1", second.ActorID)
}

func TestProcessWALEntry_PopulatesCache(t *testing.T) {
	resolver := &fakeResolver{}
	s := identity.NewService(newLog(t), resolver,
		identity.WithCacheOnly(func() bool { return true }))

	err := s.ProcessWALEntry(context.Background(), map[string]any{
		"tenant_id":  "t1",
		"device_id":  "d1",
		"session_id": "sess-1",
		"user_id":    "u1",
	})
	require.NoError(t, err)

	block, err := s.Resolve(context.Background(), actorCtx("sess-1"))
	require.NoError(t, err)
	assert.Equal(t, "actor-u1", block.ActorID)
}

func TestProcessWALEntry_FallbackDropsFailures(t *testing.T) {
	s := identity.NewService(newLog(t), &fakeResolver{verifyErr: errors.New("down")},
		identity.WithFallback(true))

	err := s.ProcessWALEntry(context.Background(), map[string]any{
		"tenant_id": "t1", "device_id": "d1", "session_id": "s", "user_id": "u1",
	})
	assert.NoError(t, err)
}

func TestProcessWALEntry_NoFallbackPropagates(t *testing.T) {
	s := identity.NewService(newLog(t), &fakeResolver{verifyErr: errors.New("down")})

	err := s.ProcessWALEntry(context.Background(), map[string]any{
		"tenant_id": "t1", "device_id": "d1", "session_id": "s", "user_id": "u1",
	})
	assert.Error(t, err)
}
