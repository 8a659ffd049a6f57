package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/Mindburn-Labs/cccs/pkg/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMerger(t *testing.T) *config.Merger {
	t.Helper()
	m, err := config.NewMerger(
		map[string]any{"shared": "local", "local_only": 1},
		map[string]any{"shared": "tenant", "tenant_only": true, "feature": true},
		map[string]any{"shared": "product", "product_only": "p"},
	)
	require.NoError(t, err)
	return m
}

func TestLookup_Precedence(t *testing.T) {
	m := newMerger(t)

	cases := []struct {
		key    string
		layer  string
		expect any
	}{
		{"shared", "local", "local"},
		{"tenant_only", "tenant", true},
		{"product_only", "product", "p"},
	}
	for _, tc := range cases {
		result := m.Lookup(tc.key, config.LookupOptions{})
		assert.True(t, result.Found, tc.key)
		assert.Equal(t, tc.expect, result.Value, tc.key)
		assert.Equal(t, []string{tc.layer}, result.SourceLayers, tc.key)
		assert.Empty(t, result.Warnings, tc.key)
	}
}

func TestLookup_OverridesBeatAllLayers(t *testing.T) {
	m := newMerger(t)

	result := m.Lookup("shared", config.LookupOptions{
		Overrides: map[string]any{"shared": "override"},
	})
	assert.Equal(t, "override", result.Value)
	assert.Equal(t, []string{config.LayerOverrides}, result.SourceLayers)
}

func TestLookup_ScopeRestrictsLayers(t *testing.T) {
	m := newMerger(t)

	result := m.Lookup("shared", config.LookupOptions{Scope: []string{config.LayerTenant}})
	assert.Equal(t, "tenant", result.Value)
	assert.Equal(t, []string{config.LayerTenant}, result.SourceLayers)

	miss := m.Lookup("local_only", config.LookupOptions{Scope: []string{config.LayerProduct}})
	assert.False(t, miss.Found)
}

func TestLookup_ConfigGapWarning(t *testing.T) {
	m := newMerger(t)

	result := m.Lookup("absent", config.LookupOptions{})
	assert.False(t, result.Found)
	assert.Contains(t, result.Warnings, config.WarningConfigGap)
	assert.NotEmpty(t, result.SnapshotHash)
}

func TestSnapshotHash_StableAcrossLookups(t *testing.T) {
	m := newMerger(t)

	a := m.Lookup("shared", config.LookupOptions{})
	b := m.Lookup("absent", config.LookupOptions{})
	assert.Equal(t, m.SnapshotHash(), a.SnapshotHash)
	assert.Equal(t, a.SnapshotHash, b.SnapshotHash)
}

func TestLookup_ValuesAreCopies(t *testing.T) {
	m, err := config.NewMerger(
		map[string]any{"nested": map[string]any{"k": "v"}},
		nil, nil,
	)
	require.NoError(t, err)

	first := m.Lookup("nested", config.LookupOptions{})
	nested, ok := first.Value.(map[string]any)
	require.True(t, ok)
	nested["k"] = "mutated"

	second := m.Lookup("nested", config.LookupOptions{})
	assert.Equal(t, "v", second.Value.(map[string]any)["k"])
}

func TestLoadProfile(t *testing.T) {
	doc := `
runtime:
  mode: edge
  version: 1.2.3
identity:
  base_url: http://iam.internal
  timeout_s: 5
  api_version: v1
policy:
  signing_secrets: ["s1", "s2"]
layers:
  local:
    feature: true
  tenant:
    quota: 10
  product: {}
receipt:
  gate_id: epc-1
  storage_path: /var/lib/cccs/receipts.jsonl
  signing_base_url: http://kms.internal
  key_id: key-1
redaction:
  rules:
    - field_path: secret
      strategy: remove
      rule_version: v1
rate_limiter:
  base_url: http://budget.internal
`
	path := filepath.Join(t.TempDir(), "profile.yaml")
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))

	profile, err := config.LoadProfile(path)
	require.NoError(t, err)
	assert.Equal(t, "edge", profile.Runtime.Mode)
	assert.Equal(t, []string{"s1", "s2"}, profile.Policy.SigningSecrets)
	assert.Equal(t, true, profile.Layers.Local["feature"])
	assert.Equal(t, "epc-1", profile.Receipt.GateID)
	require.Len(t, profile.Redaction.Rules, 1)
	assert.Equal(t, "remove", profile.Redaction.Rules[0].Strategy)
}

func TestLoadProfile_RejectsUnknownMode(t *testing.T) {
	doc := `
runtime:
  mode: hybrid
policy:
  signing_secrets: ["s"]
`
	path := filepath.Join(t.TempDir(), "profile.yaml")
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))

	_, err := config.LoadProfile(path)
	assert.ErrorContains(t, err, "unknown runtime mode")
}

func TestLoadProfile_RequiresSigningSecret(t *testing.T) {
	doc := `
runtime:
  mode: backend
policy:
  signing_secrets: []
`
	path := filepath.Join(t.TempDir(), "profile.yaml")
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))

	_, err := config.LoadProfile(path)
	assert.ErrorContains(t, err, "signing secret")
}
