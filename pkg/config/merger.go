// Package config provides the layered configuration merger and the YAML
// profile loader for the CCCS runtime.
//
// Lookup precedence is overrides > local > tenant > product, first match
// wins. The canonical hash of the three layers is computed once at
// construction and stamped onto every lookup result.
package config

import (
	"fmt"

	"github.com/Mindburn-Labs/cccs/pkg/canonicalize"
	"github.com/Mindburn-Labs/cccs/pkg/contracts"
)

// Layer names, in precedence order after overrides.
const (
	LayerOverrides = "overrides"
	LayerLocal     = "local"
	LayerTenant    = "tenant"
	LayerProduct   = "product"
)

// WarningConfigGap is attached to results for absent keys.
const WarningConfigGap = "config_gap"

// Result is the outcome of a configuration lookup.
type Result struct {
	Key          string   `json:"key"`
	Value        any      `json:"value"`
	Found        bool     `json:"found"`
	SourceLayers []string `json:"source_layers"`
	SnapshotHash string   `json:"snapshot_hash"`
	Warnings     []string `json:"warnings,omitempty"`
}

// Merger resolves keys across the local, tenant and product layers. It is
// read-only after construction and safe for concurrent use.
type Merger struct {
	local   map[string]any
	tenant  map[string]any
	product map[string]any
	hash    string
}

// NewMerger deep-copies the three layers and precomputes their canonical
// hash. Nil layers are treated as empty.
func NewMerger(local, tenant, product map[string]any) (*Merger, error) {
	localCopy, err := contracts.CopyMap(local)
	if err != nil {
		return nil, fmt.Errorf("config: local layer: %w", err)
	}
	tenantCopy, err := contracts.CopyMap(tenant)
	if err != nil {
		return nil, fmt.Errorf("config: tenant layer: %w", err)
	}
	productCopy, err := contracts.CopyMap(product)
	if err != nil {
		return nil, fmt.Errorf("config: product layer: %w", err)
	}

	hash, err := canonicalize.CanonicalHash(map[string]any{
		"local":   localCopy,
		"tenant":  tenantCopy,
		"product": productCopy,
	})
	if err != nil {
		return nil, fmt.Errorf("config: snapshot hash: %w", err)
	}

	return &Merger{
		local:   localCopy,
		tenant:  tenantCopy,
		product: productCopy,
		hash:    hash,
	}, nil
}

// SnapshotHash returns the construction-time canonical hash of the layers.
func (m *Merger) SnapshotHash() string {
	return m.hash
}

// LookupOptions restrict or extend a single lookup.
type LookupOptions struct {
	// Scope limits which of the three layers are searched. Empty means
	// all layers. Overrides are always consulted first.
	Scope []string
	// Overrides beat every layer.
	Overrides map[string]any
}

// Lookup returns the first match searching overrides, then local, tenant
// and product. Absent keys yield Found=false with a config_gap warning.
func (m *Merger) Lookup(key string, opts LookupOptions) Result {
	result := Result{
		Key:          key,
		SourceLayers: []string{},
		SnapshotHash: m.hash,
	}

	if opts.Overrides != nil {
		if v, ok := opts.Overrides[key]; ok {
			copied, err := contracts.CopyValue(v)
			if err == nil {
				result.Value = copied
				result.Found = true
				result.SourceLayers = []string{LayerOverrides}
				return result
			}
		}
	}

	for _, layer := range []struct {
		name   string
		values map[string]any
	}{
		{LayerLocal, m.local},
		{LayerTenant, m.tenant},
		{LayerProduct, m.product},
	} {
		if !layerInScope(layer.name, opts.Scope) {
			continue
		}
		if v, ok := layer.values[key]; ok {
			copied, err := contracts.CopyValue(v)
			if err != nil {
				continue
			}
			result.Value = copied
			result.Found = true
			result.SourceLayers = []string{layer.name}
			return result
		}
	}

	result.Warnings = append(result.Warnings, WarningConfigGap)
	return result
}

func layerInScope(name string, scope []string) bool {
	if len(scope) == 0 {
		return true
	}
	for _, s := range scope {
		if s == name {
			return true
		}
	}
	return false
}
