package contracts

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// CopyValue deep-copies any JSON-serializable value by round-tripping it
// through encoding/json. Numbers are decoded as json.Number so canonical
// hashing downstream preserves their exact representation.
func CopyValue(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("deep copy: value is not JSON-serializable: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("deep copy: decode failed: %w", err)
	}
	return out, nil
}

// CopyMap deep-copies a string-keyed map. A nil map copies to nil.
func CopyMap(m map[string]any) (map[string]any, error) {
	if m == nil {
		return nil, nil
	}
	copied, err := CopyValue(m)
	if err != nil {
		return nil, err
	}
	out, ok := copied.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("deep copy: expected object, got %T", copied)
	}
	return out, nil
}

// MustCopyMap is CopyMap for values already proven serializable.
// It panics on failure and is intended for internal re-copies only.
func MustCopyMap(m map[string]any) map[string]any {
	out, err := CopyMap(m)
	if err != nil {
		panic(err)
	}
	return out
}
