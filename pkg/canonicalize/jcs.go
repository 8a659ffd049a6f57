// Package canonicalize provides RFC 8785 (JSON Canonicalization Scheme)
// serialization for deterministic hashing and HMAC of CCCS artifacts:
// policy snapshots, config layers and policy-evaluation cache keys.
//
// Two logically equal objects always canonicalize to the same bytes. Keys
// are sorted by UTF-8 code point, no insignificant whitespace is emitted,
// and NaN/Infinity are rejected by the JSON encoder.
package canonicalize

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// HashPrefix tags canonical SHA-256 digests, e.g. "sha256:ab12...".
const HashPrefix = "sha256:"

// JCS returns the RFC 8785 canonical JSON representation of v.
// v is first marshaled with encoding/json (honoring struct tags), then
// transformed into canonical form.
func JCS(v any) ([]byte, error) {
	intermediate, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("jcs: pre-marshal failed: %w", err)
	}
	canonical, err := jcs.Transform(intermediate)
	if err != nil {
		return nil, fmt.Errorf("jcs: transform failed: %w", err)
	}
	return canonical, nil
}

// JCSString returns the canonical form as a string.
func JCSString(v any) (string, error) {
	b, err := JCS(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// CanonicalHash returns the prefixed SHA-256 hex digest of the canonical
// JSON representation of v, e.g. "sha256:ab12...".
func CanonicalHash(v any) (string, error) {
	b, err := JCS(v)
	if err != nil {
		return "", err
	}
	return HashPrefix + HashBytes(b), nil
}

// HashBytes computes the SHA-256 digest of raw bytes as a hex string.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
