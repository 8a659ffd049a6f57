// Package contracts defines the shared data contracts of the CCCS core:
// actor context and resolved actor blocks, the receipt envelope, decisions,
// and trace context. Every boundary-crossing value here is deep-copied on
// entry; callers must never observe CCCS mutating their data.
package contracts

import (
	"errors"
	"time"
)

// Decision statuses carried by receipts. Raw policy decisions (allow/deny)
// are canonicalized to one of these before a receipt is written.
const (
	StatusPass      = "pass"
	StatusWarn      = "warn"
	StatusSoftBlock = "soft_block"
	StatusHardBlock = "hard_block"
)

// Raw policy decision values that canonicalize onto the statuses above.
const (
	DecisionAllow = "allow"
	DecisionDeny  = "deny"
)

// MaxEnvelopeBytes bounds serialized receipts and WAL payloads.
const MaxEnvelopeBytes = 10 << 20 // 10 MiB

// ErrInvalidActorContext is returned when a caller supplies an actor
// context with a missing identifier.
var ErrInvalidActorContext = errors.New("actor context requires tenant, device, session and user ids")

// ActorContext is the immutable snapshot of the caller supplied to every
// flow. It is deep-copied on entry and never mutated by any component.
type ActorContext struct {
	TenantID  string         `json:"tenant_id"`
	DeviceID  string         `json:"device_id"`
	SessionID string         `json:"session_id"`
	UserID    string         `json:"user_id"`
	ActorType string         `json:"actor_type,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Extras    map[string]any `json:"extras,omitempty"`
}

// Validate checks that all four identifier fields are present.
func (a ActorContext) Validate() error {
	if a.TenantID == "" || a.DeviceID == "" || a.SessionID == "" || a.UserID == "" {
		return ErrInvalidActorContext
	}
	return nil
}

// Clone returns a deep copy of the context, including Extras.
func (a ActorContext) Clone() ActorContext {
	out := a
	if a.Extras != nil {
		copied, err := CopyValue(a.Extras)
		if err == nil {
			out.Extras, _ = copied.(map[string]any)
		}
	}
	return out
}

// ActorBlock is the resolved identity produced by the identity resolver and
// embedded into receipts. The monotonic counter defeats downgrade and
// replay of provenance metadata.
type ActorBlock struct {
	ActorID              string   `json:"actor_id"`
	ProvenanceSignature  string   `json:"provenance_signature"`
	NormalizationVersion string   `json:"normalization_version"`
	Warnings             []string `json:"warnings,omitempty"`
	SaltVersion          string   `json:"salt_version"`
	MonotonicCounter     int64    `json:"monotonic_counter"`
}

// Decision is the canonicalized outcome recorded on a receipt.
type Decision struct {
	Status    string   `json:"status"`
	Rationale string   `json:"rationale"`
	Badges    []string `json:"badges"`
}

// TraceContext is the span descriptor embedded into receipts.
type TraceContext struct {
	TraceID      string     `json:"trace_id"`
	SpanID       string     `json:"span_id"`
	ParentSpanID string     `json:"parent_span_id,omitempty"`
	Name         string     `json:"name"`
	StartTime    time.Time  `json:"start_time"`
	EndTime      *time.Time `json:"end_time,omitempty"`
}
