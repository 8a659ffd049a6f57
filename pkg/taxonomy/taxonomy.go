// Package taxonomy normalizes every failure surfaced by the CCCS core into
// a canonical error carrying a stable code, severity, retryability, a
// user-safe message and a fresh debug id. Callers only ever see canonical
// errors; raw causes stay attached for wrapping but are never shown.
package taxonomy

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/google/uuid"
)

// Canonical error codes. Names are stable across subsystems and releases.
const (
	CodeActorUnavailable   = "actor_unavailable"
	CodePolicyUnavailable  = "policy_unavailable"
	CodeRedactionBlocked   = "redaction_blocked"
	CodeVersionMismatch    = "version_mismatch"
	CodeBudgetExceeded     = "budget_exceeded"
	CodeReceiptSchemaError = "receipt_schema_error"
	CodeBootstrapTimeout   = "bootstrap_timeout"
	CodeUnknown            = "unknown_error"
)

// Severity levels for canonical errors.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

// CanonicalError is the normalized, cross-subsystem representation of a
// failure. It implements error and unwraps to its cause.
type CanonicalError struct {
	Code        string `json:"canonical_code"`
	Severity    string `json:"severity"`
	Retryable   bool   `json:"retryable"`
	UserMessage string `json:"user_message"`
	DebugID     string `json:"debug_id"`

	cause error
}

func (e *CanonicalError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.UserMessage, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.UserMessage)
}

// Unwrap exposes the underlying cause for errors.Is/As.
func (e *CanonicalError) Unwrap() error { return e.cause }

// Entry describes how a matched error class normalizes.
type Entry struct {
	Code        string
	Severity    string
	Retryable   bool
	UserMessage string
}

// Rule pairs a matcher with its taxonomy entry. Rules are evaluated in
// registration order; the first match wins.
type Rule struct {
	Match func(error) bool
	Entry Entry
}

// Taxonomy is an ordered error-normalization table.
type Taxonomy struct {
	rules []Rule
}

// defaultEntries maps canonical codes to their severity and messaging.
var defaultEntries = map[string]Entry{
	CodeActorUnavailable:   {CodeActorUnavailable, SeverityHigh, false, "Actor identity could not be resolved."},
	CodePolicyUnavailable:  {CodePolicyUnavailable, SeverityHigh, false, "Policy snapshot is unavailable."},
	CodeRedactionBlocked:   {CodeRedactionBlocked, SeverityHigh, false, "Redaction rules do not match the negotiated version."},
	CodeVersionMismatch:    {CodeVersionMismatch, SeverityHigh, false, "Requested version is incompatible with this runtime."},
	CodeBudgetExceeded:     {CodeBudgetExceeded, SeverityHigh, false, "Budget for this action is exhausted."},
	CodeReceiptSchemaError: {CodeReceiptSchemaError, SeverityCritical, false, "Receipt failed schema validation."},
	CodeBootstrapTimeout:   {CodeBootstrapTimeout, SeverityCritical, false, "Dependencies did not become healthy before the bootstrap timeout."},
	CodeUnknown:            {CodeUnknown, SeverityCritical, false, "An unknown error occurred."},
}

// New returns a taxonomy preloaded with the default stdlib mappings:
// narrow encoding and conversion failures normalize to receipt_schema_error
// and unknown_error respectively. Additional rules run after the defaults.
func New(extra ...Rule) *Taxonomy {
	rules := []Rule{
		{
			Match: func(err error) bool {
				var syntaxErr *json.SyntaxError
				var typeErr *json.UnmarshalTypeError
				var marshalErr *json.UnsupportedTypeError
				return errors.As(err, &syntaxErr) || errors.As(err, &typeErr) || errors.As(err, &marshalErr)
			},
			Entry: Entry{CodeReceiptSchemaError, SeverityCritical, false, "Payload could not be serialized."},
		},
		{
			Match: func(err error) bool {
				var numErr *strconv.NumError
				return errors.As(err, &numErr)
			},
			Entry: Entry{CodeUnknown, SeverityCritical, false, "A value could not be converted."},
		},
	}
	rules = append(rules, extra...)
	return &Taxonomy{rules: rules}
}

// Normalize maps any error to a canonical error. Canonical errors pass
// through unchanged (a missing debug id is filled in); otherwise the first
// matching rule applies, falling back to unknown_error.
func (t *Taxonomy) Normalize(err error) *CanonicalError {
	if err == nil {
		return nil
	}

	var canonical *CanonicalError
	if errors.As(err, &canonical) {
		if canonical.DebugID == "" {
			canonical.DebugID = uuid.New().String()
		}
		return canonical
	}

	for _, rule := range t.rules {
		if rule.Match(err) {
			return fromEntry(rule.Entry, err)
		}
	}
	return fromEntry(defaultEntries[CodeUnknown], err)
}

func fromEntry(entry Entry, cause error) *CanonicalError {
	return &CanonicalError{
		Code:        entry.Code,
		Severity:    entry.Severity,
		Retryable:   entry.Retryable,
		UserMessage: entry.UserMessage,
		DebugID:     uuid.New().String(),
		cause:       cause,
	}
}

// NewError builds a canonical error for code with the default entry for
// that code and an optional detail message appended to the user message.
func NewError(code, detail string) *CanonicalError {
	entry, ok := defaultEntries[code]
	if !ok {
		entry = defaultEntries[CodeUnknown]
	}
	msg := entry.UserMessage
	if detail != "" {
		msg = detail
	}
	return &CanonicalError{
		Code:        entry.Code,
		Severity:    entry.Severity,
		Retryable:   entry.Retryable,
		UserMessage: msg,
		DebugID:     uuid.New().String(),
	}
}

// Wrap builds a canonical error for code around a cause.
func Wrap(code string, cause error) *CanonicalError {
	entry, ok := defaultEntries[code]
	if !ok {
		entry = defaultEntries[CodeUnknown]
	}
	e := fromEntry(entry, cause)
	return e
}

// IsCode reports whether err normalizes to (or wraps) the given canonical code.
func IsCode(err error, code string) bool {
	var canonical *CanonicalError
	if !errors.As(err, &canonical) {
		return false
	}
	if canonical.Code == code {
		return true
	}
	// A wrapped canonical cause also counts (e.g. policy_unavailable
	// wrapping bootstrap_timeout).
	return IsCode(canonical.cause, code)
}
