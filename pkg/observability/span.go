// Package observability provides the substrate's tracing surface: a
// zero-dependency span primitive for the request path, and an optional
// OpenTelemetry provider for OTLP export.
package observability

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"github.com/Mindburn-Labs/cccs/pkg/contracts"
)

// Span is a lightweight trace span. It allocates nothing beyond its ids
// and logs start/end markers; export is the OTel provider's concern.
type Span struct {
	contracts.TraceContext

	logger *slog.Logger
	ended  bool
}

// StartSpan begins a span. A non-nil parent contributes its trace id so
// related spans correlate; the span id is always fresh.
func StartSpan(name string, parent *Span, logger *slog.Logger) *Span {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Span{logger: logger}
	s.Name = name
	s.StartTime = time.Now().UTC()
	if parent != nil {
		s.TraceID = parent.TraceID
		s.ParentSpanID = parent.SpanID
	} else {
		s.TraceID = randomHex(16)
	}
	s.SpanID = randomHex(8)

	logger.Debug("start_span", "span", name, "trace_id", s.TraceID, "span_id", s.SpanID)
	return s
}

// End closes the span, logging its duration. Safe to call more than
// once; only the first call logs.
func (s *Span) End() {
	if s == nil || s.ended {
		return
	}
	s.ended = true
	now := time.Now().UTC()
	s.EndTime = &now
	s.logger.Debug("end_span",
		"span", s.Name,
		"trace_id", s.TraceID,
		"span_id", s.SpanID,
		"duration_ms", now.Sub(s.StartTime).Milliseconds(),
	)
}

// Context returns the span's wire-level trace context.
func (s *Span) Context() contracts.TraceContext {
	return s.TraceContext
}

func randomHex(bytes int) string {
	buf := make([]byte, bytes)
	if _, err := rand.Read(buf); err != nil {
		// Fall back to a time-derived id if the system RNG fails.
		return fmt.Sprintf("%0*x", bytes*2, time.Now().UnixNano())
	}
	return hex.EncodeToString(buf)
}
