// Package receipt assembles, signs, and durably records the evidence
// receipt for every gated action. A receipt is not complete until it is
// signed, schema-validated, fsynced to the local journal, and handed to
// the courier; indexer shipping is best effort and never blocks the
// flow.
package receipt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/Mindburn-Labs/cccs/pkg/adapters"
	"github.com/Mindburn-Labs/cccs/pkg/canonicalize"
	"github.com/Mindburn-Labs/cccs/pkg/contracts"
	"github.com/Mindburn-Labs/cccs/pkg/courier"
	"github.com/Mindburn-Labs/cccs/pkg/taxonomy"
	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// defaultSchema is the envelope shape every receipt must satisfy before
// it may be flushed.
const defaultSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": [
    "receipt_id", "gate_id", "policy_version_ids", "snapshot_hash",
    "timestamp_utc", "timestamp_monotonic_ms", "inputs", "decision",
    "result", "actor", "degraded", "signature"
  ],
  "properties": {
    "receipt_id": {"type": "string", "minLength": 1},
    "gate_id": {"type": "string", "minLength": 1},
    "policy_version_ids": {"type": "array"},
    "snapshot_hash": {"type": "string"},
    "timestamp_utc": {"type": "string"},
    "timestamp_monotonic_ms": {"type": "number"},
    "decision": {
      "type": "object",
      "required": ["status"],
      "properties": {
        "status": {"enum": ["pass", "warn", "soft_block", "hard_block"]}
      }
    },
    "degraded": {"type": "boolean"},
    "signature": {"type": "string", "minLength": 1}
  }
}`

const dedupHighWater = 10000

// Signer produces the receipt signature. *adapters.SigningClient
// satisfies it.
type Signer interface {
	Sign(ctx context.Context, digest string) (*adapters.SignResult, error)
}

// Shipper delivers finished receipts to the evidence indexer.
// *adapters.IndexerClient satisfies it.
type Shipper interface {
	ShipReceipt(ctx context.Context, receipt map[string]any) error
}

// Hook mutates an envelope in place at a fixed point in the build
// pipeline. A hook error aborts the receipt.
type Hook func(envelope map[string]any) error

// WriteResult reports where a finished receipt landed.
type WriteResult struct {
	ReceiptID   string `json:"receipt_id"`
	BatchID     string `json:"courier_batch_id"`
	FsyncOffset int64  `json:"fsync_offset"`
}

// Builder runs the receipt pipeline: id assignment, pre-sign hooks,
// signature, schema validation, pre-flush hooks, journal fsync, courier
// handoff, best-effort indexer ship.
type Builder struct {
	signer  Signer
	journal *Journal
	courier *courier.Courier
	shipper Shipper

	schema      *jsonschema.Schema
	beforeSign  []Hook
	beforeFlush []Hook

	clock     func() time.Time
	monotonic func() int64

	mu     sync.Mutex
	seen   map[string]struct{}
	logger *slog.Logger
}

// BuilderOption configures a Builder.
type BuilderOption func(*Builder)

// WithShipper installs the best-effort indexer shipper.
func WithShipper(s Shipper) BuilderOption {
	return func(b *Builder) { b.shipper = s }
}

// WithBeforeSign appends a hook that runs before signing.
func WithBeforeSign(h Hook) BuilderOption {
	return func(b *Builder) { b.beforeSign = append(b.beforeSign, h) }
}

// WithBeforeFlush appends a hook that runs after validation and before
// the journal write.
func WithBeforeFlush(h Hook) BuilderOption {
	return func(b *Builder) { b.beforeFlush = append(b.beforeFlush, h) }
}

// WithBuilderClock overrides the wall clock, used by tests.
func WithBuilderClock(clock func() time.Time) BuilderOption {
	return func(b *Builder) { b.clock = clock }
}

// WithMonotonic overrides the monotonic sequence source.
func WithMonotonic(next func() int64) BuilderOption {
	return func(b *Builder) { b.monotonic = next }
}

// WithBuilderLogger overrides the default slog logger.
func WithBuilderLogger(logger *slog.Logger) BuilderOption {
	return func(b *Builder) { b.logger = logger }
}

// NewBuilder creates a receipt builder. schemaJSON may be empty to use
// the built-in minimum schema.
func NewBuilder(signer Signer, journal *Journal, c *courier.Courier, schemaJSON string, opts ...BuilderOption) (*Builder, error) {
	if schemaJSON == "" {
		schemaJSON = defaultSchema
	}
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020
	const schemaURL = "https://cccs.schemas.local/receipt.schema.json"
	if err := compiler.AddResource(schemaURL, strings.NewReader(schemaJSON)); err != nil {
		return nil, fmt.Errorf("receipt schema load failed: %w", err)
	}
	compiled, err := compiler.Compile(schemaURL)
	if err != nil {
		return nil, fmt.Errorf("receipt schema compile failed: %w", err)
	}

	start := time.Now()
	b := &Builder{
		signer:    signer,
		journal:   journal,
		courier:   c,
		schema:    compiled,
		clock:     func() time.Time { return time.Now().UTC() },
		monotonic: func() int64 { return time.Since(start).Milliseconds() },
		seen:   make(map[string]struct{}),
		logger: slog.Default().With("component", "receipt"),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

// Write runs the full pipeline over a deep copy of envelope. The source
// envelope is never mutated. On success the receipt is durable in the
// journal and enqueued with the courier; a failed indexer ship marks
// the courier entry pending_sync and does not fail the write.
func (b *Builder) Write(ctx context.Context, envelope map[string]any) (*WriteResult, error) {
	record, err := contracts.CopyMap(envelope)
	if err != nil {
		return nil, taxonomy.Wrap(taxonomy.CodeReceiptSchemaError, err)
	}

	record["receipt_id"] = b.nextReceiptID()
	record["timestamp_utc"] = b.clock().Format(time.RFC3339Nano)
	record["timestamp_monotonic_ms"] = b.monotonic()

	for _, hook := range b.beforeSign {
		if err := hook(record); err != nil {
			return nil, fmt.Errorf("before-sign hook: %w", err)
		}
	}

	// Sign the canonical digest of everything present so far.
	digest, err := canonicalize.CanonicalHash(record)
	if err != nil {
		return nil, taxonomy.Wrap(taxonomy.CodeReceiptSchemaError, err)
	}
	signed, err := b.signer.Sign(ctx, digest)
	if err != nil {
		return nil, fmt.Errorf("sign receipt: %w", err)
	}
	record["signature"] = signed.Signature
	record["signing_key_id"] = signed.KeyID
	record["payload_digest"] = digest

	// The schema compiler only sees JSON-native values.
	validatable, err := contracts.CopyMap(record)
	if err != nil {
		return nil, taxonomy.Wrap(taxonomy.CodeReceiptSchemaError, err)
	}
	if err := b.schema.Validate(validatable); err != nil {
		return nil, taxonomy.Wrap(taxonomy.CodeReceiptSchemaError, err)
	}

	for _, hook := range b.beforeFlush {
		if err := hook(record); err != nil {
			return nil, fmt.Errorf("before-flush hook: %w", err)
		}
	}

	offset, err := b.journal.Append(record)
	if err != nil {
		if errors.Is(err, ErrRecordTooLarge) {
			return nil, taxonomy.Wrap(taxonomy.CodeReceiptSchemaError, err)
		}
		return nil, fmt.Errorf("journal receipt: %w", err)
	}

	batch, err := b.courier.Enqueue(record)
	if err != nil {
		return nil, fmt.Errorf("enqueue receipt: %w", err)
	}

	if b.shipper != nil {
		if err := b.shipper.ShipReceipt(ctx, record); err != nil {
			b.logger.Warn("indexer ship failed, marking pending_sync",
				"receipt_id", record["receipt_id"], "error", err)
			if markErr := b.courier.MarkPendingSync(batch.Sequence); markErr != nil {
				b.logger.Error("failed to mark receipt pending_sync",
					"sequence", batch.Sequence, "error", markErr)
			}
		}
	}

	return &WriteResult{
		ReceiptID:   record["receipt_id"].(string),
		BatchID:     batch.BatchID,
		FsyncOffset: offset,
	}, nil
}

// nextReceiptID returns a fresh uuid that has not been issued by this
// builder. The dedup set is cleared at the high-water mark; uuid
// collisions across the clear are acceptable.
func (b *Builder) nextReceiptID() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.seen) >= dedupHighWater {
		b.seen = make(map[string]struct{})
	}
	for {
		id := uuid.New().String()
		if _, dup := b.seen[id]; !dup {
			b.seen[id] = struct{}{}
			return id
		}
	}
}
