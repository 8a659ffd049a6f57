package receipt_test

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/Mindburn-Labs/cccs/pkg/adapters"
	"github.com/Mindburn-Labs/cccs/pkg/contracts"
	"github.com/Mindburn-Labs/cccs/pkg/courier"
	"github.com/Mindburn-Labs/cccs/pkg/receipt"
	"github.com/Mindburn-Labs/cccs/pkg/taxonomy"
	"github.com/Mindburn-Labs/cccs/pkg/wal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSigner struct {
	err     error
	digests []string
}

func (f *fakeSigner) Sign(_ context.Context, digest string) (*adapters.SignResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.digests = append(f.digests, digest)
	return &adapters.SignResult{Signature: "sig-over-" + digest[:16], KeyID: "key-1"}, nil
}

type fakeShipper struct {
	err     error
	shipped []map[string]any
}

func (f *fakeShipper) ShipReceipt(_ context.Context, r map[string]any) error {
	if f.err != nil {
		return f.err
	}
	f.shipped = append(f.shipped, r)
	return nil
}

func envelope() map[string]any {
	return map[string]any{
		"gate_id":            "gate-1",
		"policy_version_ids": []string{"1.0.0"},
		"snapshot_hash":      "sha256:deadbeef",
		"inputs":             map[string]any{"feature_flag": true},
		"decision": map[string]any{
			"status":    "pass",
			"rationale": "feature_enabled",
			"badges":    []string{"cccs"},
		},
		"result":   map[string]any{"action_id": "ingest"},
		"actor":    map[string]any{"actor_id": "actor-1"},
		"degraded": false,
	}
}

type fixture struct {
	builder *receipt.Builder
	journal *receipt.Journal
	log     *wal.Log
	signer  *fakeSigner
	path    string
}

func newFixture(t *testing.T, opts ...receipt.BuilderOption) *fixture {
	t.Helper()
	dir := t.TempDir()

	l, err := wal.Open(filepath.Join(dir, "courier.wal"))
	require.NoError(t, err)

	path := filepath.Join(dir, "receipts.jsonl")
	j, err := receipt.OpenJournal(path)
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })

	signer := &fakeSigner{}
	b, err := receipt.NewBuilder(signer, j, courier.New(l), "", opts...)
	require.NoError(t, err)

	return &fixture{builder: b, journal: j, log: l, signer: signer, path: path}
}

func TestWrite_FullPipeline(t *testing.T) {
	f := newFixture(t)

	result, err := f.builder.Write(context.Background(), envelope())
	require.NoError(t, err)
	assert.NotEmpty(t, result.ReceiptID)
	assert.NotEmpty(t, result.BatchID)
	assert.Positive(t, result.FsyncOffset)

	// Journal holds the signed record.
	file, err := os.Open(f.path)
	require.NoError(t, err)
	defer file.Close()
	scanner := bufio.NewScanner(file)
	require.True(t, scanner.Scan())

	var record map[string]any
	require.NoError(t, json.Unmarshal(scanner.Bytes(), &record))
	assert.Equal(t, result.ReceiptID, record["receipt_id"])
	assert.Equal(t, "key-1", record["signing_key_id"])
	assert.Contains(t, record["signature"], "sig-over-")
	assert.Contains(t, record["payload_digest"], "sha256:")
	assert.NotEmpty(t, record["timestamp_utc"])
	assert.Contains(t, record, "timestamp_monotonic_ms")

	// Courier has the entry pending.
	assert.Equal(t, 1, f.log.PendingCount())
}

func TestWrite_SourceEnvelopeNotMutated(t *testing.T) {
	f := newFixture(t)

	source := envelope()
	_, err := f.builder.Write(context.Background(), source)
	require.NoError(t, err)
	assert.NotContains(t, source, "receipt_id")
	assert.NotContains(t, source, "signature")
}

func TestWrite_SchemaViolationIsReceiptSchemaError(t *testing.T) {
	f := newFixture(t)

	bad := envelope()
	bad["decision"] = map[string]any{"status": "approved"} // not in the status enum
	_, err := f.builder.Write(context.Background(), bad)
	require.Error(t, err)
	assert.True(t, taxonomy.IsCode(err, taxonomy.CodeReceiptSchemaError))

	// Nothing reached the journal or courier.
	assert.Zero(t, f.journal.Offset())
	assert.Zero(t, f.log.PendingCount())
}

func TestWrite_OversizeRecordIsReceiptSchemaError(t *testing.T) {
	f := newFixture(t)

	huge := envelope()
	huge["result"] = map[string]any{"blob": strings.Repeat("x", contracts.MaxEnvelopeBytes)}
	_, err := f.builder.Write(context.Background(), huge)
	require.Error(t, err)
	assert.True(t, taxonomy.IsCode(err, taxonomy.CodeReceiptSchemaError))

	assert.Zero(t, f.journal.Offset())
	assert.Zero(t, f.log.PendingCount())
}

func TestWrite_MissingRequiredFieldRejected(t *testing.T) {
	f := newFixture(t)

	bad := envelope()
	delete(bad, "gate_id")
	_, err := f.builder.Write(context.Background(), bad)
	assert.True(t, taxonomy.IsCode(err, taxonomy.CodeReceiptSchemaError))
}

func TestWrite_SignerFailureAborts(t *testing.T) {
	f := newFixture(t)
	f.signer.err = errors.New("kms down")

	_, err := f.builder.Write(context.Background(), envelope())
	require.Error(t, err)
	assert.Zero(t, f.journal.Offset())
}

func TestWrite_BeforeSignHookSeesUnsignedRecord(t *testing.T) {
	var sawSignature bool
	f := newFixture(t, receipt.WithBeforeSign(func(record map[string]any) error {
		_, sawSignature = record["signature"]
		record["hooked"] = true
		return nil
	}))

	result, err := f.builder.Write(context.Background(), envelope())
	require.NoError(t, err)
	assert.False(t, sawSignature)

	acked, err := f.log.Drain(func(e wal.Entry) error {
		record := e.Payload.(map[string]any)
		assert.Equal(t, true, record["hooked"])
		assert.Equal(t, result.ReceiptID, record["receipt_id"])
		return nil
	}, nil)
	require.NoError(t, err)
	assert.Len(t, acked, 1)
}

func TestWrite_BeforeFlushHookFailureAbortsBeforeJournal(t *testing.T) {
	f := newFixture(t, receipt.WithBeforeFlush(func(map[string]any) error {
		return errors.New("flush veto")
	}))

	_, err := f.builder.Write(context.Background(), envelope())
	require.Error(t, err)
	assert.Zero(t, f.journal.Offset())
}

func TestWrite_ShipperFailureMarksPendingSyncNotError(t *testing.T) {
	shipper := &fakeShipper{err: errors.New("indexer down")}
	f := newFixture(t, receipt.WithShipper(shipper))

	result, err := f.builder.Write(context.Background(), envelope())
	require.NoError(t, err)
	assert.NotEmpty(t, result.ReceiptID)

	pending := f.log.PendingSyncEntries()
	require.Len(t, pending, 1)
}

func TestWrite_ShipperSuccess(t *testing.T) {
	shipper := &fakeShipper{}
	f := newFixture(t, receipt.WithShipper(shipper))

	result, err := f.builder.Write(context.Background(), envelope())
	require.NoError(t, err)
	require.Len(t, shipper.shipped, 1)
	assert.Equal(t, result.ReceiptID, shipper.shipped[0]["receipt_id"])
	assert.Empty(t, f.log.PendingSyncEntries())
}

func TestWrite_UniqueReceiptIDs(t *testing.T) {
	f := newFixture(t)

	ids := make(map[string]bool)
	for i := 0; i < 5; i++ {
		result, err := f.builder.Write(context.Background(), envelope())
		require.NoError(t, err)
		assert.False(t, ids[result.ReceiptID])
		ids[result.ReceiptID] = true
	}
	assert.Equal(t, 5, f.log.PendingCount())
}

func TestWrite_ClockAndMonotonicHooks(t *testing.T) {
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	f := newFixture(t,
		receipt.WithBuilderClock(func() time.Time { return fixed }),
		receipt.WithMonotonic(func() int64 { return 1234 }))

	_, err := f.builder.Write(context.Background(), envelope())
	require.NoError(t, err)

	_, err = f.log.Drain(func(e wal.Entry) error {
		record := e.Payload.(map[string]any)
		assert.Equal(t, fixed.Format(time.RFC3339Nano), record["timestamp_utc"])
		ms, convErr := record["timestamp_monotonic_ms"].(json.Number).Int64()
		require.NoError(t, convErr)
		assert.Equal(t, int64(1234), ms)
		return nil
	}, nil)
	require.NoError(t, err)
}

func TestJournal_OffsetGrowsAndSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "receipts.jsonl")

	j, err := receipt.OpenJournal(path)
	require.NoError(t, err)
	first, err := j.Append(map[string]any{"receipt_id": "r1"})
	require.NoError(t, err)
	require.NoError(t, j.Close())

	j2, err := receipt.OpenJournal(path)
	require.NoError(t, err)
	defer j2.Close()
	assert.Equal(t, first, j2.Offset())

	second, err := j2.Append(map[string]any{"receipt_id": "r2"})
	require.NoError(t, err)
	assert.Greater(t, second, first)
}
