// Package courier batches receipts and deferred upstream calls into the
// WAL for asynchronous shipping, and owns the background drain worker that
// performs all network work off the request path.
package courier

import (
	"github.com/Mindburn-Labs/cccs/pkg/wal"
	"github.com/google/uuid"
)

// Batch identifies one enqueued receipt.
type Batch struct {
	BatchID  string `json:"courier_batch_id"`
	Sequence uint64 `json:"sequence"`
}

// Courier is a thin wrapper over the WAL. Enqueue assigns a fresh batch id
// per receipt; Drain forwards to the WAL and reports acked sequences.
type Courier struct {
	log *wal.Log
}

// New creates a courier over the given WAL.
func New(log *wal.Log) *Courier {
	return &Courier{log: log}
}

// Enqueue appends a receipt payload to the WAL. The payload stored is the
// receipt itself (deep-copied by the WAL); the batch id travels out of
// band so dead-letter descriptors carry the exact enqueued receipt.
func (c *Courier) Enqueue(receipt any) (Batch, error) {
	seq, err := c.log.Append(receipt, wal.EntryReceipt)
	if err != nil {
		return Batch{}, err
	}
	return Batch{BatchID: uuid.New().String(), Sequence: seq}, nil
}

// Drain delivers pending WAL entries to sink and returns acked sequences.
func (c *Courier) Drain(sink wal.Sink, emitter wal.Emitter) ([]uint64, error) {
	return c.log.Drain(sink, emitter)
}

// MarkPendingSync flags an entry whose best-effort upstream ship failed;
// the background drain will retry it from durable state.
func (c *Courier) MarkPendingSync(sequence uint64) error {
	return c.log.Mark(sequence, wal.StatePendingSync)
}

// Log exposes the underlying WAL for operator queries.
func (c *Courier) Log() *wal.Log {
	return c.log
}
