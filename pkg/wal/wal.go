// Package wal implements the append-only, fsync-committed write-ahead log
// that backs the CCCS courier. The on-disk JSONL file is the source of
// truth across restarts; the in-memory queue mirrors it.
//
// Invariants:
//   - Sequence numbers are strictly increasing per log.
//   - Payloads are JSON-serializable, deep-copied, and at most 10 MiB.
//   - Pending entries are never dropped by capacity cleanup.
//   - Persistence is atomic: a partial write can never shadow the last
//     good log.
package wal

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/Mindburn-Labs/cccs/pkg/contracts"
)

// Entry states.
type State string

const (
	StatePending     State = "pending"
	StateAcked       State = "acked"
	StatePendingSync State = "pending_sync"
	StateDeadLetter  State = "dead_letter"
)

// Entry types.
type EntryType string

const (
	EntryReceipt        EntryType = "receipt"
	EntryBudget         EntryType = "budget"
	EntryPolicySnapshot EntryType = "policy_snapshot"
	EntryIdentityCall   EntryType = "identity_call"
	EntryBudgetCall     EntryType = "budget_call"
)

// Entry is one durable record in the log.
type Entry struct {
	Sequence  uint64    `json:"sequence"`
	Payload   any       `json:"payload"`
	State     State     `json:"state"`
	EntryType EntryType `json:"entry_type"`
}

// DeadLetter is the synthetic descriptor emitted when delivery of an entry
// fails. Nothing is silently dropped: every failed delivery is observable
// through one of these.
type DeadLetter struct {
	ReceiptType string    `json:"receipt_type"` // always "dead_letter"
	WALSequence uint64    `json:"wal_sequence"`
	EntryType   EntryType `json:"entry_type"`
	Error       string    `json:"error"`
	Payload     any       `json:"payload"`
	Timestamp   time.Time `json:"timestamp"`
}

// Sink delivers one drained entry. The entry it receives is a copy with a
// deep-copied payload; mutating it does not affect the log.
type Sink func(entry Entry) error

// Emitter observes dead-letter descriptors during a drain.
type Emitter func(DeadLetter)

// ErrEntryNotFound is returned by Mark for an unknown sequence.
var ErrEntryNotFound = errors.New("wal: entry not found")

// ErrPayloadTooLarge is returned by Append for payloads over 10 MiB.
var ErrPayloadTooLarge = errors.New("wal: payload exceeds 10 MiB")

const (
	defaultMaxQueue       = 10_000
	defaultKeepDeadLetter = 1_000
)

// Log is a durable queue persisted as JSONL. All mutations serialize on a
// single monitor; the log is safe under crash or kill at any instant.
type Log struct {
	mu      sync.Mutex
	path    string
	entries []*Entry
	seq     uint64

	maxQueue       int
	keepDeadLetter int
	clock          func() time.Time
	logger         *slog.Logger
}

// Option configures a Log.
type Option func(*Log)

// WithClock overrides the clock for deterministic testing.
func WithClock(clock func() time.Time) Option {
	return func(l *Log) { l.clock = clock }
}

// WithLogger overrides the default slog logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Log) { l.logger = logger }
}

// WithCapacity overrides the cleanup thresholds.
func WithCapacity(maxQueue, keepDeadLetter int) Option {
	return func(l *Log) {
		l.maxQueue = maxQueue
		l.keepDeadLetter = keepDeadLetter
	}
}

// Open loads the log at path, replaying any durable entries. Blank lines
// are skipped; if any line fails to parse the queue starts fresh — no
// partial ordering is retained from a corrupt file.
func Open(path string, opts ...Option) (*Log, error) {
	l := &Log{
		path:           path,
		maxQueue:       defaultMaxQueue,
		keepDeadLetter: defaultKeepDeadLetter,
		clock:          time.Now,
		logger:         slog.Default().With("component", "wal"),
	}
	for _, opt := range opts {
		opt(l)
	}
	if err := l.load(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *Log) load() error {
	f, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil // start empty
		}
		return fmt.Errorf("wal: open %s: %w", l.path, err)
	}
	defer f.Close()

	var entries []*Entry
	var maxSeq uint64

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), contracts.MaxEnvelopeBytes+1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var entry Entry
		if err := json.Unmarshal(line, &entry); err != nil {
			l.logger.Warn("corrupt wal line, starting fresh", "path", l.path, "error", err)
			l.entries = nil
			l.seq = 0
			return nil
		}
		entries = append(entries, &entry)
		if entry.Sequence > maxSeq {
			maxSeq = entry.Sequence
		}
	}
	if err := scanner.Err(); err != nil {
		l.logger.Warn("unreadable wal file, starting fresh", "path", l.path, "error", err)
		l.entries = nil
		l.seq = 0
		return nil
	}

	l.entries = entries
	l.seq = maxSeq
	return nil
}

// Append validates, deep-copies and durably appends a payload, returning
// its sequence number.
func (l *Log) Append(payload any, entryType EntryType) (uint64, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("wal: payload not JSON-serializable: %w", err)
	}
	if len(raw) > contracts.MaxEnvelopeBytes {
		return 0, ErrPayloadTooLarge
	}
	copied, err := contracts.CopyValue(payload)
	if err != nil {
		return 0, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.seq++
	entry := &Entry{
		Sequence:  l.seq,
		Payload:   copied,
		State:     StatePending,
		EntryType: entryType,
	}
	l.entries = append(l.entries, entry)
	l.cleanupLocked()

	if err := l.persistLocked(); err != nil {
		return 0, err
	}
	return entry.Sequence, nil
}

// AppendBudgetSnapshot appends a budget audit record.
func (l *Log) AppendBudgetSnapshot(payload any) (uint64, error) {
	return l.Append(payload, EntryBudget)
}

// AppendPolicySnapshot appends a policy snapshot audit record.
func (l *Log) AppendPolicySnapshot(payload any) (uint64, error) {
	return l.Append(payload, EntryPolicySnapshot)
}

// Mark transitions the entry with the given sequence to a new state.
func (l *Log) Mark(sequence uint64, state State) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, entry := range l.entries {
		if entry.Sequence == sequence {
			entry.State = state
			return l.persistLocked()
		}
	}
	return ErrEntryNotFound
}

// Drain delivers every pending and pending_sync entry to sink. Successful
// deliveries are acked and removed from the in-memory queue; failures
// become dead letters and are reported to emitter when one is given. The
// log is persisted after each entry, so a crash mid-drain loses at most an
// ack marker, never an entry.
func (l *Log) Drain(sink Sink, emitter Emitter) ([]uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var acked []uint64
	for _, entry := range l.entries {
		if entry.State != StatePending && entry.State != StatePendingSync {
			continue
		}

		copied, err := contracts.CopyValue(entry.Payload)
		if err != nil {
			// Payloads were validated at append time; treat a copy
			// failure like a delivery failure.
			copied = entry.Payload
			err = fmt.Errorf("wal: payload copy failed: %w", err)
		} else {
			err = sink(Entry{
				Sequence:  entry.Sequence,
				Payload:   copied,
				State:     entry.State,
				EntryType: entry.EntryType,
			})
		}

		if err != nil {
			entry.State = StateDeadLetter
			if emitter != nil {
				emitter(DeadLetter{
					ReceiptType: "dead_letter",
					WALSequence: entry.Sequence,
					EntryType:   entry.EntryType,
					Error:       err.Error(),
					Payload:     copied,
					Timestamp:   l.clock().UTC(),
				})
			}
		} else {
			entry.State = StateAcked
			acked = append(acked, entry.Sequence)
		}

		if perr := l.persistLocked(); perr != nil {
			return acked, perr
		}
	}

	// Acked entries leave the queue; pending and dead-letter entries stay.
	kept := l.entries[:0]
	for _, entry := range l.entries {
		if entry.State != StateAcked {
			kept = append(kept, entry)
		}
	}
	l.entries = kept

	if err := l.persistLocked(); err != nil {
		return acked, err
	}
	return acked, nil
}

// PendingSyncEntries returns copies of entries in state pending_sync.
func (l *Log) PendingSyncEntries() []Entry {
	return l.entriesInState(StatePendingSync)
}

// DeadLetterEntries returns copies of entries in state dead_letter.
func (l *Log) DeadLetterEntries() []Entry {
	return l.entriesInState(StateDeadLetter)
}

// PendingCount reports how many entries await delivery.
func (l *Log) PendingCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, entry := range l.entries {
		if entry.State == StatePending {
			n++
		}
	}
	return n
}

// Len reports the total in-memory queue length.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

func (l *Log) entriesInState(state State) []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []Entry
	for _, entry := range l.entries {
		if entry.State != state {
			continue
		}
		copied, err := contracts.CopyValue(entry.Payload)
		if err != nil {
			copied = entry.Payload
		}
		out = append(out, Entry{
			Sequence:  entry.Sequence,
			Payload:   copied,
			State:     entry.State,
			EntryType: entry.EntryType,
		})
	}
	return out
}

// cleanupLocked discards old dead-letter entries once the queue exceeds
// its threshold. Pending entries are never dropped.
func (l *Log) cleanupLocked() {
	if len(l.entries) <= l.maxQueue {
		return
	}

	deadLetters := 0
	for _, entry := range l.entries {
		if entry.State == StateDeadLetter {
			deadLetters++
		}
	}
	drop := deadLetters - l.keepDeadLetter
	if drop <= 0 {
		return
	}

	kept := l.entries[:0]
	for _, entry := range l.entries {
		if entry.State == StateDeadLetter && drop > 0 {
			drop--
			continue
		}
		kept = append(kept, entry)
	}
	l.entries = kept
	l.logger.Info("wal cleanup dropped old dead letters", "kept", l.keepDeadLetter)
}

// persistLocked writes all entries to a sibling temp file, fsyncs it,
// renames it over the live path and fsyncs the containing directory.
func (l *Log) persistLocked() error {
	tmp := l.path + ".tmp"

	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("wal: open temp file: %w", err)
	}

	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	for _, entry := range l.entries {
		if err := enc.Encode(entry); err != nil {
			f.Close()
			os.Remove(tmp)
			return fmt.Errorf("wal: encode entry %d: %w", entry.Sequence, err)
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("wal: flush: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("wal: fsync temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("wal: close temp file: %w", err)
	}

	if err := os.Rename(tmp, l.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("wal: rename: %w", err)
	}

	if dir, err := os.Open(filepath.Dir(l.path)); err == nil {
		_ = dir.Sync()
		_ = dir.Close()
	}
	return nil
}
