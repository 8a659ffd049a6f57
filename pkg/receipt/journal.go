package receipt

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/Mindburn-Labs/cccs/pkg/contracts"
)

// ErrRecordTooLarge rejects journal records over the envelope cap.
var ErrRecordTooLarge = fmt.Errorf("journal record exceeds %d bytes", contracts.MaxEnvelopeBytes)

// Journal is the local JSONL evidence file. Every append is flushed and
// fsynced before it returns; the offset after the fsync is reported so
// receipts can record their durable position.
type Journal struct {
	mu     sync.Mutex
	file   *os.File
	offset int64
}

// OpenJournal opens (or creates) the journal at path in append mode.
func OpenJournal(path string) (*Journal, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("stat journal: %w", err)
	}
	return &Journal{file: file, offset: info.Size()}, nil
}

// Append writes one record as a JSON line, fsyncs, and returns the file
// offset after the sync.
func (j *Journal) Append(record map[string]any) (int64, error) {
	encoded, err := json.Marshal(record)
	if err != nil {
		return 0, fmt.Errorf("encode journal record: %w", err)
	}
	if len(encoded) > contracts.MaxEnvelopeBytes {
		return 0, ErrRecordTooLarge
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	n, err := j.file.Write(append(encoded, '\n'))
	if err != nil {
		return 0, fmt.Errorf("write journal: %w", err)
	}
	if err := j.file.Sync(); err != nil {
		return 0, fmt.Errorf("fsync journal: %w", err)
	}
	j.offset += int64(n)
	return j.offset, nil
}

// Offset reports the current durable offset.
func (j *Journal) Offset() int64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.offset
}

// Close closes the underlying file.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.file.Close()
}
