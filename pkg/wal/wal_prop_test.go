package wal_test

import (
	"path/filepath"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/Mindburn-Labs/cccs/pkg/wal"
)

// Property: sequences are strictly increasing across any run of appends,
// and a drain acks exactly the appended set in order.
func TestLog_Properties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50

	properties := gopter.NewProperties(parameters)

	properties.Property("strictly increasing sequences", prop.ForAll(
		func(payloads []string) bool {
			l, err := wal.Open(filepath.Join(t.TempDir(), "prop.wal"))
			if err != nil {
				return false
			}
			var last uint64
			for _, p := range payloads {
				seq, err := l.Append(map[string]any{"v": p}, wal.EntryReceipt)
				if err != nil || seq <= last {
					return false
				}
				last = seq
			}
			return true
		},
		gen.SliceOf(gen.AlphaString()),
	))

	properties.Property("drain acks every append in order", prop.ForAll(
		func(payloads []string) bool {
			l, err := wal.Open(filepath.Join(t.TempDir(), "prop.wal"))
			if err != nil {
				return false
			}
			expected := make([]uint64, 0, len(payloads))
			for _, p := range payloads {
				seq, err := l.Append(map[string]any{"v": p}, wal.EntryReceipt)
				if err != nil {
					return false
				}
				expected = append(expected, seq)
			}
			acked, err := l.Drain(func(wal.Entry) error { return nil }, nil)
			if err != nil || len(acked) != len(expected) {
				return false
			}
			for i := range acked {
				if acked[i] != expected[i] {
					return false
				}
			}
			return l.Len() == 0
		},
		gen.SliceOf(gen.AlphaString()),
	))

	properties.TestingRun(t)
}
