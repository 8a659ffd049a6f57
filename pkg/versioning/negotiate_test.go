package versioning_test

import (
	"testing"

	"github.com/Mindburn-Labs/cccs/pkg/taxonomy"
	"github.com/Mindburn-Labs/cccs/pkg/versioning"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNegotiate(t *testing.T) {
	tests := []struct {
		name      string
		runtime   string
		requested string
		want      string
		wantErr   bool
	}{
		{"exact match", "1.2.3", "1.2.3", "1.2.3", false},
		{"runtime newer minor", "1.3.0", "1.2.9", "1.3.0", false},
		{"runtime newer patch", "1.2.4", "1.2.3", "1.2.4", false},
		{"runtime older patch", "1.2.2", "1.2.3", "", true},
		{"runtime older minor", "1.1.9", "1.2.0", "", true},
		{"major ahead", "2.0.0", "1.9.9", "", true},
		{"major behind", "1.9.9", "2.0.0", "", true},
		{"invalid runtime", "nope", "1.0.0", "", true},
		{"invalid requested", "1.0.0", "nope", "", true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := versioning.Negotiate(tc.runtime, tc.requested)
			if tc.wantErr {
				require.Error(t, err)
				assert.True(t, taxonomy.IsCode(err, taxonomy.CodeVersionMismatch))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestCompatible(t *testing.T) {
	assert.True(t, versioning.Compatible("1.2.0", "1.1.0"))
	assert.False(t, versioning.Compatible("1.2.0", "2.0.0"))
}
