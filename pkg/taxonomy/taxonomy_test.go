package taxonomy_test

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/Mindburn-Labs/cccs/pkg/taxonomy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize_CanonicalPassesThrough(t *testing.T) {
	tax := taxonomy.New()

	original := taxonomy.NewError(taxonomy.CodeBudgetExceeded, "")
	normalized := tax.Normalize(original)

	assert.Same(t, original, normalized)
	assert.Equal(t, taxonomy.CodeBudgetExceeded, normalized.Code)
	assert.NotEmpty(t, normalized.DebugID)
}

func TestNormalize_UnknownFallback(t *testing.T) {
	tax := taxonomy.New()

	normalized := tax.Normalize(errors.New("boom"))

	require.NotNil(t, normalized)
	assert.Equal(t, taxonomy.CodeUnknown, normalized.Code)
	assert.Equal(t, taxonomy.SeverityCritical, normalized.Severity)
	assert.False(t, normalized.Retryable)
	assert.Equal(t, "An unknown error occurred.", normalized.UserMessage)
	assert.NotEmpty(t, normalized.DebugID)
}

func TestNormalize_JSONErrorsMapToSchemaError(t *testing.T) {
	tax := taxonomy.New()

	var v map[string]any
	jsonErr := json.Unmarshal([]byte("{not json"), &v)
	require.Error(t, jsonErr)

	normalized := tax.Normalize(fmt.Errorf("journal write: %w", jsonErr))
	assert.Equal(t, taxonomy.CodeReceiptSchemaError, normalized.Code)
}

func TestNormalize_FirstMatchWins(t *testing.T) {
	sentinel := errors.New("special")
	tax := taxonomy.New(
		taxonomy.Rule{
			Match: func(err error) bool { return errors.Is(err, sentinel) },
			Entry: taxonomy.Entry{Code: taxonomy.CodeActorUnavailable, Severity: taxonomy.SeverityHigh, UserMessage: "actor gone"},
		},
		taxonomy.Rule{
			Match: func(err error) bool { return true },
			Entry: taxonomy.Entry{Code: taxonomy.CodePolicyUnavailable, Severity: taxonomy.SeverityHigh, UserMessage: "never reached for sentinel"},
		},
	)

	normalized := tax.Normalize(fmt.Errorf("wrapped: %w", sentinel))
	assert.Equal(t, taxonomy.CodeActorUnavailable, normalized.Code)
	assert.Equal(t, "actor gone", normalized.UserMessage)
}

func TestNormalize_FreshDebugIDs(t *testing.T) {
	tax := taxonomy.New()

	a := tax.Normalize(errors.New("one"))
	b := tax.Normalize(errors.New("two"))
	assert.NotEqual(t, a.DebugID, b.DebugID)
}

func TestWrap_PreservesCause(t *testing.T) {
	cause := taxonomy.NewError(taxonomy.CodeBootstrapTimeout, "")
	wrapped := taxonomy.Wrap(taxonomy.CodePolicyUnavailable, cause)

	assert.Equal(t, taxonomy.CodePolicyUnavailable, wrapped.Code)
	assert.True(t, taxonomy.IsCode(wrapped, taxonomy.CodePolicyUnavailable))
	assert.True(t, taxonomy.IsCode(wrapped, taxonomy.CodeBootstrapTimeout))
	assert.ErrorIs(t, wrapped, cause)
}

func TestIsCode_NonCanonical(t *testing.T) {
	assert.False(t, taxonomy.IsCode(errors.New("plain"), taxonomy.CodeUnknown))
	assert.False(t, taxonomy.IsCode(nil, taxonomy.CodeUnknown))
}
