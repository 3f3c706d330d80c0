package faults

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindOfWrapped(t *testing.T) {
	base := errors.New("connection refused")
	err := fmt.Errorf("recompute 2025-03-04: %w", TransientStore("delete_derived", base))

	assert.Equal(t, KindTransientStore, KindOf(err))
	assert.True(t, IsRetryable(err))
	assert.ErrorIs(t, err, base)
	assert.Contains(t, err.Error(), "TransientStoreError")
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"plain", errors.New("boom"), false},
		{"transient", TransientStore("ping", errors.New("eof")), true},
		{"lookup", ExternalLookup("difficulty", errors.New("503")), true},
		{"invalid", InvalidParameter("calculate", "difficulty %v must be positive", 0), false},
		{"cancelled", TransientStore("ping", context.Canceled), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryable(tt.err))
		})
	}
}

func TestNilWrapping(t *testing.T) {
	require.NoError(t, TransientStore("op", nil))
	require.NoError(t, ExternalLookup("op", nil))
}

func TestInvalidParameter(t *testing.T) {
	err := InvalidParameter("calculate", "unknown variant %q", "X1")
	assert.True(t, IsInvalidParameter(err))
	assert.Equal(t, `InvalidParameterError: calculate: unknown variant "X1"`, err.Error())
}

func TestDataQualityWarning(t *testing.T) {
	w := DataQualityWarning{Date: "2025-03-04", Code: WarnDuplicateFacts, Message: "3 duplicate fact keys"}
	assert.Equal(t, "DataQualityWarning: 2025-03-04 duplicate_facts: 3 duplicate fact keys", w.Error())
}
