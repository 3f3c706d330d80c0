package postgres

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/curtailx/curtailx/pkg/faults"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		transient bool
	}{
		{"serialization failure", &pgconn.PgError{Code: "40001"}, true},
		{"deadlock", &pgconn.PgError{Code: "40P01"}, true},
		{"connection failure", &pgconn.PgError{Code: "08006"}, true},
		{"admin shutdown", &pgconn.PgError{Code: "57P01"}, true},
		{"unique violation", &pgconn.PgError{Code: "23505"}, false},
		{"syntax", &pgconn.PgError{Code: "42601"}, false},
		{"plain", errors.New("boom"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Classify("op", fmt.Errorf("wrapped: %w", tt.err))
			require.Error(t, err)
			assert.Equal(t, tt.transient, faults.IsRetryable(err))
			assert.ErrorIs(t, err, tt.err)
		})
	}
}

func TestClassifyNilAndCancel(t *testing.T) {
	require.NoError(t, Classify("op", nil))

	err := Classify("op", context.Canceled)
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, faults.IsRetryable(err))
}

func TestIsTransientSQLState(t *testing.T) {
	assert.True(t, isTransientSQLState("53300"))
	assert.False(t, isTransientSQLState("2"))
	assert.False(t, isTransientSQLState("22012"))
}
