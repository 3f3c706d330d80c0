package main

import (
	"errors"
	"testing"
	"time"

	"github.com/curtailx/curtailx/pkg/faults"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExitCode(t *testing.T) {
	assert.Equal(t, 0, exitCode(nil))
	assert.Equal(t, 2, exitCode(faults.InvalidParameter("flags", "bad")))
	assert.Equal(t, 1, exitCode(faults.TransientStore("ping", errors.New("refused"))))
	assert.Equal(t, 1, exitCode(errors.New("boom")))
}

func TestParseRange(t *testing.T) {
	s, e, err := parseRange("", "", true)
	require.NoError(t, err)
	assert.True(t, s.IsZero() && e.IsZero())

	_, _, err = parseRange("", "", false)
	assert.True(t, faults.IsInvalidParameter(err))

	_, _, err = parseRange("2025-03-01", "", true)
	assert.True(t, faults.IsInvalidParameter(err))

	_, _, err = parseRange("2025-03-05", "2025-03-01", false)
	assert.True(t, faults.IsInvalidParameter(err))

	_, _, err = parseRange("2025/03/01", "2025-03-02", false)
	assert.True(t, faults.IsInvalidParameter(err))

	s, e, err = parseRange("2025-03-01", "2025-03-02", false)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC), s)
	assert.Equal(t, time.Date(2025, 3, 2, 0, 0, 0, 0, time.UTC), e)
}

func TestCommandsRegistered(t *testing.T) {
	want := []string{"status", "analyze", "reconcile", "fix", "fix-range", "reset-checkpoint", "serve", "version"}
	for _, name := range want {
		cmd, _, err := rootCmd.Find([]string{name})
		require.NoError(t, err, name)
		assert.Equal(t, name, cmd.Name())
	}
}
