package redis

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestConfigAddr(t *testing.T) {
	assert.Equal(t, "cache.internal:6380", Config{Host: "cache.internal", Port: 6380}.Addr())
}

// newTestClient connects to REDIS_TEST_HOST; tests skip without it.
func newTestClient(t *testing.T) *Client {
	t.Helper()
	host := os.Getenv("REDIS_TEST_HOST")
	if host == "" {
		t.Skip("REDIS_TEST_HOST not set")
	}
	c, err := NewClient(context.Background(), zaptest.NewLogger(t), Config{Host: host, Port: 6379, DB: 15, StreamMaxLen: 10})
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = c.client.FlushDB(context.Background()).Err()
		_ = c.Close()
	})
	return c
}

func TestDifficultyHash(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	date := time.Date(2025, 3, 4, 0, 0, 0, 0, time.UTC)

	_, ok, err := c.GetDifficulty(ctx, date)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.PutDifficulty(ctx, date, 108105433845147))
	v, ok, err := c.GetDifficulty(ctx, date)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 108105433845147.0, v)
}

func TestStreamReplayOrder(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	for _, name := range []string{"a", "b", "c"} {
		require.NotEmpty(t, c.XAdd(ctx, "test:events", map[string]interface{}{"name": name}))
	}
	msgs, err := c.XRecent(ctx, "test:events", 2)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "b", msgs[0].Values["name"])
	assert.Equal(t, "c", msgs[1].Values["name"])
}
