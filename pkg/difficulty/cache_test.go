package difficulty

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/curtailx/curtailx/pkg/db/memory"
	"github.com/curtailx/curtailx/pkg/retry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
)

var testDate = time.Date(2025, 3, 4, 0, 0, 0, 0, time.UTC)

func fastConfig() Config {
	return Config{
		Default: DefaultDifficulty,
		Retry: retry.Config{
			MaxAttempts:  5,
			InitialDelay: time.Millisecond,
			MaxDelay:     5 * time.Millisecond,
			Multiplier:   2,
		},
	}
}

func TestResolveFromSourcePersistsAndMemoizes(t *testing.T) {
	store := memory.New()
	var calls atomic.Int32
	src := SourceFunc(func(ctx context.Context, date time.Time) (float64, error) {
		calls.Add(1)
		return 1.2e14, nil
	})
	c := New(zaptest.NewLogger(t), src, store, fastConfig())
	ctx := context.Background()

	res, err := c.Resolve(ctx, testDate.Add(13*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, OriginSource, res.Origin)
	assert.Equal(t, 1.2e14, res.Difficulty)

	stored, ok, err := store.GetDifficulty(ctx, testDate)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 1.2e14, stored)

	res, err = c.Resolve(ctx, testDate)
	require.NoError(t, err)
	assert.Equal(t, OriginMemo, res.Origin)
	assert.EqualValues(t, 1, calls.Load())
}

func TestResolveFromDurableStore(t *testing.T) {
	store := memory.New()
	require.NoError(t, store.PutDifficulty(context.Background(), testDate, 9e13))
	src := SourceFunc(func(ctx context.Context, date time.Time) (float64, error) {
		t.Fatal("source must not be called when the store has the value")
		return 0, nil
	})
	c := New(zaptest.NewLogger(t), src, store, fastConfig())

	res, err := c.Resolve(context.Background(), testDate)
	require.NoError(t, err)
	assert.Equal(t, OriginStore, res.Origin)
	assert.Equal(t, 9e13, res.Difficulty)
}

func TestExhaustedLookupFallsBackWithoutPersisting(t *testing.T) {
	store := memory.New()
	core, logs := observer.New(zapcore.WarnLevel)
	var calls atomic.Int32
	src := SourceFunc(func(ctx context.Context, date time.Time) (float64, error) {
		calls.Add(1)
		return 0, errors.New("source down")
	})
	c := New(zap.New(core), src, store, fastConfig())
	ctx := context.Background()

	res, err := c.Resolve(ctx, testDate)
	require.NoError(t, err)
	assert.True(t, res.Fallback())
	assert.Equal(t, float64(DefaultDifficulty), res.Difficulty)
	assert.Error(t, res.LookupErr)
	assert.EqualValues(t, 5, calls.Load())
	assert.Equal(t, 1, logs.FilterMessage("Difficulty lookup exhausted, using default").Len())

	_, ok, err := store.GetDifficulty(ctx, testDate)
	require.NoError(t, err)
	assert.False(t, ok, "default must not be persisted")

	// not memoized either: the next call goes back to the source
	_, err = c.Get(ctx, testDate)
	require.NoError(t, err)
	assert.EqualValues(t, 10, calls.Load())
}

func TestNonPositiveSourceValueIsALookupFailure(t *testing.T) {
	src := SourceFunc(func(ctx context.Context, date time.Time) (float64, error) {
		return 0, nil
	})
	c := New(zaptest.NewLogger(t), src, nil, fastConfig())

	res, err := c.Resolve(context.Background(), testDate)
	require.NoError(t, err)
	assert.True(t, res.Fallback())
}

func TestCancellationSurfaces(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	src := SourceFunc(func(ctx context.Context, date time.Time) (float64, error) {
		cancel()
		return 0, errors.New("slow")
	})
	c := New(zaptest.NewLogger(t), src, nil, fastConfig())

	_, err := c.Get(ctx, testDate)
	require.ErrorIs(t, err, context.Canceled)
}

func TestConcurrentMissesShareOneLookup(t *testing.T) {
	release := make(chan struct{})
	var calls atomic.Int32
	src := SourceFunc(func(ctx context.Context, date time.Time) (float64, error) {
		calls.Add(1)
		<-release
		return 7e13, nil
	})
	c := New(zaptest.NewLogger(t), src, nil, fastConfig())

	const callers = 8
	var wg sync.WaitGroup
	results := make([]float64, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := c.Get(context.Background(), testDate)
			assert.NoError(t, err)
			results[i] = v
		}(i)
	}

	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.EqualValues(t, 1, calls.Load())
	for _, v := range results {
		assert.Equal(t, 7e13, v)
	}
}

func TestStaticSource(t *testing.T) {
	src := NewStaticSource(map[string]float64{"2025-03-04": 3e13})
	v, err := src.LookupDifficulty(context.Background(), testDate)
	require.NoError(t, err)
	assert.Equal(t, 3e13, v)

	_, err = src.LookupDifficulty(context.Background(), testDate.AddDate(0, 0, 1))
	assert.Error(t, err)

	src.Set(testDate.AddDate(0, 0, 1), 4e13)
	v, err = src.LookupDifficulty(context.Background(), testDate.AddDate(0, 0, 1))
	require.NoError(t, err)
	assert.Equal(t, 4e13, v)
}
