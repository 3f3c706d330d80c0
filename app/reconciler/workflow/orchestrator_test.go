package workflow

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/curtailx/curtailx/app/reconciler/activity"
	"github.com/curtailx/curtailx/app/reconciler/types"
	"github.com/curtailx/curtailx/pkg/calculator"
	"github.com/curtailx/curtailx/pkg/db/memory"
	"github.com/curtailx/curtailx/pkg/db/models/mining"
	"github.com/curtailx/curtailx/pkg/difficulty"
	"github.com/curtailx/curtailx/pkg/faults"
	"github.com/curtailx/curtailx/pkg/retry"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const linearDifficulty = 9375 * 600 * 1e12 / 4294967296.0

func d(day int) time.Time { return time.Date(2025, 3, day, 0, 0, 0, 0, time.UTC) }

type events struct {
	mu  sync.Mutex
	all []types.Event
}

func (e *events) Notify(_ context.Context, ev types.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.all = append(e.all, ev)
}

func (e *events) count(name string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, ev := range e.all {
		if ev.Event == name {
			n++
		}
	}
	return n
}

type harness struct {
	store  *memory.Store
	events *events
	cps    *FileCheckpointStore
	orch   *Orchestrator
}

func fast() retry.Config {
	return retry.Config{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, Multiplier: 2}
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := zaptest.NewLogger(t)
	store := memory.New()
	ev := &events{}
	source := difficulty.SourceFunc(func(context.Context, time.Time) (float64, error) {
		return linearDifficulty, nil
	})
	acts := &activity.Context{
		Logger:     logger,
		Store:      store,
		Difficulty: difficulty.New(logger, source, store, difficulty.Config{Default: linearDifficulty, Retry: fast()}),
		Calculator: calculator.New(
			calculator.Variant{Name: "M", HashrateTH: 0.001, PowerW: 2000},
			calculator.Variant{Name: "M2", HashrateTH: 0.002, PowerW: 2000},
		),
		Notifier: ev,
	}
	storeRetry := fast()
	storeRetry.Retryable = faults.IsRetryable
	cps := NewFileCheckpointStore(filepath.Join(t.TempDir(), "checkpoint.json"))
	return &harness{
		store:  store,
		events: ev,
		cps:    cps,
		orch: &Orchestrator{
			Logger:      logger,
			Activities:  acts,
			Checkpoints: cps,
			Config: Config{
				BatchSize:      2,
				MaxConcurrency: 2,
				FixRetry:       fast(),
				StoreRetry:     storeRetry,
				MaxStorePause:  time.Second,
			},
		},
	}
}

func (h *harness) seed(t *testing.T, date time.Time, entity string, mwh int64) {
	t.Helper()
	facts := []mining.Fact{{EntityID: entity, Volume: decimal.NewFromInt(mwh)}}
	require.NoError(t, h.store.ReplaceFacts(context.Background(), date, 1, facts))
}

func (h *harness) derivedCount(t *testing.T, date time.Time) int {
	t.Helper()
	rows, err := h.store.ListDerived(context.Background(), date, "M")
	require.NoError(t, err)
	return len(rows)
}

func TestRunFixesIncompleteDates(t *testing.T) {
	h := newHarness(t)
	h.seed(t, d(1), "A", 10)
	h.seed(t, d(2), "B", 20)
	h.seed(t, d(4), "C", 30)
	ctx := context.Background()

	sum, err := h.orch.Run(ctx, types.BatchInput{Start: d(1), End: d(5)})
	require.NoError(t, err)
	assert.Equal(t, types.PhaseComplete, sum.Phase)
	assert.False(t, sum.Resumed)
	assert.False(t, sum.Cancelled)
	assert.NotEmpty(t, sum.RunID)
	assert.Equal(t, types.RunStats{Analyzed: 5, NeedingFix: 3, Fixed: 3, Skipped: 2}, sum.Stats)
	assert.ElementsMatch(t, []string{"2025-03-01", "2025-03-02", "2025-03-04"}, sum.FixedDates)
	assert.Empty(t, sum.FailedDates)

	for _, day := range []int{1, 2, 4} {
		assert.Equal(t, 1, h.derivedCount(t, d(day)))
	}
	monthly, err := h.store.GetMonthlySummary(ctx, "2025-03", "M")
	require.NoError(t, err)
	require.NotNil(t, monthly)
	assert.True(t, monthly.Amount.Equal(decimal.RequireFromString("0.06")))
	yearly, err := h.store.GetYearlySummary(ctx, 2025, "M2")
	require.NoError(t, err)
	require.NotNil(t, yearly)
	assert.True(t, yearly.Amount.Equal(decimal.RequireFromString("0.12")))

	cp, err := h.cps.Load(ctx)
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.Equal(t, types.PhaseComplete, cp.Phase)
	assert.Equal(t, "2025-03-05", cp.LastProcessedDate)
	assert.Empty(t, cp.PendingDates)

	assert.Equal(t, 1, h.events.count(types.EventRunStarted))
	assert.Equal(t, 3, h.events.count(types.EventBatchAnalyzed))
	assert.Equal(t, 3, h.events.count(types.EventDateFixed))
	assert.Equal(t, 1, h.events.count(types.EventRunCompleted))
}

func TestRunIsIdempotent(t *testing.T) {
	h := newHarness(t)
	h.seed(t, d(1), "A", 10)
	ctx := context.Background()

	_, err := h.orch.Run(ctx, types.BatchInput{Start: d(1), End: d(1)})
	require.NoError(t, err)
	calls := h.store.DeleteDerivedCalls()

	sum, err := h.orch.Run(ctx, types.BatchInput{Start: d(1), End: d(1)})
	require.NoError(t, err)
	assert.False(t, sum.Resumed, "a complete checkpoint starts a new run")
	assert.Equal(t, 0, sum.Stats.NeedingFix)
	assert.Equal(t, calls, h.store.DeleteDerivedCalls())
}

func TestRunResumesFromCheckpoint(t *testing.T) {
	h := newHarness(t)
	h.seed(t, d(1), "A", 10)
	h.seed(t, d(2), "B", 20)
	ctx := context.Background()

	require.NoError(t, h.cps.Save(ctx, &types.Checkpoint{
		Phase:             types.PhaseFixing,
		RunID:             "previous",
		StartDate:         "2025-03-01",
		EndDate:           "2025-03-02",
		LastProcessedDate: "2025-03-02",
		PendingDates:      []string{"2025-03-01", "2025-03-02"},
		CompletedDates:    []string{"2025-03-01"},
		Stats:             types.RunStats{Analyzed: 2, NeedingFix: 2, Fixed: 1},
	}))

	sum, err := h.orch.Run(ctx, types.BatchInput{Start: d(1), End: d(2)})
	require.NoError(t, err)
	assert.True(t, sum.Resumed)
	assert.Equal(t, "previous", sum.RunID)
	assert.Equal(t, types.PhaseComplete, sum.Phase)
	assert.Equal(t, 2, sum.Stats.Fixed)
	assert.Equal(t, 0, h.derivedCount(t, d(1)), "completed date is not reprocessed")
	assert.Equal(t, 1, h.derivedCount(t, d(2)))
}

func TestRunFreshDiscardsCheckpoint(t *testing.T) {
	h := newHarness(t)
	h.seed(t, d(1), "A", 10)
	ctx := context.Background()

	require.NoError(t, h.cps.Save(ctx, &types.Checkpoint{
		Phase:          types.PhaseFixing,
		RunID:          "previous",
		StartDate:      "2025-03-01",
		EndDate:        "2025-03-01",
		CompletedDates: []string{"2025-03-01"},
	}))

	sum, err := h.orch.Run(ctx, types.BatchInput{Start: d(1), End: d(1), Fresh: true})
	require.NoError(t, err)
	assert.False(t, sum.Resumed)
	assert.NotEqual(t, "previous", sum.RunID)
	assert.Equal(t, 1, h.derivedCount(t, d(1)))
}

func TestRunRecordsFailedDates(t *testing.T) {
	h := newHarness(t)
	h.seed(t, d(1), "A", 10)
	h.seed(t, d(2), "B", 20)
	var attempts atomic.Int32
	h.store.SetHooks(memory.Hooks{
		BeforeInsertDerived: func(_ context.Context, rows []mining.Derived) error {
			if len(rows) > 0 && rows[0].SettlementDate.Equal(d(2)) {
				attempts.Add(1)
				return errors.New("disk full")
			}
			return nil
		},
	})

	sum, err := h.orch.Run(context.Background(), types.BatchInput{Start: d(1), End: d(2)})
	require.NoError(t, err)
	assert.Equal(t, types.PhaseComplete, sum.Phase)
	assert.Equal(t, []string{"2025-03-01"}, sum.FixedDates)
	require.Len(t, sum.FailedDates, 1)
	assert.Equal(t, "2025-03-02", sum.FailedDates[0].Date)
	assert.Equal(t, 3, sum.FailedDates[0].Attempts)
	assert.Contains(t, sum.FailedDates[0].Reason, "disk full")
	assert.EqualValues(t, 3, attempts.Load())
	assert.Equal(t, 1, h.events.count(types.EventDateFailed))
}

func TestRunInterruptedByStoreOutage(t *testing.T) {
	h := newHarness(t)
	h.seed(t, d(1), "A", 10)
	h.orch.Config.MaxStorePause = 20 * time.Millisecond
	h.store.SetHooks(memory.Hooks{
		Ping: func(context.Context) error { return errors.New("connection refused") },
	})
	ctx := context.Background()

	sum, err := h.orch.Run(ctx, types.BatchInput{Start: d(1), End: d(1)})
	require.NoError(t, err)
	assert.True(t, sum.Interrupted)
	assert.Equal(t, types.PhaseAnalyzing, sum.Phase)
	assert.Equal(t, 1, h.events.count(types.EventStorePaused))
	assert.Equal(t, 1, h.events.count(types.EventRunInterrupted))

	cp, err := h.cps.Load(ctx)
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.True(t, cp.Phase.Resumable())

	h.store.SetHooks(memory.Hooks{})
	sum, err = h.orch.Run(ctx, types.BatchInput{Start: d(1), End: d(1)})
	require.NoError(t, err)
	assert.True(t, sum.Resumed)
	assert.Equal(t, cp.RunID, sum.RunID)
	assert.Equal(t, types.PhaseComplete, sum.Phase)
	assert.Equal(t, 1, h.derivedCount(t, d(1)))
}

func TestRunPausesUntilStoreReturns(t *testing.T) {
	h := newHarness(t)
	h.seed(t, d(1), "A", 10)
	var pings atomic.Int32
	h.store.SetHooks(memory.Hooks{
		Ping: func(context.Context) error {
			if pings.Add(1) <= 2 {
				return errors.New("connection refused")
			}
			return nil
		},
	})

	sum, err := h.orch.Run(context.Background(), types.BatchInput{Start: d(1), End: d(1)})
	require.NoError(t, err)
	assert.False(t, sum.Interrupted)
	assert.Equal(t, types.PhaseComplete, sum.Phase)
	assert.Equal(t, 1, h.events.count(types.EventStorePaused))
}

func TestRunCancelledMidFixResumes(t *testing.T) {
	h := newHarness(t)
	h.seed(t, d(1), "A", 10)
	h.seed(t, d(2), "B", 20)
	h.seed(t, d(3), "C", 30)
	h.orch.Config.BatchSize = 1
	h.orch.Config.MaxConcurrency = 1

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var once sync.Once
	h.store.SetHooks(memory.Hooks{
		BeforeDeleteDerived: func(context.Context, time.Time, string) error {
			once.Do(cancel)
			return nil
		},
	})

	sum, err := h.orch.Run(ctx, types.BatchInput{Start: d(1), End: d(3)})
	require.NoError(t, err)
	assert.True(t, sum.Cancelled)
	assert.Equal(t, types.PhaseFixing, sum.Phase)
	assert.Equal(t, []string{"2025-03-01"}, sum.FixedDates, "a started date runs to completion")
	m2, err := h.store.ListDerived(context.Background(), d(1), "M2")
	require.NoError(t, err)
	assert.Len(t, m2, 1, "both models of the started date are written")

	h.store.SetHooks(memory.Hooks{})
	sum, err = h.orch.Run(context.Background(), types.BatchInput{Start: d(1), End: d(3)})
	require.NoError(t, err)
	assert.True(t, sum.Resumed)
	assert.Equal(t, types.PhaseComplete, sum.Phase)
	assert.Equal(t, 3, sum.Stats.Fixed)
}

func TestRunRejectsConcurrentRun(t *testing.T) {
	h := newHarness(t)
	h.seed(t, d(1), "A", 10)

	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	h.store.SetHooks(memory.Hooks{
		BeforeDeleteDerived: func(context.Context, time.Time, string) error {
			once.Do(func() { close(entered) })
			<-release
			return nil
		},
	})

	done := make(chan error, 1)
	go func() {
		_, err := h.orch.Run(context.Background(), types.BatchInput{Start: d(1), End: d(1)})
		done <- err
	}()
	<-entered

	assert.True(t, h.orch.Running())
	_, err := h.orch.Run(context.Background(), types.BatchInput{Start: d(1), End: d(1)})
	assert.ErrorIs(t, err, ErrRunInProgress)
	assert.ErrorIs(t, h.orch.Reset(context.Background()), ErrRunInProgress)

	close(release)
	require.NoError(t, <-done)
	assert.False(t, h.orch.Running())
}

func TestTryStartClaimsSlotBeforeRunning(t *testing.T) {
	h := newHarness(t)
	h.seed(t, d(1), "A", 10)
	in := types.BatchInput{Start: d(1), End: d(1)}

	runFn, err := h.orch.TryStart(in)
	require.NoError(t, err)
	assert.True(t, h.orch.Running())

	_, err = h.orch.TryStart(in)
	assert.ErrorIs(t, err, ErrRunInProgress)

	sum, err := runFn(context.Background())
	require.NoError(t, err)
	assert.Equal(t, types.PhaseComplete, sum.Phase)
	assert.False(t, h.orch.Running())

	_, err = h.orch.TryStart(types.BatchInput{Start: d(2), End: d(1)})
	assert.True(t, faults.IsInvalidParameter(err))
	assert.False(t, h.orch.Running(), "rejected input never claims the slot")
}

func TestRunRejectsInvalidRange(t *testing.T) {
	h := newHarness(t)
	_, err := h.orch.Run(context.Background(), types.BatchInput{Start: d(5), End: d(1)})
	assert.True(t, faults.IsInvalidParameter(err))

	_, err = h.orch.Run(context.Background(), types.BatchInput{Start: d(1)})
	assert.True(t, faults.IsInvalidParameter(err))
}

func TestResetAndStatus(t *testing.T) {
	h := newHarness(t)
	h.seed(t, d(1), "A", 10)
	ctx := context.Background()

	_, err := h.orch.Run(ctx, types.BatchInput{Start: d(1), End: d(1)})
	require.NoError(t, err)

	st, err := h.orch.Status(ctx, d(1), d(2))
	require.NoError(t, err)
	require.NotNil(t, st.Checkpoint)
	require.NotNil(t, st.Range)
	assert.Equal(t, 1, st.Range.Complete)

	require.NoError(t, h.orch.Reset(ctx))
	assert.Equal(t, 1, h.events.count(types.EventCheckpointReset))
	st, err = h.orch.Status(ctx, time.Time{}, time.Time{})
	require.NoError(t, err)
	assert.Nil(t, st.Checkpoint)
	assert.Nil(t, st.Range)
}

func TestFixRangeLeavesCheckpoint(t *testing.T) {
	h := newHarness(t)
	h.seed(t, d(1), "A", 10)
	ctx := context.Background()

	sum, err := FixRange(ctx, h.orch.Logger, h.orch.Activities, h.orch.Config, d(1), d(1))
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Stats.Fixed)

	cp, err := h.cps.Load(ctx)
	require.NoError(t, err)
	assert.Nil(t, cp)
}
