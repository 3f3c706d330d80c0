// Package workflow drives batch reconciliation over a date range as a checkpointed state
// machine: idle, analyzing, fixing, complete.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/curtailx/curtailx/app/reconciler/activity"
	"github.com/curtailx/curtailx/app/reconciler/types"
	"github.com/curtailx/curtailx/pkg/faults"
	"github.com/curtailx/curtailx/pkg/retry"
	"github.com/curtailx/curtailx/pkg/utils"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrRunInProgress is returned when Run is called while another run is active on the
// same orchestrator.
var ErrRunInProgress = errors.New("a reconcile run is already in progress")

// errStoreUnavailable stops a run whose store stayed unreachable past MaxStorePause.
var errStoreUnavailable = errors.New("store unavailable")

// Config holds the orchestrator configuration.
type Config struct {
	BatchSize      int
	MaxConcurrency int
	// FixRetry governs each date's recompute and roll-up.
	FixRetry retry.Config
	// StoreRetry spaces connectivity probes and retries analysis reads.
	StoreRetry retry.Config
	// MaxStorePause bounds how long a batch waits for the store before the run stops.
	MaxStorePause time.Duration
}

// DefaultConfig returns batches of 5 dates fixed 3 at a time.
func DefaultConfig() Config {
	return Config{
		BatchSize:      5,
		MaxConcurrency: 3,
		FixRetry:       retry.DateFix(),
		StoreRetry:     retry.DefaultConfig(),
		MaxStorePause:  10 * time.Minute,
	}
}

// Orchestrator runs one reconcile at a time.
type Orchestrator struct {
	Logger      *zap.Logger
	Activities  *activity.Context
	Checkpoints CheckpointStore
	Config      Config

	running atomic.Bool
}

// Running reports whether a run is active.
func (o *Orchestrator) Running() bool {
	return o.running.Load()
}

func (o *Orchestrator) config() Config {
	cfg := o.Config
	def := DefaultConfig()
	if cfg.BatchSize < 1 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.MaxConcurrency < 1 {
		cfg.MaxConcurrency = def.MaxConcurrency
	}
	if cfg.FixRetry.MaxAttempts < 1 {
		cfg.FixRetry = def.FixRetry
	}
	if cfg.StoreRetry.MaxAttempts < 1 {
		cfg.StoreRetry = def.StoreRetry
	}
	if cfg.MaxStorePause <= 0 {
		cfg.MaxStorePause = def.MaxStorePause
	}
	return cfg
}

// Run reconciles [in.Start, in.End]. A resumable checkpoint for the same range is continued
// unless in.Fresh is set. Per-date failures, cancellation and store outages are reported
// in the summary; the error is reserved for invalid input and checkpoint I/O.
func (o *Orchestrator) Run(ctx context.Context, in types.BatchInput) (types.BatchSummary, error) {
	runFn, err := o.TryStart(in)
	if err != nil {
		return types.BatchSummary{}, err
	}
	return runFn(ctx)
}

// TryStart validates in and claims the run slot, failing with ErrRunInProgress when another
// run holds it. The returned function performs the run and releases the slot; callers must
// invoke it exactly once.
func (o *Orchestrator) TryStart(in types.BatchInput) (func(context.Context) (types.BatchSummary, error), error) {
	start, end := utils.Day(in.Start), utils.Day(in.End)
	if start.IsZero() || end.IsZero() {
		return nil, faults.InvalidParameter("reconcile", "start and end dates are required")
	}
	if end.Before(start) {
		return nil, faults.InvalidParameter("reconcile", "end %s is before start %s",
			utils.FormatDate(end), utils.FormatDate(start))
	}

	if !o.running.CompareAndSwap(false, true) {
		return nil, ErrRunInProgress
	}
	return func(ctx context.Context) (types.BatchSummary, error) {
		defer o.running.Store(false)
		return o.runBatch(ctx, in, start, end)
	}, nil
}

func (o *Orchestrator) runBatch(ctx context.Context, in types.BatchInput, start, end time.Time) (types.BatchSummary, error) {
	started := time.Now()
	cfg := o.config()
	startStr, endStr := utils.FormatDate(start), utils.FormatDate(end)

	cp, err := o.Checkpoints.Load(ctx)
	if err != nil {
		return types.BatchSummary{}, err
	}
	resumed := cp != nil && !in.Fresh && cp.SameRange(startStr, endStr) && cp.Phase.Resumable()
	if !resumed {
		cp = &types.Checkpoint{
			Phase:          types.PhaseAnalyzing,
			RunID:          uuid.NewString(),
			StartDate:      startStr,
			EndDate:        endStr,
			PendingDates:   []string{},
			CompletedDates: []string{},
			FailedDates:    []types.FailedDate{},
		}
	}

	r := &run{
		o:      o,
		cfg:    cfg,
		cp:     cp,
		start:  start,
		end:    end,
		logger: o.logger().With(zap.String("run_id", cp.RunID)),
	}
	if err := r.save(ctx); err != nil {
		return r.summary(resumed, started, err), err
	}

	r.logger.Info("Reconcile run started",
		zap.String("start", startStr),
		zap.String("end", endStr),
		zap.Bool("resumed", resumed),
		zap.String("phase", string(cp.Phase)),
		zap.Int("batch_size", cfg.BatchSize),
		zap.Int("max_concurrency", cfg.MaxConcurrency))
	r.notify(ctx, types.Event{Event: types.EventRunStarted, Message: fmt.Sprintf("%s..%s", startStr, endStr)})

	pool := pond.NewPool(cfg.MaxConcurrency)
	defer pool.StopAndWait()

	err = r.execute(ctx, pool)
	summary := r.summary(resumed, started, err)

	switch {
	case err != nil:
		r.logger.Error("Reconcile run failed", zap.Error(err))
		return summary, err
	case summary.Interrupted:
		r.logger.Warn("Reconcile run interrupted by store outage", zap.Any("stats", cp.Stats))
		r.notify(context.WithoutCancel(ctx), types.Event{Event: types.EventRunInterrupted, Stats: &summary.Stats})
	case summary.Cancelled:
		r.logger.Warn("Reconcile run cancelled", zap.Any("stats", cp.Stats))
		r.notify(context.WithoutCancel(ctx), types.Event{Event: types.EventRunInterrupted, Message: "cancelled", Stats: &summary.Stats})
	default:
		r.logger.Info("Reconcile run complete",
			zap.Int("analyzed", cp.Stats.Analyzed),
			zap.Int("needing_fix", cp.Stats.NeedingFix),
			zap.Int("fixed", cp.Stats.Fixed),
			zap.Int("failed", cp.Stats.Failed),
			zap.Float64("duration_ms", summary.DurationMs))
		r.notify(ctx, types.Event{Event: types.EventRunCompleted, Stats: &summary.Stats})
	}
	return summary, nil
}

func (o *Orchestrator) logger() *zap.Logger {
	if o.Logger == nil {
		return zap.NewNop()
	}
	return o.Logger
}

// run is the state of one Run call.
type run struct {
	o      *Orchestrator
	cfg    Config
	cp     *types.Checkpoint
	start  time.Time
	end    time.Time
	logger *zap.Logger

	cancelled   bool
	interrupted bool
}

func (r *run) save(ctx context.Context) error {
	r.cp.UpdatedAt = time.Now().UTC()
	if err := r.o.Checkpoints.Save(context.WithoutCancel(ctx), r.cp); err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

func (r *run) notify(ctx context.Context, event types.Event) {
	if r.o.Activities.Notifier == nil {
		return
	}
	event.RunID = r.cp.RunID
	if event.Phase == "" {
		event.Phase = r.cp.Phase
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	r.o.Activities.Notifier.Notify(ctx, event)
}

func (r *run) summary(resumed bool, started time.Time, err error) types.BatchSummary {
	s := types.BatchSummary{
		RunID:       r.cp.RunID,
		StartDate:   r.cp.StartDate,
		EndDate:     r.cp.EndDate,
		Phase:       r.cp.Phase,
		Resumed:     resumed,
		Stats:       r.cp.Stats,
		FixedDates:  append([]string{}, r.cp.CompletedDates...),
		FailedDates: append([]types.FailedDate{}, r.cp.FailedDates...),
		Interrupted: r.interrupted,
		Cancelled:   r.cancelled,
		DurationMs:  float64(time.Since(started).Microseconds()) / 1000.0,
	}
	if err != nil {
		s.Error = err.Error()
	}
	return s
}

// stop classifies a wait failure as cancellation or store outage. It returns false for
// any other error.
func (r *run) stop(err error) bool {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		r.cancelled = true
		return true
	case errors.Is(err, errStoreUnavailable):
		r.interrupted = true
		return true
	}
	return false
}

func (r *run) execute(ctx context.Context, pool pond.Pool) error {
	if r.cp.Phase == types.PhaseAnalyzing {
		done, err := r.analyzePhase(ctx, pool)
		if err != nil || !done {
			return err
		}
		r.cp.Phase = types.PhaseFixing
		if err := r.save(ctx); err != nil {
			return err
		}
	}

	if r.cp.Phase == types.PhaseFixing {
		done, err := r.fixPhase(ctx, pool)
		if err != nil || !done {
			return err
		}
		r.cp.Phase = types.PhaseComplete
		if err := r.save(ctx); err != nil {
			return err
		}
	}
	return nil
}

// awaitStore blocks until the store answers a ping. While it does not, the batch pauses
// with backoff; past MaxStorePause it gives up with errStoreUnavailable.
func (r *run) awaitStore(ctx context.Context) error {
	deadline := time.Now().Add(r.cfg.MaxStorePause)
	for attempt := 1; ; attempt++ {
		err := r.o.Activities.Store.Ping(ctx)
		if err == nil {
			if attempt > 1 {
				r.logger.Info("Store reachable again, resuming", zap.Int("probes", attempt))
			}
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return fmt.Errorf("%w after %s: %v", errStoreUnavailable, r.cfg.MaxStorePause, err)
		}
		wait := retry.Backoff(r.cfg.StoreRetry, attempt)
		if wait > remaining {
			wait = remaining
		}

		r.logger.Warn("Store unreachable, pausing batch",
			zap.Int("probe", attempt),
			zap.Duration("retry_in", wait),
			zap.Duration("remaining", remaining),
			zap.Error(err))
		if attempt == 1 {
			r.notify(ctx, types.Event{Event: types.EventStorePaused, Message: err.Error()})
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

func chunk[T any](items []T, size int) [][]T {
	var out [][]T
	for len(items) > 0 {
		n := size
		if n > len(items) {
			n = len(items)
		}
		out = append(out, items[:n])
		items = items[n:]
	}
	return out
}

// waitGroup blocks until every task of the batch has returned. Tasks check ctx themselves
// so a cancelled batch drains without abandoning a date mid-write.
func waitGroup(logger *zap.Logger, group pond.TaskGroup, phase string) {
	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, pond.ErrGroupStopped) {
		logger.Warn("batch group encountered error", zap.String("phase", phase), zap.Error(err))
	}
}

type analysisOutcome struct {
	done     bool
	analysis types.DateAnalysis
	attempts int
	err      error
}

// analyzePhase analyzes the dates after LastProcessedDate batch by batch, queueing
// incomplete ones for fixing. It returns done=false when the run stopped early.
func (r *run) analyzePhase(ctx context.Context, pool pond.Pool) (bool, error) {
	var todo []time.Time
	for _, d := range utils.DateRange(r.start, r.end) {
		if r.cp.LastProcessedDate != "" && utils.FormatDate(d) <= r.cp.LastProcessedDate {
			continue
		}
		todo = append(todo, d)
	}

	for _, batch := range chunk(todo, r.cfg.BatchSize) {
		if ctx.Err() != nil {
			r.cancelled = true
			return false, nil
		}
		if err := r.awaitStore(ctx); err != nil {
			if r.stop(err) {
				return false, nil
			}
			return false, err
		}

		results := make([]analysisOutcome, len(batch))
		group := pool.NewGroup()
		for i, d := range batch {
			i, d := i, d
			group.Submit(func() {
				if ctx.Err() != nil {
					return
				}
				attempts := 0
				var analysis types.DateAnalysis
				err := retry.WithBackoff(ctx, r.cfg.StoreRetry, r.logger, "analyze:"+utils.FormatDate(d), func() error {
					attempts++
					var aErr error
					analysis, aErr = r.o.Activities.Analyze(ctx, d)
					return aErr
				})
				results[i] = analysisOutcome{done: true, analysis: analysis, attempts: attempts, err: err}
			})
		}
		waitGroup(r.logger, group, "analyze")

		for i, d := range batch {
			res := results[i]
			if !res.done || (res.err != nil && ctx.Err() != nil) {
				r.cancelled = true
				return false, nil
			}
			ds := utils.FormatDate(d)
			switch {
			case res.err != nil:
				r.cp.FailedDates = append(r.cp.FailedDates, types.FailedDate{Date: ds, Reason: "analyze: " + res.err.Error(), Attempts: res.attempts})
				r.cp.Stats.Failed++
				r.logger.Error("Date analysis failed", zap.String("date", ds), zap.Error(res.err))
			case res.analysis.Complete:
				r.cp.Stats.Analyzed++
				r.cp.Stats.Skipped++
			default:
				r.cp.Stats.Analyzed++
				r.cp.Stats.NeedingFix++
				r.cp.PendingDates = append(r.cp.PendingDates, ds)
			}
			r.cp.LastProcessedDate = ds
			if err := r.save(ctx); err != nil {
				return false, err
			}
		}

		r.logger.Info("Analyzed batch",
			zap.String("from", utils.FormatDate(batch[0])),
			zap.String("to", utils.FormatDate(batch[len(batch)-1])),
			zap.Int("pending", len(r.cp.PendingDates)))
		stats := r.cp.Stats
		r.notify(ctx, types.Event{
			Event:   types.EventBatchAnalyzed,
			Date:    utils.FormatDate(batch[len(batch)-1]),
			Message: fmt.Sprintf("%d dates pending", len(r.cp.PendingDates)),
			Stats:   &stats,
		})
	}
	return true, nil
}

type fixOutcome struct {
	done     bool
	result   types.FixResult
	attempts int
	err      error
}

// fixPhase repairs pending dates batch by batch. A date already started finishes even if
// ctx is cancelled; dates not yet started stay pending.
func (r *run) fixPhase(ctx context.Context, pool pond.Pool) (bool, error) {
	var pending []string
	for _, ds := range r.cp.PendingDates {
		if !r.cp.Done(ds) {
			pending = append(pending, ds)
		}
	}
	r.cp.PendingDates = append([]string{}, pending...)

	for _, batch := range chunk(pending, r.cfg.BatchSize) {
		if ctx.Err() != nil {
			r.cancelled = true
			return false, nil
		}
		if err := r.awaitStore(ctx); err != nil {
			if r.stop(err) {
				return false, nil
			}
			return false, err
		}

		results := make([]fixOutcome, len(batch))
		group := pool.NewGroup()
		for i, ds := range batch {
			i, ds := i, ds
			group.Submit(func() {
				if ctx.Err() != nil {
					return
				}
				res, attempts, err := r.fixDate(context.WithoutCancel(ctx), ds)
				results[i] = fixOutcome{done: true, result: res, attempts: attempts, err: err}
			})
		}
		waitGroup(r.logger, group, "fix")

		var fixedDates []time.Time
		var fixedNames []string
		failed := map[string]types.FailedDate{}
		stopped := false
		for i, ds := range batch {
			res := results[i]
			switch {
			case !res.done:
				stopped = true
			case res.err != nil:
				failed[ds] = types.FailedDate{Date: ds, Reason: res.err.Error(), Attempts: res.attempts}
			default:
				d, _ := utils.ParseDate(ds)
				fixedDates = append(fixedDates, d)
				fixedNames = append(fixedNames, ds)
			}
		}

		if len(fixedDates) > 0 {
			attempts, err := r.rollUpPeriods(context.WithoutCancel(ctx), fixedDates)
			if err != nil {
				for _, ds := range fixedNames {
					failed[ds] = types.FailedDate{Date: ds, Reason: "period roll-up: " + err.Error(), Attempts: attempts}
				}
				fixedNames = nil
			}
		}

		for _, ds := range fixedNames {
			r.cp.CompletedDates = append(r.cp.CompletedDates, ds)
			r.cp.Stats.Fixed++
			r.notify(ctx, types.Event{Event: types.EventDateFixed, Date: ds})
		}
		for _, ds := range batch {
			f, ok := failed[ds]
			if !ok {
				continue
			}
			r.cp.FailedDates = append(r.cp.FailedDates, f)
			r.cp.Stats.Failed++
			r.logger.Error("Date fix failed", zap.String("date", ds), zap.Int("attempts", f.Attempts), zap.String("reason", f.Reason))
			r.notify(ctx, types.Event{Event: types.EventDateFailed, Date: ds, Message: f.Reason})
		}
		r.cp.PendingDates = remaining(r.cp.PendingDates, r.cp)
		if err := r.save(ctx); err != nil {
			return false, err
		}

		if stopped {
			r.cancelled = true
			return false, nil
		}
	}
	return true, nil
}

// remaining drops dates the checkpoint already records as completed or failed.
func remaining(pending []string, cp *types.Checkpoint) []string {
	out := make([]string, 0, len(pending))
	for _, ds := range pending {
		if !cp.Done(ds) {
			out = append(out, ds)
		}
	}
	return out
}

func (r *run) fixDate(ctx context.Context, ds string) (types.FixResult, int, error) {
	date, err := utils.ParseDate(ds)
	if err != nil {
		return types.FixResult{}, 1, faults.InvalidParameter("fix_date", "bad pending date %q", ds)
	}

	var res types.FixResult
	attempts := 0
	err = retry.WithBackoff(ctx, r.cfg.FixRetry, r.logger, "fix_date:"+ds, func() error {
		attempts++
		var fixErr error
		res, fixErr = r.o.Activities.FixLeaf(ctx, date, false)
		if fixErr == nil && !res.After.Complete {
			fixErr = fmt.Errorf("%s still missing periods for %v after fix", ds, res.After.Variants())
		}
		return fixErr
	})
	return res, attempts, err
}

func (r *run) rollUpPeriods(ctx context.Context, dates []time.Time) (int, error) {
	attempts := 0
	err := retry.WithBackoff(ctx, r.cfg.FixRetry, r.logger, "period_rollup", func() error {
		attempts++
		_, rErr := r.o.Activities.RollUpPeriods(ctx, dates)
		return rErr
	})
	return attempts, err
}
