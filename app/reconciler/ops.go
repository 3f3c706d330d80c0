package reconciler

import (
	"context"
	"time"

	"github.com/curtailx/curtailx/app/reconciler/controller"
	"github.com/curtailx/curtailx/app/reconciler/types"
	"github.com/curtailx/curtailx/app/reconciler/workflow"
	"go.uber.org/zap"
)

var _ controller.Service = (*App)(nil)

// Health pings the store and, when enabled, Redis.
func (a *App) Health(ctx context.Context) error {
	if err := a.Store.Ping(ctx); err != nil {
		return err
	}
	if a.RedisClient != nil {
		if err := a.RedisClient.Health(ctx); err != nil {
			a.Logger.Warn("Redis unhealthy", zap.Error(err))
		}
	}
	return nil
}

func (a *App) Status(ctx context.Context, start, end time.Time) (types.Status, error) {
	return a.Orchestrator.Status(ctx, start, end)
}

func (a *App) Analyze(ctx context.Context, date time.Time) (types.DateAnalysis, error) {
	return a.Activities.Analyze(ctx, date)
}

func (a *App) AnalyzeRange(ctx context.Context, start, end time.Time) (types.RangeStatus, error) {
	return a.Activities.AnalyzeRange(ctx, start, end)
}

// Reconcile runs a checkpointed reconcile and waits for it.
func (a *App) Reconcile(ctx context.Context, in types.BatchInput) (types.BatchSummary, error) {
	return a.Orchestrator.Run(ctx, in)
}

// StartReconcile runs a checkpointed reconcile in the background. The run is cancelled
// (and left resumable) when the App closes.
func (a *App) StartReconcile(_ context.Context, in types.BatchInput) error {
	a.bgMu.Lock()
	defer a.bgMu.Unlock()
	if err := a.bgCtx.Err(); err != nil {
		return err
	}
	runFn, err := a.Orchestrator.TryStart(in)
	if err != nil {
		return err
	}
	a.bg.Add(1)
	go func() {
		defer a.bg.Done()
		sum, err := runFn(a.bgCtx)
		if err != nil {
			a.Logger.Warn("Background reconcile failed", zap.Error(err))
			return
		}
		a.Logger.Info("Background reconcile finished",
			zap.String("run_id", sum.RunID),
			zap.String("phase", string(sum.Phase)),
			zap.Int("fixed", sum.Stats.Fixed),
			zap.Int("failed", sum.Stats.Failed))
	}()
	return nil
}

// FixDate repairs one date through every summary layer. A started fix is not abandoned
// when the caller goes away.
func (a *App) FixDate(ctx context.Context, in types.FixInput) (types.FixResult, error) {
	return a.Activities.FixDate(context.WithoutCancel(ctx), in)
}

// FixRange repairs a range without touching the persisted checkpoint.
func (a *App) FixRange(ctx context.Context, start, end time.Time) (types.BatchSummary, error) {
	return workflow.FixRange(ctx, a.Logger, a.Activities, a.Orchestrator.Config, start, end)
}

func (a *App) Checkpoint(ctx context.Context) (*types.Checkpoint, error) {
	return a.Orchestrator.Checkpoints.Load(ctx)
}

func (a *App) ResetCheckpoint(ctx context.Context) error {
	return a.Orchestrator.Reset(ctx)
}
