package workflow

import (
	"context"
	"time"

	"github.com/curtailx/curtailx/app/reconciler/activity"
	"github.com/curtailx/curtailx/app/reconciler/types"
	"github.com/curtailx/curtailx/pkg/faults"
	"go.uber.org/zap"
)

// FixRange repairs every incomplete date in [start, end] in one pass. Progress is kept in
// memory only, so the persisted checkpoint of a scheduled run is left alone.
func FixRange(ctx context.Context, logger *zap.Logger, activities *activity.Context, cfg Config, start, end time.Time) (types.BatchSummary, error) {
	o := &Orchestrator{
		Logger:      logger,
		Activities:  activities,
		Checkpoints: &MemoryCheckpointStore{},
		Config:      cfg,
	}
	return o.Run(ctx, types.BatchInput{Start: start, End: end, Fresh: true})
}

// Status returns the persisted checkpoint and, when both bounds are set, a completeness
// report for [start, end].
func (o *Orchestrator) Status(ctx context.Context, start, end time.Time) (types.Status, error) {
	cp, err := o.Checkpoints.Load(ctx)
	if err != nil {
		return types.Status{}, err
	}
	st := types.Status{Checkpoint: cp}
	if start.IsZero() || end.IsZero() {
		return st, nil
	}
	if end.Before(start) {
		return types.Status{}, faults.InvalidParameter("status", "end is before start")
	}
	rs, err := o.Activities.AnalyzeRange(ctx, start, end)
	if err != nil {
		return types.Status{}, err
	}
	st.Range = &rs
	return st, nil
}

// Reset discards the persisted checkpoint. It refuses while a run is active.
func (o *Orchestrator) Reset(ctx context.Context) error {
	if o.Running() {
		return ErrRunInProgress
	}
	if err := o.Checkpoints.Delete(ctx); err != nil {
		return err
	}
	o.logger().Info("Checkpoint reset")
	if o.Activities != nil && o.Activities.Notifier != nil {
		o.Activities.Notifier.Notify(ctx, types.Event{
			Event:     types.EventCheckpointReset,
			Phase:     types.PhaseIdle,
			Timestamp: time.Now().UTC(),
		})
	}
	return nil
}
