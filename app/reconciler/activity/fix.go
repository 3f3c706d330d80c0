package activity

import (
	"context"
	"time"

	"github.com/curtailx/curtailx/app/reconciler/types"
	"github.com/curtailx/curtailx/pkg/utils"
	"go.uber.org/zap"
)

// FixLeaf analyzes date, recomputes each model with missing periods (every model when
// force is set) and regenerates the date's daily summaries. Monthly and yearly summaries
// are left to the caller.
func (c *Context) FixLeaf(ctx context.Context, date time.Time, force bool) (types.FixResult, error) {
	start := time.Now()
	date = utils.Day(date)
	out := types.FixResult{Date: date}

	before, err := c.Analyze(ctx, date)
	if err != nil {
		return out, err
	}
	out.Before = before

	variants := before.Variants()
	if force {
		variants = c.ActiveVariants()
	}
	for _, variant := range variants {
		res, err := c.Recompute(ctx, date, variant)
		if err != nil {
			return out, err
		}
		out.Recomputed = append(out.Recomputed, res)
	}

	daily, err := c.RollUpDaily(ctx, date)
	if err != nil {
		return out, err
	}
	out.Rollups = append(out.Rollups, daily...)

	after, err := c.Analyze(ctx, date)
	if err != nil {
		return out, err
	}
	out.After = after
	out.DurationMs = float64(time.Since(start).Microseconds()) / 1000.0
	return out, nil
}

// FixDate repairs a single date through every summary layer.
func (c *Context) FixDate(ctx context.Context, in types.FixInput) (types.FixResult, error) {
	out, err := c.FixLeaf(ctx, in.Date, in.Force)
	if err != nil {
		return out, err
	}

	periods, err := c.RollUpPeriods(ctx, []time.Time{out.Date})
	if err != nil {
		return out, err
	}
	out.Rollups = append(out.Rollups, periods...)

	c.logger().Info("Fixed date",
		zap.String("date", utils.FormatDate(out.Date)),
		zap.Int("recomputed", len(out.Recomputed)),
		zap.Bool("complete", out.After.Complete))
	c.notify(ctx, types.Event{
		Event: types.EventDateFixed,
		Date:  utils.FormatDate(out.Date),
	})
	return out, nil
}
