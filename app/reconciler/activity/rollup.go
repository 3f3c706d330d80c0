package activity

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/curtailx/curtailx/app/reconciler/types"
	"github.com/curtailx/curtailx/pkg/db/models/mining"
	"github.com/curtailx/curtailx/pkg/faults"
	"github.com/curtailx/curtailx/pkg/utils"
	"go.uber.org/zap"
)

// RollUpDaily regenerates the daily summary of every model for date from its derived rows.
func (c *Context) RollUpDaily(ctx context.Context, date time.Time) ([]types.RollupResult, error) {
	date = utils.Day(date)
	variants := c.ActiveVariants()
	out := make([]types.RollupResult, 0, len(variants))

	err := c.Store.InTx(ctx, func(ctx context.Context) error {
		out = out[:0]
		for _, variant := range variants {
			if err := c.Store.LockSummary(ctx, summaryLockKey(types.LayerDaily, utils.FormatDate(date), variant)); err != nil {
				return err
			}
			agg, err := c.Store.SumDerived(ctx, date, variant)
			if err != nil {
				return err
			}
			if err := c.Store.DeleteDailySummary(ctx, date, variant); err != nil {
				return err
			}
			r := types.RollupResult{Layer: types.LayerDaily, Key: utils.FormatDate(date), Variant: variant, Rows: agg.Rows, Amount: agg.Amount}
			if agg.Rows > 0 {
				if err := c.Store.InsertDailySummary(ctx, &mining.DailySummary{
					SummaryDate:       date,
					Variant:           variant,
					Amount:            agg.Amount,
					AverageDifficulty: agg.AverageDifficulty,
					UpdatedAt:         c.now(),
				}); err != nil {
					return err
				}
				r.Present = true
			}
			out = append(out, r)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("daily roll-up %s: %w", utils.FormatDate(date), err)
	}

	c.logger().Debug("Rolled up daily summaries", zap.String("date", utils.FormatDate(date)))
	return out, nil
}

// RollUpMonthly regenerates the YYYY-MM summary of variant from the daily summaries.
func (c *Context) RollUpMonthly(ctx context.Context, yearMonth, variant string) (types.RollupResult, error) {
	if _, _, err := utils.MonthBounds(yearMonth); err != nil {
		return types.RollupResult{}, faults.InvalidParameter("rollup_monthly", "%v", err)
	}
	if err := c.checkVariant("rollup_monthly", variant); err != nil {
		return types.RollupResult{}, err
	}

	r := types.RollupResult{Layer: types.LayerMonthly, Key: yearMonth, Variant: variant}
	err := c.Store.InTx(ctx, func(ctx context.Context) error {
		if err := c.Store.LockSummary(ctx, summaryLockKey(r.Layer, r.Key, variant)); err != nil {
			return err
		}
		agg, err := c.Store.SumDailySummaries(ctx, yearMonth, variant)
		if err != nil {
			return err
		}
		if err := c.Store.DeleteMonthlySummary(ctx, yearMonth, variant); err != nil {
			return err
		}
		r.Rows, r.Amount, r.Present = agg.Rows, agg.Amount, false
		if agg.Rows == 0 {
			return nil
		}
		r.Present = true
		return c.Store.InsertMonthlySummary(ctx, &mining.MonthlySummary{
			YearMonth:         yearMonth,
			Variant:           variant,
			Amount:            agg.Amount,
			AverageDifficulty: agg.AverageDifficulty,
			UpdatedAt:         c.now(),
		})
	})
	if err != nil {
		return types.RollupResult{}, fmt.Errorf("monthly roll-up %s/%s: %w", yearMonth, variant, err)
	}
	return r, nil
}

// RollUpYearly regenerates the yearly summary of variant from the monthly summaries.
func (c *Context) RollUpYearly(ctx context.Context, year int, variant string) (types.RollupResult, error) {
	if year < 1 || year > 9999 {
		return types.RollupResult{}, faults.InvalidParameter("rollup_yearly", "year %d out of range", year)
	}
	if err := c.checkVariant("rollup_yearly", variant); err != nil {
		return types.RollupResult{}, err
	}

	r := types.RollupResult{Layer: types.LayerYearly, Key: strconv.Itoa(year), Variant: variant}
	err := c.Store.InTx(ctx, func(ctx context.Context) error {
		if err := c.Store.LockSummary(ctx, summaryLockKey(r.Layer, r.Key, variant)); err != nil {
			return err
		}
		agg, err := c.Store.SumMonthlySummaries(ctx, year, variant)
		if err != nil {
			return err
		}
		if err := c.Store.DeleteYearlySummary(ctx, year, variant); err != nil {
			return err
		}
		r.Rows, r.Amount, r.Present = agg.Rows, agg.Amount, false
		if agg.Rows == 0 {
			return nil
		}
		r.Present = true
		return c.Store.InsertYearlySummary(ctx, &mining.YearlySummary{
			Year:              year,
			Variant:           variant,
			Amount:            agg.Amount,
			AverageDifficulty: agg.AverageDifficulty,
			UpdatedAt:         c.now(),
		})
	})
	if err != nil {
		return types.RollupResult{}, fmt.Errorf("yearly roll-up %d/%s: %w", year, variant, err)
	}
	return r, nil
}

// RollUpPeriods regenerates the monthly then yearly summaries touched by dates, for every
// active model. Each (month, model) and (year, model) is processed once.
func (c *Context) RollUpPeriods(ctx context.Context, dates []time.Time) ([]types.RollupResult, error) {
	months := map[string]bool{}
	years := map[int]bool{}
	var monthOrder []string
	var yearOrder []int
	for _, d := range dates {
		ym := utils.YearMonth(d)
		if !months[ym] {
			months[ym] = true
			monthOrder = append(monthOrder, ym)
		}
		if y := d.Year(); !years[y] {
			years[y] = true
			yearOrder = append(yearOrder, y)
		}
	}

	var out []types.RollupResult
	for _, ym := range monthOrder {
		for _, variant := range c.ActiveVariants() {
			r, err := c.RollUpMonthly(ctx, ym, variant)
			if err != nil {
				return out, err
			}
			out = append(out, r)
		}
	}
	for _, y := range yearOrder {
		for _, variant := range c.ActiveVariants() {
			r, err := c.RollUpYearly(ctx, y, variant)
			if err != nil {
				return out, err
			}
			out = append(out, r)
		}
	}
	return out, nil
}

func (c *Context) checkVariant(op, variant string) error {
	if _, ok := c.Calculator.Variant(variant); !ok {
		return faults.InvalidParameter(op, "unknown miner variant %q", variant)
	}
	return nil
}

func summaryLockKey(layer, key, variant string) string {
	return "curtailx:summary:" + layer + ":" + key + ":" + variant
}
