package activity

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/curtailx/curtailx/app/reconciler/types"
	"github.com/curtailx/curtailx/pkg/db/models/mining"
	"github.com/curtailx/curtailx/pkg/faults"
	"github.com/curtailx/curtailx/pkg/utils"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Recompute regenerates every derived row of (date, variant) from the current facts.
// Concurrent calls for the same key share one run. The delete and insert commit together
// or not at all.
func (c *Context) Recompute(ctx context.Context, date time.Time, variant string) (types.RecomputeResult, error) {
	date = utils.Day(date)
	if _, ok := c.Calculator.Variant(variant); !ok {
		return types.RecomputeResult{}, faults.InvalidParameter("recompute", "unknown miner variant %q", variant)
	}

	res, shared, err := c.recomputeLocks().do(ctx, lockKey(date, variant), func() (types.RecomputeResult, error) {
		return c.recompute(ctx, date, variant)
	})
	if err != nil {
		return types.RecomputeResult{}, err
	}
	res.Shared = shared
	return res, nil
}

type entityVolume struct {
	entity string
	volume decimal.Decimal
}

// groupFacts sums |volume| per (period, entity). Periods and entities come back sorted.
func groupFacts(facts []mining.Fact) (periods []int, byPeriod map[int][]entityVolume) {
	sums := map[int]map[string]decimal.Decimal{}
	for _, f := range facts {
		if !f.Participates() {
			continue
		}
		entities, ok := sums[f.SettlementPeriod]
		if !ok {
			entities = map[string]decimal.Decimal{}
			sums[f.SettlementPeriod] = entities
			periods = append(periods, f.SettlementPeriod)
		}
		prev, ok := entities[f.EntityID]
		if !ok {
			prev = decimal.Zero
		}
		entities[f.EntityID] = prev.Add(f.AbsVolume())
	}
	sort.Ints(periods)

	byPeriod = make(map[int][]entityVolume, len(sums))
	for p, entities := range sums {
		list := make([]entityVolume, 0, len(entities))
		for e, v := range entities {
			list = append(list, entityVolume{entity: e, volume: v})
		}
		sort.Slice(list, func(i, j int) bool { return list[i].entity < list[j].entity })
		byPeriod[p] = list
	}
	return periods, byPeriod
}

func (c *Context) recompute(ctx context.Context, date time.Time, variant string) (types.RecomputeResult, error) {
	dateStr := utils.FormatDate(date)
	res := types.RecomputeResult{Date: date, Variant: variant, Amount: decimal.Zero}

	resolution, err := c.Difficulty.Resolve(ctx, date)
	if err != nil {
		return res, fmt.Errorf("recompute %s/%s: difficulty: %w", dateStr, variant, err)
	}
	res.Difficulty = resolution.Difficulty
	res.DifficultyOrigin = string(resolution.Origin)
	if resolution.Fallback() {
		res.Warnings = append(res.Warnings, faults.DataQualityWarning{
			Date:    dateStr,
			Code:    faults.WarnDefaultDiffUsed,
			Message: fmt.Sprintf("difficulty lookup failed, default %.0f used", resolution.Difficulty),
		})
	}

	// Facts are read and replaced in one transaction; difficulty retries stay outside it.
	err = c.Store.InTx(ctx, func(ctx context.Context) error {
		facts, err := c.Store.NonZeroFacts(ctx, date)
		if err != nil {
			return fmt.Errorf("facts: %w", err)
		}
		rows, amount, periods, err := c.deriveRows(date, variant, resolution.Difficulty, facts)
		if err != nil {
			return err
		}

		deleted, err := c.Store.DeleteDerived(ctx, date, variant)
		if err != nil {
			return fmt.Errorf("write: %w", err)
		}
		if err := c.Store.InsertDerived(ctx, rows); err != nil {
			return fmt.Errorf("write: %w", err)
		}
		res.Deleted = deleted
		res.Amount = amount
		res.Periods = periods
		res.Rows = len(rows)
		return nil
	})
	if err != nil {
		return res, fmt.Errorf("recompute %s/%s: %w", dateStr, variant, err)
	}

	c.logger().Info("Recomputed mining potential",
		zap.String("date", dateStr),
		zap.String("variant", variant),
		zap.Int("periods", res.Periods),
		zap.Int("rows", res.Rows),
		zap.Int64("deleted", res.Deleted),
		zap.String("amount", res.Amount.StringFixed(8)),
		zap.String("difficulty_origin", res.DifficultyOrigin))

	c.notify(ctx, types.Event{
		Event:   types.EventDateRecomputed,
		Date:    dateStr,
		Variant: variant,
		Message: fmt.Sprintf("%d rows, %s", res.Rows, res.Amount.StringFixed(8)),
	})
	return res, nil
}

// deriveRows computes each period's total through the calculator and apportions it over the
// period's entities by volume.
func (c *Context) deriveRows(date time.Time, variant string, difficulty float64, facts []mining.Fact) ([]mining.Derived, decimal.Decimal, int, error) {
	periods, byPeriod := groupFacts(facts)
	calculatedAt := c.now()
	rows := make([]mining.Derived, 0, len(facts))
	amount := decimal.Zero
	for _, period := range periods {
		entities := byPeriod[period]
		total := decimal.Zero
		shares := make([]Share, len(entities))
		for i, ev := range entities {
			total = total.Add(ev.volume)
			shares[i] = Share{EntityID: ev.entity, Weight: ev.volume}
		}

		periodAmount, err := c.Calculator.Calculate(total, variant, difficulty)
		if err != nil {
			return nil, decimal.Zero, 0, fmt.Errorf("period %d: %w", period, err)
		}

		for i, share := range Apportion(periodAmount, shares) {
			rows = append(rows, mining.Derived{
				SettlementDate:   date,
				SettlementPeriod: period,
				EntityID:         entities[i].entity,
				Variant:          variant,
				Amount:           share,
				Difficulty:       difficulty,
				CalculatedAt:     calculatedAt,
			})
		}
		amount = amount.Add(periodAmount)
	}
	return rows, amount, len(periods), nil
}
