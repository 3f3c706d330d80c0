package activity

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/curtailx/curtailx/app/reconciler/types"
	"github.com/curtailx/curtailx/pkg/db/models/mining"
	"github.com/curtailx/curtailx/pkg/faults"
	"github.com/curtailx/curtailx/pkg/utils"
)

// Analyze reports, per model, the settlement periods of date whose derived rows do not
// cover exactly the entities with non-zero facts in that period. A period with no derived
// rows at all is the common case; a period where an entity was added or dropped after the
// last recompute is the other. A date without non-zero facts is complete. Read-only.
func (c *Context) Analyze(ctx context.Context, date time.Time) (types.DateAnalysis, error) {
	date = utils.Day(date)
	out := types.DateAnalysis{Date: date, MissingPeriods: map[string][]int{}}

	stats, err := c.Store.FactStats(ctx, date, date)
	if err != nil {
		return out, fmt.Errorf("analyze %s: %w", utils.FormatDate(date), err)
	}
	for _, st := range stats {
		out.TotalFacts += st.Rows
	}
	if out.TotalFacts == 0 {
		out.Complete = true
		return out, nil
	}

	factKeys, err := c.Store.FactKeys(ctx, date)
	if err != nil {
		return out, fmt.Errorf("analyze %s: %w", utils.FormatDate(date), err)
	}
	expected := groupKeys(factKeys)
	periods := make([]int, 0, len(expected))
	for p := range expected {
		periods = append(periods, p)
	}
	sort.Ints(periods)

	for _, variant := range c.ActiveVariants() {
		derivedKeys, err := c.Store.DerivedKeys(ctx, date, variant)
		if err != nil {
			return out, fmt.Errorf("analyze %s/%s: %w", utils.FormatDate(date), variant, err)
		}
		have := groupKeys(derivedKeys)
		var missing []int
		for _, p := range periods {
			if !sameEntities(expected[p], have[p]) {
				missing = append(missing, p)
			}
		}
		if len(missing) > 0 {
			out.MissingPeriods[variant] = missing
		}
	}

	out.Complete = len(out.MissingPeriods) == 0
	return out, nil
}

func groupKeys(keys []mining.Key) map[int]map[string]bool {
	out := make(map[int]map[string]bool)
	for _, k := range keys {
		entities, ok := out[k.Period]
		if !ok {
			entities = map[string]bool{}
			out[k.Period] = entities
		}
		entities[k.EntityID] = true
	}
	return out
}

func sameEntities(a, b map[string]bool) bool {
	if len(a) != len(b) {
		return false
	}
	for e := range a {
		if !b[e] {
			return false
		}
	}
	return true
}

// AnalyzeRange reports row-count completeness for every date in [start, end] that has
// facts or derived rows, least complete first and, within equal completion, newest first.
func (c *Context) AnalyzeRange(ctx context.Context, start, end time.Time) (types.RangeStatus, error) {
	start, end = utils.Day(start), utils.Day(end)
	if end.Before(start) {
		return types.RangeStatus{}, faults.InvalidParameter("analyze_range", "end %s is before start %s",
			utils.FormatDate(end), utils.FormatDate(start))
	}

	factStats, err := c.Store.FactStats(ctx, start, end)
	if err != nil {
		return types.RangeStatus{}, fmt.Errorf("analyze range: %w", err)
	}
	derivedStats, err := c.Store.DerivedStats(ctx, start, end)
	if err != nil {
		return types.RangeStatus{}, fmt.Errorf("analyze range: %w", err)
	}

	variants := c.ActiveVariants()
	active := make(map[string]bool, len(variants))
	for _, v := range variants {
		active[v] = true
	}

	byDate := map[time.Time]*types.DateStatus{}
	get := func(d time.Time) *types.DateStatus {
		d = utils.Day(d)
		st, ok := byDate[d]
		if !ok {
			st = &types.DateStatus{Date: d, PerVariant: map[string]int{}}
			byDate[d] = st
		}
		return st
	}
	for _, fs := range factStats {
		st := get(fs.Date)
		st.FactCount = fs.Rows
		st.UniqueKeys = fs.UniqueKeys
	}
	for _, ds := range derivedStats {
		if !active[ds.Variant] {
			continue
		}
		st := get(ds.Date)
		st.PerVariant[ds.Variant] = ds.Rows
		st.DerivedCount += ds.Rows
	}

	out := types.RangeStatus{Start: start, End: end, Statuses: make([]types.DateStatus, 0, len(byDate))}
	for _, st := range byDate {
		finishStatus(st, variants)
		out.Statuses = append(out.Statuses, *st)
		if st.MissingCount == 0 {
			out.Complete++
		} else {
			out.Incomplete++
		}
		out.Warnings += len(st.Warnings)
	}
	out.Dates = len(out.Statuses)

	sort.Slice(out.Statuses, func(i, j int) bool {
		a, b := out.Statuses[i], out.Statuses[j]
		if a.CompletionPct != b.CompletionPct {
			return a.CompletionPct < b.CompletionPct
		}
		return a.Date.After(b.Date)
	})
	return out, nil
}

// finishStatus derives the expected/missing counts, completion and warnings.
func finishStatus(st *types.DateStatus, variants []string) {
	date := utils.FormatDate(st.Date)
	st.ExpectedCount = st.UniqueKeys * len(variants)
	if st.DerivedCount < st.ExpectedCount {
		st.MissingCount = st.ExpectedCount - st.DerivedCount
	}

	switch {
	case st.ExpectedCount == 0:
		st.CompletionPct = 100
	default:
		pct := float64(st.DerivedCount) / float64(st.ExpectedCount) * 100
		st.CompletionPct = math.Min(100, math.Round(pct*100)/100)
	}

	if st.FactCount > st.UniqueKeys {
		st.Warnings = append(st.Warnings, faults.DataQualityWarning{
			Date: date,
			Code: faults.WarnDuplicateFacts,
			Message: fmt.Sprintf("%d non-zero facts for %d distinct (period, entity) keys",
				st.FactCount, st.UniqueKeys),
		})
	}
	if st.FactCount == 0 && st.DerivedCount > 0 {
		st.Warnings = append(st.Warnings, faults.DataQualityWarning{
			Date:    date,
			Code:    faults.WarnOrphanDerived,
			Message: fmt.Sprintf("%d derived rows on a date with no non-zero facts", st.DerivedCount),
		})
		return
	}
	for _, v := range variants {
		if n := st.PerVariant[v]; n > st.UniqueKeys {
			st.Warnings = append(st.Warnings, faults.DataQualityWarning{
				Date:    date,
				Code:    faults.WarnExcessDerived,
				Message: fmt.Sprintf("%s has %d derived rows, expected %d", v, n, st.UniqueKeys),
			})
		}
	}
}
