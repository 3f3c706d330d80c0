package activity

import (
	"context"
	"testing"
	"time"

	"github.com/curtailx/curtailx/pkg/db/models/mining"
	"github.com/curtailx/curtailx/pkg/faults"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAnalyzeRange(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	d1 := day
	d2 := day.AddDate(0, 0, 1)
	d3 := day.AddDate(0, 0, 2)
	d4 := day.AddDate(0, 0, 3)

	// d1: complete
	f.seed(t, d1, 1, fact("A", 10))
	_, err := f.ctx.FixLeaf(ctx, d1, false)
	require.NoError(t, err)

	// d2: nothing derived, duplicate fact rows
	f.seed(t, d2, 1, fact("A", 10), fact("A", 5), fact("B", 1))

	// d3: complete for M only
	f.seed(t, d3, 1, fact("A", 10))
	_, err = f.ctx.Recompute(ctx, d3, "M")
	require.NoError(t, err)

	// d4: orphan derived rows
	require.NoError(t, f.store.InsertDerived(ctx, []mining.Derived{{
		SettlementDate: d4, SettlementPeriod: 1, EntityID: "Z", Variant: "M", Amount: dec("0.1"), Difficulty: 1,
	}}))

	rs, err := f.ctx.AnalyzeRange(ctx, d1, d4.AddDate(0, 0, 3))
	require.NoError(t, err)
	require.Len(t, rs.Statuses, 4)
	assert.Equal(t, 4, rs.Dates)
	assert.Equal(t, 2, rs.Complete)
	assert.Equal(t, 2, rs.Incomplete)

	// least complete first; equal completion newest first
	assert.Equal(t, d2, rs.Statuses[0].Date)
	assert.Equal(t, d3, rs.Statuses[1].Date)
	assert.Equal(t, d4, rs.Statuses[2].Date)
	assert.Equal(t, d1, rs.Statuses[3].Date)

	s2 := rs.Statuses[0]
	assert.Equal(t, 3, s2.FactCount)
	assert.Equal(t, 2, s2.UniqueKeys)
	assert.Equal(t, 4, s2.ExpectedCount)
	assert.Equal(t, 4, s2.MissingCount)
	assert.Equal(t, 0.0, s2.CompletionPct)
	require.Len(t, s2.Warnings, 1)
	assert.Equal(t, faults.WarnDuplicateFacts, s2.Warnings[0].Code)

	assert.Equal(t, 50.0, rs.Statuses[1].CompletionPct)

	s4 := rs.Statuses[2]
	assert.Equal(t, 100.0, s4.CompletionPct)
	require.Len(t, s4.Warnings, 1)
	assert.Equal(t, faults.WarnOrphanDerived, s4.Warnings[0].Code)

	assert.Equal(t, 100.0, rs.Statuses[3].CompletionPct)
	assert.Empty(t, rs.Statuses[3].Warnings)
}

func TestAnalyzeRangeExcessDerivedCapsAt100(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.seed(t, day, 1, fact("A", 10))
	_, err := f.ctx.FixLeaf(ctx, day, false)
	require.NoError(t, err)

	// stale row for an entity that no longer curtails
	require.NoError(t, f.store.InsertDerived(ctx, []mining.Derived{{
		SettlementDate: day, SettlementPeriod: 1, EntityID: "GONE", Variant: "M", Amount: dec("0.1"), Difficulty: 1,
	}}))

	rs, err := f.ctx.AnalyzeRange(ctx, day, day)
	require.NoError(t, err)
	require.Len(t, rs.Statuses, 1)
	st := rs.Statuses[0]
	assert.Equal(t, 100.0, st.CompletionPct)
	assert.Zero(t, st.MissingCount)
	require.Len(t, st.Warnings, 1)
	assert.Equal(t, faults.WarnExcessDerived, st.Warnings[0].Code)
}

func TestAnalyzeRangeRejectsInvertedRange(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.ctx.AnalyzeRange(context.Background(), day, day.Add(-24*time.Hour))
	assert.True(t, faults.IsInvalidParameter(err))
}
