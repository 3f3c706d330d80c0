package types

import (
	"sort"
	"time"

	"github.com/curtailx/curtailx/pkg/faults"
	"github.com/shopspring/decimal"
)

// DateAnalysis lists, per miner model, the settlement periods that have non-zero facts
// but no derived rows.
type DateAnalysis struct {
	Date           time.Time        `json:"date"`
	TotalFacts     int              `json:"totalFacts"`
	MissingPeriods map[string][]int `json:"missingPeriods"`
	Complete       bool             `json:"complete"`
}

// Variants returns the models with missing periods, sorted.
func (a DateAnalysis) Variants() []string {
	out := make([]string, 0, len(a.MissingPeriods))
	for v := range a.MissingPeriods {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

// DateStatus is the row-count view of one date used for range reports.
type DateStatus struct {
	Date          time.Time                   `json:"date"`
	FactCount     int                         `json:"factCount"`
	UniqueKeys    int                         `json:"uniqueKeys"`
	DerivedCount  int                         `json:"derivedCount"`
	ExpectedCount int                         `json:"expectedCount"`
	MissingCount  int                         `json:"missingCount"`
	CompletionPct float64                     `json:"completionPct"`
	PerVariant    map[string]int              `json:"perVariant,omitempty"`
	Warnings      []faults.DataQualityWarning `json:"warnings,omitempty"`
}

// RangeStatus summarizes a range of DateStatus rows.
type RangeStatus struct {
	Start      time.Time    `json:"start"`
	End        time.Time    `json:"end"`
	Dates      int          `json:"dates"`
	Complete   int          `json:"complete"`
	Incomplete int          `json:"incomplete"`
	Warnings   int          `json:"warnings"`
	Statuses   []DateStatus `json:"statuses"`
}

// RecomputeResult describes one (date, model) regeneration.
type RecomputeResult struct {
	Date             time.Time       `json:"date"`
	Variant          string          `json:"variant"`
	Periods          int             `json:"periods"`
	Rows             int             `json:"rows"`
	Deleted          int64           `json:"deleted"`
	Amount           decimal.Decimal `json:"amount"`
	Difficulty       float64         `json:"difficulty"`
	DifficultyOrigin string          `json:"difficultyOrigin"`
	// Shared is true when this caller awaited a recompute already in flight.
	Shared   bool                        `json:"shared"`
	Warnings []faults.DataQualityWarning `json:"warnings,omitempty"`
}

// Summary layers
const (
	LayerDaily   = "daily"
	LayerMonthly = "monthly"
	LayerYearly  = "yearly"
)

// RollupResult is the outcome of regenerating one summary row.
type RollupResult struct {
	Layer   string          `json:"layer"`
	Key     string          `json:"key"`
	Variant string          `json:"variant"`
	Rows    int             `json:"rows"`
	Amount  decimal.Decimal `json:"amount"`
	// Present is false when the finer layer was empty and the row was left absent.
	Present bool `json:"present"`
}

// FixInput selects a single date to repair. Force recomputes every model, not just the
// ones with missing periods.
type FixInput struct {
	Date  time.Time `json:"date"`
	Force bool      `json:"force"`
}

// FixResult reports a single-date repair.
type FixResult struct {
	Date       time.Time         `json:"date"`
	Before     DateAnalysis      `json:"before"`
	Recomputed []RecomputeResult `json:"recomputed"`
	Rollups    []RollupResult    `json:"rollups"`
	After      DateAnalysis      `json:"after"`
	DurationMs float64           `json:"durationMs"`
}
