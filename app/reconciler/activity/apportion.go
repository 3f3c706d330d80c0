package activity

import (
	"sort"

	"github.com/curtailx/curtailx/pkg/calculator"
	"github.com/shopspring/decimal"
)

// Share is one entity's weight in a period total.
type Share struct {
	EntityID string
	Weight   decimal.Decimal
}

// Apportion splits total across shares in proportion to their weights, in units of
// 10^-Precision, using the largest-remainder method. The parts always sum to total
// exactly. Ties on the remainder go to the lower entity id. Non-positive weights get zero.
func Apportion(total decimal.Decimal, shares []Share) []decimal.Decimal {
	out := make([]decimal.Decimal, len(shares))
	for i := range out {
		out[i] = decimal.Zero
	}

	weightSum := decimal.Zero
	for _, s := range shares {
		if s.Weight.IsPositive() {
			weightSum = weightSum.Add(s.Weight)
		}
	}
	if weightSum.IsZero() || !total.IsPositive() {
		return out
	}

	totalUnits := total.Shift(calculator.Precision).Truncate(0)

	type part struct {
		idx       int
		units     decimal.Decimal
		remainder decimal.Decimal
	}
	parts := make([]part, 0, len(shares))
	allocated := decimal.Zero
	for i, s := range shares {
		if !s.Weight.IsPositive() {
			continue
		}
		exact := totalUnits.Mul(s.Weight).DivRound(weightSum, 24)
		floor := exact.Floor()
		parts = append(parts, part{idx: i, units: floor, remainder: exact.Sub(floor)})
		allocated = allocated.Add(floor)
	}

	leftover := totalUnits.Sub(allocated).IntPart()
	if leftover > 0 {
		order := make([]int, len(parts))
		for i := range order {
			order[i] = i
		}
		sort.SliceStable(order, func(a, b int) bool {
			pa, pb := parts[order[a]], parts[order[b]]
			if c := pa.remainder.Cmp(pb.remainder); c != 0 {
				return c > 0
			}
			return shares[pa.idx].EntityID < shares[pb.idx].EntityID
		})
		one := decimal.NewFromInt(1)
		for k := int64(0); k < leftover; k++ {
			p := &parts[order[int(k)%len(order)]]
			p.units = p.units.Add(one)
		}
	}

	for _, p := range parts {
		out[p.idx] = p.units.Shift(-calculator.Precision)
	}
	return out
}
