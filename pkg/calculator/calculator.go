// Package calculator converts curtailed energy into the Bitcoin a fleet of miners could
// have produced with it during one settlement period.
package calculator

import (
	"math"
	"sort"

	"github.com/curtailx/curtailx/pkg/faults"
	"github.com/shopspring/decimal"
)

const (
	// SettlementPeriodMinutes is the length of one settlement period.
	SettlementPeriodMinutes = 30
	// BlockIntervalSeconds is the protocol target spacing between blocks.
	BlockIntervalSeconds = 600
	// BlockReward is the subsidy per block after the 2024 halving.
	BlockReward = 3.125
	// BlocksPerSettlementPeriod is the number of blocks expected in one period.
	BlocksPerSettlementPeriod = SettlementPeriodMinutes * 60 / BlockIntervalSeconds
	// Precision is the number of decimal places amounts are rounded to.
	Precision = 8
)

// hashesPerDifficulty is the expected work per block per unit of difficulty (2^32).
const hashesPerDifficulty = 4294967296.0

// Variant is a miner model's published throughput and power draw.
type Variant struct {
	Name       string  `json:"name" yaml:"name"`
	HashrateTH float64 `json:"hashrateTh" yaml:"hashrate_th"`
	PowerW     float64 `json:"powerW" yaml:"power_w"`
}

var (
	S19JPro = Variant{Name: "S19J_PRO", HashrateTH: 100, PowerW: 3050}
	S9      = Variant{Name: "S9", HashrateTH: 13.5, PowerW: 1323}
	M20S    = Variant{Name: "M20S", HashrateTH: 68, PowerW: 3360}
)

// Calculator is safe for concurrent use; it holds no mutable state after construction.
type Calculator struct {
	variants map[string]Variant
	names    []string
}

// New returns a calculator for the given variants. Later duplicates replace earlier ones.
func New(variants ...Variant) *Calculator {
	c := &Calculator{variants: make(map[string]Variant, len(variants))}
	for _, v := range variants {
		if _, ok := c.variants[v.Name]; !ok {
			c.names = append(c.names, v.Name)
		}
		c.variants[v.Name] = v
	}
	sort.Strings(c.names)
	return c
}

// Default returns the calculator for the published miner models.
func Default() *Calculator {
	return New(S19JPro, S9, M20S)
}

// Published returns a published variant by name.
func Published(name string) (Variant, bool) {
	for _, v := range []Variant{S19JPro, S9, M20S} {
		if v.Name == name {
			return v, true
		}
	}
	return Variant{}, false
}

// Variants returns the supported variant names in sorted order.
func (c *Calculator) Variants() []string {
	out := make([]string, len(c.names))
	copy(out, c.names)
	return out
}

// Variant looks up a supported variant.
func (c *Calculator) Variant(name string) (Variant, bool) {
	v, ok := c.variants[name]
	return v, ok
}

// Calculate returns the mined amount for volumeMWh of curtailed energy in one settlement
// period. Only whole miners are counted.
func (c *Calculator) Calculate(volumeMWh decimal.Decimal, variant string, difficulty float64) (decimal.Decimal, error) {
	v, ok := c.variants[variant]
	if !ok {
		return decimal.Zero, faults.InvalidParameter("calculate", "unknown miner variant %q", variant)
	}
	if !(difficulty > 0) || math.IsInf(difficulty, 0) {
		return decimal.Zero, faults.InvalidParameter("calculate", "difficulty %v must be positive", difficulty)
	}
	if !volumeMWh.IsPositive() {
		return decimal.Zero, faults.InvalidParameter("calculate", "volume %s must be positive", volumeMWh)
	}
	if v.HashrateTH <= 0 || v.PowerW <= 0 {
		return decimal.Zero, faults.InvalidParameter("calculate", "variant %q has non-positive constants", variant)
	}

	curtailedKWh := volumeMWh.InexactFloat64() * 1000
	minerKWhPerPeriod := v.PowerW / 1000 * (SettlementPeriodMinutes / 60.0)
	miners := math.Floor(curtailedKWh/minerKWhPerPeriod + 1e-9)
	if miners <= 0 {
		return decimal.Zero, nil
	}

	networkHashrateTH := difficulty * hashesPerDifficulty / BlockIntervalSeconds / 1e12
	share := miners * v.HashrateTH / networkHashrateTH
	amount := share * BlockReward * BlocksPerSettlementPeriod

	return decimal.NewFromFloat(amount).Round(Precision), nil
}
