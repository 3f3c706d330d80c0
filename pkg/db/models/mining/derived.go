package mining

import (
	"time"

	"github.com/shopspring/decimal"
)

// Derived is the mining potential of one BMU's curtailment in one settlement period for
// one miner model. Rows for a (date, model) are always regenerated together.
type Derived struct {
	SettlementDate   time.Time       `db:"settlement_date" json:"settlementDate"`
	SettlementPeriod int             `db:"settlement_period" json:"settlementPeriod"`
	EntityID         string          `db:"farm_id" json:"entityId"`
	Variant          string          `db:"miner_model" json:"variant"`
	Amount           decimal.Decimal `db:"bitcoin_mined" json:"amount"`
	Difficulty       float64         `db:"difficulty" json:"difficulty"`
	CalculatedAt     time.Time       `db:"calculated_at" json:"calculatedAt"`
}

// DerivedKey identifies a derived row.
type DerivedKey struct {
	SettlementDate   time.Time
	SettlementPeriod int
	EntityID         string
	Variant          string
}

func (d Derived) Key() DerivedKey {
	return DerivedKey{
		SettlementDate:   d.SettlementDate,
		SettlementPeriod: d.SettlementPeriod,
		EntityID:         d.EntityID,
		Variant:          d.Variant,
	}
}
