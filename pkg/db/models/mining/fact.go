package mining

import (
	"time"

	"github.com/shopspring/decimal"
)

// Fact is one curtailment record for a BMU in a settlement period, as ingested from the
// settlement data source. Volume is signed MWh; only non-zero rows take part in mining
// potential calculations.
type Fact struct {
	SettlementDate   time.Time       `db:"settlement_date" json:"settlementDate"`
	SettlementPeriod int             `db:"settlement_period" json:"settlementPeriod"`
	EntityID         string          `db:"farm_id" json:"entityId"`
	LeadPartyName    string          `db:"lead_party_name" json:"leadPartyName,omitempty"`
	Volume           decimal.Decimal `db:"volume" json:"volume"`
	Payment          decimal.Decimal `db:"payment" json:"payment"`
	OriginalPrice    decimal.Decimal `db:"original_price" json:"originalPrice"`
	FinalPrice       decimal.Decimal `db:"final_price" json:"finalPrice"`
	SOFlag           bool            `db:"so_flag" json:"soFlag"`
	CADLFlag         bool            `db:"cadl_flag" json:"cadlFlag"`
	CreatedAt        time.Time       `db:"created_at" json:"createdAt"`
}

// AbsVolume is the curtailed magnitude regardless of bid/offer direction.
func (f Fact) AbsVolume() decimal.Decimal {
	return f.Volume.Abs()
}

// Participates reports whether the record contributes to mining potential.
func (f Fact) Participates() bool {
	return !f.Volume.IsZero()
}
