package mining

import (
	"time"

	"github.com/shopspring/decimal"
)

// DailySummary is the sum of a day's derived rows for one miner model.
type DailySummary struct {
	SummaryDate       time.Time       `db:"summary_date" json:"summaryDate"`
	Variant           string          `db:"miner_model" json:"variant"`
	Amount            decimal.Decimal `db:"bitcoin_mined" json:"amount"`
	AverageDifficulty float64         `db:"average_difficulty" json:"averageDifficulty"`
	UpdatedAt         time.Time       `db:"updated_at" json:"updatedAt"`
}

// MonthlySummary is the sum of a month's daily summaries for one miner model.
type MonthlySummary struct {
	YearMonth         string          `db:"year_month" json:"yearMonth"`
	Variant           string          `db:"miner_model" json:"variant"`
	Amount            decimal.Decimal `db:"bitcoin_mined" json:"amount"`
	AverageDifficulty float64         `db:"average_difficulty" json:"averageDifficulty"`
	UpdatedAt         time.Time       `db:"updated_at" json:"updatedAt"`
}

// YearlySummary is the sum of a year's monthly summaries for one miner model.
type YearlySummary struct {
	Year              int             `db:"year" json:"year"`
	Variant           string          `db:"miner_model" json:"variant"`
	Amount            decimal.Decimal `db:"bitcoin_mined" json:"amount"`
	AverageDifficulty float64         `db:"average_difficulty" json:"averageDifficulty"`
	UpdatedAt         time.Time       `db:"updated_at" json:"updatedAt"`
}

// Aggregate is the result of summing a finer-grained table. Rows == 0 means there was
// nothing to sum, which is distinct from a zero amount.
type Aggregate struct {
	Rows              int
	Amount            decimal.Decimal
	AverageDifficulty float64
}
