package curtailment

import (
	"context"
	"fmt"
	"time"

	"github.com/curtailx/curtailx/pkg/db/models/mining"
	"github.com/curtailx/curtailx/pkg/db/postgres"
	"github.com/curtailx/curtailx/pkg/faults"
	"github.com/curtailx/curtailx/pkg/utils"
)

// initSummaries creates the daily, monthly and yearly projections.
func (db *DB) initSummaries(ctx context.Context) error {
	return db.execMulti(ctx, `
		CREATE TABLE IF NOT EXISTS mining_daily_summaries (
			summary_date DATE NOT NULL,
			miner_model TEXT NOT NULL,
			bitcoin_mined NUMERIC(20, 8) NOT NULL,
			average_difficulty DOUBLE PRECISION NOT NULL DEFAULT 0,
			updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
			PRIMARY KEY (summary_date, miner_model)
		)`, `
		CREATE TABLE IF NOT EXISTS mining_monthly_summaries (
			year_month CHAR(7) NOT NULL,
			miner_model TEXT NOT NULL,
			bitcoin_mined NUMERIC(20, 8) NOT NULL,
			average_difficulty DOUBLE PRECISION NOT NULL DEFAULT 0,
			updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
			PRIMARY KEY (year_month, miner_model)
		)`, `
		CREATE TABLE IF NOT EXISTS mining_yearly_summaries (
			year INTEGER NOT NULL,
			miner_model TEXT NOT NULL,
			bitcoin_mined NUMERIC(20, 8) NOT NULL,
			average_difficulty DOUBLE PRECISION NOT NULL DEFAULT 0,
			updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
			PRIMARY KEY (year, miner_model)
		)`,
	)
}

// LockSummary takes a transaction-scoped advisory lock on key. Concurrent roll-ups of the
// same summary row queue here instead of racing delete then insert on its primary key.
func (db *DB) LockSummary(ctx context.Context, key string) error {
	return postgres.Classify("lock_summary", db.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, key))
}

// =============================================================================
// Daily
// =============================================================================

func (db *DB) DeleteDailySummary(ctx context.Context, date time.Time, variant string) error {
	return postgres.Classify("delete_daily_summary", db.Exec(ctx, `
		DELETE FROM mining_daily_summaries
		WHERE summary_date = $1 AND miner_model = $2`, utils.Day(date), variant))
}

func (db *DB) InsertDailySummary(ctx context.Context, s *mining.DailySummary) error {
	return postgres.Classify("insert_daily_summary", db.Exec(ctx, `
		INSERT INTO mining_daily_summaries (summary_date, miner_model, bitcoin_mined, average_difficulty, updated_at)
		VALUES ($1, $2, $3, $4, $5)`,
		utils.Day(s.SummaryDate), s.Variant, s.Amount, s.AverageDifficulty, s.UpdatedAt))
}

func (db *DB) GetDailySummary(ctx context.Context, date time.Time, variant string) (*mining.DailySummary, error) {
	var (
		s      mining.DailySummary
		amount string
	)
	err := db.QueryRow(ctx, `
		SELECT summary_date, miner_model, bitcoin_mined::text, average_difficulty, updated_at
		FROM mining_daily_summaries
		WHERE summary_date = $1 AND miner_model = $2`, utils.Day(date), variant,
	).Scan(&s.SummaryDate, &s.Variant, &amount, &s.AverageDifficulty, &s.UpdatedAt)
	if err != nil {
		if postgres.IsNoRows(err) {
			return nil, nil
		}
		return nil, postgres.Classify("get_daily_summary", err)
	}
	if s.Amount, err = parseNumeric(&amount); err != nil {
		return nil, err
	}
	return &s, nil
}

// SumDailySummaries sums the daily rows of a YYYY-MM month.
func (db *DB) SumDailySummaries(ctx context.Context, yearMonth, variant string) (mining.Aggregate, error) {
	first, last, err := utils.MonthBounds(yearMonth)
	if err != nil {
		return mining.Aggregate{}, faults.InvalidParameter("sum_daily_summaries", "%v", err)
	}
	return db.aggregate(ctx, "sum_daily_summaries", `
		SELECT COUNT(*), SUM(bitcoin_mined)::text, COALESCE(AVG(average_difficulty), 0)
		FROM mining_daily_summaries
		WHERE summary_date BETWEEN $1 AND $2 AND miner_model = $3`, first, last, variant)
}

// =============================================================================
// Monthly
// =============================================================================

func (db *DB) DeleteMonthlySummary(ctx context.Context, yearMonth, variant string) error {
	return postgres.Classify("delete_monthly_summary", db.Exec(ctx, `
		DELETE FROM mining_monthly_summaries
		WHERE year_month = $1 AND miner_model = $2`, yearMonth, variant))
}

func (db *DB) InsertMonthlySummary(ctx context.Context, s *mining.MonthlySummary) error {
	return postgres.Classify("insert_monthly_summary", db.Exec(ctx, `
		INSERT INTO mining_monthly_summaries (year_month, miner_model, bitcoin_mined, average_difficulty, updated_at)
		VALUES ($1, $2, $3, $4, $5)`,
		s.YearMonth, s.Variant, s.Amount, s.AverageDifficulty, s.UpdatedAt))
}

func (db *DB) GetMonthlySummary(ctx context.Context, yearMonth, variant string) (*mining.MonthlySummary, error) {
	var (
		s      mining.MonthlySummary
		amount string
	)
	err := db.QueryRow(ctx, `
		SELECT year_month, miner_model, bitcoin_mined::text, average_difficulty, updated_at
		FROM mining_monthly_summaries
		WHERE year_month = $1 AND miner_model = $2`, yearMonth, variant,
	).Scan(&s.YearMonth, &s.Variant, &amount, &s.AverageDifficulty, &s.UpdatedAt)
	if err != nil {
		if postgres.IsNoRows(err) {
			return nil, nil
		}
		return nil, postgres.Classify("get_monthly_summary", err)
	}
	if s.Amount, err = parseNumeric(&amount); err != nil {
		return nil, err
	}
	return &s, nil
}

// SumMonthlySummaries sums the monthly rows of a year.
func (db *DB) SumMonthlySummaries(ctx context.Context, year int, variant string) (mining.Aggregate, error) {
	return db.aggregate(ctx, "sum_monthly_summaries", `
		SELECT COUNT(*), SUM(bitcoin_mined)::text, COALESCE(AVG(average_difficulty), 0)
		FROM mining_monthly_summaries
		WHERE year_month LIKE $1 AND miner_model = $2`, fmt.Sprintf("%04d-%%", year), variant)
}

// =============================================================================
// Yearly
// =============================================================================

func (db *DB) DeleteYearlySummary(ctx context.Context, year int, variant string) error {
	return postgres.Classify("delete_yearly_summary", db.Exec(ctx, `
		DELETE FROM mining_yearly_summaries
		WHERE year = $1 AND miner_model = $2`, year, variant))
}

func (db *DB) InsertYearlySummary(ctx context.Context, s *mining.YearlySummary) error {
	return postgres.Classify("insert_yearly_summary", db.Exec(ctx, `
		INSERT INTO mining_yearly_summaries (year, miner_model, bitcoin_mined, average_difficulty, updated_at)
		VALUES ($1, $2, $3, $4, $5)`,
		s.Year, s.Variant, s.Amount, s.AverageDifficulty, s.UpdatedAt))
}

func (db *DB) GetYearlySummary(ctx context.Context, year int, variant string) (*mining.YearlySummary, error) {
	var (
		s      mining.YearlySummary
		amount string
	)
	err := db.QueryRow(ctx, `
		SELECT year, miner_model, bitcoin_mined::text, average_difficulty, updated_at
		FROM mining_yearly_summaries
		WHERE year = $1 AND miner_model = $2`, year, variant,
	).Scan(&s.Year, &s.Variant, &amount, &s.AverageDifficulty, &s.UpdatedAt)
	if err != nil {
		if postgres.IsNoRows(err) {
			return nil, nil
		}
		return nil, postgres.Classify("get_yearly_summary", err)
	}
	if s.Amount, err = parseNumeric(&amount); err != nil {
		return nil, err
	}
	return &s, nil
}
