package curtailment

import (
	"context"
	"time"

	"github.com/curtailx/curtailx/pkg/db/models/mining"
	"github.com/curtailx/curtailx/pkg/db/postgres"
	"github.com/curtailx/curtailx/pkg/utils"
	"github.com/jackc/pgx/v5"
)

// initDerived creates mining_potential keyed by (date, period, farm, model).
func (db *DB) initDerived(ctx context.Context) error {
	return db.execMulti(ctx, `
		CREATE TABLE IF NOT EXISTS mining_potential (
			settlement_date DATE NOT NULL,
			settlement_period INTEGER NOT NULL,
			farm_id TEXT NOT NULL,
			miner_model TEXT NOT NULL,
			bitcoin_mined NUMERIC(20, 8) NOT NULL,
			difficulty DOUBLE PRECISION NOT NULL,
			calculated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
			PRIMARY KEY (settlement_date, settlement_period, farm_id, miner_model)
		)`,
		`CREATE INDEX IF NOT EXISTS mining_potential_date_model_idx
			ON mining_potential (settlement_date, miner_model)`,
	)
}

func (db *DB) DerivedKeys(ctx context.Context, date time.Time, variant string) ([]mining.Key, error) {
	rows, err := db.Query(ctx, `
		SELECT settlement_period, farm_id
		FROM mining_potential
		WHERE settlement_date = $1 AND miner_model = $2
		ORDER BY settlement_period, farm_id`, utils.Day(date), variant)
	if err != nil {
		return nil, postgres.Classify("query_derived_keys", err)
	}
	keys, err := pgx.CollectRows(rows, scanKey)
	return keys, postgres.Classify("query_derived_keys", err)
}

func (db *DB) DerivedStats(ctx context.Context, start, end time.Time) ([]mining.DerivedDateStats, error) {
	rows, err := db.Query(ctx, `
		SELECT settlement_date, miner_model, COUNT(*)
		FROM mining_potential
		WHERE settlement_date BETWEEN $1 AND $2
		GROUP BY settlement_date, miner_model
		ORDER BY settlement_date, miner_model`, utils.Day(start), utils.Day(end))
	if err != nil {
		return nil, postgres.Classify("query_derived_stats", err)
	}
	defer rows.Close()

	var out []mining.DerivedDateStats
	for rows.Next() {
		var st mining.DerivedDateStats
		if err := rows.Scan(&st.Date, &st.Variant, &st.Rows); err != nil {
			return nil, postgres.Classify("scan_derived_stats", err)
		}
		st.Date = utils.Day(st.Date)
		out = append(out, st)
	}
	return out, postgres.Classify("query_derived_stats", rows.Err())
}

func (db *DB) ListDerived(ctx context.Context, date time.Time, variant string) ([]mining.Derived, error) {
	rows, err := db.Query(ctx, `
		SELECT settlement_date, settlement_period, farm_id, miner_model, bitcoin_mined::text,
			difficulty, calculated_at
		FROM mining_potential
		WHERE settlement_date = $1 AND miner_model = $2
		ORDER BY settlement_period, farm_id`, utils.Day(date), variant)
	if err != nil {
		return nil, postgres.Classify("query_derived", err)
	}
	defer rows.Close()

	var out []mining.Derived
	for rows.Next() {
		var (
			d      mining.Derived
			amount string
		)
		if err := rows.Scan(&d.SettlementDate, &d.SettlementPeriod, &d.EntityID, &d.Variant,
			&amount, &d.Difficulty, &d.CalculatedAt); err != nil {
			return nil, postgres.Classify("scan_derived", err)
		}
		if d.Amount, err = parseNumeric(&amount); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, postgres.Classify("query_derived", rows.Err())
}

// DeleteDerived removes every row of (date, model) and reports how many went.
func (db *DB) DeleteDerived(ctx context.Context, date time.Time, variant string) (int64, error) {
	n, err := db.ExecRows(ctx, `
		DELETE FROM mining_potential
		WHERE settlement_date = $1 AND miner_model = $2`, utils.Day(date), variant)
	return n, postgres.Classify("delete_derived", err)
}

// InsertDerived batch-inserts rows. A key collision fails the whole batch.
func (db *DB) InsertDerived(ctx context.Context, rows []mining.Derived) error {
	if len(rows) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, r := range rows {
		batch.Queue(`
			INSERT INTO mining_potential (
				settlement_date, settlement_period, farm_id, miner_model, bitcoin_mined,
				difficulty, calculated_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			utils.Day(r.SettlementDate), r.SettlementPeriod, r.EntityID, r.Variant, r.Amount,
			r.Difficulty, r.CalculatedAt,
		)
	}
	return postgres.Classify("insert_derived", db.SendBatch(ctx, batch))
}

func (db *DB) SumDerived(ctx context.Context, date time.Time, variant string) (mining.Aggregate, error) {
	return db.aggregate(ctx, "sum_derived", `
		SELECT COUNT(*), SUM(bitcoin_mined)::text, COALESCE(AVG(difficulty), 0)
		FROM mining_potential
		WHERE settlement_date = $1 AND miner_model = $2`, utils.Day(date), variant)
}

// aggregate scans a (count, sum::text, avg) row.
func (db *DB) aggregate(ctx context.Context, op, query string, args ...any) (mining.Aggregate, error) {
	var (
		agg mining.Aggregate
		sum *string
	)
	if err := db.QueryRow(ctx, query, args...).Scan(&agg.Rows, &sum, &agg.AverageDifficulty); err != nil {
		return mining.Aggregate{}, postgres.Classify(op, err)
	}
	amount, err := parseNumeric(sum)
	if err != nil {
		return mining.Aggregate{}, err
	}
	agg.Amount = amount
	return agg, nil
}
