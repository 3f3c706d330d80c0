package curtailment

import (
	"context"
	"time"

	"github.com/curtailx/curtailx/pkg/db/models/mining"
	"github.com/curtailx/curtailx/pkg/db/postgres"
	"github.com/curtailx/curtailx/pkg/utils"
	"github.com/jackc/pgx/v5"
)

// initFacts creates curtailment_records. Uniqueness of (date, period, farm) is not enforced
// so duplicate ingestion stays visible to analysis.
func (db *DB) initFacts(ctx context.Context) error {
	return db.execMulti(ctx, `
		CREATE TABLE IF NOT EXISTS curtailment_records (
			id BIGSERIAL PRIMARY KEY,
			settlement_date DATE NOT NULL,
			settlement_period INTEGER NOT NULL CHECK (settlement_period BETWEEN 1 AND 50),
			farm_id TEXT NOT NULL,
			lead_party_name TEXT NOT NULL DEFAULT '',
			volume NUMERIC NOT NULL,
			payment NUMERIC NOT NULL DEFAULT 0,
			original_price NUMERIC NOT NULL DEFAULT 0,
			final_price NUMERIC NOT NULL DEFAULT 0,
			so_flag BOOLEAN NOT NULL DEFAULT FALSE,
			cadl_flag BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS curtailment_records_date_period_idx
			ON curtailment_records (settlement_date, settlement_period)`,
	)
}

// ReplaceFacts swaps every fact of (date, period) for the given rows in one transaction.
func (db *DB) ReplaceFacts(ctx context.Context, date time.Time, period int, facts []mining.Fact) error {
	date = utils.Day(date)
	return db.InTx(ctx, func(ctx context.Context) error {
		if err := db.Exec(ctx, `
			DELETE FROM curtailment_records
			WHERE settlement_date = $1 AND settlement_period = $2`, date, period); err != nil {
			return postgres.Classify("delete_facts", err)
		}
		if len(facts) == 0 {
			return nil
		}

		batch := &pgx.Batch{}
		for _, f := range facts {
			createdAt := f.CreatedAt
			if createdAt.IsZero() {
				createdAt = time.Now().UTC()
			}
			batch.Queue(`
				INSERT INTO curtailment_records (
					settlement_date, settlement_period, farm_id, lead_party_name, volume, payment,
					original_price, final_price, so_flag, cadl_flag, created_at
				) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
				date, period, f.EntityID, f.LeadPartyName, f.Volume, f.Payment,
				f.OriginalPrice, f.FinalPrice, f.SOFlag, f.CADLFlag, createdAt,
			)
		}
		return postgres.Classify("insert_facts", db.SendBatch(ctx, batch))
	})
}

// NonZeroFacts returns the date's participating facts ordered by period then farm.
func (db *DB) NonZeroFacts(ctx context.Context, date time.Time) ([]mining.Fact, error) {
	rows, err := db.Query(ctx, `
		SELECT settlement_date, settlement_period, farm_id, lead_party_name,
			volume::text, payment::text, original_price::text, final_price::text,
			so_flag, cadl_flag, created_at
		FROM curtailment_records
		WHERE settlement_date = $1 AND volume <> 0
		ORDER BY settlement_period, farm_id, id`, utils.Day(date))
	if err != nil {
		return nil, postgres.Classify("query_facts", err)
	}
	defer rows.Close()

	var out []mining.Fact
	for rows.Next() {
		var (
			f                                  mining.Fact
			volume, payment, original, finalPx string
		)
		if err := rows.Scan(&f.SettlementDate, &f.SettlementPeriod, &f.EntityID, &f.LeadPartyName,
			&volume, &payment, &original, &finalPx, &f.SOFlag, &f.CADLFlag, &f.CreatedAt); err != nil {
			return nil, postgres.Classify("scan_fact", err)
		}
		if f.Volume, err = parseNumeric(&volume); err != nil {
			return nil, err
		}
		if f.Payment, err = parseNumeric(&payment); err != nil {
			return nil, err
		}
		if f.OriginalPrice, err = parseNumeric(&original); err != nil {
			return nil, err
		}
		if f.FinalPrice, err = parseNumeric(&finalPx); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, postgres.Classify("query_facts", rows.Err())
}

// FactKeys returns the distinct (period, farm) keys with non-zero facts.
func (db *DB) FactKeys(ctx context.Context, date time.Time) ([]mining.Key, error) {
	rows, err := db.Query(ctx, `
		SELECT DISTINCT settlement_period, farm_id
		FROM curtailment_records
		WHERE settlement_date = $1 AND volume <> 0
		ORDER BY settlement_period, farm_id`, utils.Day(date))
	if err != nil {
		return nil, postgres.Classify("query_fact_keys", err)
	}
	keys, err := pgx.CollectRows(rows, scanKey)
	return keys, postgres.Classify("query_fact_keys", err)
}

func scanKey(row pgx.CollectableRow) (mining.Key, error) {
	var k mining.Key
	err := row.Scan(&k.Period, &k.EntityID)
	return k, err
}

// FactStats counts non-zero facts and distinct (period, farm) keys per date.
func (db *DB) FactStats(ctx context.Context, start, end time.Time) ([]mining.FactDateStats, error) {
	rows, err := db.Query(ctx, `
		SELECT settlement_date, COUNT(*), COUNT(DISTINCT (settlement_period, farm_id))
		FROM curtailment_records
		WHERE settlement_date BETWEEN $1 AND $2 AND volume <> 0
		GROUP BY settlement_date
		ORDER BY settlement_date`, utils.Day(start), utils.Day(end))
	if err != nil {
		return nil, postgres.Classify("query_fact_stats", err)
	}
	defer rows.Close()

	var out []mining.FactDateStats
	for rows.Next() {
		var st mining.FactDateStats
		if err := rows.Scan(&st.Date, &st.Rows, &st.UniqueKeys); err != nil {
			return nil, postgres.Classify("scan_fact_stats", err)
		}
		st.Date = utils.Day(st.Date)
		out = append(out, st)
	}
	return out, postgres.Classify("query_fact_stats", rows.Err())
}
