package curtailment

import (
	"context"
	"fmt"
	"time"

	"github.com/curtailx/curtailx/pkg/db/postgres"
	"github.com/curtailx/curtailx/pkg/utils"
)

// initDifficulty creates the durable difficulty cache.
func (db *DB) initDifficulty(ctx context.Context) error {
	return db.execMulti(ctx, `
		CREATE TABLE IF NOT EXISTS difficulty_cache (
			settlement_date DATE PRIMARY KEY,
			difficulty DOUBLE PRECISION NOT NULL CHECK (difficulty > 0),
			fetched_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
		)`,
	)
}

func (db *DB) GetDifficulty(ctx context.Context, date time.Time) (float64, bool, error) {
	var difficulty float64
	err := db.QueryRow(ctx, `
		SELECT difficulty FROM difficulty_cache WHERE settlement_date = $1`, utils.Day(date),
	).Scan(&difficulty)
	if err != nil {
		if postgres.IsNoRows(err) {
			return 0, false, nil
		}
		return 0, false, postgres.Classify("get_difficulty", err)
	}
	return difficulty, true, nil
}

// PutDifficulty upserts a resolved value.
func (db *DB) PutDifficulty(ctx context.Context, date time.Time, difficulty float64) error {
	if difficulty <= 0 {
		return fmt.Errorf("put_difficulty: non-positive difficulty %v", difficulty)
	}
	return postgres.Classify("put_difficulty", db.Exec(ctx, `
		INSERT INTO difficulty_cache (settlement_date, difficulty, fetched_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (settlement_date) DO UPDATE SET
			difficulty = EXCLUDED.difficulty,
			fetched_at = NOW()`, utils.Day(date), difficulty))
}
