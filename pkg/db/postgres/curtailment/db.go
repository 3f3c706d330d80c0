// Package curtailment is the PostgreSQL implementation of db.Store.
package curtailment

import (
	"context"
	"fmt"

	"github.com/curtailx/curtailx/pkg/db"
	"github.com/curtailx/curtailx/pkg/db/postgres"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var _ db.Store = (*DB)(nil)

// DB holds curtailment facts, mining potential and summaries.
type DB struct {
	*postgres.Client
}

// New connects to dbURL and ensures every table exists.
func New(ctx context.Context, logger *zap.Logger, dbURL string, poolConfig postgres.PoolConfig) (*DB, error) {
	client, err := postgres.New(ctx, logger.With(zap.String("component", "curtailment_db")), dbURL, poolConfig)
	if err != nil {
		return nil, err
	}

	store := &DB{Client: client}
	if err := store.InitializeDB(ctx); err != nil {
		client.Close()
		return nil, err
	}
	return store, nil
}

// InitializeDB ensures the required tables exist
func (db *DB) InitializeDB(ctx context.Context) error {
	db.Logger.Info("Initializing curtailment database")

	steps := []struct {
		name string
		init func(context.Context) error
	}{
		{"curtailment_records", db.initFacts},
		{"mining_potential", db.initDerived},
		{"mining_summaries", db.initSummaries},
		{"difficulty_cache", db.initDifficulty},
	}
	for _, step := range steps {
		db.Logger.Debug("Initialize table", zap.String("table", step.name))
		if err := step.init(ctx); err != nil {
			return fmt.Errorf("init %s: %w", step.name, postgres.Classify("init_schema", err))
		}
	}
	return nil
}

// InTx runs fn inside one transaction. Nested calls join the outer transaction.
func (db *DB) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if db.HasTx(ctx) {
		return fn(ctx)
	}
	err := db.BeginFunc(ctx, func(tx pgx.Tx) error {
		return fn(db.WithTx(ctx, tx))
	})
	if err != nil {
		return postgres.Classify("transaction", err)
	}
	return nil
}

// Close terminates the underlying connection pool
func (db *DB) Close() error {
	db.Client.Close()
	return nil
}

// execMulti runs each DDL statement in order.
func (db *DB) execMulti(ctx context.Context, statements ...string) error {
	for _, stmt := range statements {
		if err := db.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// parseNumeric converts a NUMERIC scanned as text. NULL sums scan as "" and mean zero.
func parseNumeric(s *string) (decimal.Decimal, error) {
	if s == nil || *s == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(*s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse numeric %q: %w", *s, err)
	}
	return d, nil
}
