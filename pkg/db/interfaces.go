package db

import (
	"context"
	"time"

	"github.com/curtailx/curtailx/pkg/db/models/mining"
)

// FactReader exposes the read side of the curtailment fact table. Dates are UTC midnights.
type FactReader interface {
	// NonZeroFacts returns the date's participating facts ordered by period then entity.
	NonZeroFacts(ctx context.Context, date time.Time) ([]mining.Fact, error)
	// FactKeys returns the distinct (period, entity) keys with non-zero facts, ordered by
	// period then entity.
	FactKeys(ctx context.Context, date time.Time) ([]mining.Key, error)
	// FactStats counts non-zero facts per date in [start, end]; dates without facts are omitted.
	FactStats(ctx context.Context, start, end time.Time) ([]mining.FactDateStats, error)
}

// FactWriter is the store-side contract of the settlement data collaborator.
type FactWriter interface {
	// ReplaceFacts swaps every fact of (date, period) for the given rows.
	ReplaceFacts(ctx context.Context, date time.Time, period int, facts []mining.Fact) error
}

// DerivedStore holds mining potential rows. Rows for a (date, variant) are only ever
// deleted and re-inserted together.
type DerivedStore interface {
	// DerivedKeys returns the (period, entity) keys holding a derived row for variant,
	// ordered by period then entity.
	DerivedKeys(ctx context.Context, date time.Time, variant string) ([]mining.Key, error)
	DerivedStats(ctx context.Context, start, end time.Time) ([]mining.DerivedDateStats, error)
	ListDerived(ctx context.Context, date time.Time, variant string) ([]mining.Derived, error)
	DeleteDerived(ctx context.Context, date time.Time, variant string) (int64, error)
	InsertDerived(ctx context.Context, rows []mining.Derived) error
	SumDerived(ctx context.Context, date time.Time, variant string) (mining.Aggregate, error)
}

// SummaryStore holds the daily, monthly and yearly projections. Get* return nil when the
// row is absent.
type SummaryStore interface {
	// LockSummary waits until no other transaction holds key and keeps it until the
	// surrounding InTx ends.
	LockSummary(ctx context.Context, key string) error

	DeleteDailySummary(ctx context.Context, date time.Time, variant string) error
	InsertDailySummary(ctx context.Context, s *mining.DailySummary) error
	GetDailySummary(ctx context.Context, date time.Time, variant string) (*mining.DailySummary, error)
	SumDailySummaries(ctx context.Context, yearMonth, variant string) (mining.Aggregate, error)

	DeleteMonthlySummary(ctx context.Context, yearMonth, variant string) error
	InsertMonthlySummary(ctx context.Context, s *mining.MonthlySummary) error
	GetMonthlySummary(ctx context.Context, yearMonth, variant string) (*mining.MonthlySummary, error)
	SumMonthlySummaries(ctx context.Context, year int, variant string) (mining.Aggregate, error)

	DeleteYearlySummary(ctx context.Context, year int, variant string) error
	InsertYearlySummary(ctx context.Context, s *mining.YearlySummary) error
	GetYearlySummary(ctx context.Context, year int, variant string) (*mining.YearlySummary, error)
}

// DifficultyStore is the durable difficulty cache.
type DifficultyStore interface {
	GetDifficulty(ctx context.Context, date time.Time) (float64, bool, error)
	PutDifficulty(ctx context.Context, date time.Time, difficulty float64) error
}

// Store is everything the reconciler needs from the backing store.
type Store interface {
	FactReader
	FactWriter
	DerivedStore
	SummaryStore
	DifficultyStore

	// InTx runs fn in one transaction; store calls made with the ctx passed to fn join it.
	// Any error returned by fn rolls everything back.
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
	// Ping checks connectivity; failures are faults.KindTransientStore.
	Ping(ctx context.Context) error
	Close() error
}
