// Package memory is an in-process implementation of db.Store used by tests and by
// offline runs against seeded data. Transactions are serialized and rolled back by
// restoring a snapshot; writes outside a transaction wait for the running one to finish.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/curtailx/curtailx/pkg/db"
	"github.com/curtailx/curtailx/pkg/db/models/mining"
	"github.com/curtailx/curtailx/pkg/faults"
	"github.com/curtailx/curtailx/pkg/utils"
	"github.com/shopspring/decimal"
)

var _ db.Store = (*Store)(nil)

type dateVariant struct {
	date    time.Time
	variant string
}

type monthVariant struct {
	yearMonth string
	variant   string
}

type yearVariant struct {
	year    int
	variant string
}

type periodEntity struct {
	period int
	entity string
}

type tables struct {
	facts      map[time.Time]map[int][]mining.Fact
	derived    map[dateVariant]map[periodEntity]mining.Derived
	daily      map[dateVariant]mining.DailySummary
	monthly    map[monthVariant]mining.MonthlySummary
	yearly     map[yearVariant]mining.YearlySummary
	difficulty map[time.Time]float64
}

func newTables() tables {
	return tables{
		facts:      map[time.Time]map[int][]mining.Fact{},
		derived:    map[dateVariant]map[periodEntity]mining.Derived{},
		daily:      map[dateVariant]mining.DailySummary{},
		monthly:    map[monthVariant]mining.MonthlySummary{},
		yearly:     map[yearVariant]mining.YearlySummary{},
		difficulty: map[time.Time]float64{},
	}
}

func (t tables) clone() tables {
	out := newTables()
	for d, periods := range t.facts {
		cp := make(map[int][]mining.Fact, len(periods))
		for p, rows := range periods {
			cp[p] = append([]mining.Fact(nil), rows...)
		}
		out.facts[d] = cp
	}
	for k, rows := range t.derived {
		cp := make(map[periodEntity]mining.Derived, len(rows))
		for rk, r := range rows {
			cp[rk] = r
		}
		out.derived[k] = cp
	}
	for k, v := range t.daily {
		out.daily[k] = v
	}
	for k, v := range t.monthly {
		out.monthly[k] = v
	}
	for k, v := range t.yearly {
		out.yearly[k] = v
	}
	for k, v := range t.difficulty {
		out.difficulty[k] = v
	}
	return out
}

// Hooks inject behaviour into store calls. A non-nil error returned by a hook fails the call.
type Hooks struct {
	Ping                func(ctx context.Context) error
	BeforeDeleteDerived func(ctx context.Context, date time.Time, variant string) error
	BeforeInsertDerived func(ctx context.Context, rows []mining.Derived) error
}

type txKey struct{}

// Store keeps every table in maps guarded by one RWMutex.
type Store struct {
	mu   sync.RWMutex
	txMu sync.Mutex
	data tables

	hooksMu sync.RWMutex
	hooks   Hooks

	deleteDerivedCalls atomic.Int64
	insertDerivedCalls atomic.Int64
}

func New() *Store {
	return &Store{data: newTables()}
}

// SetHooks replaces the injected hooks.
func (s *Store) SetHooks(h Hooks) {
	s.hooksMu.Lock()
	defer s.hooksMu.Unlock()
	s.hooks = h
}

func (s *Store) getHooks() Hooks {
	s.hooksMu.RLock()
	defer s.hooksMu.RUnlock()
	return s.hooks
}

// DeleteDerivedCalls counts DeleteDerived invocations, including rolled-back ones.
func (s *Store) DeleteDerivedCalls() int64 { return s.deleteDerivedCalls.Load() }

// InsertDerivedCalls counts InsertDerived invocations, including rolled-back ones.
func (s *Store) InsertDerivedCalls() int64 { return s.insertDerivedCalls.Load() }

func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx.Value(txKey{}) != nil {
		return fn(ctx)
	}

	s.txMu.Lock()
	defer s.txMu.Unlock()

	s.mu.RLock()
	snapshot := s.data.clone()
	s.mu.RUnlock()

	if err := fn(context.WithValue(ctx, txKey{}, true)); err != nil {
		s.mu.Lock()
		s.data = snapshot
		s.mu.Unlock()
		return err
	}
	return nil
}

// lockWrite serializes a write made outside InTx with running transactions, so a rollback
// restoring its snapshot cannot discard the write.
func (s *Store) lockWrite(ctx context.Context) func() {
	if ctx.Value(txKey{}) != nil {
		return func() {}
	}
	s.txMu.Lock()
	return s.txMu.Unlock
}

func (s *Store) Ping(ctx context.Context) error {
	if h := s.getHooks().Ping; h != nil {
		if err := h(ctx); err != nil {
			return faults.TransientStore("ping", err)
		}
	}
	return ctx.Err()
}

func (s *Store) Close() error { return nil }

// =============================================================================
// Facts
// =============================================================================

func (s *Store) ReplaceFacts(ctx context.Context, date time.Time, period int, facts []mining.Fact) error {
	date = utils.Day(date)
	defer s.lockWrite(ctx)()
	s.mu.Lock()
	defer s.mu.Unlock()

	periods, ok := s.data.facts[date]
	if !ok {
		periods = map[int][]mining.Fact{}
		s.data.facts[date] = periods
	}
	if len(facts) == 0 {
		delete(periods, period)
		return nil
	}
	rows := make([]mining.Fact, 0, len(facts))
	for _, f := range facts {
		f.SettlementDate = date
		f.SettlementPeriod = period
		rows = append(rows, f)
	}
	periods[period] = rows
	return nil
}

func (s *Store) NonZeroFacts(_ context.Context, date time.Time) ([]mining.Fact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []mining.Fact
	for _, rows := range s.data.facts[utils.Day(date)] {
		for _, f := range rows {
			if f.Participates() {
				out = append(out, f)
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].SettlementPeriod != out[j].SettlementPeriod {
			return out[i].SettlementPeriod < out[j].SettlementPeriod
		}
		return out[i].EntityID < out[j].EntityID
	})
	return out, nil
}

func (s *Store) FactKeys(ctx context.Context, date time.Time) ([]mining.Key, error) {
	facts, err := s.NonZeroFacts(ctx, date)
	if err != nil {
		return nil, err
	}
	seen := map[mining.Key]bool{}
	var out []mining.Key
	for _, f := range facts {
		k := mining.Key{Period: f.SettlementPeriod, EntityID: f.EntityID}
		if !seen[k] {
			seen[k] = true
			out = append(out, k)
		}
	}
	return out, nil
}

func (s *Store) FactStats(_ context.Context, start, end time.Time) ([]mining.FactDateStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []mining.FactDateStats
	for _, d := range utils.DateRange(start, end) {
		st := mining.FactDateStats{Date: d}
		keys := map[periodEntity]bool{}
		for p, rows := range s.data.facts[d] {
			for _, f := range rows {
				if !f.Participates() {
					continue
				}
				st.Rows++
				keys[periodEntity{period: p, entity: f.EntityID}] = true
			}
		}
		st.UniqueKeys = len(keys)
		if st.Rows > 0 {
			out = append(out, st)
		}
	}
	return out, nil
}

// =============================================================================
// Derived
// =============================================================================

func (s *Store) DerivedKeys(_ context.Context, date time.Time, variant string) ([]mining.Key, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows := s.data.derived[dateVariant{date: utils.Day(date), variant: variant}]
	out := make([]mining.Key, 0, len(rows))
	for k := range rows {
		out = append(out, mining.Key{Period: k.period, EntityID: k.entity})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Period != out[j].Period {
			return out[i].Period < out[j].Period
		}
		return out[i].EntityID < out[j].EntityID
	})
	return out, nil
}

func (s *Store) DerivedStats(_ context.Context, start, end time.Time) ([]mining.DerivedDateStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	start, end = utils.Day(start), utils.Day(end)
	var out []mining.DerivedDateStats
	for k, rows := range s.data.derived {
		if k.date.Before(start) || k.date.After(end) || len(rows) == 0 {
			continue
		}
		out = append(out, mining.DerivedDateStats{Date: k.date, Variant: k.variant, Rows: len(rows)})
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Date.Equal(out[j].Date) {
			return out[i].Date.Before(out[j].Date)
		}
		return out[i].Variant < out[j].Variant
	})
	return out, nil
}

func (s *Store) ListDerived(_ context.Context, date time.Time, variant string) ([]mining.Derived, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows := s.data.derived[dateVariant{date: utils.Day(date), variant: variant}]
	out := make([]mining.Derived, 0, len(rows))
	for _, r := range rows {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SettlementPeriod != out[j].SettlementPeriod {
			return out[i].SettlementPeriod < out[j].SettlementPeriod
		}
		return out[i].EntityID < out[j].EntityID
	})
	return out, nil
}

func (s *Store) DeleteDerived(ctx context.Context, date time.Time, variant string) (int64, error) {
	s.deleteDerivedCalls.Add(1)
	if h := s.getHooks().BeforeDeleteDerived; h != nil {
		if err := h(ctx, date, variant); err != nil {
			return 0, err
		}
	}

	defer s.lockWrite(ctx)()
	s.mu.Lock()
	defer s.mu.Unlock()

	k := dateVariant{date: utils.Day(date), variant: variant}
	n := int64(len(s.data.derived[k]))
	delete(s.data.derived, k)
	return n, nil
}

func (s *Store) InsertDerived(ctx context.Context, rows []mining.Derived) error {
	s.insertDerivedCalls.Add(1)
	if h := s.getHooks().BeforeInsertDerived; h != nil {
		if err := h(ctx, rows); err != nil {
			return err
		}
	}

	defer s.lockWrite(ctx)()
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range rows {
		r.SettlementDate = utils.Day(r.SettlementDate)
		k := dateVariant{date: r.SettlementDate, variant: r.Variant}
		bucket, ok := s.data.derived[k]
		if !ok {
			bucket = map[periodEntity]mining.Derived{}
			s.data.derived[k] = bucket
		}
		rk := periodEntity{period: r.SettlementPeriod, entity: r.EntityID}
		if _, dup := bucket[rk]; dup {
			return fmt.Errorf("duplicate derived key %s/%d/%s/%s",
				utils.FormatDate(r.SettlementDate), r.SettlementPeriod, r.EntityID, r.Variant)
		}
		bucket[rk] = r
	}
	return nil
}

func (s *Store) SumDerived(ctx context.Context, date time.Time, variant string) (mining.Aggregate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	agg := mining.Aggregate{Amount: decimal.Zero}
	var diffSum float64
	for _, r := range s.data.derived[dateVariant{date: utils.Day(date), variant: variant}] {
		agg.Rows++
		agg.Amount = agg.Amount.Add(r.Amount)
		diffSum += r.Difficulty
	}
	if agg.Rows > 0 {
		agg.AverageDifficulty = diffSum / float64(agg.Rows)
	}
	return agg, nil
}

// =============================================================================
// Summaries
// =============================================================================

// LockSummary is a no-op: InTx already serializes every transaction.
func (s *Store) LockSummary(context.Context, string) error { return nil }

func (s *Store) DeleteDailySummary(ctx context.Context, date time.Time, variant string) error {
	defer s.lockWrite(ctx)()
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data.daily, dateVariant{date: utils.Day(date), variant: variant})
	return nil
}

func (s *Store) InsertDailySummary(ctx context.Context, sum *mining.DailySummary) error {
	defer s.lockWrite(ctx)()
	s.mu.Lock()
	defer s.mu.Unlock()
	k := dateVariant{date: utils.Day(sum.SummaryDate), variant: sum.Variant}
	if _, dup := s.data.daily[k]; dup {
		return fmt.Errorf("duplicate daily summary %s/%s", utils.FormatDate(k.date), k.variant)
	}
	cp := *sum
	cp.SummaryDate = k.date
	s.data.daily[k] = cp
	return nil
}

func (s *Store) GetDailySummary(ctx context.Context, date time.Time, variant string) (*mining.DailySummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data.daily[dateVariant{date: utils.Day(date), variant: variant}]
	if !ok {
		return nil, nil
	}
	return &v, nil
}

func (s *Store) SumDailySummaries(_ context.Context, yearMonth, variant string) (mining.Aggregate, error) {
	first, last, err := utils.MonthBounds(yearMonth)
	if err != nil {
		return mining.Aggregate{}, faults.InvalidParameter("sum_daily_summaries", "%v", err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	agg := mining.Aggregate{Amount: decimal.Zero}
	var diffSum float64
	for k, v := range s.data.daily {
		if k.variant != variant || k.date.Before(first) || k.date.After(last) {
			continue
		}
		agg.Rows++
		agg.Amount = agg.Amount.Add(v.Amount)
		diffSum += v.AverageDifficulty
	}
	if agg.Rows > 0 {
		agg.AverageDifficulty = diffSum / float64(agg.Rows)
	}
	return agg, nil
}

func (s *Store) DeleteMonthlySummary(ctx context.Context, yearMonth, variant string) error {
	defer s.lockWrite(ctx)()
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data.monthly, monthVariant{yearMonth: yearMonth, variant: variant})
	return nil
}

func (s *Store) InsertMonthlySummary(ctx context.Context, sum *mining.MonthlySummary) error {
	defer s.lockWrite(ctx)()
	s.mu.Lock()
	defer s.mu.Unlock()
	k := monthVariant{yearMonth: sum.YearMonth, variant: sum.Variant}
	if _, dup := s.data.monthly[k]; dup {
		return fmt.Errorf("duplicate monthly summary %s/%s", k.yearMonth, k.variant)
	}
	s.data.monthly[k] = *sum
	return nil
}

func (s *Store) GetMonthlySummary(_ context.Context, yearMonth, variant string) (*mining.MonthlySummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data.monthly[monthVariant{yearMonth: yearMonth, variant: variant}]
	if !ok {
		return nil, nil
	}
	return &v, nil
}

func (s *Store) SumMonthlySummaries(_ context.Context, year int, variant string) (mining.Aggregate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	prefix := fmt.Sprintf("%04d-", year)
	agg := mining.Aggregate{Amount: decimal.Zero}
	var diffSum float64
	for k, v := range s.data.monthly {
		if k.variant != variant || len(k.yearMonth) != 7 || k.yearMonth[:5] != prefix {
			continue
		}
		agg.Rows++
		agg.Amount = agg.Amount.Add(v.Amount)
		diffSum += v.AverageDifficulty
	}
	if agg.Rows > 0 {
		agg.AverageDifficulty = diffSum / float64(agg.Rows)
	}
	return agg, nil
}

func (s *Store) DeleteYearlySummary(ctx context.Context, year int, variant string) error {
	defer s.lockWrite(ctx)()
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data.yearly, yearVariant{year: year, variant: variant})
	return nil
}

func (s *Store) InsertYearlySummary(ctx context.Context, sum *mining.YearlySummary) error {
	defer s.lockWrite(ctx)()
	s.mu.Lock()
	defer s.mu.Unlock()
	k := yearVariant{year: sum.Year, variant: sum.Variant}
	if _, dup := s.data.yearly[k]; dup {
		return fmt.Errorf("duplicate yearly summary %d/%s", k.year, k.variant)
	}
	s.data.yearly[k] = *sum
	return nil
}

func (s *Store) GetYearlySummary(_ context.Context, year int, variant string) (*mining.YearlySummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data.yearly[yearVariant{year: year, variant: variant}]
	if !ok {
		return nil, nil
	}
	return &v, nil
}

// =============================================================================
// Difficulty
// =============================================================================

func (s *Store) GetDifficulty(_ context.Context, date time.Time) (float64, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data.difficulty[utils.Day(date)]
	return v, ok, nil
}

func (s *Store) PutDifficulty(ctx context.Context, date time.Time, difficulty float64) error {
	defer s.lockWrite(ctx)()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.difficulty[utils.Day(date)] = difficulty
	return nil
}
