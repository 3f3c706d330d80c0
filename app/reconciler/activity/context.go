package activity

import (
	"context"
	"sync"
	"time"

	"github.com/curtailx/curtailx/app/reconciler/types"
	"github.com/curtailx/curtailx/pkg/calculator"
	"github.com/curtailx/curtailx/pkg/db"
	"github.com/curtailx/curtailx/pkg/difficulty"
	"github.com/curtailx/curtailx/pkg/faults"
	"go.uber.org/zap"
)

// DifficultyResolver resolves a date's difficulty. *difficulty.Cache implements it.
type DifficultyResolver interface {
	Resolve(ctx context.Context, date time.Time) (difficulty.Resolution, error)
}

// Notifier receives progress events. Implementations must not block on slow consumers.
type Notifier interface {
	Notify(ctx context.Context, event types.Event)
}

// Context holds the collaborators shared by the analyzer, the recompute engine and the
// roll-ups. The keyed recompute locks live here, so one Context must be shared by every
// caller that may touch the same store.
type Context struct {
	Logger     *zap.Logger
	Store      db.Store
	Difficulty DifficultyResolver
	Calculator *calculator.Calculator
	// Notifier is optional.
	Notifier Notifier
	// Variants restricts processing to these models. Empty means every calculator model.
	Variants []string
	// Now is the clock used for CalculatedAt/UpdatedAt. Defaults to time.Now in UTC.
	Now func() time.Time

	locksOnce sync.Once
	locks     *keyedLocks
}

func (c *Context) recomputeLocks() *keyedLocks {
	c.locksOnce.Do(func() {
		c.locks = newKeyedLocks()
	})
	return c.locks
}

func (c *Context) now() time.Time {
	if c.Now != nil {
		return c.Now().UTC()
	}
	return time.Now().UTC()
}

func (c *Context) logger() *zap.Logger {
	if c.Logger == nil {
		return zap.NewNop()
	}
	return c.Logger
}

// ActiveVariants returns the models this context processes, sorted.
func (c *Context) ActiveVariants() []string {
	if len(c.Variants) == 0 {
		return c.Calculator.Variants()
	}
	out := make([]string, 0, len(c.Variants))
	for _, name := range c.Calculator.Variants() {
		for _, v := range c.Variants {
			if v == name {
				out = append(out, name)
				break
			}
		}
	}
	return out
}

// ValidateVariants rejects configured models the calculator does not know.
func (c *Context) ValidateVariants() error {
	for _, v := range c.Variants {
		if _, ok := c.Calculator.Variant(v); !ok {
			return faults.InvalidParameter("validate_variants", "unknown miner variant %q", v)
		}
	}
	return nil
}

// InFlight reports how many callers are waiting on the running recompute of (date, variant).
// It returns -1 when no recompute is running.
func (c *Context) InFlight(date time.Time, variant string) int {
	return c.recomputeLocks().waiters(lockKey(date, variant))
}

func (c *Context) notify(ctx context.Context, event types.Event) {
	if c.Notifier == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = c.now()
	}
	c.Notifier.Notify(ctx, event)
}
