// Package difficulty resolves the network mining difficulty for a settlement date through
// an in-process memo, a durable store and an external source, in that order.
package difficulty

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/curtailx/curtailx/pkg/faults"
	"github.com/curtailx/curtailx/pkg/retry"
	"github.com/curtailx/curtailx/pkg/utils"
	"github.com/puzpuzpuz/xsync/v4"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// DefaultDifficulty substitutes for a date whose lookup failed every attempt.
const DefaultDifficulty = 108105433845147

// Origin says where a resolved difficulty came from.
type Origin string

const (
	OriginMemo    Origin = "memo"
	OriginStore   Origin = "store"
	OriginSource  Origin = "source"
	OriginDefault Origin = "default"
)

// Source is the external difficulty lookup.
type Source interface {
	LookupDifficulty(ctx context.Context, date time.Time) (float64, error)
}

// Persistent is the durable cache; db.Store and the Redis client both satisfy it.
type Persistent interface {
	GetDifficulty(ctx context.Context, date time.Time) (float64, bool, error)
	PutDifficulty(ctx context.Context, date time.Time, difficulty float64) error
}

// Resolution is a resolved difficulty with its origin.
type Resolution struct {
	Date       time.Time
	Difficulty float64
	Origin     Origin
	// LookupErr is the final source error when Origin is OriginDefault.
	LookupErr error
}

// Fallback reports whether the default was substituted.
func (r Resolution) Fallback() bool { return r.Origin == OriginDefault }

// Config tunes a Cache.
type Config struct {
	Default float64
	Retry   retry.Config
}

// DefaultConfig uses the published default and the difficulty lookup retry policy.
func DefaultConfig() Config {
	return Config{Default: DefaultDifficulty, Retry: retry.DifficultyLookup()}
}

// Cache memoizes successful lookups for the life of the process. Concurrent misses for the
// same date share one lookup. Substituted defaults are neither memoized nor persisted.
type Cache struct {
	logger     *zap.Logger
	source     Source
	persistent Persistent
	cfg        Config

	memo  *xsync.Map[string, float64]
	group singleflight.Group
}

// New builds a Cache. persistent may be nil.
func New(logger *zap.Logger, source Source, persistent Persistent, cfg Config) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Default <= 0 {
		cfg.Default = DefaultDifficulty
	}
	return &Cache{
		logger:     logger,
		source:     source,
		persistent: persistent,
		cfg:        cfg,
		memo:       xsync.NewMap[string, float64](),
	}
}

// Get returns the difficulty for date. Only cancellation is reported as an error.
func (c *Cache) Get(ctx context.Context, date time.Time) (float64, error) {
	res, err := c.Resolve(ctx, date)
	if err != nil {
		return 0, err
	}
	return res.Difficulty, nil
}

// Resolve is Get with provenance.
func (c *Cache) Resolve(ctx context.Context, date time.Time) (Resolution, error) {
	date = utils.Day(date)
	key := utils.FormatDate(date)

	if v, ok := c.memo.Load(key); ok {
		return Resolution{Date: date, Difficulty: v, Origin: OriginMemo}, nil
	}

	out, err, _ := c.group.Do(key, func() (interface{}, error) {
		return c.resolveMiss(ctx, date, key)
	})
	if err != nil {
		return Resolution{}, err
	}
	return out.(Resolution), nil
}

func (c *Cache) resolveMiss(ctx context.Context, date time.Time, key string) (Resolution, error) {
	if v, ok := c.memo.Load(key); ok {
		return Resolution{Date: date, Difficulty: v, Origin: OriginMemo}, nil
	}

	if c.persistent != nil {
		v, ok, err := c.persistent.GetDifficulty(ctx, date)
		switch {
		case err != nil:
			c.logger.Warn("Durable difficulty cache read failed, falling through to source",
				zap.String("date", key), zap.Error(err))
		case ok && v > 0:
			c.memo.Store(key, v)
			return Resolution{Date: date, Difficulty: v, Origin: OriginStore}, nil
		}
	}

	var value float64
	lookupErr := retry.WithBackoff(ctx, c.cfg.Retry, c.logger, "difficulty_lookup:"+key, func() error {
		v, err := c.source.LookupDifficulty(ctx, date)
		if err != nil {
			var fe *faults.Error
			if errors.As(err, &fe) {
				return err
			}
			return faults.ExternalLookup("lookup_difficulty", err)
		}
		if v <= 0 {
			return faults.ExternalLookup("lookup_difficulty", fmt.Errorf("non-positive difficulty %v for %s", v, key))
		}
		value = v
		return nil
	})

	if lookupErr != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Resolution{}, ctxErr
		}
		c.logger.Warn("Difficulty lookup exhausted, using default",
			zap.String("date", key),
			zap.Float64("default", c.cfg.Default),
			zap.Stringer("kind", faults.KindExternalLookup),
			zap.Error(lookupErr))
		return Resolution{Date: date, Difficulty: c.cfg.Default, Origin: OriginDefault, LookupErr: lookupErr}, nil
	}

	c.memo.Store(key, value)
	if c.persistent != nil {
		if err := c.persistent.PutDifficulty(ctx, date, value); err != nil {
			c.logger.Warn("Failed to persist difficulty", zap.String("date", key), zap.Error(err))
		}
	}
	return Resolution{Date: date, Difficulty: value, Origin: OriginSource}, nil
}
