package difficulty

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/curtailx/curtailx/pkg/faults"
	"github.com/curtailx/curtailx/pkg/utils"
)

// StaticSource serves difficulties from a map keyed by YYYY-MM-DD.
type StaticSource struct {
	mu     sync.RWMutex
	values map[string]float64
}

func NewStaticSource(values map[string]float64) *StaticSource {
	cp := make(map[string]float64, len(values))
	for k, v := range values {
		cp[k] = v
	}
	return &StaticSource{values: cp}
}

// Set adds or replaces a value.
func (s *StaticSource) Set(date time.Time, difficulty float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[utils.FormatDate(date)] = difficulty
}

func (s *StaticSource) LookupDifficulty(_ context.Context, date time.Time) (float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	key := utils.FormatDate(date)
	if v, ok := s.values[key]; ok {
		return v, nil
	}
	return 0, faults.ExternalLookup("static_lookup", fmt.Errorf("no difficulty for %s", key))
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context, date time.Time) (float64, error)

func (f SourceFunc) LookupDifficulty(ctx context.Context, date time.Time) (float64, error) {
	return f(ctx, date)
}
