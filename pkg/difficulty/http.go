package difficulty

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/curtailx/curtailx/pkg/faults"
	"github.com/curtailx/curtailx/pkg/utils"
	"golang.org/x/time/rate"
)

// HTTPSource looks difficulty up from one or more JSON endpoints:
// GET {endpoint}/difficulty/{YYYY-MM-DD} -> {"difficulty": n}.
// Requests are rate limited and endpoints failing repeatedly are skipped for a cooldown.
type HTTPSource struct {
	endpoints []string
	client    *http.Client
	limiter   *rate.Limiter

	// circuit-breaker
	mu       sync.Mutex
	failures map[string]int
	opened   map[string]time.Time

	breakerThreshold int
	breakerCooldown  time.Duration
}

// HTTPOpts is the set of options for a new HTTPSource.
type HTTPOpts struct {
	Endpoints       []string
	Timeout         time.Duration
	RPS             float64
	Burst           int
	BreakerFailures int
	BreakerCooldown time.Duration
	HTTPClient      *http.Client
}

// NewHTTPSource creates an HTTPSource with the given options.
func NewHTTPSource(o HTTPOpts) *HTTPSource {
	if o.RPS <= 0 {
		o.RPS = 2
	}
	if o.Burst <= 0 {
		o.Burst = 4
	}
	if o.Timeout <= 0 {
		o.Timeout = 15 * time.Second
	}
	if o.BreakerFailures <= 0 {
		o.BreakerFailures = 3
	}
	if o.BreakerCooldown <= 0 {
		o.BreakerCooldown = 30 * time.Second
	}

	client := o.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: o.Timeout}
	} else if client.Timeout == 0 {
		client.Timeout = o.Timeout
	}

	endpoints := make([]string, 0, len(o.Endpoints))
	for _, ep := range utils.Dedup(o.Endpoints) {
		endpoints = append(endpoints, strings.TrimRight(ep, "/"))
	}

	return &HTTPSource{
		endpoints:        endpoints,
		client:           client,
		limiter:          rate.NewLimiter(rate.Limit(o.RPS), o.Burst),
		failures:         map[string]int{},
		opened:           map[string]time.Time{},
		breakerThreshold: o.BreakerFailures,
		breakerCooldown:  o.BreakerCooldown,
	}
}

// isOpen returns true while the endpoint's breaker is OPEN.
func (s *HTTPSource) isOpen(ep string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	until, ok := s.opened[ep]
	if !ok {
		return false
	}
	if time.Now().After(until) {
		delete(s.opened, ep)
		s.failures[ep] = 0
		return false
	}
	return true
}

// noteFailure counts a failure and opens the breaker at the threshold.
func (s *HTTPSource) noteFailure(ep string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[ep]++
	if s.failures[ep] >= s.breakerThreshold {
		s.opened[ep] = time.Now().Add(s.breakerCooldown)
	}
}

func (s *HTTPSource) noteSuccess(ep string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[ep] = 0
}

type difficultyResponse struct {
	Difficulty float64 `json:"difficulty"`
}

// LookupDifficulty tries each endpoint in order. Every failure is an ExternalLookup error.
func (s *HTTPSource) LookupDifficulty(ctx context.Context, date time.Time) (float64, error) {
	if len(s.endpoints) == 0 {
		return 0, faults.ExternalLookup("http_lookup", fmt.Errorf("no endpoints configured"))
	}

	path := "/difficulty/" + url.PathEscape(utils.FormatDate(date))
	var lastErr error
	for _, ep := range s.endpoints {
		if s.isOpen(ep) {
			continue
		}
		if err := s.limiter.Wait(ctx); err != nil {
			return 0, err
		}

		v, retryable, err := s.fetch(ctx, ep+path)
		if err == nil {
			s.noteSuccess(ep)
			return v, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		if retryable {
			s.noteFailure(ep)
		}
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("all endpoints circuit-open")
	}
	return 0, faults.ExternalLookup("http_lookup", lastErr)
}

// fetch performs one request. retryable marks failures that count against the endpoint.
func (s *HTTPSource) fetch(ctx context.Context, u string) (float64, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return 0, false, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, true, err
	}
	defer func() { _ = utils.DrainAndClose(resp.Body) }()

	if resp.StatusCode >= 500 {
		return 0, true, fmt.Errorf("server %d", resp.StatusCode)
	}
	if resp.StatusCode >= 300 {
		return 0, false, fmt.Errorf("http %d", resp.StatusCode)
	}

	var out difficultyResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, false, fmt.Errorf("decode difficulty: %w", err)
	}
	if out.Difficulty <= 0 {
		return 0, false, fmt.Errorf("non-positive difficulty %v", out.Difficulty)
	}
	return out.Difficulty, false, nil
}
