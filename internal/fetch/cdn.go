package fetch

import (
	"context"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// defaultRequestsPerSecond and defaultBurst bound how fast the fetcher can
// issue attempts across every CDN combined, so a burst of ABR-driven
// requests (e.g. a representation switch re-requesting a whole ladder)
// doesn't hammer an already-struggling origin.
const (
	defaultRequestsPerSecond = 20
	defaultBurst             = 10
)

// cdnHealth tracks one candidate URL's moving success/latency score, the
// way the Task Prioritizer tracks priority bands but applied to CDN
// choice (spec §4.6.1).
type cdnHealth struct {
	score       float64 // higher is better; starts neutral
	cooldownEnd time.Time
}

// CDNPrioritizer orders a segment's candidate CDN URLs by a moving
// success/latency score, temporarily downranking CDNs that just failed.
// Grounded on the teacher's download retry loop (internal/dash/downloader.go)
// generalized from "one URL, N attempts" to "N URLs, ordered by health".
type CDNPrioritizer struct {
	mu       sync.Mutex
	health   map[string]*cdnHealth
	cooldown time.Duration
	limiter  *rate.Limiter
}

// NewCDNPrioritizer builds a prioritizer with the given failure cooldown.
func NewCDNPrioritizer(cooldown time.Duration) *CDNPrioritizer {
	return &CDNPrioritizer{
		health:   make(map[string]*cdnHealth),
		cooldown: cooldown,
		limiter:  rate.NewLimiter(rate.Limit(defaultRequestsPerSecond), defaultBurst),
	}
}

// Wait blocks until the shared request-rate budget allows another attempt,
// or ctx is cancelled.
func (c *CDNPrioritizer) Wait(ctx context.Context) error {
	return c.limiter.Wait(ctx)
}

// Order returns candidates sorted best-first: CDNs currently in cooldown
// sort last regardless of score, preserving input order as a tiebreaker.
func (c *CDNPrioritizer) Order(candidates []string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	out := make([]string, len(candidates))
	copy(out, candidates)

	scoreOf := func(url string) (score float64, cooling bool) {
		h, ok := c.health[url]
		if !ok {
			return 0, false
		}
		return h.score, now.Before(h.cooldownEnd)
	}

	sort.SliceStable(out, func(i, j int) bool {
		si, ci := scoreOf(out[i])
		sj, cj := scoreOf(out[j])
		if ci != cj {
			return !ci // non-cooling sorts before cooling
		}
		return si > sj
	})
	return out
}

// RecordSuccess raises url's score and clears any cooldown. latency biases
// the score update: faster successes count for more, mirroring the
// estimator package's duration-weighted EWMA update.
func (c *CDNPrioritizer) RecordSuccess(url string, latency time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	h := c.get(url)
	gain := 1.0
	if latency > 0 {
		gain = 1.0 / (1.0 + latency.Seconds())
	}
	h.score += gain
	h.cooldownEnd = time.Time{}
}

// RecordFailure lowers url's score and places it in cooldown for the
// configured duration (spec §4.6.1 "temporary downranking ... for a
// cooldown").
func (c *CDNPrioritizer) RecordFailure(url string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	h := c.get(url)
	h.score -= 1.0
	if c.cooldown > 0 {
		h.cooldownEnd = time.Now().Add(c.cooldown)
	}
}

func (c *CDNPrioritizer) get(url string) *cdnHealth {
	h, ok := c.health[url]
	if !ok {
		h = &cdnHealth{}
		c.health[url] = h
	}
	return h
}
