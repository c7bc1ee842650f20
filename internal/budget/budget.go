// Package budget enforces the per-session cost ceiling and provider
// throughput limits.
//
// A Tracker accumulates actual call costs and answers the refinement gate:
// another iteration is allowed only while the remaining budget exceeds the
// estimated cost of one more iteration, derived from the running average
// cost per call.
package budget

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/cosilium-ai/cosilium/internal/metrics"
	"github.com/cosilium-ai/cosilium/internal/pricing"
)

// ErrBudgetExhausted gates provider calls once the ceiling is reached.
var ErrBudgetExhausted = fmt.Errorf("session budget exhausted")

// Tracker tracks spend for one session. Safe for concurrent use.
type Tracker struct {
	mu       sync.Mutex
	limitUSD float64
	spentUSD float64
	calls    int
}

func NewTracker(limitUSD float64) *Tracker {
	return &Tracker{limitUSD: limitUSD}
}

// Charge records the cost of one completed call attempt.
func (t *Tracker) Charge(costUSD float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.spentUSD = pricing.Round6(t.spentUSD + costUSD)
	t.calls++
	metrics.BudgetRemaining.Set(t.limitUSD - t.spentUSD)
}

// Spent returns the total recorded spend.
func (t *Tracker) Spent() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.spentUSD
}

// Remaining returns the unspent budget, never negative.
func (t *Tracker) Remaining() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	r := t.limitUSD - t.spentUSD
	if r < 0 {
		return 0
	}
	return pricing.Round6(r)
}

// Exhausted reports whether the ceiling has been reached.
func (t *Tracker) Exhausted() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.spentUSD >= t.limitUSD
}

// avgCallCost returns the mean cost per recorded call, 0 when none.
func (t *Tracker) avgCallCost() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.calls == 0 {
		return 0
	}
	return t.spentUSD / float64(t.calls)
}

// IterationFloor estimates the cost of one more full iteration: the average
// per-call cost so far times the number of calls an iteration needs
// (analyses + critique pairs + one synthesis).
func (t *Tracker) IterationFloor(agentCount, critiquePairs int) float64 {
	callsPerIteration := agentCount + critiquePairs + 1
	return pricing.Round6(t.avgCallCost() * float64(callsPerIteration))
}

// AllowsRefinement reports whether the remaining budget covers an estimated
// further iteration. With no recorded calls yet it allows, since there is no
// basis for an estimate.
func (t *Tracker) AllowsRefinement(agentCount, critiquePairs int) bool {
	floor := t.IterationFloor(agentCount, critiquePairs)
	if floor == 0 {
		return !t.Exhausted()
	}
	return t.Remaining() > floor
}

// Limiter caps in-flight provider calls and smooths request rate. One
// limiter serves all sessions; the weighted semaphore bounds concurrency
// per provider while the rate limiter bounds sustained throughput.
type Limiter struct {
	mu       sync.Mutex
	maxConc  int64
	rps      float64
	sems     map[string]*semaphore.Weighted
	limiters map[string]*rate.Limiter
}

func NewLimiter(maxConcurrent int, rps float64) *Limiter {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &Limiter{
		maxConc:  int64(maxConcurrent),
		rps:      rps,
		sems:     make(map[string]*semaphore.Weighted),
		limiters: make(map[string]*rate.Limiter),
	}
}

func (l *Limiter) forProvider(provider string) (*semaphore.Weighted, *rate.Limiter) {
	l.mu.Lock()
	defer l.mu.Unlock()
	sem, ok := l.sems[provider]
	if !ok {
		sem = semaphore.NewWeighted(l.maxConc)
		l.sems[provider] = sem
	}
	lim, ok := l.limiters[provider]
	if !ok {
		burst := int(l.rps)
		if burst < 1 {
			burst = 1
		}
		r := rate.Limit(l.rps)
		if l.rps <= 0 {
			r = rate.Inf
		}
		lim = rate.NewLimiter(r, burst)
		l.limiters[provider] = lim
	}
	return sem, lim
}

// Acquire blocks until a provider slot and rate token are available, or the
// context expires. The returned release function must be called when the
// provider call finishes.
func (l *Limiter) Acquire(ctx context.Context, provider string) (release func(), err error) {
	sem, lim := l.forProvider(provider)
	if err := sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("acquire %s slot: %w", provider, err)
	}
	if err := lim.Wait(ctx); err != nil {
		sem.Release(1)
		return nil, fmt.Errorf("rate wait %s: %w", provider, err)
	}
	return func() { sem.Release(1) }, nil
}
