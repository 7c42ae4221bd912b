// Package ratelimit counts requests per principal over a fixed window. The
// checker keys on the authenticated user so one noisy orchestrator cannot
// starve deliberation for everyone else.
package ratelimit

import (
	"sync"
	"time"
)

// Decision is the outcome of one Allow call. Count includes the current
// request, so a denied decision still reports the attempt.
type Decision struct {
	Allowed   bool
	Count     int
	Limit     int
	Remaining int
	ResetAt   time.Time
}

type Limiter interface {
	Allow(key string, limit int) Decision
}

func decide(count, limit int, resetAt time.Time) Decision {
	remaining := limit - count
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:   count <= limit,
		Count:     count,
		Limit:     limit,
		Remaining: remaining,
		ResetAt:   resetAt,
	}
}

// openDecision admits the request without counting it. Used when no counter
// is reachable; availability wins over strictness here.
func openDecision(limit int, window time.Duration) Decision {
	return Decision{
		Allowed:   true,
		Limit:     limit,
		Remaining: limit,
		ResetAt:   time.Now().UTC().Add(window),
	}
}

func floorLimit(limit int) int {
	if limit <= 0 {
		return 1
	}
	return limit
}

type windowCount struct {
	n       int
	resetAt time.Time
}

// InMemoryLimiter is a per-process fixed-window counter. Good enough for a
// single replica; multi-replica deployments use the redis limiter.
type InMemoryLimiter struct {
	mu     sync.Mutex
	window time.Duration
	counts map[string]windowCount
}

func NewInMemory(window time.Duration) *InMemoryLimiter {
	if window <= 0 {
		window = time.Minute
	}
	return &InMemoryLimiter{
		window: window,
		counts: make(map[string]windowCount),
	}
}

func (l *InMemoryLimiter) Allow(key string, limit int) Decision {
	limit = floorLimit(limit)
	now := time.Now().UTC()

	l.mu.Lock()
	defer l.mu.Unlock()
	for k, wc := range l.counts {
		if now.After(wc.resetAt) {
			delete(l.counts, k)
		}
	}
	wc, ok := l.counts[key]
	if !ok || now.After(wc.resetAt) {
		wc = windowCount{resetAt: now.Add(l.window)}
	}
	wc.n++
	l.counts[key] = wc
	return decide(wc.n, limit, wc.resetAt)
}
