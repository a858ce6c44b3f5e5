// Package budget handles request pacing toward upstream sources.
//
// This package contains:
//   - Limiter: interface shared by the local and the Redis-backed bucket
//   - LocalLimiter: in-process token bucket
//   - Tracker: per-source call accounting
package budget

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter blocks until one request may be sent.
type Limiter interface {
	Wait(ctx context.Context) error
}

// LocalLimiter is a token bucket scoped to this process.
type LocalLimiter struct {
	limiter *rate.Limiter
}

// NewLocalLimiter allows rps requests per second with the given burst.
// A non-positive rps disables limiting.
func NewLocalLimiter(rps float64, burst int) *LocalLimiter {
	limit := rate.Limit(rps)
	if rps <= 0 {
		limit = rate.Inf
	}
	if burst <= 0 {
		burst = 1
	}
	return &LocalLimiter{limiter: rate.NewLimiter(limit, burst)}
}

func (l *LocalLimiter) Wait(ctx context.Context) error {
	return l.limiter.Wait(ctx)
}

// Allow reports whether a request may be sent right now without waiting.
func (l *LocalLimiter) Allow() bool {
	return l.limiter.Allow()
}

// UsageStats holds call accounting for one source.
type UsageStats struct {
	TotalCalls   int            `json:"total_calls"`
	CallsPerHour int            `json:"calls_per_hour"`
	Methods      map[string]int `json:"methods"`
}

// Tracker counts calls per source and method.
type Tracker struct {
	mu    sync.RWMutex
	usage map[string]*sourceUsage
	now   func() time.Time
}

type sourceUsage struct {
	totalCalls    int
	callsThisHour int
	hourStartTime time.Time
	methodCalls   map[string]int
}

func NewTracker() *Tracker {
	return &Tracker{
		usage: make(map[string]*sourceUsage),
		now:   time.Now,
	}
}

// RecordCall records one call for source and method.
func (t *Tracker) RecordCall(source, method string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	u, ok := t.usage[source]
	if !ok {
		u = &sourceUsage{hourStartTime: now, methodCalls: make(map[string]int)}
		t.usage[source] = u
	}
	if now.Sub(u.hourStartTime) >= time.Hour {
		u.callsThisHour = 0
		u.hourStartTime = now
	}
	u.totalCalls++
	u.callsThisHour++
	u.methodCalls[method]++
}

// Usage returns the statistics of one source.
func (t *Tracker) Usage(source string) UsageStats {
	t.mu.RLock()
	defer t.mu.RUnlock()

	u, ok := t.usage[source]
	if !ok {
		return UsageStats{Methods: map[string]int{}}
	}
	methods := make(map[string]int, len(u.methodCalls))
	for k, v := range u.methodCalls {
		methods[k] = v
	}
	return UsageStats{
		TotalCalls:   u.totalCalls,
		CallsPerHour: u.callsThisHour,
		Methods:      methods,
	}
}
