// Package routing handles provider selection, failover and transport retries.
//
// This package contains:
//   - Router: provider ordering with a per-provider circuit breaker
//   - Retry: retry logic with exponential backoff and failover
package routing

import (
	"sync"
	"time"

	"github.com/vietddude/opindexer/internal/infra/rpc/provider"
)

const (
	circuitThreshold = 5
	circuitCooldown  = 30 * time.Second
)

type providerMetrics struct {
	successCount     int
	failureCount     int
	totalLatency     time.Duration
	consecutiveFails int
	openedAt         time.Time
}

func (m *providerMetrics) circuitOpen(now time.Time) bool {
	return m.consecutiveFails >= circuitThreshold && now.Sub(m.openedAt) < circuitCooldown
}

// Router orders the providers of one source for failover.
type Router struct {
	mu        sync.RWMutex
	providers []provider.Provider
	health    map[string]*providerMetrics
	now       func() time.Time
}

// NewRouter creates a router over the given providers, in preference order.
func NewRouter(providers ...provider.Provider) *Router {
	r := &Router{
		health: make(map[string]*providerMetrics),
		now:    time.Now,
	}
	for _, p := range providers {
		r.AddProvider(p)
	}
	return r
}

// AddProvider registers a provider.
func (r *Router) AddProvider(p provider.Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.providers = append(r.providers, p)
	r.health[p.Name()] = &providerMetrics{}
}

// Providers returns usable providers first, then those with an open circuit
// or a throttled monitor, so a call still has somewhere to go.
func (r *Router) Providers() []provider.Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()

	now := r.now()
	var healthy, degraded []provider.Provider
	for _, p := range r.providers {
		if r.health[p.Name()].circuitOpen(now) || !p.IsAvailable() {
			degraded = append(degraded, p)
			continue
		}
		healthy = append(healthy, p)
	}
	return append(healthy, degraded...)
}

// RecordSuccess tracks successful calls.
func (r *Router) RecordSuccess(name string, latency time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.health[name]
	if !ok {
		return
	}
	m.successCount++
	m.totalLatency += latency
	m.consecutiveFails = 0
}

// RecordFailure tracks failed calls and opens the circuit after repeated failures.
func (r *Router) RecordFailure(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.health[name]
	if !ok {
		return
	}
	m.failureCount++
	m.consecutiveFails++
	// a failure while half-open reopens the circuit
	now := r.now()
	if m.consecutiveFails >= circuitThreshold && !m.circuitOpen(now) {
		m.openedAt = now
	}
}

// Health returns the health of every provider keyed by name.
func (r *Router) Health() map[string]provider.HealthStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]provider.HealthStatus, len(r.providers))
	for _, p := range r.providers {
		out[p.Name()] = p.Health()
	}
	return out
}

func (r *Router) Close() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, p := range r.providers {
		_ = p.Close()
	}
	return nil
}
