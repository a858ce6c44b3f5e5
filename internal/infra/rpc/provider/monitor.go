package provider

import (
	"strconv"
	"strings"
	"sync"
	"time"
)

// ProviderStatus represents the health state of a provider.
type ProviderStatus int

const (
	StatusHealthy   ProviderStatus = iota // Provider is working normally
	StatusDegraded                        // Provider is slow but working
	StatusThrottled                       // Provider is rate limiting
	StatusBlocked                         // Provider has blocked this client
)

func (s ProviderStatus) String() string {
	switch s {
	case StatusHealthy:
		return "healthy"
	case StatusDegraded:
		return "degraded"
	case StatusThrottled:
		return "throttled"
	case StatusBlocked:
		return "blocked"
	default:
		return "unknown"
	}
}

// MonitorStats holds monitoring statistics for a provider.
type MonitorStats struct {
	Status           string        `json:"status"`
	AverageLatency   time.Duration `json:"average_latency"`
	ThrottleCount429 int           `json:"throttle_count_429"`
	ThrottleCount403 int           `json:"throttle_count_403"`
	Requests         int           `json:"requests"`
}

// ProviderMonitor tracks provider latency and throttling.
type ProviderMonitor struct {
	mu sync.RWMutex

	recentLatencies  []time.Duration
	maxLatencyWindow int
	requests         int

	status429Count     int
	status403Count     int
	throttlePatterns   []string
	lastThrottleTime   time.Time
	retryAfterDuration time.Duration

	slowResponseThreshold time.Duration
	throttleTolerance     int

	now func() time.Time
}

// NewProviderMonitor creates a new monitor with default settings.
func NewProviderMonitor() *ProviderMonitor {
	return &ProviderMonitor{
		recentLatencies:  make([]time.Duration, 0, 100),
		maxLatencyWindow: 100,
		throttlePatterns: []string{
			"rate limit exceeded",
			"too many requests",
			"request count exceeded",
			"quota exceeded",
		},
		slowResponseThreshold: 3 * time.Second,
		throttleTolerance:     5,
		now:                   time.Now,
	}
}

// RecordRequest records an answered request with its latency.
func (pm *ProviderMonitor) RecordRequest(latency time.Duration) {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	pm.requests++
	pm.recentLatencies = append(pm.recentLatencies, latency)
	if len(pm.recentLatencies) > pm.maxLatencyWindow {
		pm.recentLatencies = pm.recentLatencies[1:]
	}
}

// RecordThrottle records a rate limiting or blocking response.
func (pm *ProviderMonitor) RecordThrottle(statusCode int, retryAfter string) {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	pm.lastThrottleTime = pm.now()

	switch statusCode {
	case 429:
		pm.status429Count++
		pm.retryAfterDuration = time.Minute
		if secs, err := strconv.Atoi(retryAfter); err == nil && secs > 0 {
			pm.retryAfterDuration = time.Duration(secs) * time.Second
		}
	case 403:
		pm.status403Count++
		pm.retryAfterDuration = 10 * time.Minute // Longer for IP block
	}
}

// DetectThrottlePattern checks if a message contains throttle patterns.
func (pm *ProviderMonitor) DetectThrottlePattern(message string) bool {
	lowerMsg := strings.ToLower(message)
	for _, pattern := range pm.throttlePatterns {
		if strings.Contains(lowerMsg, pattern) {
			return true
		}
	}
	return false
}

// CheckProviderStatus returns the current status of the provider.
func (pm *ProviderMonitor) CheckProviderStatus() ProviderStatus {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return pm.status()
}

func (pm *ProviderMonitor) status() ProviderStatus {
	cooling := pm.now().Sub(pm.lastThrottleTime) < pm.retryAfterDuration

	if pm.status403Count > 0 && cooling {
		return StatusBlocked
	}
	if pm.status429Count > pm.throttleTolerance && cooling {
		return StatusThrottled
	}
	if len(pm.recentLatencies) > 10 && pm.averageLatency() > pm.slowResponseThreshold {
		return StatusDegraded
	}
	return StatusHealthy
}

// GetRetryAfter returns remaining time before retry is allowed.
func (pm *ProviderMonitor) GetRetryAfter() time.Duration {
	pm.mu.RLock()
	defer pm.mu.RUnlock()

	remaining := pm.retryAfterDuration - pm.now().Sub(pm.lastThrottleTime)
	if remaining > 0 {
		return remaining
	}
	return 0
}

func (pm *ProviderMonitor) averageLatency() time.Duration {
	if len(pm.recentLatencies) == 0 {
		return 0
	}
	var total time.Duration
	for _, lat := range pm.recentLatencies {
		total += lat
	}
	return total / time.Duration(len(pm.recentLatencies))
}

// GetStats returns current monitoring statistics.
func (pm *ProviderMonitor) GetStats() MonitorStats {
	pm.mu.RLock()
	defer pm.mu.RUnlock()

	return MonitorStats{
		Status:           pm.status().String(),
		AverageLatency:   pm.averageLatency(),
		ThrottleCount429: pm.status429Count,
		ThrottleCount403: pm.status403Count,
		Requests:         pm.requests,
	}
}
