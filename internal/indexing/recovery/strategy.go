package recovery

import (
	"fmt"
	"math"
	"time"
)

// Policy maps an attempt count to the delay before the entity is eligible again.
//
// Attempts below Threshold use the busy regime (BaseInterval doubling up to
// MaxInterval). Reaching Threshold moves the entity to Failed, after which
// it is revisited in the cold regime (ColdBaseInterval doubling up to
// ColdMaxInterval) by the failed retry stream only.
type Policy struct {
	BaseInterval     time.Duration `yaml:"base_interval"`
	MaxInterval      time.Duration `yaml:"max_interval"`
	Threshold        int           `yaml:"threshold"`
	ColdBaseInterval time.Duration `yaml:"cold_base_interval"`
	ColdMaxInterval  time.Duration `yaml:"cold_max_interval"`
}

// DefaultPolicy returns 5s, 10s, 20s, 40s, 80s, then 1h doubling up to 24h.
func DefaultPolicy() Policy {
	return Policy{
		BaseInterval:     5 * time.Second,
		MaxInterval:      5 * time.Minute,
		Threshold:        5,
		ColdBaseInterval: time.Hour,
		ColdMaxInterval:  24 * time.Hour,
	}
}

func (p Policy) Validate() error {
	if p.BaseInterval <= 0 || p.MaxInterval < p.BaseInterval {
		return fmt.Errorf("invalid retry intervals: base=%s max=%s", p.BaseInterval, p.MaxInterval)
	}
	if p.Threshold <= 0 {
		return fmt.Errorf("retry threshold must be positive, got %d", p.Threshold)
	}
	if p.ColdBaseInterval <= 0 || p.ColdMaxInterval < p.ColdBaseInterval {
		return fmt.Errorf(
			"invalid cold retry intervals: base=%s max=%s",
			p.ColdBaseInterval,
			p.ColdMaxInterval,
		)
	}
	return nil
}

// Backoff returns the delay for the given attempt count (0-indexed).
func (p Policy) Backoff(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if p.Exhausted(attempt) {
		return scale(p.ColdBaseInterval, p.ColdMaxInterval, attempt-p.Threshold)
	}
	return scale(p.BaseInterval, p.MaxInterval, attempt)
}

// Exhausted reports whether the attempt count has reached the failure threshold.
func (p Policy) Exhausted(attempt int) bool {
	return p.Threshold > 0 && attempt >= p.Threshold
}

// Schedule returns Backoff(0..n-1) where every attempt >= n-1 maps to the last entry.
// Stores use it to precompute the delay table instead of evaluating powers in SQL.
func (p Policy) Schedule() []time.Duration {
	const maxSteps = 128
	var steps []time.Duration
	for attempt := 0; attempt < maxSteps; attempt++ {
		d := p.Backoff(attempt)
		steps = append(steps, d)
		if p.Exhausted(attempt) && d >= p.ColdMaxInterval {
			break
		}
	}
	return steps
}

// scale calculates delay: base * 2^exp, capped.
func scale(base, limit time.Duration, exp int) time.Duration {
	delay := float64(base) * math.Pow(2, float64(exp))
	if delay > float64(limit) {
		return limit
	}
	return time.Duration(delay)
}
