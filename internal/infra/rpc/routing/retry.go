package routing

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/vietddude/opindexer/internal/infra/rpc/provider"
)

// RetryConfig defines transport retry behavior, separate from the
// entity-level retry policy of the scheduler.
type RetryConfig struct {
	MaxAttempts     int
	InitialDelay    time.Duration
	MaxDelay        time.Duration
	BackoffMultiple float64
}

// DefaultRetryConfig provides sensible defaults.
var DefaultRetryConfig = RetryConfig{
	MaxAttempts:     3,
	InitialDelay:    500 * time.Millisecond,
	MaxDelay:        5 * time.Second,
	BackoffMultiple: 2.0,
}

// ErrorAction determines how to handle an error.
type ErrorAction int

const (
	ActionRetry ErrorAction = iota
	ActionFailover
	ActionFatal
)

func (a ErrorAction) String() string {
	switch a {
	case ActionRetry:
		return "retry"
	case ActionFailover:
		return "failover"
	case ActionFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// ClassifyError determines the action for a given error.
func ClassifyError(err error) ErrorAction {
	if err == nil {
		return ActionRetry // Should not happen
	}

	if errors.Is(err, context.Canceled) {
		return ActionFatal
	}

	var se *provider.StatusError
	if errors.As(err, &se) {
		switch {
		case se.Code == 429 || se.Code == 403 || se.Code == 401:
			return ActionFailover
		case se.Code >= 400 && se.Code < 500 && se.Code != 408:
			// the request itself is wrong or the resource is missing
			return ActionFatal
		}
	}

	sLower := strings.ToLower(err.Error())

	// Failover (Provider specific issues)
	if strings.Contains(sLower, "too many requests") ||
		strings.Contains(sLower, "forbidden") ||
		strings.Contains(sLower, "quota") ||
		strings.Contains(sLower, "throttle") ||
		strings.Contains(sLower, "rate limit") ||
		strings.Contains(sLower, "count exceeded") {
		return ActionFailover
	}

	// Default to Retry (Network, 5xx, malformed body, etc)
	return ActionRetry
}

// Call is one request against a provider.
type Call func(ctx context.Context, p provider.Provider) error

// CallWithRetry executes call against p with exponential backoff.
func CallWithRetry(ctx context.Context, p provider.Provider, call Call, config RetryConfig) error {
	attempts := config.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		err := call(ctx, p)
		if err == nil {
			return nil
		}
		lastErr = err

		switch ClassifyError(err) {
		case ActionFatal, ActionFailover:
			return err
		}

		if attempt == attempts-1 {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(calculateBackoff(attempt, config)):
		}
	}

	return fmt.Errorf("failed after %d attempts: %w", attempts, lastErr)
}

// CallWithRetryAndFailover tries each provider of the router with retry.
func CallWithRetryAndFailover(ctx context.Context, router *Router, call Call, config RetryConfig) error {
	providers := router.Providers()
	if len(providers) == 0 {
		return fmt.Errorf("no providers configured")
	}

	var lastErr error
	for _, p := range providers {
		start := time.Now()
		err := CallWithRetry(ctx, p, call, config)
		if err == nil {
			router.RecordSuccess(p.Name(), time.Since(start))
			return nil
		}

		lastErr = err
		if ClassifyError(err) == ActionFatal {
			// a definitive answer, not a provider fault
			router.RecordSuccess(p.Name(), time.Since(start))
			return err
		}
		router.RecordFailure(p.Name())
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}

	return fmt.Errorf("all providers failed: %w", lastErr)
}

func calculateBackoff(attempt int, config RetryConfig) time.Duration {
	multiple := config.BackoffMultiple
	if multiple <= 0 {
		multiple = 2
	}
	delay := float64(config.InitialDelay) * math.Pow(multiple, float64(attempt))
	if config.MaxDelay > 0 && delay > float64(config.MaxDelay) {
		delay = float64(config.MaxDelay)
	}
	return time.Duration(delay)
}
