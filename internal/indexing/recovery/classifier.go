package recovery

import (
	"context"
	"errors"

	"github.com/vietddude/opindexer/internal/core/domain"
)

// Decision is what the executor does with a failed job.
type Decision int

const (
	// DecisionRetry leaves the entity to the retry policy.
	DecisionRetry Decision = iota
	// DecisionTerminal marks the operation terminal with the error as note.
	DecisionTerminal
	// DecisionIgnore drops the result; another worker owns the entity.
	DecisionIgnore
	// DecisionFatal stops the pipeline; the supervisor restarts it.
	DecisionFatal
)

func (d Decision) String() string {
	switch d {
	case DecisionRetry:
		return "retry"
	case DecisionTerminal:
		return "terminal"
	case DecisionIgnore:
		return "ignore"
	case DecisionFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Classify maps an error onto the failure taxonomy.
// Timeouts, rate limits and malformed responses all fall through to retry.
func Classify(err error) Decision {
	switch {
	case err == nil:
		return DecisionIgnore
	case errors.Is(err, domain.ErrStoreUnavailable):
		return DecisionFatal
	case errors.Is(err, domain.ErrLostClaim):
		return DecisionIgnore
	case errors.Is(err, domain.ErrTerminal):
		return DecisionTerminal
	case errors.Is(err, context.Canceled):
		return DecisionIgnore
	default:
		return DecisionRetry
	}
}
