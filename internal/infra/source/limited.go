package source

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/vietddude/opindexer/internal/core/domain"
	"github.com/vietddude/opindexer/internal/indexing/metrics"
	"github.com/vietddude/opindexer/internal/infra/rpc/budget"
)

// Limited paces calls to a Source through a token bucket and bounds each
// call with a timeout.
type Limited struct {
	next    Source
	limiter budget.Limiter
	timeout time.Duration
	tracker *budget.Tracker
}

func NewLimited(next Source, limiter budget.Limiter, timeout time.Duration, tracker *budget.Tracker) *Limited {
	if tracker == nil {
		tracker = budget.NewTracker()
	}
	return &Limited{
		next:    next,
		limiter: limiter,
		timeout: timeout,
		tracker: tracker,
	}
}

func (l *Limited) Name() string { return l.next.Name() }

// Usage returns the call accounting of the wrapped source.
func (l *Limited) Usage() budget.UsageStats { return l.tracker.Usage(l.next.Name()) }

func (l *Limited) Start(ctx context.Context, kind domain.StreamKind) (string, error) {
	var pointer string
	err := l.call(ctx, "start", func(ctx context.Context) error {
		var err error
		pointer, err = l.next.Start(ctx, kind)
		return err
	})
	return pointer, err
}

func (l *Limited) ListPage(ctx context.Context, req PageRequest) (*Page, error) {
	var page *Page
	err := l.call(ctx, "list", func(ctx context.Context) error {
		var err error
		page, err = l.next.ListPage(ctx, req)
		return err
	})
	return page, err
}

func (l *Limited) FetchDetail(ctx context.Context, externalID string) (*Detail, error) {
	var detail *Detail
	err := l.call(ctx, "detail", func(ctx context.Context) error {
		var err error
		detail, err = l.next.FetchDetail(ctx, externalID)
		return err
	})
	return detail, err
}

func (l *Limited) call(ctx context.Context, method string, fn func(ctx context.Context) error) error {
	name := l.next.Name()

	waitStart := time.Now()
	if l.limiter != nil {
		if err := l.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("rate limiter wait: %w", err)
		}
	}
	metrics.RateLimitWait.WithLabelValues(name).Observe(time.Since(waitStart).Seconds())

	if l.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.timeout)
		defer cancel()
	}

	start := time.Now()
	err := fn(ctx)
	metrics.SourceLatency.WithLabelValues(name, method).Observe(time.Since(start).Seconds())
	metrics.SourceRequests.WithLabelValues(name, method, outcome(err)).Inc()
	l.tracker.RecordCall(name, method)
	return err
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, domain.ErrTerminal):
		return "terminal"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "error"
	}
}
