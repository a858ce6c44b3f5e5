package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/vietddude/opindexer/internal/indexing/metrics"
	"github.com/vietddude/opindexer/internal/infra/storage"
)

// Expirer retires operations that stayed pending longer than the
// forever-pending age. The refresh stream stops claiming them at that age,
// so without the sweep they would stay non-terminal forever.
type Expirer struct {
	repo     storage.OperationRepository
	maxAge   time.Duration
	interval time.Duration
	log      *slog.Logger
}

// NewExpirer creates a new Expirer worker. A zero interval derives one from
// maxAge.
func NewExpirer(repo storage.OperationRepository, maxAge, interval time.Duration) *Expirer {
	if interval <= 0 {
		// 10% of the age, between a minute and an hour
		interval = min(maxAge/10, time.Hour)
		interval = max(interval, time.Minute)
	}
	return &Expirer{
		repo:     repo,
		maxAge:   maxAge,
		interval: interval,
		log:      slog.Default().With("component", "expirer"),
	}
}

// Start runs the sweep loop until ctx is done.
func (e *Expirer) Start(ctx context.Context) {
	if e.maxAge <= 0 {
		return // Expiry disabled
	}

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	// Initial sweep
	e.Sweep(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.Sweep(ctx)
		}
	}
}

// Sweep runs one pass and returns the number of retired operations.
func (e *Expirer) Sweep(ctx context.Context) int64 {
	n, err := e.repo.ExpireForeverPending(ctx, e.maxAge)
	if err != nil {
		if ctx.Err() == nil {
			e.log.Error("failed to expire pending operations", "error", err)
		}
		return 0
	}
	if n > 0 {
		metrics.OperationsTerminal.WithLabelValues("forever_pending").Add(float64(n))
		e.log.Info("expired forever pending operations", "count", n, "max_age", e.maxAge)
	}
	return n
}
