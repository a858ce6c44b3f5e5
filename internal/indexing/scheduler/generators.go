// Package scheduler turns store state into jobs and runs them on a bounded
// worker pool.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/vietddude/opindexer/internal/core/domain"
	"github.com/vietddude/opindexer/internal/infra/storage"
)

// Cadence says how a generator is polled once it has produced work.
type Cadence int

const (
	// CadenceDrain polls again as soon as there is free capacity.
	CadenceDrain Cadence = iota
	// CadenceFixed yields at most one job per interval.
	CadenceFixed
)

// Generator claims jobs from the store on demand.
type Generator interface {
	Name() string
	// Claim locks up to limit entities and returns one job per entity.
	Claim(ctx context.Context, limit int) ([]domain.Job, error)
	// Interval is how long to wait after a claim found nothing, and the
	// tick length of a fixed cadence.
	Interval() time.Duration
	Cadence() Cadence
}

// GeneratorConfig holds the polling settings of one generator.
type GeneratorConfig struct {
	Interval time.Duration
	// Batch caps the entities claimed by one call.
	Batch int
}

func (c GeneratorConfig) limit(free int) int {
	if c.Batch > 0 && free > c.Batch {
		return c.Batch
	}
	return free
}

func newToken() string { return uuid.NewString() }

// -----------------------------------------------------------------------------
// Watermark streams
// -----------------------------------------------------------------------------

type streamGenerator struct {
	name    string
	kind    domain.StreamKind
	store   storage.UnitOfWork
	cfg     GeneratorConfig
	cadence Cadence
}

// Historical walks the historical frontier back to the start boundary.
func Historical(store storage.UnitOfWork, cfg GeneratorConfig) Generator {
	return &streamGenerator{name: "historical", kind: domain.StreamHistorical, store: store, cfg: cfg}
}

// Realtime follows the newest items at a fixed cadence.
func Realtime(store storage.UnitOfWork, cfg GeneratorConfig) Generator {
	cfg.Batch = 1
	return &streamGenerator{
		name:    "realtime",
		kind:    domain.StreamRealtime,
		store:   store,
		cfg:     cfg,
		cadence: CadenceFixed,
	}
}

// Gap re-scans ranges a truncated realtime page skipped.
func Gap(store storage.UnitOfWork, cfg GeneratorConfig) Generator {
	return &streamGenerator{name: "gap", kind: domain.StreamGap, store: store, cfg: cfg}
}

func (g *streamGenerator) Name() string            { return g.name }
func (g *streamGenerator) Interval() time.Duration { return g.cfg.Interval }
func (g *streamGenerator) Cadence() Cadence        { return g.cadence }

func (g *streamGenerator) Claim(ctx context.Context, limit int) ([]domain.Job, error) {
	wms, err := g.store.Watermarks().ClaimNext(ctx, g.kind, storage.Claim{
		Token: newToken(),
		Limit: g.cfg.limit(limit),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to claim %s watermarks: %w", g.kind, err)
	}
	jobs := make([]domain.Job, 0, len(wms))
	for _, wm := range wms {
		jobs = append(jobs, domain.ScanJob(wm))
	}
	return jobs, nil
}

// -----------------------------------------------------------------------------
// Status refresh
// -----------------------------------------------------------------------------

type refreshGenerator struct {
	store  storage.UnitOfWork
	cfg    GeneratorConfig
	maxAge time.Duration
}

// Refresh drains operations due for a status poll. Operations discovered
// more than maxAge ago are left to the forever-pending sweep.
func Refresh(store storage.UnitOfWork, cfg GeneratorConfig, maxAge time.Duration) Generator {
	return &refreshGenerator{store: store, cfg: cfg, maxAge: maxAge}
}

func (g *refreshGenerator) Name() string            { return "refresh" }
func (g *refreshGenerator) Interval() time.Duration { return g.cfg.Interval }
func (g *refreshGenerator) Cadence() Cadence        { return CadenceDrain }

func (g *refreshGenerator) Claim(ctx context.Context, limit int) ([]domain.Job, error) {
	ops, err := g.store.Operations().ClaimStale(ctx, storage.Claim{
		Token:  newToken(),
		Limit:  g.cfg.limit(limit),
		MaxAge: g.maxAge,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to claim stale operations: %w", err)
	}
	jobs := make([]domain.Job, 0, len(ops))
	for _, op := range ops {
		jobs = append(jobs, domain.RefreshJob(op))
	}
	return jobs, nil
}

// -----------------------------------------------------------------------------
// Failed retry
// -----------------------------------------------------------------------------

type failedGenerator struct {
	store storage.UnitOfWork
	cfg   GeneratorConfig
}

// FailedRetry revisits failed watermarks, then failed operations, once their
// cold backoff has passed.
func FailedRetry(store storage.UnitOfWork, cfg GeneratorConfig) Generator {
	return &failedGenerator{store: store, cfg: cfg}
}

func (g *failedGenerator) Name() string            { return "failed_retry" }
func (g *failedGenerator) Interval() time.Duration { return g.cfg.Interval }
func (g *failedGenerator) Cadence() Cadence        { return CadenceDrain }

func (g *failedGenerator) Claim(ctx context.Context, limit int) ([]domain.Job, error) {
	limit = g.cfg.limit(limit)
	token := newToken()

	wms, err := g.store.Watermarks().ClaimFailed(ctx, storage.Claim{Token: token, Limit: limit})
	if err != nil {
		return nil, fmt.Errorf("failed to claim failed watermarks: %w", err)
	}
	jobs := make([]domain.Job, 0, limit)
	for _, wm := range wms {
		jobs = append(jobs, domain.RetryWatermarkJob(wm))
	}

	if left := limit - len(jobs); left > 0 {
		ops, err := g.store.Operations().ClaimFailed(ctx, storage.Claim{Token: token, Limit: left})
		if err != nil {
			// the watermark claims expire with their lease
			return jobs, fmt.Errorf("failed to claim failed operations: %w", err)
		}
		for _, op := range ops {
			jobs = append(jobs, domain.RetryOperationJob(op))
		}
	}
	return jobs, nil
}
