package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/vietddude/opindexer/internal/core/domain"
	"github.com/vietddude/opindexer/internal/indexing/metrics"
)

var (
	ErrInvalidConcurrency = errors.New("invalid concurrency: must be greater than 0")
	ErrInvalidExecutor    = errors.New("invalid executor: must not be nil")
	ErrNoGenerators       = errors.New("at least one generator is required")
)

// Executor runs one claimed job.
type Executor interface {
	Execute(ctx context.Context, job domain.Job) error
}

// Pinger checks whether the store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Dispatcher offers free worker capacity to generators in priority order
// and runs the claimed jobs on one bounded pool.
type Dispatcher struct {
	generators  []Generator
	executor    Executor
	pinger      Pinger
	concurrency int64
	sem         *semaphore.Weighted
	inflight    atomic.Int64
	ready       chan struct{}
	wg          sync.WaitGroup
	now         func() time.Time
	log         *slog.Logger

	mu       sync.Mutex
	nextPoll map[string]time.Time
	fatal    error
}

// NewDispatcher creates a dispatcher. Generators are given in priority
// order, highest first.
func NewDispatcher(concurrency int, executor Executor, pinger Pinger, generators ...Generator) (*Dispatcher, error) {
	if concurrency <= 0 {
		return nil, ErrInvalidConcurrency
	}
	if executor == nil {
		return nil, ErrInvalidExecutor
	}
	if len(generators) == 0 {
		return nil, ErrNoGenerators
	}
	return &Dispatcher{
		generators:  generators,
		executor:    executor,
		pinger:      pinger,
		concurrency: int64(concurrency),
		sem:         semaphore.NewWeighted(int64(concurrency)),
		ready:       make(chan struct{}, 1),
		now:         time.Now,
		log:         slog.Default().With("component", "dispatcher"),
		nextPoll:    make(map[string]time.Time),
	}, nil
}

// Inflight returns the number of running jobs.
func (d *Dispatcher) Inflight() int64 { return d.inflight.Load() }

// Run dispatches until ctx is done or the store becomes unreachable. It
// waits for in-flight jobs before returning.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.log.Info("dispatcher started", "concurrency", d.concurrency, "generators", len(d.generators))
	defer d.wg.Wait()

	for {
		if err := d.fatalErr(); err != nil {
			d.log.Error("dispatcher stopping", "error", err)
			return err
		}
		if ctx.Err() != nil {
			d.log.Info("dispatcher stopping", "inflight", d.Inflight())
			return nil
		}

		free := d.dispatchRound(ctx)
		d.wait(ctx, free)
	}
}

// dispatchRound offers free capacity to each generator in priority order
// and returns the capacity left.
func (d *Dispatcher) dispatchRound(ctx context.Context) int {
	free := int(d.concurrency - d.Inflight())
	for _, g := range d.generators {
		if free <= 0 || ctx.Err() != nil {
			break
		}
		if d.now().Before(d.polledAt(g)) {
			continue
		}

		limit := free
		if g.Cadence() == CadenceFixed {
			limit = 1
		}
		jobs, err := g.Claim(ctx, limit)
		if err != nil {
			d.claimFailed(ctx, g, err)
		}
		if len(jobs) == 0 {
			d.schedule(g, g.Interval())
			continue
		}
		if g.Cadence() == CadenceFixed {
			d.schedule(g, g.Interval())
		}

		metrics.ClaimsTotal.WithLabelValues(g.Name()).Add(float64(len(jobs)))
		for _, job := range jobs {
			if !d.sem.TryAcquire(1) {
				// cannot happen while claims are bounded by free capacity
				d.log.Warn("no capacity for claimed job, lease will expire", "job", job.String())
				continue
			}
			d.start(ctx, job)
			free--
		}
	}
	return free
}

func (d *Dispatcher) start(ctx context.Context, job domain.Job) {
	d.inflight.Add(1)
	metrics.JobsInflight.Inc()
	d.wg.Add(1)

	go func() {
		defer func() {
			d.sem.Release(1)
			d.inflight.Add(-1)
			metrics.JobsInflight.Dec()
			d.signal()
			d.wg.Done()
		}()

		if err := d.executor.Execute(ctx, job); err != nil {
			d.jobFailed(ctx, job, err)
		}
	}()
}

// wait sleeps until a job finishes, the next generator is due or ctx is done.
func (d *Dispatcher) wait(ctx context.Context, free int) {
	var timer <-chan time.Time
	if free > 0 {
		delay := d.untilNextPoll()
		if delay <= 0 {
			return
		}
		t := time.NewTimer(delay)
		defer t.Stop()
		timer = t.C
	}

	select {
	case <-ctx.Done():
	case <-d.ready:
	case <-timer:
	}
}

func (d *Dispatcher) untilNextPoll() time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	earliest := time.Duration(-1)
	for _, g := range d.generators {
		left := d.nextPoll[g.Name()].Sub(now)
		if left <= 0 {
			return 0
		}
		if earliest < 0 || left < earliest {
			earliest = left
		}
	}
	return earliest
}

func (d *Dispatcher) polledAt(g Generator) time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.nextPoll[g.Name()]
}

func (d *Dispatcher) schedule(g Generator, after time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextPoll[g.Name()] = d.now().Add(after)
}

func (d *Dispatcher) signal() {
	select {
	case d.ready <- struct{}{}:
	default:
	}
}

func (d *Dispatcher) claimFailed(ctx context.Context, g Generator, err error) {
	metrics.ClaimErrorsTotal.WithLabelValues(g.Name()).Inc()
	if errors.Is(err, context.Canceled) {
		return
	}
	d.log.Error("claim failed", "generator", g.Name(), "error", err)
	if errors.Is(err, domain.ErrStoreUnavailable) {
		d.checkStore(ctx, err)
	}
}

func (d *Dispatcher) jobFailed(ctx context.Context, job domain.Job, err error) {
	d.log.Error("job failed", "job", job.String(), "error", err)
	if errors.Is(err, domain.ErrStoreUnavailable) {
		d.checkStore(ctx, err)
	}
}

// checkStore stops the dispatcher when the store does not answer a ping.
func (d *Dispatcher) checkStore(ctx context.Context, cause error) {
	if ctx.Err() != nil {
		return
	}
	if d.pinger != nil {
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := d.pinger.Ping(pingCtx); err == nil {
			return
		}
	}

	d.mu.Lock()
	if d.fatal == nil {
		d.fatal = fmt.Errorf("store unreachable: %w", cause)
	}
	d.mu.Unlock()
	d.signal()
}

func (d *Dispatcher) fatalErr() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.fatal
}
