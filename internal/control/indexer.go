// Package control wires the indexer together and supervises the pipeline.
package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vietddude/opindexer/internal/core/config"
	"github.com/vietddude/opindexer/internal/core/domain"
	"github.com/vietddude/opindexer/internal/core/worker"
	"github.com/vietddude/opindexer/internal/indexing/emitter"
	"github.com/vietddude/opindexer/internal/indexing/health"
	"github.com/vietddude/opindexer/internal/indexing/lifecycle"
	"github.com/vietddude/opindexer/internal/indexing/metrics"
	"github.com/vietddude/opindexer/internal/indexing/scheduler"
	"github.com/vietddude/opindexer/internal/infra/rpc/budget"
	"github.com/vietddude/opindexer/internal/infra/rpc/provider"
	"github.com/vietddude/opindexer/internal/infra/source"
	"github.com/vietddude/opindexer/internal/infra/storage"
)

// Deps are the components the indexer runs on.
type Deps struct {
	Store   storage.Store
	Source  source.Source
	Emitter emitter.Emitter

	// Optional health report sections.
	Providers func() map[string]provider.HealthStatus
	Usage     func() budget.UsageStats

	// Background tasks started with the pipeline, e.g. DB pool metrics.
	Background []func(ctx context.Context)
	// Closers run on Close in order.
	Closers []func() error
}

// Indexer owns the pipeline and restarts it after fatal store errors.
type Indexer struct {
	cfg      *config.AppConfig
	deps     Deps
	executor *lifecycle.Executor
	expirer  *worker.Expirer
	monitor  *health.Monitor
	server   *health.Server
	log      *slog.Logger

	running    atomic.Bool
	restarts   atomic.Int64
	dispatcher atomic.Pointer[scheduler.Dispatcher]
}

// New creates an Indexer over already opened dependencies.
func New(cfg *config.AppConfig, deps Deps) (*Indexer, error) {
	if deps.Store == nil || deps.Source == nil {
		return nil, errors.New("store and source are required")
	}
	if deps.Emitter == nil {
		deps.Emitter = emitter.NewLogEmitter()
	}
	if cfg.Indexer.RestartDelay <= 0 {
		cfg.Indexer.RestartDelay = time.Second
	}
	cfg.Indexer.MaxRestartDelay = max(cfg.Indexer.MaxRestartDelay, cfg.Indexer.RestartDelay)

	ix := &Indexer{
		cfg:  cfg,
		deps: deps,
		log:  slog.Default().With("component", "indexer"),
	}
	ix.executor = lifecycle.NewExecutor(lifecycle.Config{
		PageSize:          cfg.Source.PageSize,
		RealtimeInterval:  cfg.Indexer.RealtimeInterval,
		JobTimeout:        cfg.Indexer.JobTimeout,
		ForeverPendingAge: cfg.Indexer.ForeverPendingAge,
	}, deps.Store, deps.Source, deps.Emitter)
	ix.expirer = worker.NewExpirer(deps.Store.Operations(), cfg.Indexer.ForeverPendingAge, cfg.Indexer.ExpireInterval)

	var opts []health.Option
	if deps.Providers != nil {
		opts = append(opts, health.WithProviders(deps.Providers))
	}
	if deps.Usage != nil {
		opts = append(opts, health.WithUsage(deps.Usage))
	}
	ix.monitor = health.NewMonitor(deps.Store, ix, opts...)
	ix.server = health.NewServer(ix.monitor, cfg.Server.Port)
	return ix, nil
}

// Running reports whether a dispatcher is currently running.
func (ix *Indexer) Running() bool { return ix.running.Load() }

// Restarts returns the number of pipeline restarts.
func (ix *Indexer) Restarts() int64 { return ix.restarts.Load() }

// Inflight returns the jobs running on the current dispatcher.
func (ix *Indexer) Inflight() int64 {
	if d := ix.dispatcher.Load(); d != nil {
		return d.Inflight()
	}
	return 0
}

// Monitor exposes the health monitor.
func (ix *Indexer) Monitor() *health.Monitor { return ix.monitor }

// Run serves health, sweeps forever-pending operations and supervises the
// pipeline until ctx is done.
func (ix *Indexer) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := ix.server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			ix.log.Error("Health server failed", "error", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return ix.server.Stop(shutdownCtx)
	})
	g.Go(func() error {
		ix.expirer.Start(ctx)
		return nil
	})
	for _, task := range ix.deps.Background {
		go task(ctx)
	}
	g.Go(func() error {
		return ix.supervise(ctx)
	})

	return g.Wait()
}

// supervise restarts the pipeline after fatal errors with a doubling delay.
// A run that lasted longer than the maximum delay resets it.
func (ix *Indexer) supervise(ctx context.Context) error {
	delay := ix.cfg.Indexer.RestartDelay
	for {
		started := time.Now()
		err := ix.runPipeline(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err == nil {
			err = errors.New("dispatcher stopped unexpectedly")
		}

		if time.Since(started) > ix.cfg.Indexer.MaxRestartDelay {
			delay = ix.cfg.Indexer.RestartDelay
		}
		ix.restarts.Add(1)
		metrics.PipelineRestarts.Inc()
		ix.log.Error("Pipeline stopped, restarting", "error", err, "delay", delay, "restarts", ix.Restarts())

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
		delay = min(delay*2, ix.cfg.Indexer.MaxRestartDelay)
	}
}

func (ix *Indexer) runPipeline(ctx context.Context) error {
	if err := ix.Bootstrap(ctx); err != nil {
		return err
	}

	d, err := scheduler.NewDispatcher(ix.cfg.Indexer.Concurrency, ix.executor, ix.deps.Store, ix.generators()...)
	if err != nil {
		return err
	}
	ix.dispatcher.Store(d)
	ix.running.Store(true)
	defer ix.running.Store(false)

	return d.Run(ctx)
}

// generators returns the streams in priority order.
func (ix *Indexer) generators() []scheduler.Generator {
	idx := ix.cfg.Indexer
	store := ix.deps.Store
	return []scheduler.Generator{
		scheduler.Realtime(store, scheduler.GeneratorConfig{Interval: idx.RealtimeInterval}),
		scheduler.Gap(store, scheduler.GeneratorConfig{Interval: idx.GapInterval, Batch: idx.ClaimBatch}),
		scheduler.Refresh(
			store,
			scheduler.GeneratorConfig{Interval: idx.RefreshInterval, Batch: idx.ClaimBatch},
			idx.ForeverPendingAge,
		),
		scheduler.Historical(store, scheduler.GeneratorConfig{Interval: idx.HistoricalInterval, Batch: 1}),
		scheduler.FailedRetry(store, scheduler.GeneratorConfig{Interval: idx.FailedRetryInterval, Batch: idx.ClaimBatch}),
	}
}

// Bootstrap makes sure the realtime frontier exists and, when enabled, the
// historical one. A historical stream that already finished is not
// recreated. The source is only asked for a start pointer when a frontier
// is missing, so a restart does not depend on the source being reachable.
func (ix *Indexer) Bootstrap(ctx context.Context) error {
	frontiers, err := ix.deps.Store.Watermarks().Frontiers(ctx)
	if err != nil {
		return fmt.Errorf("list frontiers: %w", err)
	}
	live := make(map[domain.StreamKind]bool, len(frontiers))
	for _, wm := range frontiers {
		live[wm.Kind] = true
	}

	if err := ix.ensureFrontier(ctx, live, domain.StreamRealtime, "", false); err != nil {
		return err
	}
	if !ix.cfg.Indexer.Historical() {
		return nil
	}
	return ix.ensureFrontier(ctx, live, domain.StreamHistorical, ix.cfg.Indexer.StartBoundary, true)
}

func (ix *Indexer) ensureFrontier(
	ctx context.Context,
	live map[domain.StreamKind]bool,
	kind domain.StreamKind,
	bound string,
	once bool,
) error {
	if live[kind] {
		return nil
	}
	start, err := ix.deps.Source.Start(ctx, kind)
	if err != nil {
		return fmt.Errorf("read %s start: %w", kind, err)
	}
	wm, created, err := ix.deps.Store.Watermarks().EnsureFrontier(ctx, kind, start, bound, once)
	if err != nil {
		return fmt.Errorf("ensure %s frontier: %w", kind, err)
	}
	if created {
		ix.log.Info("Created frontier", "stream", kind, "pointer", wm.Pointer, "boundary", wm.Bound)
	}
	return nil
}

// Close releases the dependencies.
func (ix *Indexer) Close() error {
	var errs []error
	if err := ix.deps.Emitter.Close(); err != nil {
		errs = append(errs, err)
	}
	for _, c := range ix.deps.Closers {
		if err := c(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
