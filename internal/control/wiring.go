package control

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/vietddude/opindexer/internal/core/config"
	"github.com/vietddude/opindexer/internal/indexing/emitter"
	redisclient "github.com/vietddude/opindexer/internal/infra/redis"
	"github.com/vietddude/opindexer/internal/infra/rpc/budget"
	"github.com/vietddude/opindexer/internal/infra/rpc/routing"
	"github.com/vietddude/opindexer/internal/infra/source"
	"github.com/vietddude/opindexer/internal/infra/source/zetachain"
	"github.com/vietddude/opindexer/internal/infra/storage"
	"github.com/vietddude/opindexer/internal/infra/storage/memory"
	"github.com/vietddude/opindexer/internal/infra/storage/postgres"
)

// Open connects the store, Redis and the source described by cfg and
// returns an Indexer over them.
func Open(ctx context.Context, cfg *config.AppConfig) (*Indexer, error) {
	var deps Deps

	store, err := OpenStore(ctx, cfg, &deps)
	if err != nil {
		return nil, err
	}
	deps.Store = store

	// Redis is optional; without it the limiter is per process and events
	// are only logged.
	var redisClient *redisclient.Client
	if cfg.Redis.URL != "" {
		redisClient, err = redisclient.NewClient(cfg.Redis)
		if err != nil {
			slog.Warn("Failed to connect to Redis, using local limiter", "error", err)
		} else {
			deps.Closers = append(deps.Closers, redisClient.Close)
		}
	}

	adapter, err := zetachain.New(zetachain.Config{
		Name:    cfg.Source.Name,
		URLs:    cfg.Source.URLs,
		Timeout: cfg.Source.Timeout,
		Retry: routing.RetryConfig{
			MaxAttempts:     cfg.Source.MaxRetries,
			InitialDelay:    cfg.Source.RetryDelay,
			MaxDelay:        routing.DefaultRetryConfig.MaxDelay,
			BackoffMultiple: routing.DefaultRetryConfig.BackoffMultiple,
		},
		PageSize:   cfg.Source.PageSize,
		MaxGapSpan: cfg.Source.MaxGapSpan,
	})
	if err != nil {
		closeAll(deps.Closers)
		return nil, fmt.Errorf("failed to create source: %w", err)
	}
	deps.Closers = append(deps.Closers, adapter.Router().Close)

	limiter, err := newLimiter(cfg.Source, redisClient)
	if err != nil {
		closeAll(deps.Closers)
		return nil, err
	}
	limited := source.NewLimited(adapter, limiter, cfg.Source.Timeout, budget.NewTracker())
	deps.Source = limited
	deps.Providers = adapter.Router().Health
	deps.Usage = limited.Usage

	deps.Emitter = emitter.NewLogEmitter()
	if redisClient != nil {
		deps.Emitter = emitter.Fanout{deps.Emitter, redisclient.NewPublisher(redisClient)}
	}

	ix, err := New(cfg, deps)
	if err != nil {
		closeAll(deps.Closers)
		return nil, err
	}
	return ix, nil
}

// OpenStore returns the Postgres store when a database URL is configured
// and the in-memory store otherwise. Cleanup and background tasks are
// registered on deps when it is not nil.
func OpenStore(ctx context.Context, cfg *config.AppConfig, deps *Deps) (storage.Store, error) {
	if cfg.Database.URL == "" {
		slog.Info("Using Memory storage")
		return memory.NewMemoryStorage(cfg.Retry), nil
	}

	db, err := postgres.NewDB(ctx, cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to init db: %w", err)
	}
	if !cfg.Database.SkipMigrations {
		if err := postgres.Migrate(db); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to migrate db: %w", err)
		}
	}

	store := postgres.NewStore(db, cfg.Retry)
	if deps != nil {
		deps.Background = append(deps.Background, db.StartMetricsCollector)
		deps.Closers = append(deps.Closers, store.Close)
	}
	slog.Info("Using PostgreSQL storage")
	return store, nil
}

func newLimiter(cfg config.SourceConfig, redisClient *redisclient.Client) (budget.Limiter, error) {
	if redisClient != nil && cfg.RequestsPerSecond > 0 {
		l, err := redisclient.NewLimiter(redisClient, cfg.Name, cfg.RequestsPerSecond, cfg.Burst)
		if err != nil {
			return nil, fmt.Errorf("failed to create redis limiter: %w", err)
		}
		return l, nil
	}
	return budget.NewLocalLimiter(cfg.RequestsPerSecond, cfg.Burst), nil
}

func closeAll(closers []func() error) {
	for _, c := range closers {
		_ = c()
	}
}
