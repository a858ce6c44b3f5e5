package cli

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"
	"github.com/vietddude/stylelog"

	"github.com/vietddude/opindexer/internal/control"
	"github.com/vietddude/opindexer/internal/core/config"
	"github.com/vietddude/opindexer/internal/infra/storage"
)

var (
	cfgPath string
	isDebug bool
)

var rootCmd = &cobra.Command{
	Use:   "opindexer",
	Short: "Operation lifecycle indexer",
	Long: `opindexer discovers cross-chain operations from an upstream source, ` +
		`tracks each one until it reaches a terminal status and links operations into trees.`,
	Run: runIndexer,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "config.yaml", "config file (default is config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&isDebug, "debug", false, "enable debug logging")
}

// loadConfig reads .env and the config file and sets up logging.
func loadConfig() *config.AppConfig {
	_ = godotenv.Load()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		stylelog.InitDefault()
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}

	slogLevel := slog.LevelInfo
	if isDebug || cfg.Logging.Level == "debug" {
		slogLevel = slog.LevelDebug
	}

	stylelog.InitDefault(&tint.Options{
		Level:      slogLevel,
		TimeFormat: time.RFC3339,
	})
	return cfg
}

// openStore opens the configured database for the admin commands.
func openStore(ctx context.Context, cfg *config.AppConfig) storage.Store {
	if cfg.Database.URL == "" {
		slog.Error("database.url is required for this command")
		os.Exit(1)
	}
	store, err := control.OpenStore(ctx, cfg, nil)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	return store
}

func runIndexer(cmd *cobra.Command, args []string) {
	cfg := loadConfig()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app, err := control.Open(ctx, cfg)
	if err != nil {
		slog.Error("Failed to initialize indexer", "error", err)
		os.Exit(1)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	done := make(chan error, 1)
	go func() { done <- app.Run(ctx) }()

	slog.Info("Indexer started", "config", cfgPath, "source", cfg.Source.Name)

	select {
	case sig := <-sigChan:
		slog.Info("Received signal, shutting down...", "signal", sig)
	case err := <-done:
		slog.Error("Indexer stopped", "error", err)
		_ = app.Close()
		os.Exit(1)
	}

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	select {
	case err := <-done:
		if err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("Error during shutdown", "error", err)
		}
	case <-shutdownCtx.Done():
		slog.Error("Shutdown timed out, in-flight jobs will be reclaimed after their lease")
	}

	if err := app.Close(); err != nil {
		slog.Error("Error closing resources", "error", err)
		os.Exit(1)
	}
	slog.Info("Indexer stopped gracefully")
}
