package config

import (
	"time"

	"github.com/vietddude/opindexer/internal/indexing/recovery"
	redisclient "github.com/vietddude/opindexer/internal/infra/redis"
	"github.com/vietddude/opindexer/internal/infra/storage/postgres"
)

// AppConfig represents the top-level configuration.
type AppConfig struct {
	Server   ServerConfig       `yaml:"server"`
	Logging  LoggingConfig      `yaml:"logging"`
	Database postgres.Config    `yaml:"database"`
	Redis    redisclient.Config `yaml:"redis"`
	Source   SourceConfig       `yaml:"source"`
	Indexer  IndexerConfig      `yaml:"indexer"`
	Retry    recovery.Policy    `yaml:"retry"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// SourceConfig holds settings for the upstream operation source.
type SourceConfig struct {
	Type              string        `yaml:"type"` // e.g., "zetachain"
	Name              string        `yaml:"name"`
	URLs              []string      `yaml:"urls"`
	Timeout           time.Duration `yaml:"timeout"`
	MaxRetries        int           `yaml:"max_retries"`
	RetryDelay        time.Duration `yaml:"retry_delay"`
	RequestsPerSecond float64       `yaml:"requests_per_second"` // 0 = unlimited
	Burst             int           `yaml:"burst"`
	PageSize          int           `yaml:"page_size"`
	MaxGapSpan        time.Duration `yaml:"max_gap_span"` // how far back a gap walk may go
}

// IndexerConfig holds scheduling settings.
type IndexerConfig struct {
	Concurrency int `yaml:"concurrency"`
	ClaimBatch  int `yaml:"claim_batch"`

	HistoricalInterval  time.Duration `yaml:"historical_interval"`
	RealtimeInterval    time.Duration `yaml:"realtime_interval"`
	GapInterval         time.Duration `yaml:"gap_interval"`
	RefreshInterval     time.Duration `yaml:"refresh_interval"`
	FailedRetryInterval time.Duration `yaml:"failed_retry_interval"`

	// StartBoundary stops the historical stream at operations older than
	// this RFC3339 timestamp. Empty scans to the beginning.
	StartBoundary     string `yaml:"start_boundary"`
	HistoricalEnabled *bool  `yaml:"historical_enabled"`

	ForeverPendingAge time.Duration `yaml:"forever_pending_age"` // 0 = never expire
	ExpireInterval    time.Duration `yaml:"expire_interval"`
	JobTimeout        time.Duration `yaml:"job_timeout"`

	RestartDelay    time.Duration `yaml:"restart_delay"`
	MaxRestartDelay time.Duration `yaml:"max_restart_delay"`
}

// Historical reports whether the historical stream is bootstrapped.
func (c IndexerConfig) Historical() bool {
	return c.HistoricalEnabled == nil || *c.HistoricalEnabled
}
