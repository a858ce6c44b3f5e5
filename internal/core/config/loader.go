package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/vietddude/opindexer/internal/indexing/recovery"
)

// Load reads configuration from a YAML file.
func Load(path string) (*AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg AppConfig
	// Expand environment variables in the YAML content
	expandedData := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func (c *AppConfig) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}

	src := &c.Source
	if src.Type == "" {
		src.Type = "zetachain"
	}
	if src.Name == "" {
		src.Name = src.Type
	}
	if src.Timeout == 0 {
		src.Timeout = 10 * time.Second
	}
	if src.MaxRetries == 0 {
		src.MaxRetries = 3
	}
	if src.RetryDelay == 0 {
		src.RetryDelay = 500 * time.Millisecond
	}
	if src.Burst == 0 {
		src.Burst = 1
	}
	if src.PageSize == 0 {
		src.PageSize = 100
	}
	if src.MaxGapSpan == 0 {
		src.MaxGapSpan = 24 * time.Hour
	}

	idx := &c.Indexer
	if idx.Concurrency == 0 {
		idx.Concurrency = 16
	}
	if idx.ClaimBatch == 0 {
		idx.ClaimBatch = 50
	}
	if idx.HistoricalInterval == 0 {
		idx.HistoricalInterval = time.Second
	}
	if idx.RealtimeInterval == 0 {
		idx.RealtimeInterval = 5 * time.Second
	}
	if idx.GapInterval == 0 {
		idx.GapInterval = time.Second
	}
	if idx.RefreshInterval == 0 {
		idx.RefreshInterval = 2 * time.Second
	}
	if idx.FailedRetryInterval == 0 {
		idx.FailedRetryInterval = time.Minute
	}
	if idx.ForeverPendingAge == 0 {
		idx.ForeverPendingAge = 30 * 24 * time.Hour
	}
	if idx.JobTimeout == 0 {
		idx.JobTimeout = 30 * time.Second
	}
	if idx.RestartDelay == 0 {
		idx.RestartDelay = time.Second
	}
	if idx.MaxRestartDelay == 0 {
		idx.MaxRestartDelay = time.Minute
	}

	def := recovery.DefaultPolicy()
	r := &c.Retry
	if r.BaseInterval == 0 {
		r.BaseInterval = def.BaseInterval
	}
	if r.MaxInterval == 0 {
		r.MaxInterval = def.MaxInterval
	}
	if r.Threshold == 0 {
		r.Threshold = def.Threshold
	}
	if r.ColdBaseInterval == 0 {
		r.ColdBaseInterval = def.ColdBaseInterval
	}
	if r.ColdMaxInterval == 0 {
		r.ColdMaxInterval = def.ColdMaxInterval
	}
}

// Validate rejects configurations the indexer cannot run with.
func (c *AppConfig) Validate() error {
	var errs []error

	if c.Source.Type != "zetachain" {
		errs = append(errs, fmt.Errorf("unsupported source type %q", c.Source.Type))
	}
	if len(c.Source.URLs) == 0 {
		errs = append(errs, errors.New("source.urls must list at least one endpoint"))
	}
	if c.Source.RequestsPerSecond < 0 {
		errs = append(errs, errors.New("source.requests_per_second must not be negative"))
	}
	if c.Indexer.Concurrency < 1 {
		errs = append(errs, fmt.Errorf("indexer.concurrency must be positive, got %d", c.Indexer.Concurrency))
	}
	if c.Indexer.ClaimBatch < 1 {
		errs = append(errs, fmt.Errorf("indexer.claim_batch must be positive, got %d", c.Indexer.ClaimBatch))
	}
	if c.Indexer.StartBoundary != "" {
		if _, err := time.Parse(time.RFC3339, c.Indexer.StartBoundary); err != nil {
			errs = append(errs, fmt.Errorf("indexer.start_boundary: %w", err))
		}
	}
	if c.Indexer.MaxRestartDelay < c.Indexer.RestartDelay {
		errs = append(errs, errors.New("indexer.max_restart_delay is below restart_delay"))
	}
	if err := c.Retry.Validate(); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}
