package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// JobsTotal tracks executed jobs by kind, stream and outcome
	JobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "opindexer_jobs_total",
			Help: "Total number of executed jobs",
		},
		[]string{"kind", "stream", "outcome"},
	)

	// JobDuration tracks job execution time
	JobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "opindexer_job_duration_seconds",
			Help:    "Job execution time in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind", "stream"},
	)

	JobsInflight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "opindexer_jobs_inflight",
			Help: "Number of jobs currently executing",
		},
	)

	// ClaimsTotal tracks entities claimed per generator
	ClaimsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "opindexer_claims_total",
			Help: "Total number of entities claimed",
		},
		[]string{"generator"},
	)

	ClaimErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "opindexer_claim_errors_total",
			Help: "Total number of failed claim calls",
		},
		[]string{"generator"},
	)

	// OperationsDiscovered tracks newly created operations per stream
	OperationsDiscovered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "opindexer_operations_discovered_total",
			Help: "Total number of newly discovered operations",
		},
		[]string{"stream"},
	)

	OperationsTerminal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "opindexer_operations_terminal_total",
			Help: "Total number of operations that reached a terminal state",
		},
		[]string{"reason"},
	)

	OperationsRelinked = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "opindexer_operations_relinked_total",
			Help: "Total number of operations moved to a new parent",
		},
	)

	// DataAnomalies tracks invariant violations that were persisted anyway
	DataAnomalies = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "opindexer_data_anomalies_total",
			Help: "Total number of data anomalies",
		},
		[]string{"type"},
	)

	// GapsCreated tracks gap watermarks opened after truncated realtime pages
	GapsCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "opindexer_gaps_created_total",
			Help: "Total number of gap watermarks created",
		},
	)

	WatermarksFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "opindexer_watermarks_failed_total",
			Help: "Total number of watermarks moved to failed",
		},
		[]string{"stream"},
	)

	// SourceRequests tracks remote source calls
	SourceRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "opindexer_source_requests_total",
			Help: "Total number of source requests",
		},
		[]string{"source", "method", "outcome"},
	)

	SourceLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "opindexer_source_latency_seconds",
			Help:    "Source request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"source", "method"},
	)

	// RateLimitWait tracks time spent waiting on the token bucket
	RateLimitWait = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "opindexer_rate_limit_wait_seconds",
			Help:    "Time spent waiting for a rate limit token",
			Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 2, 5},
		},
		[]string{"source"},
	)

	// ProviderThrottled tracks 429/403 responses per provider
	ProviderThrottled = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "opindexer_provider_throttled_total",
			Help: "Total number of throttled provider responses",
		},
		[]string{"provider"},
	)

	// PipelineRestarts tracks supervisor restarts after fatal store errors
	PipelineRestarts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "opindexer_pipeline_restarts_total",
			Help: "Total number of pipeline restarts",
		},
	)

	EventsEmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "opindexer_events_emitted_total",
			Help: "Total number of emitted events",
		},
		[]string{"type", "status"},
	)

	// DBConnectionPoolUsage tracks database connection pool usage percentage
	DBConnectionPoolUsage = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "opindexer_db_connection_pool_usage_percent",
			Help: "Database connection pool usage percentage",
		},
	)
)
