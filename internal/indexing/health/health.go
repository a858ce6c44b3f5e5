// Package health provides system health monitoring and status reporting.
package health

import (
	"time"

	"github.com/vietddude/opindexer/internal/infra/rpc/budget"
	"github.com/vietddude/opindexer/internal/infra/rpc/provider"
	"github.com/vietddude/opindexer/internal/infra/storage"
)

// SystemStatus represents the overall health state of the system or a component.
type SystemStatus string

const (
	StatusHealthy  SystemStatus = "healthy"
	StatusDegraded SystemStatus = "degraded"
	StatusCritical SystemStatus = "critical"
)

// WatermarkHealth describes one unfinalized watermark.
type WatermarkHealth struct {
	ID             int64     `json:"id"`
	Kind           string    `json:"kind"`
	Pointer        string    `json:"pointer"`
	Bound          string    `json:"bound,omitempty"`
	Status         string    `json:"status"`
	AttemptCount   int       `json:"attempt_count"`
	NextEligibleAt time.Time `json:"next_eligible_at"`
	LastError      string    `json:"last_error,omitempty"`
}

// PipelineHealth describes the supervised dispatcher.
type PipelineHealth struct {
	Running  bool  `json:"running"`
	Restarts int64 `json:"restarts"`
	Inflight int64 `json:"inflight"`
}

// HealthReport contains the full system health report.
type HealthReport struct {
	SystemStatus     SystemStatus                     `json:"system_status"`
	StoreReachable   bool                             `json:"store_reachable"`
	Pipeline         PipelineHealth                   `json:"pipeline"`
	Frontiers        []WatermarkHealth                `json:"frontiers"`
	OpenGaps         int                              `json:"open_gaps"`
	FailedWatermarks int                              `json:"failed_watermarks"`
	Operations       storage.OperationCounts          `json:"operations"`
	Providers        map[string]provider.HealthStatus `json:"providers,omitempty"`
	SourceUsage      *budget.UsageStats               `json:"source_usage,omitempty"`
	CheckedAt        time.Time                        `json:"checked_at"`
}
