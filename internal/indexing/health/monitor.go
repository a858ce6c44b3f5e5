package health

import (
	"context"
	"sync"
	"time"

	"github.com/vietddude/opindexer/internal/core/domain"
	"github.com/vietddude/opindexer/internal/infra/rpc/budget"
	"github.com/vietddude/opindexer/internal/infra/rpc/provider"
	"github.com/vietddude/opindexer/internal/infra/storage"
)

const cacheTTL = 10 * time.Second

// Pipeline reports the state of the supervised dispatcher.
type Pipeline interface {
	Running() bool
	Restarts() int64
	Inflight() int64
}

// Option adds optional report sections.
type Option func(*Monitor)

// WithProviders reports the health of source providers.
func WithProviders(fn func() map[string]provider.HealthStatus) Option {
	return func(m *Monitor) { m.providers = fn }
}

// WithUsage reports source call accounting.
func WithUsage(fn func() budget.UsageStats) Option {
	return func(m *Monitor) { m.usage = fn }
}

// Monitor aggregates health status from various system components.
type Monitor struct {
	store      storage.Store
	pipeline   Pipeline
	providers  func() map[string]provider.HealthStatus
	usage      func() budget.UsageStats
	now        func() time.Time
	lastCheck  time.Time
	lastReport *HealthReport
	mu         sync.Mutex
}

// NewMonitor creates a new health monitor.
func NewMonitor(store storage.Store, pipeline Pipeline, opts ...Option) *Monitor {
	m := &Monitor{
		store:    store,
		pipeline: pipeline,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// CheckHealth builds a report, reusing the last one for up to 10s.
func (m *Monitor) CheckHealth(ctx context.Context) *HealthReport {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.lastReport != nil && m.now().Sub(m.lastCheck) < cacheTTL {
		return m.lastReport
	}

	report := &HealthReport{
		SystemStatus: StatusHealthy,
		Frontiers:    []WatermarkHealth{},
		CheckedAt:    m.now(),
	}

	if m.pipeline != nil {
		report.Pipeline = PipelineHealth{
			Running:  m.pipeline.Running(),
			Restarts: m.pipeline.Restarts(),
			Inflight: m.pipeline.Inflight(),
		}
	}

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	report.StoreReachable = m.store.Ping(pingCtx) == nil
	cancel()

	hasRealtime := false
	if report.StoreReachable {
		if wms, err := m.store.Watermarks().Frontiers(ctx); err == nil {
			for _, wm := range wms {
				report.Frontiers = append(report.Frontiers, watermarkHealth(wm))
				switch {
				case wm.Status == domain.WatermarkFailed:
					report.FailedWatermarks++
				case wm.Kind == domain.StreamGap:
					report.OpenGaps++
				}
				if wm.Kind == domain.StreamRealtime {
					hasRealtime = true
				}
			}
		}
		if counts, err := m.store.Operations().Counts(ctx); err == nil {
			report.Operations = counts
		}
	}

	if m.providers != nil {
		report.Providers = m.providers()
	}
	if m.usage != nil {
		usage := m.usage()
		report.SourceUsage = &usage
	}

	// Evaluate Status
	switch {
	case !report.StoreReachable || (m.pipeline != nil && !report.Pipeline.Running):
		report.SystemStatus = StatusCritical
	case !hasRealtime || report.FailedWatermarks > 0 || report.Operations.Failed > 0:
		report.SystemStatus = StatusDegraded
	}

	m.lastCheck = m.now()
	m.lastReport = report
	return report
}

func watermarkHealth(wm *domain.Watermark) WatermarkHealth {
	return WatermarkHealth{
		ID:             wm.ID,
		Kind:           string(wm.Kind),
		Pointer:        wm.Pointer,
		Bound:          wm.Bound,
		Status:         string(wm.Status),
		AttemptCount:   wm.AttemptCount,
		NextEligibleAt: wm.NextEligibleAt,
		LastError:      wm.LastError,
	}
}
