package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/vietddude/opindexer/internal/core/domain"
	"github.com/vietddude/opindexer/internal/indexing/recovery"
	"github.com/vietddude/opindexer/internal/infra/storage"
	"github.com/vietddude/opindexer/internal/infra/storage/memory"
)

// =============================================================================
// Stubs
// =============================================================================

type stubPipeline struct {
	running  bool
	restarts int64
}

func (s *stubPipeline) Running() bool   { return s.running }
func (s *stubPipeline) Restarts() int64 { return s.restarts }
func (s *stubPipeline) Inflight() int64 { return 0 }

type downStore struct {
	storage.Store
}

func (downStore) Ping(ctx context.Context) error { return errors.New("connection refused") }

func newStore(t *testing.T) *memory.MemoryStorage {
	t.Helper()
	store := memory.NewMemoryStorage(recovery.DefaultPolicy())
	ctx := context.Background()
	if _, _, err := store.Watermarks().EnsureFrontier(ctx, domain.StreamRealtime, "top", "", false); err != nil {
		t.Fatal(err)
	}
	if _, _, err := store.Watermarks().EnsureFrontier(ctx, domain.StreamHistorical, "", "", true); err != nil {
		t.Fatal(err)
	}
	return store
}

// =============================================================================
// Tests
// =============================================================================

func TestMonitor_Healthy(t *testing.T) {
	store := newStore(t)
	m := NewMonitor(store, &stubPipeline{running: true, restarts: 2})

	report := m.CheckHealth(context.Background())
	if report.SystemStatus != StatusHealthy {
		t.Errorf("Expected healthy, got %s", report.SystemStatus)
	}
	if len(report.Frontiers) != 2 {
		t.Errorf("Expected 2 frontiers, got %d", len(report.Frontiers))
	}
	if report.Pipeline.Restarts != 2 {
		t.Errorf("Expected 2 restarts, got %d", report.Pipeline.Restarts)
	}
}

func TestMonitor_ReportsGapsAndOperations(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	if _, err := store.Watermarks().CreateGap(ctx, "k2", "c1"); err != nil {
		t.Fatal(err)
	}
	if _, _, _, err := store.Operations().UpsertDiscovered(ctx, domain.Discovery{ExternalID: "x", DiscoveredAt: time.Now()}); err != nil {
		t.Fatal(err)
	}
	ops, err := store.Operations().ClaimStale(ctx, storage.Claim{Token: "t", Limit: 1})
	if err != nil || len(ops) != 1 {
		t.Fatalf("claim failed: %v", err)
	}

	m := NewMonitor(store, &stubPipeline{running: true})
	report := m.CheckHealth(ctx)
	if report.OpenGaps != 1 {
		t.Errorf("Expected 1 open gap, got %d", report.OpenGaps)
	}
	if report.Operations.Locked != 1 {
		t.Errorf("Expected 1 locked operation, got %d", report.Operations.Locked)
	}
	if report.SystemStatus != StatusHealthy {
		t.Errorf("Expected healthy with an open gap, got %s", report.SystemStatus)
	}
}

func TestMonitor_CriticalWhenStoreDown(t *testing.T) {
	m := NewMonitor(downStore{newStore(t)}, &stubPipeline{running: true})

	report := m.CheckHealth(context.Background())
	if report.SystemStatus != StatusCritical {
		t.Errorf("Expected critical, got %s", report.SystemStatus)
	}
	if report.StoreReachable {
		t.Error("Expected store to be unreachable")
	}
}

func TestMonitor_CachesReport(t *testing.T) {
	pipeline := &stubPipeline{running: true}
	m := NewMonitor(newStore(t), pipeline)
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }

	first := m.CheckHealth(context.Background())
	pipeline.running = false

	if again := m.CheckHealth(context.Background()); again != first {
		t.Error("Expected cached report within 10s")
	}

	now = now.Add(cacheTTL)
	if fresh := m.CheckHealth(context.Background()); fresh.SystemStatus != StatusCritical {
		t.Errorf("Expected critical after cache expiry, got %s", fresh.SystemStatus)
	}
}

func TestServer_Endpoints(t *testing.T) {
	pipeline := &stubPipeline{running: false}
	srv := httptest.NewServer(NewServer(NewMonitor(newStore(t), pipeline), 0).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("Expected 503 for a stopped pipeline, got %d", resp.StatusCode)
	}

	resp, err = http.Get(srv.URL + "/health/detailed")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var report HealthReport
	if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
		t.Fatal(err)
	}
	if len(report.Frontiers) != 2 {
		t.Errorf("Expected 2 frontiers in detailed report, got %d", len(report.Frontiers))
	}

	resp, err = http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected 200 from /metrics, got %d", resp.StatusCode)
	}
}
