package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vietddude/opindexer/internal/core/domain"
)

// =============================================================================
// Fakes
// =============================================================================

type fakeGenerator struct {
	name     string
	interval time.Duration
	cadence  Cadence
	infinite bool
	err      error

	mu     sync.Mutex
	left   int
	limits []int
}

func (g *fakeGenerator) Name() string            { return g.name }
func (g *fakeGenerator) Interval() time.Duration { return g.interval }
func (g *fakeGenerator) Cadence() Cadence        { return g.cadence }

func (g *fakeGenerator) Claim(ctx context.Context, limit int) ([]domain.Job, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.limits = append(g.limits, limit)
	if g.err != nil {
		return nil, g.err
	}
	n := limit
	if !g.infinite && n > g.left {
		n = g.left
	}
	g.left -= n

	jobs := make([]domain.Job, 0, n)
	for i := 0; i < n; i++ {
		jobs = append(jobs, domain.ScanJob(&domain.Watermark{Pointer: g.name}))
	}
	return jobs, nil
}

func (g *fakeGenerator) claimLimits() []int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]int(nil), g.limits...)
}

type fakeExecutor struct {
	delay time.Duration
	err   error

	mu      sync.Mutex
	order   []string
	running atomic.Int64
	peak    atomic.Int64
}

func (e *fakeExecutor) Execute(ctx context.Context, job domain.Job) error {
	n := e.running.Add(1)
	defer e.running.Add(-1)
	for {
		peak := e.peak.Load()
		if n <= peak || e.peak.CompareAndSwap(peak, n) {
			break
		}
	}

	e.mu.Lock()
	e.order = append(e.order, job.Watermark.Pointer)
	e.mu.Unlock()

	if e.delay > 0 {
		select {
		case <-time.After(e.delay):
		case <-ctx.Done():
		}
	}
	return e.err
}

func (e *fakeExecutor) executed() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.order...)
}

type fakePinger struct{ err error }

func (p fakePinger) Ping(ctx context.Context) error { return p.err }

func runFor(t *testing.T, d *Dispatcher, dur time.Duration) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), dur)
	defer cancel()
	return d.Run(ctx)
}

// =============================================================================
// Tests
// =============================================================================

func TestNewDispatcher_Validation(t *testing.T) {
	gen := &fakeGenerator{name: "g"}
	_, err := NewDispatcher(0, &fakeExecutor{}, nil, gen)
	assert.ErrorIs(t, err, ErrInvalidConcurrency)
	_, err = NewDispatcher(1, nil, nil, gen)
	assert.ErrorIs(t, err, ErrInvalidExecutor)
	_, err = NewDispatcher(1, &fakeExecutor{}, nil)
	assert.ErrorIs(t, err, ErrNoGenerators)
}

func TestDispatcher_PriorityOrder(t *testing.T) {
	gap := &fakeGenerator{name: "gap", interval: time.Hour, left: 2}
	refresh := &fakeGenerator{name: "refresh", interval: time.Hour, left: 1}
	historical := &fakeGenerator{name: "historical", interval: time.Hour, left: 1}
	failed := &fakeGenerator{name: "failed_retry", interval: time.Hour, left: 1}
	exec := &fakeExecutor{delay: time.Millisecond}

	d, err := NewDispatcher(1, exec, nil, gap, refresh, historical, failed)
	require.NoError(t, err)
	require.NoError(t, runFor(t, d, 200*time.Millisecond))

	assert.Equal(t, []string{"gap", "gap", "refresh", "historical", "failed_retry"}, exec.executed())
}

func TestDispatcher_ConcurrencyCeiling(t *testing.T) {
	refresh := &fakeGenerator{name: "refresh", interval: time.Millisecond, infinite: true}
	historical := &fakeGenerator{name: "historical", interval: time.Millisecond, infinite: true}
	exec := &fakeExecutor{delay: 10 * time.Millisecond}

	d, err := NewDispatcher(3, exec, nil, refresh, historical)
	require.NoError(t, err)
	require.NoError(t, runFor(t, d, 150*time.Millisecond))

	assert.LessOrEqual(t, exec.peak.Load(), int64(3))
	assert.Equal(t, int64(3), exec.peak.Load())
	assert.Zero(t, d.Inflight())
	for _, limit := range refresh.claimLimits() {
		assert.LessOrEqual(t, limit, 3)
	}
}

func TestDispatcher_HigherPriorityTakesFreeCapacity(t *testing.T) {
	refresh := &fakeGenerator{name: "refresh", interval: time.Millisecond, infinite: true}
	historical := &fakeGenerator{name: "historical", interval: time.Millisecond, infinite: true}
	exec := &fakeExecutor{delay: 5 * time.Millisecond}

	d, err := NewDispatcher(2, exec, nil, refresh, historical)
	require.NoError(t, err)
	require.NoError(t, runFor(t, d, 50*time.Millisecond))

	// a draining higher priority stream never leaves capacity behind
	assert.NotContains(t, exec.executed(), "historical")
	assert.Empty(t, historical.claimLimits())
}

func TestDispatcher_RealtimeFixedCadence(t *testing.T) {
	realtime := &fakeGenerator{name: "realtime", interval: time.Hour, cadence: CadenceFixed, infinite: true}
	historical := &fakeGenerator{name: "historical", interval: time.Hour, left: 3}
	exec := &fakeExecutor{}

	d, err := NewDispatcher(4, exec, nil, realtime, historical)
	require.NoError(t, err)
	require.NoError(t, runFor(t, d, 100*time.Millisecond))

	executed := exec.executed()
	count := 0
	for _, name := range executed {
		if name == "realtime" {
			count++
		}
	}
	assert.Equal(t, 1, count, "realtime yields one job per tick")
	assert.Len(t, executed, 4)
	assert.Equal(t, []int{1}, realtime.claimLimits())
}

func TestDispatcher_StoreUnavailableStops(t *testing.T) {
	gen := &fakeGenerator{
		name:     "refresh",
		interval: time.Millisecond,
		err:      fmt.Errorf("claim: %w", domain.ErrStoreUnavailable),
	}
	d, err := NewDispatcher(2, &fakeExecutor{}, fakePinger{err: errors.New("dial tcp: connection refused")}, gen)
	require.NoError(t, err)

	err = runFor(t, d, time.Second)
	assert.ErrorIs(t, err, domain.ErrStoreUnavailable)
}

func TestDispatcher_StoreBlipWithHealthyPingContinues(t *testing.T) {
	gen := &fakeGenerator{
		name:     "refresh",
		interval: 10 * time.Millisecond,
		err:      fmt.Errorf("claim: %w", domain.ErrStoreUnavailable),
	}
	d, err := NewDispatcher(2, &fakeExecutor{}, fakePinger{}, gen)
	require.NoError(t, err)

	assert.NoError(t, runFor(t, d, 50*time.Millisecond))
	assert.Greater(t, len(gen.claimLimits()), 1)
}

func TestDispatcher_FatalJobDrainsInflight(t *testing.T) {
	gen := &fakeGenerator{name: "historical", interval: time.Hour, left: 3}
	exec := &fakeExecutor{delay: 20 * time.Millisecond, err: fmt.Errorf("begin: %w", domain.ErrStoreUnavailable)}

	d, err := NewDispatcher(3, exec, fakePinger{err: errors.New("down")}, gen)
	require.NoError(t, err)

	err = runFor(t, d, time.Second)
	assert.ErrorIs(t, err, domain.ErrStoreUnavailable)
	assert.Zero(t, d.Inflight())
	assert.Len(t, exec.executed(), 3)
}
