package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vietddude/opindexer/internal/core/domain"
	"github.com/vietddude/opindexer/internal/indexing/recovery"
	"github.com/vietddude/opindexer/internal/infra/storage"
)

// =============================================================================
// Helpers
// =============================================================================

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestStore(threshold int) (*MemoryStorage, *clock) {
	c := &clock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	policy := recovery.Policy{
		BaseInterval:     time.Second,
		MaxInterval:      time.Minute,
		Threshold:        threshold,
		ColdBaseInterval: time.Hour,
		ColdMaxInterval:  4 * time.Hour,
	}
	return NewMemoryStorage(policy, WithClock(c.Now)), c
}

func claim(token string, limit int) storage.Claim {
	return storage.Claim{Token: token, Limit: limit}
}

// =============================================================================
// Watermark Tests
// =============================================================================

func TestWatermark_ClaimIsExclusive(t *testing.T) {
	s, _ := newTestStore(3)
	ctx := context.Background()
	for i := 0; i < 20; i++ {
		_, err := s.Watermarks().CreateGap(ctx, fmt.Sprint(i*10), fmt.Sprint(i*10+10))
		require.NoError(t, err)
	}

	var mu sync.Mutex
	seen := make(map[int64]string)
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			token := fmt.Sprintf("worker-%d", worker)
			for {
				claimed, err := s.Watermarks().ClaimNext(ctx, domain.StreamGap, claim(token, 2))
				assert.NoError(t, err)
				if len(claimed) == 0 {
					return
				}
				mu.Lock()
				for _, wm := range claimed {
					prev, dup := seen[wm.ID]
					assert.False(t, dup, "watermark %d claimed by %s and %s", wm.ID, prev, token)
					seen[wm.ID] = token
				}
				mu.Unlock()
			}
		}(w)
	}
	wg.Wait()

	assert.Len(t, seen, 20)
}

func TestWatermark_ClaimAdvancesEligibility(t *testing.T) {
	s, c := newTestStore(3)
	ctx := context.Background()
	_, _, err := s.Watermarks().EnsureFrontier(ctx, domain.StreamHistorical, "1000", "0", true)
	require.NoError(t, err)

	claimed, err := s.Watermarks().ClaimNext(ctx, domain.StreamHistorical, claim("a", 10))
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	wm := claimed[0]
	assert.Equal(t, domain.WatermarkLocked, wm.Status)
	assert.Equal(t, 1, wm.AttemptCount)
	assert.Equal(t, c.Now().Add(time.Second), wm.NextEligibleAt)

	// lease still running
	again, err := s.Watermarks().ClaimNext(ctx, domain.StreamHistorical, claim("b", 10))
	require.NoError(t, err)
	assert.Empty(t, again)

	// lease ran out: another worker may take over and the first loses its claim
	c.Advance(time.Second)
	again, err = s.Watermarks().ClaimNext(ctx, domain.StreamHistorical, claim("b", 10))
	require.NoError(t, err)
	require.Len(t, again, 1)
	assert.Equal(t, 2, again[0].AttemptCount)

	ok, err := s.Watermarks().Finalize(ctx, wm, "900", false)
	require.NoError(t, err)
	assert.False(t, ok, "stale owner must not finalize")
}

func TestWatermark_FinalizeCreatesSuccessor(t *testing.T) {
	s, _ := newTestStore(3)
	ctx := context.Background()
	_, created, err := s.Watermarks().EnsureFrontier(ctx, domain.StreamHistorical, "1000", "0", true)
	require.NoError(t, err)
	require.True(t, created)

	claimed, err := s.Watermarks().ClaimNext(ctx, domain.StreamHistorical, claim("a", 1))
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	ok, err := s.Watermarks().Finalize(ctx, claimed[0], "900", false)
	require.NoError(t, err)
	require.True(t, ok)

	frontiers, err := s.Watermarks().Frontiers(ctx)
	require.NoError(t, err)
	require.Len(t, frontiers, 1)
	assert.Equal(t, "900", frontiers[0].Pointer)
	assert.Equal(t, "0", frontiers[0].Bound)
	assert.Equal(t, domain.WatermarkPending, frontiers[0].Status)
	assert.Equal(t, 0, frontiers[0].AttemptCount)
}

func TestWatermark_FinalizeDoneLeavesNoFrontier(t *testing.T) {
	s, _ := newTestStore(3)
	ctx := context.Background()
	_, _, err := s.Watermarks().EnsureFrontier(ctx, domain.StreamHistorical, "100", "0", true)
	require.NoError(t, err)
	claimed, err := s.Watermarks().ClaimNext(ctx, domain.StreamHistorical, claim("a", 1))
	require.NoError(t, err)

	ok, err := s.Watermarks().Finalize(ctx, claimed[0], "", true)
	require.NoError(t, err)
	require.True(t, ok)

	frontiers, err := s.Watermarks().Frontiers(ctx)
	require.NoError(t, err)
	assert.Empty(t, frontiers)

	// a restart must not start the historical stream over
	wm, created, err := s.Watermarks().EnsureFrontier(ctx, domain.StreamHistorical, "5000", "0", true)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Nil(t, wm)
}

func TestWatermark_EnsureFrontierKeepsExisting(t *testing.T) {
	s, _ := newTestStore(3)
	ctx := context.Background()

	first, created, err := s.Watermarks().EnsureFrontier(ctx, domain.StreamRealtime, "a", "", false)
	require.NoError(t, err)
	require.True(t, created)

	second, created, err := s.Watermarks().EnsureFrontier(ctx, domain.StreamRealtime, "b", "", false)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "a", second.Pointer)

	_, _, err = s.Watermarks().EnsureFrontier(ctx, domain.StreamGap, "a", "b", false)
	assert.Error(t, err)
}

func TestWatermark_FailsAfterThreshold(t *testing.T) {
	s, c := newTestStore(3)
	ctx := context.Background()
	_, _, err := s.Watermarks().EnsureFrontier(ctx, domain.StreamRealtime, "500", "", false)
	require.NoError(t, err)

	for attempt := 1; attempt <= 3; attempt++ {
		claimed, err := s.Watermarks().ClaimNext(ctx, domain.StreamRealtime, claim("a", 1))
		require.NoError(t, err)
		require.Len(t, claimed, 1, "attempt %d", attempt)

		status, err := s.Watermarks().Fail(ctx, claimed[0], "timeout")
		require.NoError(t, err)
		if attempt < 3 {
			assert.Equal(t, domain.WatermarkLocked, status)
		} else {
			assert.Equal(t, domain.WatermarkFailed, status)
		}
		c.Advance(time.Minute)
	}

	claimed, err := s.Watermarks().ClaimNext(ctx, domain.StreamRealtime, claim("a", 1))
	require.NoError(t, err)
	assert.Empty(t, claimed, "failed watermark left its stream")

	// cold regime
	claimed, err = s.Watermarks().ClaimFailed(ctx, claim("retry", 10))
	require.NoError(t, err)
	assert.Empty(t, claimed)

	c.Advance(time.Hour)
	claimed, err = s.Watermarks().ClaimFailed(ctx, claim("retry", 10))
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, "500", claimed[0].Pointer)
	assert.Equal(t, "timeout", claimed[0].LastError)
}

func TestWatermark_FailLostClaim(t *testing.T) {
	s, _ := newTestStore(3)
	ctx := context.Background()
	gap, err := s.Watermarks().CreateGap(ctx, "500", "520")
	require.NoError(t, err)

	gap.ClaimToken = "nobody"
	_, err = s.Watermarks().Fail(ctx, gap, "x")
	assert.ErrorIs(t, err, domain.ErrLostClaim)
}

func TestWatermark_ReleaseAndRearm(t *testing.T) {
	s, c := newTestStore(1)
	ctx := context.Background()
	_, _, err := s.Watermarks().EnsureFrontier(ctx, domain.StreamRealtime, "a", "", false)
	require.NoError(t, err)

	claimed, err := s.Watermarks().ClaimNext(ctx, domain.StreamRealtime, claim("a", 1))
	require.NoError(t, err)
	ok, err := s.Watermarks().Release(ctx, claimed[0], 5*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	claimed, err = s.Watermarks().ClaimNext(ctx, domain.StreamRealtime, claim("a", 1))
	require.NoError(t, err)
	assert.Empty(t, claimed)

	c.Advance(5 * time.Second)
	claimed, err = s.Watermarks().ClaimNext(ctx, domain.StreamRealtime, claim("a", 1))
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, 1, claimed[0].AttemptCount)

	status, err := s.Watermarks().Fail(ctx, claimed[0], "boom")
	require.NoError(t, err)
	require.Equal(t, domain.WatermarkFailed, status)

	require.NoError(t, s.Watermarks().Rearm(ctx, claimed[0].ID))
	assert.ErrorIs(t, s.Watermarks().Rearm(ctx, claimed[0].ID), domain.ErrNotFound)

	claimed, err = s.Watermarks().ClaimNext(ctx, domain.StreamRealtime, claim("a", 1))
	require.NoError(t, err)
	assert.Len(t, claimed, 1)
}

// =============================================================================
// Operation Tests
// =============================================================================

func TestOperation_UpsertIsIdempotent(t *testing.T) {
	s, c := newTestStore(3)
	ctx := context.Background()
	d := domain.Discovery{ExternalID: "0xabc", DiscoveredAt: c.Now()}

	id, created, anomaly, err := s.Operations().UpsertDiscovered(ctx, d)
	require.NoError(t, err)
	require.True(t, created)
	assert.Empty(t, anomaly)

	before, err := s.Operations().Get(ctx, id)
	require.NoError(t, err)

	d.StatusDetail = "Mined"
	d.DiscoveredAt = c.Now().Add(time.Hour)
	again, created, _, err := s.Operations().UpsertDiscovered(ctx, d)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, id, again)

	after, err := s.Operations().Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.Equal(t, domain.StatusInitial, after.StatusDetail)
	assert.Equal(t, id, after.RootID)
	assert.Equal(t, 0, after.Depth)
}

func TestOperation_UpsertConcurrentSameExternalID(t *testing.T) {
	s, c := newTestStore(3)
	ctx := context.Background()

	ids := make([]int64, 10)
	var wg sync.WaitGroup
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id, _, _, err := s.Operations().UpsertDiscovered(ctx, domain.Discovery{
				ExternalID:   "0xdup",
				DiscoveredAt: c.Now(),
			})
			assert.NoError(t, err)
			ids[i] = id
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
	counts, err := s.Operations().Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts.Idle)
}

func TestOperation_ChildInheritsRoot(t *testing.T) {
	s, c := newTestStore(3)
	ctx := context.Background()

	rootID, _, _, err := s.Operations().UpsertDiscovered(ctx, domain.Discovery{ExternalID: "A", DiscoveredAt: c.Now()})
	require.NoError(t, err)
	childID, _, _, err := s.Operations().UpsertDiscovered(ctx, domain.Discovery{
		ExternalID:   "B",
		ParentID:     &rootID,
		DiscoveredAt: c.Now(),
	})
	require.NoError(t, err)
	grandID, _, _, err := s.Operations().UpsertDiscovered(ctx, domain.Discovery{
		ExternalID:   "C",
		ParentID:     &childID,
		DiscoveredAt: c.Now(),
	})
	require.NoError(t, err)

	child, err := s.Operations().Get(ctx, childID)
	require.NoError(t, err)
	assert.Equal(t, rootID, child.RootID)
	assert.Equal(t, 1, child.Depth)
	require.NotNil(t, child.ParentID)
	assert.Equal(t, rootID, *child.ParentID)

	grand, err := s.Operations().Get(ctx, grandID)
	require.NoError(t, err)
	assert.Equal(t, rootID, grand.RootID)
	assert.Equal(t, 2, grand.Depth)
}

func TestOperation_MissingParentStoredAsRoot(t *testing.T) {
	s, c := newTestStore(3)
	ctx := context.Background()
	missing := int64(42)

	id, created, anomaly, err := s.Operations().UpsertDiscovered(ctx, domain.Discovery{
		ExternalID:   "orphan",
		ParentID:     &missing,
		DiscoveredAt: c.Now(),
	})
	require.NoError(t, err)
	require.True(t, created)
	assert.Contains(t, anomaly, "42")

	op, err := s.Operations().Get(ctx, id)
	require.NoError(t, err)
	assert.True(t, op.IsRoot())
	assert.Equal(t, id, op.RootID)
	assert.Contains(t, op.Note, "stored as root")
}

func TestOperation_LinkChildrenRelinksSubtree(t *testing.T) {
	s, c := newTestStore(3)
	ctx := context.Background()
	ops := s.Operations()

	aID, _, _, _ := ops.UpsertDiscovered(ctx, domain.Discovery{ExternalID: "A", DiscoveredAt: c.Now()})
	// B and its child D were discovered as a separate tree before A reported B
	bID, _, _, _ := ops.UpsertDiscovered(ctx, domain.Discovery{ExternalID: "B", DiscoveredAt: c.Now()})
	dID, _, _, _ := ops.UpsertDiscovered(ctx, domain.Discovery{ExternalID: "D", ParentID: &bID, DiscoveredAt: c.Now()})

	claimed, err := ops.ClaimStale(ctx, storage.Claim{Token: "t", Limit: 10})
	require.NoError(t, err)
	var a *domain.Operation
	for _, op := range claimed {
		if op.ID == aID {
			a = op
		}
	}
	require.NotNil(t, a)

	res, err := ops.LinkChildren(ctx, a, []domain.Discovery{
		{ExternalID: "B", DiscoveredAt: c.Now()},
		{ExternalID: "E", DiscoveredAt: c.Now()},
		{ExternalID: "A", DiscoveredAt: c.Now()},
	})
	require.NoError(t, err)
	assert.Equal(t, []int64{bID}, res.Relinked)
	require.Len(t, res.Created, 1)

	for _, id := range []int64{bID, dID, res.Created[0]} {
		op, err := ops.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, aID, op.RootID, "operation %s", op.ExternalID)
	}
	d, _ := ops.Get(ctx, dID)
	assert.Equal(t, 2, d.Depth)

	// relinking again is a no-op
	res, err = ops.LinkChildren(ctx, a, []domain.Discovery{{ExternalID: "B"}})
	require.NoError(t, err)
	assert.Empty(t, res.Relinked)
}

func TestOperation_LinkChildrenSkipsEarlierOperations(t *testing.T) {
	s, c := newTestStore(3)
	ctx := context.Background()
	ops := s.Operations()

	_, _, _, _ = ops.UpsertDiscovered(ctx, domain.Discovery{ExternalID: "old", DiscoveredAt: c.Now()})
	newID, _, _, _ := ops.UpsertDiscovered(ctx, domain.Discovery{ExternalID: "new", DiscoveredAt: c.Now()})
	parent, _ := ops.Get(ctx, newID)

	res, err := ops.LinkChildren(ctx, parent, []domain.Discovery{{ExternalID: "old"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"old"}, res.Skipped)

	old, _ := ops.GetByExternalID(ctx, "old")
	assert.True(t, old.IsRoot())
}

func TestOperation_RefreshFailsAfterThreshold(t *testing.T) {
	s, c := newTestStore(3)
	ctx := context.Background()
	id, _, _, _ := s.Operations().UpsertDiscovered(ctx, domain.Discovery{ExternalID: "C", DiscoveredAt: c.Now()})

	for attempt := 1; attempt <= 3; attempt++ {
		claimed, err := s.Operations().ClaimStale(ctx, claim("t", 10))
		require.NoError(t, err)
		require.Len(t, claimed, 1, "attempt %d", attempt)

		status, err := s.Operations().Fail(ctx, claimed[0], "rpc timeout")
		require.NoError(t, err)
		if attempt < 3 {
			assert.Equal(t, domain.ProcessingIdle, status)
		}
		c.Advance(time.Minute)
	}

	op, err := s.Operations().Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.ProcessingFailed, op.ProcessingStatus)

	claimed, err := s.Operations().ClaimStale(ctx, claim("t", 10))
	require.NoError(t, err)
	assert.Empty(t, claimed)

	c.Advance(time.Hour)
	claimed, err = s.Operations().ClaimFailed(ctx, claim("retry", 10))
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	ok, err := s.Operations().RecordStatus(ctx, claimed[0], domain.StatusUpdate{Detail: "PendingOutbound", ObservedAt: c.Now()})
	require.NoError(t, err)
	require.True(t, ok)

	op, err = s.Operations().Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.ProcessingIdle, op.ProcessingStatus)
	assert.Equal(t, 0, op.RetriesNumber)
	assert.Equal(t, c.Now().Add(time.Second), op.NextPollAt)
}

func TestOperation_RecordTerminalExcludesFromRefresh(t *testing.T) {
	s, c := newTestStore(3)
	ctx := context.Background()
	_, _, _, _ = s.Operations().UpsertDiscovered(ctx, domain.Discovery{ExternalID: "X", DiscoveredAt: c.Now()})

	claimed, err := s.Operations().ClaimStale(ctx, claim("t", 10))
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	ok, err := s.Operations().RecordStatus(ctx, claimed[0], domain.StatusUpdate{
		Detail:     "OutboundMined",
		ObservedAt: c.Now(),
		Terminal:   true,
		Source:     "zetachain",
		Payload:    []byte(`{"index":"X"}`),
	})
	require.NoError(t, err)
	require.True(t, ok)

	c.Advance(24 * time.Hour)
	claimed, err = s.Operations().ClaimStale(ctx, claim("t", 10))
	require.NoError(t, err)
	assert.Empty(t, claimed)

	source, payload, found := s.Detail(1)
	require.True(t, found)
	assert.Equal(t, "zetachain", source)
	assert.JSONEq(t, `{"index":"X"}`, string(payload))
}

func TestOperation_ClaimStaleOrdersByLastUpdate(t *testing.T) {
	s, c := newTestStore(3)
	ctx := context.Background()
	base := c.Now()
	for i, ext := range []string{"old", "newest", "middle"} {
		offset := map[string]time.Duration{"old": 0, "newest": 2 * time.Minute, "middle": time.Minute}[ext]
		_, _, _, err := s.Operations().UpsertDiscovered(ctx, domain.Discovery{
			ExternalID:   ext,
			DiscoveredAt: base.Add(offset),
		})
		require.NoError(t, err, "operation %d", i)
	}

	claimed, err := s.Operations().ClaimStale(ctx, claim("t", 2))
	require.NoError(t, err)
	require.Len(t, claimed, 2)
	assert.Equal(t, "newest", claimed[0].ExternalID)
	assert.Equal(t, "middle", claimed[1].ExternalID)
}

func TestOperation_ForeverPendingExcluded(t *testing.T) {
	s, c := newTestStore(3)
	ctx := context.Background()
	_, _, _, _ = s.Operations().UpsertDiscovered(ctx, domain.Discovery{
		ExternalID:   "ancient",
		DiscoveredAt: c.Now().Add(-48 * time.Hour),
	})
	_, _, _, _ = s.Operations().UpsertDiscovered(ctx, domain.Discovery{
		ExternalID:   "fresh",
		DiscoveredAt: c.Now(),
	})

	claimed, err := s.Operations().ClaimStale(ctx, storage.Claim{Token: "t", Limit: 10, MaxAge: 24 * time.Hour})
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, "fresh", claimed[0].ExternalID)

	n, err := s.Operations().ExpireForeverPending(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	ancient, err := s.Operations().GetByExternalID(ctx, "ancient")
	require.NoError(t, err)
	assert.True(t, ancient.Terminal)
	assert.Contains(t, ancient.Note, "forever pending")

	// even without the age filter it is no longer refreshed
	c.Advance(time.Hour)
	claimed, err = s.Operations().ClaimStale(ctx, claim("t2", 10))
	require.NoError(t, err)
	for _, op := range claimed {
		assert.NotEqual(t, "ancient", op.ExternalID)
	}
}

func TestOperation_ForeverPendingRetiresAbandonedLease(t *testing.T) {
	s, c := newTestStore(3)
	ctx := context.Background()
	const maxAge = 24 * time.Hour
	_, _, _, err := s.Operations().UpsertDiscovered(ctx, domain.Discovery{
		ExternalID:   "abandoned",
		DiscoveredAt: c.Now().Add(-maxAge + time.Minute),
	})
	require.NoError(t, err)

	claimed, err := s.Operations().ClaimStale(ctx, storage.Claim{Token: "crashed", Limit: 1, MaxAge: maxAge})
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	// lease still live: the holder keeps it
	n, err := s.Operations().ExpireForeverPending(ctx, time.Hour)
	require.NoError(t, err)
	assert.Zero(t, n)

	c.Advance(2 * time.Hour)
	n, err = s.Operations().ExpireForeverPending(ctx, maxAge)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	op, err := s.Operations().GetByExternalID(ctx, "abandoned")
	require.NoError(t, err)
	assert.True(t, op.Terminal)
	assert.Equal(t, domain.ProcessingIdle, op.ProcessingStatus)
	assert.Empty(t, op.ClaimToken)

	// the late holder can no longer write
	ok, err := s.Operations().RecordStatus(ctx, claimed[0], domain.StatusUpdate{Detail: "late", ObservedAt: c.Now()})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestOperation_MarkTerminalRequiresClaim(t *testing.T) {
	s, c := newTestStore(3)
	ctx := context.Background()
	id, _, _, _ := s.Operations().UpsertDiscovered(ctx, domain.Discovery{ExternalID: "Z", DiscoveredAt: c.Now()})
	op, _ := s.Operations().Get(ctx, id)

	ok, err := s.Operations().MarkTerminal(ctx, op, "not found")
	require.NoError(t, err)
	assert.False(t, ok)

	claimed, _ := s.Operations().ClaimStale(ctx, claim("t", 1))
	ok, err = s.Operations().MarkTerminal(ctx, claimed[0], "not found")
	require.NoError(t, err)
	assert.True(t, ok)

	counts, err := s.Operations().Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, storage.OperationCounts{Terminal: 1}, counts)
}

// =============================================================================
// Unit of Work Tests
// =============================================================================

func TestDo_RollsBackOnError(t *testing.T) {
	s, c := newTestStore(3)
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.Do(ctx, func(uow storage.UnitOfWork) error {
		if _, _, _, err := uow.Operations().UpsertDiscovered(ctx, domain.Discovery{ExternalID: "A", DiscoveredAt: c.Now()}); err != nil {
			return err
		}
		if _, err := uow.Watermarks().CreateGap(ctx, "1", "2"); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	_, err = s.Operations().GetByExternalID(ctx, "A")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	frontiers, err := s.Watermarks().Frontiers(ctx)
	require.NoError(t, err)
	assert.Empty(t, frontiers)
}
