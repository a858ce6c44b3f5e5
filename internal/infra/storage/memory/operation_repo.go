package memory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/vietddude/opindexer/internal/core/domain"
	"github.com/vietddude/opindexer/internal/infra/storage"
)

// -----------------------------------------------------------------------------
// Operation Repository
// -----------------------------------------------------------------------------

type OperationRepo struct {
	store *MemoryStorage
	inTx  bool
}

func (r *OperationRepo) UpsertDiscovered(
	ctx context.Context,
	d domain.Discovery,
) (int64, bool, string, error) {
	var id int64
	var created bool
	var anomaly string
	err := r.store.run(r.inTx, func(st *state, now time.Time) error {
		id, created, anomaly = upsert(st, now, d)
		return nil
	})
	return id, created, anomaly, err
}

func upsert(st *state, now time.Time, d domain.Discovery) (int64, bool, string) {
	if id, ok := st.byExternal[d.ExternalID]; ok {
		return id, false, ""
	}

	st.nextOp++
	op := &domain.Operation{
		ID:                 st.nextOp,
		ExternalID:         d.ExternalID,
		DiscoveredAt:       d.DiscoveredAt,
		ProcessingStatus:   domain.ProcessingIdle,
		NextPollAt:         now,
		RootID:             st.nextOp,
		StatusDetail:       d.StatusDetail,
		LastStatusUpdateAt: d.DiscoveredAt,
	}
	if op.StatusDetail == "" {
		op.StatusDetail = domain.StatusInitial
	}

	var anomaly string
	if d.ParentID != nil {
		if parent, ok := st.operations[*d.ParentID]; ok {
			parentID := parent.ID
			op.ParentID = &parentID
			op.RootID = parent.RootID
			op.Depth = parent.Depth + 1
		} else {
			anomaly = fmt.Sprintf("parent operation %d not found", *d.ParentID)
			op.Note = anomaly + ", stored as root"
		}
	}

	st.operations[op.ID] = op
	st.byExternal[op.ExternalID] = op.ID
	return op.ID, true, anomaly
}

func (r *OperationRepo) ClaimStale(ctx context.Context, claim storage.Claim) ([]*domain.Operation, error) {
	return r.claim(claim, func(op *domain.Operation) bool {
		return op.ProcessingStatus == domain.ProcessingIdle || op.ProcessingStatus == domain.ProcessingLocked
	}, func(a, b *domain.Operation) bool {
		if a.LastStatusUpdateAt.Equal(b.LastStatusUpdateAt) {
			return a.ID > b.ID
		}
		return a.LastStatusUpdateAt.After(b.LastStatusUpdateAt)
	})
}

func (r *OperationRepo) ClaimFailed(ctx context.Context, claim storage.Claim) ([]*domain.Operation, error) {
	return r.claim(claim, func(op *domain.Operation) bool {
		return op.ProcessingStatus == domain.ProcessingFailed
	}, func(a, b *domain.Operation) bool {
		if a.NextPollAt.Equal(b.NextPollAt) {
			return a.ID < b.ID
		}
		return a.NextPollAt.Before(b.NextPollAt)
	})
}

func (r *OperationRepo) claim(
	claim storage.Claim,
	match func(*domain.Operation) bool,
	less func(a, b *domain.Operation) bool,
) ([]*domain.Operation, error) {
	var out []*domain.Operation
	err := r.store.run(r.inTx, func(st *state, now time.Time) error {
		var candidates []*domain.Operation
		for _, op := range st.operations {
			if op.Terminal || !match(op) || op.NextPollAt.After(now) {
				continue
			}
			if claim.MaxAge > 0 && !op.DiscoveredAt.After(now.Add(-claim.MaxAge)) {
				continue
			}
			candidates = append(candidates, op)
		}
		sort.Slice(candidates, func(i, j int) bool { return less(candidates[i], candidates[j]) })
		if claim.Limit > 0 && len(candidates) > claim.Limit {
			candidates = candidates[:claim.Limit]
		}
		for _, op := range candidates {
			op.ProcessingStatus = domain.ProcessingLocked
			op.NextPollAt = now.Add(r.store.policy.Backoff(op.RetriesNumber))
			op.RetriesNumber++
			op.ClaimToken = claim.Token
			out = append(out, copyOperation(op))
		}
		return nil
	})
	return out, err
}

func ownedOp(st *state, op *domain.Operation) *domain.Operation {
	cur, ok := st.operations[op.ID]
	if !ok || cur.ProcessingStatus != domain.ProcessingLocked || cur.ClaimToken != op.ClaimToken {
		return nil
	}
	return cur
}

func (r *OperationRepo) RecordStatus(
	ctx context.Context,
	op *domain.Operation,
	upd domain.StatusUpdate,
) (bool, error) {
	var ok bool
	err := r.store.run(r.inTx, func(st *state, now time.Time) error {
		cur := ownedOp(st, op)
		if cur == nil {
			return nil
		}
		cur.StatusDetail = upd.Detail
		cur.LastStatusUpdateAt = upd.ObservedAt
		cur.Terminal = upd.Terminal
		cur.ProcessingStatus = domain.ProcessingIdle
		cur.RetriesNumber = 0
		if !upd.Terminal {
			cur.NextPollAt = now.Add(r.store.policy.Backoff(0))
		}
		if upd.Note != "" {
			cur.Note = upd.Note
		}
		cur.LastError = ""
		cur.ClaimToken = ""
		if len(upd.Payload) > 0 {
			st.details[cur.ID] = detail{source: upd.Source, payload: upd.Payload}
		}
		ok = true
		return nil
	})
	return ok, err
}

func (r *OperationRepo) LinkChildren(
	ctx context.Context,
	parent *domain.Operation,
	children []domain.Discovery,
) (storage.LinkResult, error) {
	var result storage.LinkResult
	err := r.store.run(r.inTx, func(st *state, now time.Time) error {
		head, ok := st.operations[parent.ID]
		if !ok {
			return fmt.Errorf("operation %d: %w", parent.ID, domain.ErrNotFound)
		}
		for _, child := range children {
			id, known := st.byExternal[child.ExternalID]
			if !known {
				parentID := head.ID
				child.ParentID = &parentID
				id, _, _ := upsert(st, now, child)
				result.Created = append(result.Created, id)
				continue
			}

			k := st.operations[id]
			switch {
			case k.ID == head.ID:
				continue
			case k.ID < head.ID:
				result.Skipped = append(result.Skipped, child.ExternalID)
				continue
			case k.ParentID != nil && *k.ParentID == head.ID &&
				k.RootID == head.RootID && k.Depth == head.Depth+1:
				continue
			}

			parentID := head.ID
			k.ParentID = &parentID
			k.RootID = head.RootID
			k.Depth = head.Depth + 1
			propagate(st, k)
			result.Relinked = append(result.Relinked, k.ID)
		}
		return nil
	})
	return result, err
}

// propagate pushes root and depth of node down its subtree.
func propagate(st *state, node *domain.Operation) {
	queue := []*domain.Operation{node}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, op := range st.operations {
			if op.ParentID != nil && *op.ParentID == cur.ID {
				op.RootID = cur.RootID
				op.Depth = cur.Depth + 1
				queue = append(queue, op)
			}
		}
	}
}

func (r *OperationRepo) Fail(
	ctx context.Context,
	op *domain.Operation,
	reason string,
) (domain.ProcessingStatus, error) {
	var status domain.ProcessingStatus
	err := r.store.run(r.inTx, func(st *state, now time.Time) error {
		cur := ownedOp(st, op)
		if cur == nil {
			return domain.ErrLostClaim
		}
		if r.store.policy.Exhausted(cur.RetriesNumber) {
			cur.ProcessingStatus = domain.ProcessingFailed
			cur.NextPollAt = now.Add(r.store.policy.Backoff(cur.RetriesNumber))
		} else {
			cur.ProcessingStatus = domain.ProcessingIdle
		}
		cur.LastError = reason
		cur.ClaimToken = ""
		status = cur.ProcessingStatus
		return nil
	})
	return status, err
}

func (r *OperationRepo) MarkTerminal(ctx context.Context, op *domain.Operation, note string) (bool, error) {
	var ok bool
	err := r.store.run(r.inTx, func(st *state, now time.Time) error {
		cur := ownedOp(st, op)
		if cur == nil {
			return nil
		}
		cur.Terminal = true
		cur.ProcessingStatus = domain.ProcessingIdle
		cur.Note = note
		cur.ClaimToken = ""
		ok = true
		return nil
	})
	return ok, err
}

func (r *OperationRepo) ExpireForeverPending(ctx context.Context, maxAge time.Duration) (int64, error) {
	var n int64
	err := r.store.run(r.inTx, func(st *state, now time.Time) error {
		cutoff := now.Add(-maxAge)
		for _, op := range st.operations {
			if op.Terminal || op.DiscoveredAt.After(cutoff) {
				continue
			}
			// a live lease is left to its holder; an abandoned one is retired
			if op.ProcessingStatus == domain.ProcessingLocked && op.NextPollAt.After(now) {
				continue
			}
			op.Terminal = true
			op.ProcessingStatus = domain.ProcessingIdle
			op.ClaimToken = ""
			op.Note = "forever pending: no terminal status after " + maxAge.String()
			n++
		}
		return nil
	})
	return n, err
}

func (r *OperationRepo) Get(ctx context.Context, id int64) (*domain.Operation, error) {
	var out *domain.Operation
	err := r.store.run(r.inTx, func(st *state, now time.Time) error {
		op, ok := st.operations[id]
		if !ok {
			return fmt.Errorf("operation %d: %w", id, domain.ErrNotFound)
		}
		out = copyOperation(op)
		return nil
	})
	return out, err
}

func (r *OperationRepo) GetByExternalID(ctx context.Context, externalID string) (*domain.Operation, error) {
	var out *domain.Operation
	err := r.store.run(r.inTx, func(st *state, now time.Time) error {
		id, ok := st.byExternal[externalID]
		if !ok {
			return fmt.Errorf("operation %s: %w", externalID, domain.ErrNotFound)
		}
		out = copyOperation(st.operations[id])
		return nil
	})
	return out, err
}

func (r *OperationRepo) Counts(ctx context.Context) (storage.OperationCounts, error) {
	var counts storage.OperationCounts
	err := r.store.run(r.inTx, func(st *state, now time.Time) error {
		for _, op := range st.operations {
			switch {
			case op.Terminal:
				counts.Terminal++
			case op.ProcessingStatus == domain.ProcessingIdle:
				counts.Idle++
			case op.ProcessingStatus == domain.ProcessingLocked:
				counts.Locked++
			case op.ProcessingStatus == domain.ProcessingFailed:
				counts.Failed++
			}
		}
		return nil
	})
	return counts, err
}

func (r *OperationRepo) RearmFailed(ctx context.Context) (int64, error) {
	var n int64
	err := r.store.run(r.inTx, func(st *state, now time.Time) error {
		for _, op := range st.operations {
			if op.ProcessingStatus == domain.ProcessingFailed && !op.Terminal {
				op.ProcessingStatus = domain.ProcessingIdle
				op.RetriesNumber = 0
				op.NextPollAt = now
				n++
			}
		}
		return nil
	})
	return n, err
}

// Detail returns the stored source payload of an operation.
func (s *MemoryStorage) Detail(id int64) (string, []byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.st.details[id]
	return d.source, d.payload, ok
}
