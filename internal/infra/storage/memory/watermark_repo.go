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
// Watermark Repository
// -----------------------------------------------------------------------------

type WatermarkRepo struct {
	store *MemoryStorage
	inTx  bool
}

func (r *WatermarkRepo) EnsureFrontier(
	ctx context.Context,
	kind domain.StreamKind,
	pointer, bound string,
	once bool,
) (*domain.Watermark, bool, error) {
	if !kind.Frontier() {
		return nil, false, fmt.Errorf("stream %q has no single frontier", kind)
	}

	var out *domain.Watermark
	var created bool
	err := r.store.run(r.inTx, func(st *state, now time.Time) error {
		seen := false
		for _, wm := range st.watermarks {
			if wm.Kind != kind {
				continue
			}
			seen = true
			if wm.Status != domain.WatermarkFinalized {
				cp := *wm
				out = &cp
				return nil
			}
		}
		if once && seen {
			return nil
		}
		out = insertWatermark(st, now, kind, pointer, bound)
		created = true
		return nil
	})
	return out, created, err
}

func insertWatermark(st *state, now time.Time, kind domain.StreamKind, pointer, bound string) *domain.Watermark {
	st.nextWM++
	wm := &domain.Watermark{
		ID:             st.nextWM,
		Kind:           kind,
		Pointer:        pointer,
		Bound:          bound,
		Status:         domain.WatermarkPending,
		NextEligibleAt: now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	st.watermarks[wm.ID] = wm
	cp := *wm
	return &cp
}

func (r *WatermarkRepo) ClaimNext(
	ctx context.Context,
	kind domain.StreamKind,
	claim storage.Claim,
) ([]*domain.Watermark, error) {
	return r.claim(claim, func(wm *domain.Watermark) bool {
		return wm.Kind == kind &&
			(wm.Status == domain.WatermarkPending || wm.Status == domain.WatermarkLocked)
	})
}

func (r *WatermarkRepo) ClaimFailed(ctx context.Context, claim storage.Claim) ([]*domain.Watermark, error) {
	return r.claim(claim, func(wm *domain.Watermark) bool {
		return wm.Status == domain.WatermarkFailed
	})
}

func (r *WatermarkRepo) claim(claim storage.Claim, match func(*domain.Watermark) bool) ([]*domain.Watermark, error) {
	var out []*domain.Watermark
	err := r.store.run(r.inTx, func(st *state, now time.Time) error {
		var candidates []*domain.Watermark
		for _, wm := range st.watermarks {
			if match(wm) && !wm.NextEligibleAt.After(now) {
				candidates = append(candidates, wm)
			}
		}
		sort.Slice(candidates, func(i, j int) bool {
			if candidates[i].CreatedAt.Equal(candidates[j].CreatedAt) {
				return candidates[i].ID < candidates[j].ID
			}
			return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
		})
		if claim.Limit > 0 && len(candidates) > claim.Limit {
			candidates = candidates[:claim.Limit]
		}
		for _, wm := range candidates {
			wm.Status = domain.WatermarkLocked
			wm.NextEligibleAt = now.Add(r.store.policy.Backoff(wm.AttemptCount))
			wm.AttemptCount++
			wm.ClaimToken = claim.Token
			wm.UpdatedAt = now
			cp := *wm
			out = append(out, &cp)
		}
		return nil
	})
	return out, err
}

// owned returns the stored watermark if wm still holds its claim.
func owned(st *state, wm *domain.Watermark) *domain.Watermark {
	cur, ok := st.watermarks[wm.ID]
	if !ok || cur.Status != domain.WatermarkLocked || cur.ClaimToken != wm.ClaimToken {
		return nil
	}
	return cur
}

func (r *WatermarkRepo) Finalize(
	ctx context.Context,
	wm *domain.Watermark,
	next string,
	done bool,
) (bool, error) {
	var ok bool
	err := r.store.run(r.inTx, func(st *state, now time.Time) error {
		cur := owned(st, wm)
		if cur == nil {
			return nil
		}
		cur.Status = domain.WatermarkFinalized
		cur.LastError = ""
		cur.UpdatedAt = now
		ok = true
		if !done {
			insertWatermark(st, now, cur.Kind, next, cur.Bound)
		}
		return nil
	})
	return ok, err
}

func (r *WatermarkRepo) Release(ctx context.Context, wm *domain.Watermark, after time.Duration) (bool, error) {
	var ok bool
	err := r.store.run(r.inTx, func(st *state, now time.Time) error {
		cur := owned(st, wm)
		if cur == nil {
			return nil
		}
		cur.Status = domain.WatermarkPending
		cur.AttemptCount = 0
		cur.NextEligibleAt = now.Add(after)
		cur.ClaimToken = ""
		cur.LastError = ""
		cur.UpdatedAt = now
		ok = true
		return nil
	})
	return ok, err
}

func (r *WatermarkRepo) Fail(
	ctx context.Context,
	wm *domain.Watermark,
	reason string,
) (domain.WatermarkStatus, error) {
	var status domain.WatermarkStatus
	err := r.store.run(r.inTx, func(st *state, now time.Time) error {
		cur := owned(st, wm)
		if cur == nil {
			return domain.ErrLostClaim
		}
		if r.store.policy.Exhausted(cur.AttemptCount) {
			cur.Status = domain.WatermarkFailed
			cur.NextEligibleAt = now.Add(r.store.policy.Backoff(cur.AttemptCount))
		}
		cur.LastError = reason
		cur.UpdatedAt = now
		status = cur.Status
		return nil
	})
	return status, err
}

func (r *WatermarkRepo) CreateGap(ctx context.Context, from, to string) (*domain.Watermark, error) {
	var out *domain.Watermark
	err := r.store.run(r.inTx, func(st *state, now time.Time) error {
		out = insertWatermark(st, now, domain.StreamGap, from, to)
		return nil
	})
	return out, err
}

func (r *WatermarkRepo) Frontiers(ctx context.Context) ([]*domain.Watermark, error) {
	var out []*domain.Watermark
	err := r.store.run(r.inTx, func(st *state, now time.Time) error {
		for _, wm := range st.watermarks {
			if wm.Status != domain.WatermarkFinalized {
				cp := *wm
				out = append(out, &cp)
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, err
}

func (r *WatermarkRepo) Rearm(ctx context.Context, id int64) error {
	return r.store.run(r.inTx, func(st *state, now time.Time) error {
		wm, ok := st.watermarks[id]
		if !ok || wm.Status != domain.WatermarkFailed {
			return fmt.Errorf("failed watermark %d: %w", id, domain.ErrNotFound)
		}
		rearm(wm, now)
		return nil
	})
}

func (r *WatermarkRepo) RearmFailed(ctx context.Context) (int64, error) {
	var n int64
	err := r.store.run(r.inTx, func(st *state, now time.Time) error {
		for _, wm := range st.watermarks {
			if wm.Status == domain.WatermarkFailed {
				rearm(wm, now)
				n++
			}
		}
		return nil
	})
	return n, err
}

func rearm(wm *domain.Watermark, now time.Time) {
	wm.Status = domain.WatermarkPending
	wm.AttemptCount = 0
	wm.NextEligibleAt = now
	wm.ClaimToken = ""
	wm.UpdatedAt = now
}
