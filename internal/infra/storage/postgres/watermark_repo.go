package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/vietddude/opindexer/internal/core/domain"
	"github.com/vietddude/opindexer/internal/indexing/recovery"
	"github.com/vietddude/opindexer/internal/infra/storage"
)

const watermarkColumns = `id, kind, pointer, bound, status, attempt_count, next_eligible_at,
	claim_token, last_error, created_at, updated_at`

type watermarkRow struct {
	ID             int64     `db:"id"`
	Kind           string    `db:"kind"`
	Pointer        string    `db:"pointer"`
	Bound          string    `db:"bound"`
	Status         string    `db:"status"`
	AttemptCount   int       `db:"attempt_count"`
	NextEligibleAt time.Time `db:"next_eligible_at"`
	ClaimToken     string    `db:"claim_token"`
	LastError      string    `db:"last_error"`
	CreatedAt      time.Time `db:"created_at"`
	UpdatedAt      time.Time `db:"updated_at"`
}

func (r watermarkRow) toDomain() *domain.Watermark {
	return &domain.Watermark{
		ID:             r.ID,
		Kind:           domain.StreamKind(r.Kind),
		Pointer:        r.Pointer,
		Bound:          r.Bound,
		Status:         domain.WatermarkStatus(r.Status),
		AttemptCount:   r.AttemptCount,
		NextEligibleAt: r.NextEligibleAt,
		ClaimToken:     r.ClaimToken,
		LastError:      r.LastError,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
	}
}

func toWatermarks(rows []watermarkRow) []*domain.Watermark {
	out := make([]*domain.Watermark, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toDomain())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// WatermarkRepo implements storage.WatermarkRepository using PostgreSQL.
type WatermarkRepo struct {
	db      *DB // nil inside a unit of work
	q       sqlx.ExtContext
	policy  recovery.Policy
	backoff string
}

func newWatermarkRepo(db *DB, q sqlx.ExtContext, policy recovery.Policy) *WatermarkRepo {
	return &WatermarkRepo{
		db:      db,
		q:       q,
		policy:  policy,
		backoff: backoffExpr("w.attempt_count", policy),
	}
}

// EnsureFrontier creates the first watermark of a frontier stream.
func (r *WatermarkRepo) EnsureFrontier(
	ctx context.Context,
	kind domain.StreamKind,
	pointer, bound string,
	once bool,
) (*domain.Watermark, bool, error) {
	if !kind.Frontier() {
		return nil, false, fmt.Errorf("stream %q has no single frontier", kind)
	}

	query := `
		INSERT INTO watermarks (kind, pointer, bound)
		SELECT $1, $2, $3
		WHERE NOT $4 OR NOT EXISTS (SELECT 1 FROM watermarks WHERE kind = $1)
		ON CONFLICT (kind) WHERE status <> 'finalized' AND kind IN ('historical', 'realtime')
		DO NOTHING
		RETURNING ` + watermarkColumns

	var row watermarkRow
	err := sqlx.GetContext(ctx, r.q, &row, query, string(kind), pointer, bound, once)
	if err == nil {
		return row.toDomain(), true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, wrapErr("create frontier", err)
	}

	err = sqlx.GetContext(ctx, r.q, &row, `
		SELECT `+watermarkColumns+`
		FROM watermarks
		WHERE kind = $1 AND status <> 'finalized'
		LIMIT 1`, string(kind))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil // stream completed
	}
	if err != nil {
		return nil, false, wrapErr("get frontier", err)
	}
	return row.toDomain(), false, nil
}

// ClaimNext locks eligible watermarks of kind with SKIP LOCKED.
func (r *WatermarkRepo) ClaimNext(
	ctx context.Context,
	kind domain.StreamKind,
	claim storage.Claim,
) ([]*domain.Watermark, error) {
	query := `
		WITH selected AS (
			SELECT id FROM watermarks
			WHERE kind = $1
			  AND status IN ('pending', 'locked')
			  AND next_eligible_at <= NOW()
			ORDER BY created_at, id
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		UPDATE watermarks w SET
			status = 'locked',
			next_eligible_at = NOW() + ` + r.backoff + `,
			attempt_count = w.attempt_count + 1,
			claim_token = $3,
			updated_at = NOW()
		FROM selected
		WHERE w.id = selected.id
		RETURNING ` + prefixed("w", watermarkColumns)

	var rows []watermarkRow
	if err := sqlx.SelectContext(ctx, r.q, &rows, query, string(kind), claim.Limit, claim.Token); err != nil {
		return nil, wrapErr("claim watermarks", err)
	}
	return toWatermarks(rows), nil
}

// ClaimFailed locks failed watermarks whose cold retry is due.
func (r *WatermarkRepo) ClaimFailed(ctx context.Context, claim storage.Claim) ([]*domain.Watermark, error) {
	query := `
		WITH selected AS (
			SELECT id FROM watermarks
			WHERE status = 'failed' AND next_eligible_at <= NOW()
			ORDER BY next_eligible_at, id
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE watermarks w SET
			status = 'locked',
			next_eligible_at = NOW() + ` + r.backoff + `,
			attempt_count = w.attempt_count + 1,
			claim_token = $2,
			updated_at = NOW()
		FROM selected
		WHERE w.id = selected.id
		RETURNING ` + prefixed("w", watermarkColumns)

	var rows []watermarkRow
	if err := sqlx.SelectContext(ctx, r.q, &rows, query, claim.Limit, claim.Token); err != nil {
		return nil, wrapErr("claim failed watermarks", err)
	}
	return toWatermarks(rows), nil
}

// Finalize closes the watermark and appends its successor in one transaction.
func (r *WatermarkRepo) Finalize(
	ctx context.Context,
	wm *domain.Watermark,
	next string,
	done bool,
) (bool, error) {
	var ok bool
	err := atomic(ctx, r.db, r.q, func(q sqlx.ExtContext) error {
		res, err := q.ExecContext(ctx, `
			UPDATE watermarks SET
				status = 'finalized',
				last_error = '',
				updated_at = NOW()
			WHERE id = $1 AND claim_token = $2 AND status = 'locked'`,
			wm.ID, wm.ClaimToken)
		if err != nil {
			return wrapErr("finalize watermark", err)
		}
		if ok, err = affected(res); err != nil || !ok || done {
			return err
		}

		_, err = q.ExecContext(ctx, `
			INSERT INTO watermarks (kind, pointer, bound)
			VALUES ($1, $2, $3)`,
			string(wm.Kind), next, wm.Bound)
		if err != nil {
			return wrapErr("create successor watermark", err)
		}
		return nil
	})
	return ok, err
}

// Release returns a claimed watermark to pending, eligible after the given delay.
func (r *WatermarkRepo) Release(ctx context.Context, wm *domain.Watermark, after time.Duration) (bool, error) {
	res, err := r.q.ExecContext(ctx, `
		UPDATE watermarks SET
			status = 'pending',
			attempt_count = 0,
			next_eligible_at = NOW() + $3::float8 * INTERVAL '1 millisecond',
			claim_token = '',
			last_error = '',
			updated_at = NOW()
		WHERE id = $1 AND claim_token = $2 AND status = 'locked'`,
		wm.ID, wm.ClaimToken, millis(after))
	if err != nil {
		return false, wrapErr("release watermark", err)
	}
	return affected(res)
}

// Fail records a failed attempt. The watermark stays locked until its lease
// runs out unless the attempt count reached the threshold.
func (r *WatermarkRepo) Fail(
	ctx context.Context,
	wm *domain.Watermark,
	reason string,
) (domain.WatermarkStatus, error) {
	query := `
		UPDATE watermarks w SET
			status = CASE WHEN w.attempt_count >= $3 THEN 'failed' ELSE w.status END,
			next_eligible_at = CASE
				WHEN w.attempt_count >= $3 THEN NOW() + ` + r.backoff + `
				ELSE w.next_eligible_at
			END,
			last_error = $4,
			updated_at = NOW()
		WHERE w.id = $1 AND w.claim_token = $2 AND w.status = 'locked'
		RETURNING w.status`

	var status string
	err := sqlx.GetContext(ctx, r.q, &status, query, wm.ID, wm.ClaimToken, r.policy.Threshold, reason)
	if errors.Is(err, sql.ErrNoRows) {
		return "", domain.ErrLostClaim
	}
	if err != nil {
		return "", wrapErr("fail watermark", err)
	}
	return domain.WatermarkStatus(status), nil
}

// CreateGap appends a gap watermark covering [from, to).
func (r *WatermarkRepo) CreateGap(ctx context.Context, from, to string) (*domain.Watermark, error) {
	var row watermarkRow
	err := sqlx.GetContext(ctx, r.q, &row, `
		INSERT INTO watermarks (kind, pointer, bound)
		VALUES ('gap', $1, $2)
		RETURNING `+watermarkColumns, from, to)
	if err != nil {
		return nil, wrapErr("create gap watermark", err)
	}
	return row.toDomain(), nil
}

// Frontiers returns every unfinalized watermark.
func (r *WatermarkRepo) Frontiers(ctx context.Context) ([]*domain.Watermark, error) {
	var rows []watermarkRow
	err := sqlx.SelectContext(ctx, r.q, &rows, `
		SELECT `+watermarkColumns+`
		FROM watermarks
		WHERE status <> 'finalized'
		ORDER BY created_at, id`)
	if err != nil {
		return nil, wrapErr("list frontiers", err)
	}
	return toWatermarks(rows), nil
}

// Rearm makes a failed watermark immediately claimable again.
func (r *WatermarkRepo) Rearm(ctx context.Context, id int64) error {
	res, err := r.q.ExecContext(ctx, `
		UPDATE watermarks SET
			status = 'pending',
			attempt_count = 0,
			next_eligible_at = NOW(),
			claim_token = '',
			updated_at = NOW()
		WHERE id = $1 AND status = 'failed'`, id)
	if err != nil {
		return wrapErr("rearm watermark", err)
	}
	ok, err := affected(res)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("failed watermark %d: %w", id, domain.ErrNotFound)
	}
	return nil
}

// RearmFailed rearms all failed watermarks.
func (r *WatermarkRepo) RearmFailed(ctx context.Context) (int64, error) {
	res, err := r.q.ExecContext(ctx, `
		UPDATE watermarks SET
			status = 'pending',
			attempt_count = 0,
			next_eligible_at = NOW(),
			claim_token = '',
			updated_at = NOW()
		WHERE status = 'failed'`)
	if err != nil {
		return 0, wrapErr("rearm watermarks", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, wrapErr("rearm watermarks", err)
	}
	return n, nil
}

func affected(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, wrapErr("read affected rows", err)
	}
	return n > 0, nil
}
