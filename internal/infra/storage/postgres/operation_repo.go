package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/vietddude/opindexer/internal/core/domain"
	"github.com/vietddude/opindexer/internal/indexing/recovery"
	"github.com/vietddude/opindexer/internal/infra/storage"
)

const operationColumns = `id, external_id, discovered_at, processing_status, retries_number,
	next_poll_at, root_id, parent_id, depth, status_detail, terminal, note, last_error,
	claim_token, last_status_update_at`

type operationRow struct {
	ID                 int64         `db:"id"`
	ExternalID         string        `db:"external_id"`
	DiscoveredAt       time.Time     `db:"discovered_at"`
	ProcessingStatus   string        `db:"processing_status"`
	RetriesNumber      int           `db:"retries_number"`
	NextPollAt         time.Time     `db:"next_poll_at"`
	RootID             int64         `db:"root_id"`
	ParentID           sql.NullInt64 `db:"parent_id"`
	Depth              int           `db:"depth"`
	StatusDetail       string        `db:"status_detail"`
	Terminal           bool          `db:"terminal"`
	Note               string        `db:"note"`
	LastError          string        `db:"last_error"`
	ClaimToken         string        `db:"claim_token"`
	LastStatusUpdateAt time.Time     `db:"last_status_update_at"`
}

func (r operationRow) toDomain() *domain.Operation {
	op := &domain.Operation{
		ID:                 r.ID,
		ExternalID:         r.ExternalID,
		DiscoveredAt:       r.DiscoveredAt,
		ProcessingStatus:   domain.ProcessingStatus(r.ProcessingStatus),
		RetriesNumber:      r.RetriesNumber,
		NextPollAt:         r.NextPollAt,
		RootID:             r.RootID,
		Depth:              r.Depth,
		StatusDetail:       r.StatusDetail,
		Terminal:           r.Terminal,
		Note:               r.Note,
		LastError:          r.LastError,
		ClaimToken:         r.ClaimToken,
		LastStatusUpdateAt: r.LastStatusUpdateAt,
	}
	if r.ParentID.Valid {
		parentID := r.ParentID.Int64
		op.ParentID = &parentID
	}
	return op
}

func toOperations(rows []operationRow) []*domain.Operation {
	out := make([]*domain.Operation, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toDomain())
	}
	return out
}

// OperationRepo implements storage.OperationRepository using PostgreSQL.
type OperationRepo struct {
	db      *DB // nil inside a unit of work
	q       sqlx.ExtContext
	policy  recovery.Policy
	backoff string
}

func newOperationRepo(db *DB, q sqlx.ExtContext, policy recovery.Policy) *OperationRepo {
	return &OperationRepo{
		db:      db,
		q:       q,
		policy:  policy,
		backoff: backoffExpr("o.retries_number", policy),
	}
}

// UpsertDiscovered inserts a newly discovered operation. Concurrent inserts of
// the same external id resolve first-writer-wins; the loser reads the
// existing id back.
func (r *OperationRepo) UpsertDiscovered(
	ctx context.Context,
	d domain.Discovery,
) (int64, bool, string, error) {
	if existing, err := r.lookupID(ctx, r.q, d.ExternalID); err != nil || existing != 0 {
		return existing, false, "", err
	}

	var anomaly, note string
	var parentID sql.NullInt64
	if d.ParentID != nil {
		var exists bool
		err := sqlx.GetContext(ctx, r.q, &exists,
			`SELECT EXISTS (SELECT 1 FROM operations WHERE id = $1)`, *d.ParentID)
		if err != nil {
			return 0, false, "", wrapErr("check parent operation", err)
		}
		if exists {
			parentID = sql.NullInt64{Int64: *d.ParentID, Valid: true}
		} else {
			anomaly = fmt.Sprintf("parent operation %d not found", *d.ParentID)
			note = anomaly + ", stored as root"
		}
	}

	detail := d.StatusDetail
	if detail == "" {
		detail = domain.StatusInitial
	}

	var id int64
	err := sqlx.GetContext(ctx, r.q, &id, `
		WITH new_id AS (
			SELECT nextval(pg_get_serial_sequence('operations', 'id')) AS id
		), parent AS (
			SELECT id, root_id, depth FROM operations WHERE id = $2::BIGINT
		)
		INSERT INTO operations (
			id, external_id, discovered_at, root_id, parent_id, depth, status_detail, note,
			last_status_update_at
		)
		SELECT n.id, $1, $3, COALESCE(p.root_id, n.id), p.id, COALESCE(p.depth + 1, 0), $4, $5, $3
		FROM new_id n
		LEFT JOIN parent p ON TRUE
		ON CONFLICT (external_id) DO NOTHING
		RETURNING id`,
		d.ExternalID, parentID, d.DiscoveredAt, detail, note)
	if errors.Is(err, sql.ErrNoRows) {
		existing, err := r.lookupID(ctx, r.q, d.ExternalID)
		return existing, false, "", err
	}
	if err != nil {
		return 0, false, "", wrapErr("insert operation", err)
	}
	return id, true, anomaly, nil
}

func (r *OperationRepo) lookupID(ctx context.Context, q sqlx.QueryerContext, externalID string) (int64, error) {
	var id int64
	err := sqlx.GetContext(ctx, q, &id, `SELECT id FROM operations WHERE external_id = $1`, externalID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, wrapErr("get operation id", err)
	}
	return id, nil
}

// ClaimStale locks operations due for a status refresh, most recently updated first.
// Locked rows whose lease ran out are reclaimed as well.
func (r *OperationRepo) ClaimStale(ctx context.Context, claim storage.Claim) ([]*domain.Operation, error) {
	query := `
		WITH selected AS (
			SELECT id FROM operations
			WHERE NOT terminal
			  AND processing_status IN ('idle', 'locked')
			  AND next_poll_at <= NOW()
			  AND ($3::float8 = 0 OR discovered_at > NOW() - $3::float8 * INTERVAL '1 millisecond')
			ORDER BY last_status_update_at DESC
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		UPDATE operations o SET
			processing_status = 'locked',
			next_poll_at = NOW() + ` + r.backoff + `,
			retries_number = o.retries_number + 1,
			claim_token = $1,
			updated_at = NOW()
		FROM selected
		WHERE o.id = selected.id
		RETURNING ` + prefixed("o", operationColumns)

	var rows []operationRow
	err := sqlx.SelectContext(ctx, r.q, &rows, query, claim.Token, claim.Limit, millis(claim.MaxAge))
	if err != nil {
		return nil, wrapErr("claim stale operations", err)
	}
	return toOperations(rows), nil
}

// ClaimFailed locks failed operations whose cold retry is due.
func (r *OperationRepo) ClaimFailed(ctx context.Context, claim storage.Claim) ([]*domain.Operation, error) {
	query := `
		WITH selected AS (
			SELECT id FROM operations
			WHERE NOT terminal
			  AND processing_status = 'failed'
			  AND next_poll_at <= NOW()
			  AND ($3::float8 = 0 OR discovered_at > NOW() - $3::float8 * INTERVAL '1 millisecond')
			ORDER BY next_poll_at
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		UPDATE operations o SET
			processing_status = 'locked',
			next_poll_at = NOW() + ` + r.backoff + `,
			retries_number = o.retries_number + 1,
			claim_token = $1,
			updated_at = NOW()
		FROM selected
		WHERE o.id = selected.id
		RETURNING ` + prefixed("o", operationColumns)

	var rows []operationRow
	err := sqlx.SelectContext(ctx, r.q, &rows, query, claim.Token, claim.Limit, millis(claim.MaxAge))
	if err != nil {
		return nil, wrapErr("claim failed operations", err)
	}
	return toOperations(rows), nil
}

// RecordStatus stores the refresh outcome and releases the claim.
func (r *OperationRepo) RecordStatus(
	ctx context.Context,
	op *domain.Operation,
	upd domain.StatusUpdate,
) (bool, error) {
	var ok bool
	err := atomic(ctx, r.db, r.q, func(q sqlx.ExtContext) error {
		res, err := q.ExecContext(ctx, `
			UPDATE operations SET
				status_detail = $3,
				last_status_update_at = $4,
				terminal = $5,
				processing_status = 'idle',
				retries_number = 0,
				next_poll_at = CASE
					WHEN $5 THEN next_poll_at
					ELSE NOW() + $6::float8 * INTERVAL '1 millisecond'
				END,
				note = CASE WHEN $7 = '' THEN note ELSE $7 END,
				last_error = '',
				claim_token = '',
				updated_at = NOW()
			WHERE id = $1 AND claim_token = $2 AND processing_status = 'locked'`,
			op.ID, op.ClaimToken, upd.Detail, upd.ObservedAt, upd.Terminal,
			millis(r.policy.Backoff(0)), upd.Note)
		if err != nil {
			return wrapErr("record operation status", err)
		}
		if ok, err = affected(res); err != nil || !ok || len(upd.Payload) == 0 {
			return err
		}

		_, err = q.ExecContext(ctx, `
			INSERT INTO operation_details (operation_id, source, payload, updated_at)
			VALUES ($1, $2, $3::jsonb, NOW())
			ON CONFLICT (operation_id) DO UPDATE SET
				source = EXCLUDED.source,
				payload = EXCLUDED.payload,
				updated_at = NOW()`,
			op.ID, upd.Source, string(upd.Payload))
		if err != nil {
			return wrapErr("save operation details", err)
		}
		return nil
	})
	return ok, err
}

// LinkChildren attaches children to parent. Known children discovered after
// the parent are relinked and their subtrees inherit the new root and depth.
func (r *OperationRepo) LinkChildren(
	ctx context.Context,
	parent *domain.Operation,
	children []domain.Discovery,
) (storage.LinkResult, error) {
	var result storage.LinkResult
	if len(children) == 0 {
		return result, nil
	}

	err := atomic(ctx, r.db, r.q, func(q sqlx.ExtContext) error {
		var head struct {
			RootID int64 `db:"root_id"`
			Depth  int   `db:"depth"`
		}
		err := sqlx.GetContext(ctx, q, &head,
			`SELECT root_id, depth FROM operations WHERE id = $1`, parent.ID)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("operation %d: %w", parent.ID, domain.ErrNotFound)
		}
		if err != nil {
			return wrapErr("get parent operation", err)
		}

		externalIDs := make([]string, len(children))
		for i, c := range children {
			externalIDs[i] = c.ExternalID
		}
		var known []struct {
			ID         int64         `db:"id"`
			ExternalID string        `db:"external_id"`
			ParentID   sql.NullInt64 `db:"parent_id"`
			RootID     int64         `db:"root_id"`
			Depth      int           `db:"depth"`
		}
		err = sqlx.SelectContext(ctx, q, &known, `
			SELECT id, external_id, parent_id, root_id, depth
			FROM operations
			WHERE external_id = ANY($1)
			FOR UPDATE`, pq.Array(externalIDs))
		if err != nil {
			return wrapErr("get child operations", err)
		}
		byExternalID := make(map[string]int, len(known))
		for i, k := range known {
			byExternalID[k.ExternalID] = i
		}

		inner := newOperationRepo(nil, q, r.policy)
		for _, child := range children {
			idx, exists := byExternalID[child.ExternalID]
			if !exists {
				parentID := parent.ID
				child.ParentID = &parentID
				id, created, _, err := inner.UpsertDiscovered(ctx, child)
				if err != nil {
					return err
				}
				if created {
					result.Created = append(result.Created, id)
				}
				continue
			}

			k := known[idx]
			switch {
			case k.ID == parent.ID:
				continue
			case k.ID < parent.ID:
				result.Skipped = append(result.Skipped, child.ExternalID)
				continue
			case k.ParentID.Valid && k.ParentID.Int64 == parent.ID &&
				k.RootID == head.RootID && k.Depth == head.Depth+1:
				continue
			}

			if err := relink(ctx, q, k.ID, parent.ID, head.RootID, head.Depth+1); err != nil {
				return err
			}
			result.Relinked = append(result.Relinked, k.ID)
		}
		return nil
	})
	return result, err
}

func relink(ctx context.Context, q sqlx.ExecerContext, id, parentID, rootID int64, depth int) error {
	_, err := q.ExecContext(ctx, `
		UPDATE operations SET
			parent_id = $2,
			root_id = $3,
			depth = $4,
			updated_at = NOW()
		WHERE id = $1`, id, parentID, rootID, depth)
	if err != nil {
		return wrapErr("relink operation", err)
	}

	// parent_id < id rules out cycles, so the walk terminates
	_, err = q.ExecContext(ctx, `
		WITH RECURSIVE subtree (id, depth) AS (
			SELECT id, $3::INTEGER + 1 FROM operations WHERE parent_id = $1
			UNION ALL
			SELECT o.id, s.depth + 1
			FROM operations o
			JOIN subtree s ON o.parent_id = s.id
		)
		UPDATE operations o SET
			root_id = $2,
			depth = s.depth,
			updated_at = NOW()
		FROM subtree s
		WHERE o.id = s.id`, id, rootID, depth)
	if err != nil {
		return wrapErr("propagate operation root", err)
	}
	return nil
}

// Fail records a failed refresh. Exhausted operations move to failed and wait
// for the cold retry; others return to idle with the lease as next poll.
func (r *OperationRepo) Fail(
	ctx context.Context,
	op *domain.Operation,
	reason string,
) (domain.ProcessingStatus, error) {
	query := `
		UPDATE operations o SET
			processing_status = CASE WHEN o.retries_number >= $3 THEN 'failed' ELSE 'idle' END,
			next_poll_at = CASE
				WHEN o.retries_number >= $3 THEN NOW() + ` + r.backoff + `
				ELSE o.next_poll_at
			END,
			last_error = $4,
			claim_token = '',
			updated_at = NOW()
		WHERE o.id = $1 AND o.claim_token = $2 AND o.processing_status = 'locked'
		RETURNING o.processing_status`

	var status string
	err := sqlx.GetContext(ctx, r.q, &status, query, op.ID, op.ClaimToken, r.policy.Threshold, reason)
	if errors.Is(err, sql.ErrNoRows) {
		return "", domain.ErrLostClaim
	}
	if err != nil {
		return "", wrapErr("fail operation", err)
	}
	return domain.ProcessingStatus(status), nil
}

// MarkTerminal retires a claimed operation.
func (r *OperationRepo) MarkTerminal(ctx context.Context, op *domain.Operation, note string) (bool, error) {
	res, err := r.q.ExecContext(ctx, `
		UPDATE operations SET
			terminal = TRUE,
			processing_status = 'idle',
			note = $3,
			claim_token = '',
			updated_at = NOW()
		WHERE id = $1 AND claim_token = $2 AND processing_status = 'locked'`,
		op.ID, op.ClaimToken, note)
	if err != nil {
		return false, wrapErr("mark operation terminal", err)
	}
	return affected(res)
}

// ExpireForeverPending retires operations older than maxAge that are not
// held by a live lease.
func (r *OperationRepo) ExpireForeverPending(ctx context.Context, maxAge time.Duration) (int64, error) {
	res, err := r.q.ExecContext(ctx, `
		UPDATE operations SET
			terminal = TRUE,
			processing_status = 'idle',
			note = 'forever pending: no terminal status after ' || $2,
			claim_token = '',
			updated_at = NOW()
		WHERE NOT terminal
		  AND (processing_status IN ('idle', 'failed')
		       OR (processing_status = 'locked' AND next_poll_at <= NOW()))
		  AND discovered_at <= NOW() - $1::float8 * INTERVAL '1 millisecond'`,
		millis(maxAge), maxAge.String())
	if err != nil {
		return 0, wrapErr("expire forever pending operations", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, wrapErr("expire forever pending operations", err)
	}
	return n, nil
}

func (r *OperationRepo) Get(ctx context.Context, id int64) (*domain.Operation, error) {
	return r.getBy(ctx, "id", id)
}

func (r *OperationRepo) GetByExternalID(ctx context.Context, externalID string) (*domain.Operation, error) {
	return r.getBy(ctx, "external_id", externalID)
}

func (r *OperationRepo) getBy(ctx context.Context, column string, value any) (*domain.Operation, error) {
	var row operationRow
	err := sqlx.GetContext(ctx, r.q, &row,
		`SELECT `+operationColumns+` FROM operations WHERE `+column+` = $1`, value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("operation %v: %w", value, domain.ErrNotFound)
	}
	if err != nil {
		return nil, wrapErr("get operation", err)
	}
	return row.toDomain(), nil
}

// Counts groups operations by processing state.
func (r *OperationRepo) Counts(ctx context.Context) (storage.OperationCounts, error) {
	var counts storage.OperationCounts
	err := sqlx.GetContext(ctx, r.q, &counts, `
		SELECT
			COUNT(*) FILTER (WHERE NOT terminal AND processing_status = 'idle')   AS idle,
			COUNT(*) FILTER (WHERE NOT terminal AND processing_status = 'locked') AS locked,
			COUNT(*) FILTER (WHERE NOT terminal AND processing_status = 'failed') AS failed,
			COUNT(*) FILTER (WHERE terminal)                                      AS terminal
		FROM operations`)
	if err != nil {
		return counts, wrapErr("count operations", err)
	}
	return counts, nil
}

// RearmFailed makes every failed operation immediately refreshable.
func (r *OperationRepo) RearmFailed(ctx context.Context) (int64, error) {
	res, err := r.q.ExecContext(ctx, `
		UPDATE operations SET
			processing_status = 'idle',
			retries_number = 0,
			next_poll_at = NOW(),
			updated_at = NOW()
		WHERE processing_status = 'failed' AND NOT terminal`)
	if err != nil {
		return 0, wrapErr("rearm operations", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, wrapErr("rearm operations", err)
	}
	return n, nil
}
