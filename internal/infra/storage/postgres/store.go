package postgres

import (
	"context"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/vietddude/opindexer/internal/indexing/recovery"
	"github.com/vietddude/opindexer/internal/infra/storage"
)

// Store implements storage.Store on PostgreSQL.
type Store struct {
	db         *DB
	policy     recovery.Policy
	watermarks *WatermarkRepo
	operations *OperationRepo
}

func NewStore(db *DB, policy recovery.Policy) *Store {
	return &Store{
		db:         db,
		policy:     policy,
		watermarks: newWatermarkRepo(db, db.DB, policy),
		operations: newOperationRepo(db, db.DB, policy),
	}
}

func (s *Store) Watermarks() storage.WatermarkRepository { return s.watermarks }

func (s *Store) Operations() storage.OperationRepository { return s.operations }

// Do runs fn with repositories bound to one transaction.
func (s *Store) Do(ctx context.Context, fn func(storage.UnitOfWork) error) error {
	return s.db.InTx(ctx, func(tx *sqlx.Tx) error {
		return fn(&unitOfWork{
			watermarks: newWatermarkRepo(nil, tx, s.policy),
			operations: newOperationRepo(nil, tx, s.policy),
		})
	})
}

func (s *Store) Ping(ctx context.Context) error { return s.db.Health(ctx) }

func (s *Store) Close() error { return s.db.Close() }

type unitOfWork struct {
	watermarks *WatermarkRepo
	operations *OperationRepo
}

func (u *unitOfWork) Watermarks() storage.WatermarkRepository { return u.watermarks }

func (u *unitOfWork) Operations() storage.OperationRepository { return u.operations }

// atomic runs fn in the bound transaction, or opens one when the repository
// is not part of a unit of work.
func atomic(ctx context.Context, db *DB, q sqlx.ExtContext, fn func(q sqlx.ExtContext) error) error {
	if db == nil {
		return fn(q)
	}
	return db.InTx(ctx, func(tx *sqlx.Tx) error { return fn(tx) })
}

// prefixed qualifies a comma separated column list with a table alias.
func prefixed(alias, columns string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = alias + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}
