package storage

import (
	"context"
	"time"

	"github.com/vietddude/opindexer/internal/core/domain"
)

// Claim describes one claim call.
type Claim struct {
	// Token identifies the claimer; later writes are guarded by it.
	Token string
	Limit int
	// MaxAge excludes operations discovered earlier than now-MaxAge.
	// Zero disables the forever-pending filter.
	MaxAge time.Duration
}

// WatermarkRepository handles stream progress.
//
// Every mutating call except EnsureFrontier, CreateGap and the Rearm helpers
// is guarded by the claim token of the passed watermark. A token mismatch
// returns ok=false (Finalize, Release) or domain.ErrLostClaim (Fail).
type WatermarkRepository interface {
	// EnsureFrontier creates a pending watermark for kind unless one is already
	// unfinalized. With once=true it only creates it if the kind never had any
	// watermark at all.
	EnsureFrontier(
		ctx context.Context,
		kind domain.StreamKind,
		pointer, bound string,
		once bool,
	) (*domain.Watermark, bool, error)

	// ClaimNext locks up to claim.Limit eligible pending watermarks of kind,
	// including locked ones whose lease expired.
	ClaimNext(ctx context.Context, kind domain.StreamKind, claim Claim) ([]*domain.Watermark, error)

	// ClaimFailed locks up to claim.Limit eligible failed watermarks of any kind.
	ClaimFailed(ctx context.Context, claim Claim) ([]*domain.Watermark, error)

	// Finalize marks the watermark finalized and, unless done, appends the
	// pending successor at next.
	Finalize(ctx context.Context, wm *domain.Watermark, next string, done bool) (bool, error)

	// Release returns the watermark to pending without progress.
	Release(ctx context.Context, wm *domain.Watermark, after time.Duration) (bool, error)

	// Fail records a failed attempt and returns the resulting status.
	Fail(ctx context.Context, wm *domain.Watermark, reason string) (domain.WatermarkStatus, error)

	// CreateGap appends a pending gap watermark covering [from, to).
	CreateGap(ctx context.Context, from, to string) (*domain.Watermark, error)

	// Frontiers returns all unfinalized watermarks.
	Frontiers(ctx context.Context) ([]*domain.Watermark, error)

	Rearm(ctx context.Context, id int64) error
	RearmFailed(ctx context.Context) (int64, error)
}

// OperationRepository handles tracked operations and their trees.
type OperationRepository interface {
	// UpsertDiscovered inserts the operation unless its external id is known.
	// It returns the id and whether a row was created. An unknown parent is
	// dropped and the operation is stored as a root; the returned anomaly
	// describes the dropped edge.
	UpsertDiscovered(ctx context.Context, d domain.Discovery) (id int64, created bool, anomaly string, err error)

	// ClaimStale locks idle, non-terminal operations due for a refresh,
	// most recently updated first.
	ClaimStale(ctx context.Context, claim Claim) ([]*domain.Operation, error)

	// ClaimFailed locks failed operations whose cold retry is due.
	ClaimFailed(ctx context.Context, claim Claim) ([]*domain.Operation, error)

	// RecordStatus stores a refresh outcome and reschedules or retires the operation.
	RecordStatus(ctx context.Context, op *domain.Operation, upd domain.StatusUpdate) (bool, error)

	// LinkChildren attaches children reported by the source to parent,
	// inserting unknown ones and relinking known ones discovered after it.
	LinkChildren(ctx context.Context, parent *domain.Operation, children []domain.Discovery) (LinkResult, error)

	// Fail records a failed refresh and returns the resulting status.
	Fail(ctx context.Context, op *domain.Operation, reason string) (domain.ProcessingStatus, error)

	// MarkTerminal retires the operation with a note.
	MarkTerminal(ctx context.Context, op *domain.Operation, note string) (bool, error)

	// ExpireForeverPending retires idle operations discovered before now-maxAge.
	ExpireForeverPending(ctx context.Context, maxAge time.Duration) (int64, error)

	Get(ctx context.Context, id int64) (*domain.Operation, error)
	GetByExternalID(ctx context.Context, externalID string) (*domain.Operation, error)
	Counts(ctx context.Context) (OperationCounts, error)
	RearmFailed(ctx context.Context) (int64, error)
}

// LinkResult summarizes a LinkChildren call.
type LinkResult struct {
	Created  []int64
	Relinked []int64
	// Skipped lists children that cannot be attached without breaking the
	// discovered-earlier ordering of parents.
	Skipped []string
}

// OperationCounts groups operations by processing state.
// Terminal operations are only counted under Terminal.
type OperationCounts struct {
	Idle     int64 `db:"idle"     json:"idle"`
	Locked   int64 `db:"locked"   json:"locked"`
	Failed   int64 `db:"failed"   json:"failed"`
	Terminal int64 `db:"terminal" json:"terminal"`
}

// UnitOfWork exposes repositories bound to one transaction.
type UnitOfWork interface {
	Watermarks() WatermarkRepository
	Operations() OperationRepository
}

// Store is the single source of truth of the indexer.
type Store interface {
	UnitOfWork

	// Do runs fn in a transaction; the transaction commits when fn returns nil.
	Do(ctx context.Context, fn func(UnitOfWork) error) error

	Ping(ctx context.Context) error
	Close() error
}
