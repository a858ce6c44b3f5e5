package memory

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/vietddude/opindexer/internal/core/domain"
	"github.com/vietddude/opindexer/internal/indexing/recovery"
	"github.com/vietddude/opindexer/internal/infra/storage"
)

// MemoryStorage is an in-process storage.Store. It serves DB-less runs and
// tests; claims are exclusive within one process only.
type MemoryStorage struct {
	mu     sync.Mutex
	policy recovery.Policy
	now    func() time.Time
	st     *state

	watermarks *WatermarkRepo
	operations *OperationRepo
}

type detail struct {
	source  string
	payload json.RawMessage
}

type state struct {
	watermarks map[int64]*domain.Watermark
	operations map[int64]*domain.Operation
	byExternal map[string]int64
	details    map[int64]detail
	nextWM     int64
	nextOp     int64
}

func newState() *state {
	return &state{
		watermarks: make(map[int64]*domain.Watermark),
		operations: make(map[int64]*domain.Operation),
		byExternal: make(map[string]int64),
		details:    make(map[int64]detail),
	}
}

func (s *state) clone() *state {
	c := newState()
	for id, wm := range s.watermarks {
		cp := *wm
		c.watermarks[id] = &cp
	}
	for id, op := range s.operations {
		c.operations[id] = copyOperation(op)
	}
	for k, v := range s.byExternal {
		c.byExternal[k] = v
	}
	for k, v := range s.details {
		c.details[k] = v
	}
	c.nextWM, c.nextOp = s.nextWM, s.nextOp
	return c
}

type Option func(*MemoryStorage)

// WithClock replaces time.Now, letting tests move time forward.
func WithClock(now func() time.Time) Option {
	return func(s *MemoryStorage) { s.now = now }
}

func NewMemoryStorage(policy recovery.Policy, opts ...Option) *MemoryStorage {
	s := &MemoryStorage{
		policy: policy,
		now:    time.Now,
		st:     newState(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.watermarks = &WatermarkRepo{store: s}
	s.operations = &OperationRepo{store: s}
	return s
}

func (s *MemoryStorage) Watermarks() storage.WatermarkRepository { return s.watermarks }

func (s *MemoryStorage) Operations() storage.OperationRepository { return s.operations }

// Do runs fn under the store lock and restores the previous state when fn fails.
// The whole state is copied before fn runs, so each unit of work costs O(rows);
// this store is meant for tests and small runs without a database.
func (s *MemoryStorage) Do(ctx context.Context, fn func(storage.UnitOfWork) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := s.st.clone()
	uow := &unitOfWork{
		watermarks: &WatermarkRepo{store: s, inTx: true},
		operations: &OperationRepo{store: s, inTx: true},
	}
	if err := fn(uow); err != nil {
		s.st = snapshot
		return err
	}
	return nil
}

func (s *MemoryStorage) Ping(ctx context.Context) error { return ctx.Err() }

func (s *MemoryStorage) Close() error { return nil }

// run executes fn with the state, locking unless already inside Do.
func (s *MemoryStorage) run(inTx bool, fn func(st *state, now time.Time) error) error {
	if !inTx {
		s.mu.Lock()
		defer s.mu.Unlock()
	}
	return fn(s.st, s.now())
}

type unitOfWork struct {
	watermarks *WatermarkRepo
	operations *OperationRepo
}

func (u *unitOfWork) Watermarks() storage.WatermarkRepository { return u.watermarks }

func (u *unitOfWork) Operations() storage.OperationRepository { return u.operations }

func copyOperation(op *domain.Operation) *domain.Operation {
	cp := *op
	if op.ParentID != nil {
		parentID := *op.ParentID
		cp.ParentID = &parentID
	}
	return &cp
}
