// Package sourcetest provides an in-memory source.Source for tests.
package sourcetest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/vietddude/opindexer/internal/core/domain"
	"github.com/vietddude/opindexer/internal/infra/source"
)

// Fake serves scripted pages and details.
//
// A realtime request without a scripted page answers "nothing new"; any
// other unscripted page is an error. An unscripted detail is terminal.
type Fake struct {
	mu        sync.Mutex
	starts    map[domain.StreamKind]string
	pages     map[string]*source.Page
	pageErrs  map[string]error
	details   map[string]*source.Detail
	detailErr map[string]error
	delay     time.Duration
	lists     int
	fetches   int
}

func New() *Fake {
	return &Fake{
		starts:    make(map[domain.StreamKind]string),
		pages:     make(map[string]*source.Page),
		pageErrs:  make(map[string]error),
		details:   make(map[string]*source.Detail),
		detailErr: make(map[string]error),
	}
}

func pageKey(kind domain.StreamKind, pointer string) string {
	return string(kind) + "@" + pointer
}

func (f *Fake) SetStart(kind domain.StreamKind, pointer string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts[kind] = pointer
}

func (f *Fake) SetPage(kind domain.StreamKind, pointer string, page *source.Page) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pages[pageKey(kind, pointer)] = page
	delete(f.pageErrs, pageKey(kind, pointer))
}

func (f *Fake) FailPage(kind domain.StreamKind, pointer string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pageErrs[pageKey(kind, pointer)] = err
}

func (f *Fake) SetDetail(externalID string, d *source.Detail) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.details[externalID] = d
	delete(f.detailErr, externalID)
}

func (f *Fake) FailDetail(externalID string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.detailErr[externalID] = err
}

// SetDelay makes every call block for d or until its context is done.
func (f *Fake) SetDelay(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delay = d
}

// Calls returns the number of ListPage and FetchDetail calls.
func (f *Fake) Calls() (lists, fetches int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lists, f.fetches
}

func (f *Fake) Name() string { return "fake" }

func (f *Fake) Start(ctx context.Context, kind domain.StreamKind) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.starts[kind], nil
}

func (f *Fake) ListPage(ctx context.Context, req source.PageRequest) (*source.Page, error) {
	f.mu.Lock()
	f.lists++
	delay := f.delay
	key := pageKey(req.Kind, req.Pointer)
	page, ok := f.pages[key]
	err := f.pageErrs[key]
	f.mu.Unlock()

	if err := wait(ctx, delay); err != nil {
		return nil, err
	}
	switch {
	case err != nil:
		return nil, err
	case ok:
		cp := *page
		return &cp, nil
	case req.Kind == domain.StreamRealtime:
		return &source.Page{Next: req.Pointer}, nil
	default:
		return nil, fmt.Errorf("no page scripted for %s", key)
	}
}

func (f *Fake) FetchDetail(ctx context.Context, externalID string) (*source.Detail, error) {
	f.mu.Lock()
	f.fetches++
	delay := f.delay
	d, ok := f.details[externalID]
	err := f.detailErr[externalID]
	f.mu.Unlock()

	if err := wait(ctx, delay); err != nil {
		return nil, err
	}
	switch {
	case err != nil:
		return nil, err
	case ok:
		cp := *d
		return &cp, nil
	default:
		return nil, fmt.Errorf("operation %s: %w", externalID, domain.ErrTerminal)
	}
}

func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
