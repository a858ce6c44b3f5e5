// Package source defines the boundary between the scheduler and upstream
// systems that list and describe operations.
package source

import (
	"context"
	"encoding/json"
	"time"

	"github.com/vietddude/opindexer/internal/core/domain"
)

// PageRequest asks for one page of a stream.
//
// Pointer and Bound are opaque to the scheduler: each source decides what
// they hold for each stream kind.
type PageRequest struct {
	Kind    domain.StreamKind
	Pointer string
	Bound   string
	Limit   int
}

// Gap is an interval the source could not cover in one page.
type Gap struct {
	From string
	To   string
}

// Page is the answer to a PageRequest.
type Page struct {
	Items []domain.Discovery
	// Next is the pointer of the successor watermark.
	Next string
	// Done means the stream interval is fully covered and needs no successor.
	Done bool
	// Truncated means items between Gap.From and Gap.To were not returned.
	Truncated bool
	Gap       Gap
}

// Detail is the current status of one operation.
type Detail struct {
	Status     string
	Terminal   bool
	ObservedAt time.Time
	Children   []domain.Discovery
	Payload    json.RawMessage
}

// Source lists and describes operations of one upstream system.
//
// FetchDetail returns an error wrapping domain.ErrTerminal when the source
// says the operation does not exist or can never progress.
type Source interface {
	Name() string
	Start(ctx context.Context, kind domain.StreamKind) (string, error)
	ListPage(ctx context.Context, req PageRequest) (*Page, error)
	FetchDetail(ctx context.Context, externalID string) (*Detail, error)
}
