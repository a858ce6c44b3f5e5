package emitter

import (
	"context"
	"fmt"
	"sync"

	"github.com/vietddude/opindexer/internal/core/domain"
)

// Buffer holds events produced inside a unit of work until it commits.
// Events of a rolled back unit are dropped with Reset.
type Buffer struct {
	inner   Emitter
	pending []*domain.Event
	mu      sync.Mutex
}

func NewBuffer(inner Emitter) *Buffer {
	return &Buffer{inner: inner}
}

// Queue adds an event to the buffer. It is NOT emitted yet.
func (b *Buffer) Queue(event *domain.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending = append(b.pending, event)
}

// Reset drops everything queued so far.
func (b *Buffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending = nil
}

// Len returns the number of queued events.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Flush emits the queued events as one batch.
func (b *Buffer) Flush(ctx context.Context) error {
	b.mu.Lock()
	events := b.pending
	b.pending = nil
	b.mu.Unlock()

	if len(events) == 0 {
		return nil
	}
	if err := b.inner.EmitBatch(ctx, events); err != nil {
		return fmt.Errorf("failed to emit %d events: %w", len(events), err)
	}
	return nil
}
