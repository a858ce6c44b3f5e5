package emitter

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/vietddude/opindexer/internal/core/domain"
)

// MockEmitter for testing
type MockEmitter struct {
	EmittedEvents     []*domain.Event
	EmittedBatchCount int
	Err               error
}

func (m *MockEmitter) Emit(ctx context.Context, event *domain.Event) error {
	m.EmittedEvents = append(m.EmittedEvents, event)
	return m.Err
}

func (m *MockEmitter) EmitBatch(ctx context.Context, events []*domain.Event) error {
	m.EmittedEvents = append(m.EmittedEvents, events...)
	m.EmittedBatchCount++
	return m.Err
}

func (m *MockEmitter) Close() error {
	return nil
}

func testEvent(id int64) *domain.Event {
	op := &domain.Operation{ID: id, ExternalID: "0xabc", RootID: id, StatusDetail: "PendingOutbound"}
	return domain.NewEvent(domain.EventDiscovered, op, time.Now())
}

func TestBuffer_QueueAndFlush(t *testing.T) {
	mock := &MockEmitter{}
	buffer := NewBuffer(mock)
	ctx := context.Background()

	buffer.Queue(testEvent(1))
	buffer.Queue(testEvent(2))

	if len(mock.EmittedEvents) != 0 {
		t.Fatalf("Expected 0 emitted events before flush, got %d", len(mock.EmittedEvents))
	}

	if err := buffer.Flush(ctx); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	if len(mock.EmittedEvents) != 2 {
		t.Errorf("Expected 2 emitted events, got %d", len(mock.EmittedEvents))
	}
	if mock.EmittedBatchCount != 1 {
		t.Errorf("Expected a single batch, got %d", mock.EmittedBatchCount)
	}
	if buffer.Len() != 0 {
		t.Errorf("Expected empty buffer after flush, got %d", buffer.Len())
	}
}

func TestBuffer_ResetDropsEvents(t *testing.T) {
	mock := &MockEmitter{}
	buffer := NewBuffer(mock)

	buffer.Queue(testEvent(1))
	buffer.Reset()

	if err := buffer.Flush(context.Background()); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	if mock.EmittedBatchCount != 0 {
		t.Errorf("Expected no batch after reset, got %d", mock.EmittedBatchCount)
	}
}

func TestFanout_JoinsErrors(t *testing.T) {
	ok := &MockEmitter{}
	broken := &MockEmitter{Err: errors.New("connection refused")}
	f := Fanout{ok, broken}

	err := f.Emit(context.Background(), testEvent(1))
	if err == nil {
		t.Fatal("Expected error from broken emitter")
	}
	if len(ok.EmittedEvents) != 1 || len(broken.EmittedEvents) != 1 {
		t.Error("Expected every emitter to receive the event")
	}
}

func TestNewEvent(t *testing.T) {
	ev := testEvent(7)
	if ev.ID == "" {
		t.Error("Expected generated event id")
	}
	if ev.OperationID != 7 || ev.RootID != 7 || ev.Type != domain.EventDiscovered {
		t.Errorf("Unexpected event %+v", ev)
	}
}
