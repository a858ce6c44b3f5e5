package domain

import (
	"time"

	"github.com/google/uuid"
)

// EventType identifies an operation lifecycle change.
type EventType string

const (
	EventDiscovered EventType = "discovered"
	EventStatus     EventType = "status"
	EventTerminal   EventType = "terminal"
	EventRelinked   EventType = "relinked"
)

// Event is broadcast to subscribers after a lifecycle change is committed.
type Event struct {
	ID          string    `json:"id"`
	Type        EventType `json:"type"`
	ExternalID  string    `json:"external_id"`
	OperationID int64     `json:"operation_id"`
	RootID      int64     `json:"root_id,omitempty"`
	Status      string    `json:"status,omitempty"`
	Time        time.Time `json:"time"`
}

func NewEvent(typ EventType, op *Operation, at time.Time) *Event {
	return &Event{
		ID:          uuid.NewString(),
		Type:        typ,
		ExternalID:  op.ExternalID,
		OperationID: op.ID,
		RootID:      op.RootID,
		Status:      op.StatusDetail,
		Time:        at,
	}
}
