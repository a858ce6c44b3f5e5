package domain

import (
	"encoding/json"
	"time"
)

type ProcessingStatus string

const (
	ProcessingIdle   ProcessingStatus = "idle"
	ProcessingLocked ProcessingStatus = "locked"
	ProcessingFailed ProcessingStatus = "failed"
)

// Operation is one tracked externally observed unit with a lifecycle.
type Operation struct {
	ID                 int64
	ExternalID         string
	DiscoveredAt       time.Time
	ProcessingStatus   ProcessingStatus
	RetriesNumber      int
	NextPollAt         time.Time
	RootID             int64
	ParentID           *int64
	Depth              int
	StatusDetail       string
	Terminal           bool
	Note               string
	LastError          string
	LastStatusUpdateAt time.Time
	ClaimToken         string
}

// IsRoot reports whether the operation heads its own tree.
func (o *Operation) IsRoot() bool {
	return o.ParentID == nil
}

// StatusInitial is the status detail of a freshly discovered operation
// whose source did not report one.
const StatusInitial = "initial"

// Discovery is what a scan or refresh learned about an operation.
type Discovery struct {
	ExternalID   string
	ParentID     *int64
	DiscoveredAt time.Time
	StatusDetail string
}

// StatusUpdate is the outcome of one refresh.
type StatusUpdate struct {
	Detail     string
	ObservedAt time.Time
	Terminal   bool
	Note       string
	Source     string
	Payload    json.RawMessage
}

// OperationTransitions lists allowed processing status changes.
var OperationTransitions = map[ProcessingStatus][]ProcessingStatus{
	ProcessingIdle:   {ProcessingLocked},
	ProcessingLocked: {ProcessingLocked, ProcessingIdle, ProcessingFailed},
	ProcessingFailed: {ProcessingLocked, ProcessingIdle},
}

// CanTransition checks if an operation may move from one processing status to another.
func (s ProcessingStatus) CanTransition(to ProcessingStatus) bool {
	for _, target := range OperationTransitions[s] {
		if target == to {
			return true
		}
	}
	return false
}
