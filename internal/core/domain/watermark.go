package domain

import "time"

// StreamKind identifies a progress stream.
type StreamKind string

const (
	StreamHistorical StreamKind = "historical"
	StreamRealtime   StreamKind = "realtime"
	StreamGap        StreamKind = "gap"
)

// Frontier reports whether the stream keeps a single unfinalized watermark.
// Gap watermarks may coexist, one per skipped range.
func (k StreamKind) Frontier() bool {
	return k == StreamHistorical || k == StreamRealtime
}

type WatermarkStatus string

const (
	WatermarkPending   WatermarkStatus = "pending"
	WatermarkLocked    WatermarkStatus = "locked"
	WatermarkFinalized WatermarkStatus = "finalized"
	WatermarkFailed    WatermarkStatus = "failed"
)

// Watermark is the durable progress marker of one stream.
//
// Pointer is opaque to the scheduler; only the source knows how to order it.
// Bound is the stream limit: the start boundary for historical, the
// exclusive end of the skipped range for gap, empty for realtime.
type Watermark struct {
	ID             int64
	Kind           StreamKind
	Pointer        string
	Bound          string
	Status         WatermarkStatus
	AttemptCount   int
	NextEligibleAt time.Time
	ClaimToken     string
	LastError      string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// WatermarkTransitions lists allowed status changes.
// Locked -> Locked is a reclaim after the lease ran out.
var WatermarkTransitions = map[WatermarkStatus][]WatermarkStatus{
	WatermarkPending: {WatermarkLocked},
	WatermarkLocked: {
		WatermarkLocked,
		WatermarkPending,
		WatermarkFinalized,
		WatermarkFailed,
	},
	WatermarkFailed:    {WatermarkLocked, WatermarkPending},
	WatermarkFinalized: {},
}

// CanTransition checks if a watermark may move from one status to another.
func (s WatermarkStatus) CanTransition(to WatermarkStatus) bool {
	for _, target := range WatermarkTransitions[s] {
		if target == to {
			return true
		}
	}
	return false
}
