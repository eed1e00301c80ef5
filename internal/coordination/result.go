package coordination

import (
	"time"
)

// Kind tags the outcome of one coordination cycle.
type Kind int

const (
	// KindSkipped: the cycle bailed out early (disabled, paused, state unavailable).
	KindSkipped Kind = iota
	// KindPaused: a manual override was detected and automation paused itself.
	KindPaused
	// KindDebouncing: a stove transition is waiting out the debounce timer.
	KindDebouncing
	// KindRetryScheduled: the stove flickered off and the short retry timer is armed.
	KindRetryScheduled
	// KindApplied: the boost was applied to the rooms this cycle.
	KindApplied
	// KindRestored: previous setpoints were pushed back this cycle.
	KindRestored
	// KindNoChange: nothing to do.
	KindNoChange
)

func (k Kind) String() string {
	switch k {
	case KindSkipped:
		return "skipped"
	case KindPaused:
		return "paused"
	case KindDebouncing:
		return "debouncing"
	case KindRetryScheduled:
		return "retry_scheduled"
	case KindApplied:
		return "applied"
	case KindRestored:
		return "restored"
	default:
		return "no_change"
	}
}

// RoomResult is the per-room outcome of a boost or restore action.
type RoomResult struct {
	RoomID   string  `json:"roomId"`
	RoomName string  `json:"roomName,omitempty"`
	Setpoint float64 `json:"setpoint,omitempty"`
	// Capped is set when current+boost exceeded the maximum and was clamped.
	Capped bool   `json:"capped,omitempty"`
	OK     bool   `json:"ok"`
	Err    string `json:"err,omitempty"`
}

// CycleResult is the discriminated outcome of RunCycle. Which fields are
// meaningful depends on Kind.
type CycleResult struct {
	Kind      Kind
	Reason    string
	Until     time.Time     // KindPaused
	Remaining time.Duration // KindDebouncing, KindRetryScheduled
	Rooms     []RoomResult  // KindApplied, KindRestored
}

func skipped(reason string) CycleResult { return CycleResult{Kind: KindSkipped, Reason: reason} }
