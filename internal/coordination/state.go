package coordination

import (
	"context"
	"encoding/json"
	"time"

	logx "github.com/sirdoy/pannello-stufa-sub002/pkg/logx"
)

// State is the per-user coordination state. It is created lazily on the first
// cycle, mutated every cycle, and never deleted, only reset to defaults.
//
// Invariants:
//   - AutomationPaused implies PausedUntil is a future timestamp.
//   - PreviousSetpoints is non-nil only while a boost is active and is
//     cleared exactly when setpoints are restored.
type State struct {
	AutomationPaused  bool               `json:"automationPaused"`
	PausedUntil       *time.Time         `json:"pausedUntil,omitempty"`
	PauseReason       string             `json:"pauseReason,omitempty"`
	StoveOn           bool               `json:"stoveOn"`
	PendingDebounce   bool               `json:"pendingDebounce"`
	DebounceStartedAt *time.Time         `json:"debounceStartedAt,omitempty"`
	PreviousSetpoints map[string]float64 `json:"previousSetpoints,omitempty"`
}

func (s *State) clearPause() {
	s.AutomationPaused = false
	s.PausedUntil = nil
	s.PauseReason = ""
}

func statePath(userID string) string { return "users/" + userID + "/coordination/state" }

func (e *Engine) loadState(ctx context.Context, userID string) (State, error) {
	raw, ok, err := e.st.Get(ctx, statePath(userID))
	if err != nil {
		return State{}, err
	}
	if !ok {
		return State{}, nil
	}
	var st State
	if err := json.Unmarshal(raw, &st); err != nil {
		// Corrupt state is reset to defaults rather than wedging the user.
		e.log.Warn("corrupt coordination state; resetting",
			logx.String("user", userID), logx.Err(err))
		return State{}, nil
	}
	return st, nil
}

// saveState persists with a plain Set. Cycles are driven by a single external
// cadence and are assumed not to overlap per user; limiter/throttle counters,
// where concurrent instances genuinely race, go through Transaction instead.
func (e *Engine) saveState(ctx context.Context, userID string, st State) error {
	b, err := json.Marshal(st)
	if err != nil {
		return err
	}
	return e.st.Set(ctx, statePath(userID), b)
}
