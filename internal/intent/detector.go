// Package intent detects manual user overrides on the thermostat: any
// divergence between the live room state and the state the engine itself
// last set is classified as the human taking over.
package intent

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/sirdoy/pannello-stufa-sub002/internal/netatmo"
)

// SetpointTolerance absorbs vendor API rounding; differences at or below it
// are not manual changes.
const SetpointTolerance = 0.5

const (
	KindSetpointChanged = "setpoint_changed"
	KindModeChanged     = "mode_changed"
)

// nonStandardModes are thermostat modes that always mean the user intervened,
// regardless of setpoint.
var nonStandardModes = map[string]struct{}{
	netatmo.ModeAway:       {},
	netatmo.ModeFrostGuard: {},
	netatmo.ModeOff:        {},
}

// ManualChange is one detected divergence. Transient; never persisted.
type ManualChange struct {
	RoomID   string
	RoomName string
	Kind     string
	Expected float64
	Actual   float64
	Mode     string
}

// Result is the outcome of a detection pass.
type Result struct {
	Changed bool
	Changes []ManualChange
	Reason  string
	// Err is set when the live state could not be fetched. A transient API
	// failure must never trigger a false pause, so Changed stays false.
	Err error
}

// HomeStatusSource is the slice of the thermostat client the detector needs.
type HomeStatusSource interface {
	GetHomeStatus(ctx context.Context, homeID string) (*netatmo.HomeStatus, error)
}

type Detector struct {
	source HomeStatusSource
}

func New(source HomeStatusSource) *Detector {
	return &Detector{source: source}
}

// Detect fetches the live home state and compares the given rooms against the
// setpoints the engine expects to be in effect.
func (d *Detector) Detect(ctx context.Context, homeID string, roomIDs []string, expected map[string]float64) Result {
	status, err := d.source.GetHomeStatus(ctx, homeID)
	if err != nil {
		return Result{Changed: false, Err: err}
	}
	return Compare(status, roomIDs, expected)
}

// Compare is the pure comparison core, split out for direct testing.
func Compare(status *netatmo.HomeStatus, roomIDs []string, expected map[string]float64) Result {
	var changes []ManualChange
	for _, id := range roomIDs {
		room, ok := status.Room(id)
		if !ok {
			// Missing from live state: skipped, not a change.
			continue
		}
		name := room.Name
		if name == "" {
			name = room.ID
		}

		if exp, has := expected[id]; has {
			if math.Abs(room.SetpointTemp-exp) > SetpointTolerance {
				changes = append(changes, ManualChange{
					RoomID:   id,
					RoomName: name,
					Kind:     KindSetpointChanged,
					Expected: exp,
					Actual:   room.SetpointTemp,
				})
			}
		}

		if _, bad := nonStandardModes[room.SetpointMode]; bad {
			changes = append(changes, ManualChange{
				RoomID:   id,
				RoomName: name,
				Kind:     KindModeChanged,
				Mode:     room.SetpointMode,
			})
		}
	}

	if len(changes) == 0 {
		return Result{Changed: false}
	}
	return Result{Changed: true, Changes: changes, Reason: summarize(changes)}
}

// summarize builds the human-readable pause reason from distinct room names
// and distinct change kinds.
func summarize(changes []ManualChange) string {
	names := map[string]struct{}{}
	var hasSetpoint, hasMode bool
	for _, c := range changes {
		names[c.RoomName] = struct{}{}
		switch c.Kind {
		case KindSetpointChanged:
			hasSetpoint = true
		case KindModeChanged:
			hasMode = true
		}
	}

	sorted := make([]string, 0, len(names))
	for n := range names {
		sorted = append(sorted, n)
	}
	sort.Strings(sorted)

	var what string
	switch {
	case hasSetpoint && hasMode:
		what = "manual setpoint and mode changes"
	case hasMode:
		what = "manual mode change"
	default:
		what = "manual setpoint change"
	}
	return fmt.Sprintf("%s in %s", what, strings.Join(sorted, ", "))
}
