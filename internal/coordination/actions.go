package coordination

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirdoy/pannello-stufa-sub002/internal/netatmo"
	logx "github.com/sirdoy/pannello-stufa-sub002/pkg/logx"
)

var errAllRoomsFailed = errors.New("action failed for every room")

// applySetpointBoost raises each enabled room by the boost delta, capped at
// the maximum, with a manual-override expiry. Rooms are independent: one
// failing room never aborts the others, and the action succeeds if at least
// one room succeeds. Pre-boost setpoints are remembered (once) for restore.
func (e *Engine) applySetpointBoost(ctx context.Context, user User, st *State) ([]RoomResult, error) {
	s := e.currentSettings()

	status, err := e.therm.GetHomeStatus(ctx, user.HomeID)
	if err != nil {
		return nil, fmt.Errorf("boost: %w", err)
	}

	until := e.now().Add(s.OverrideExpiry)
	results := make([]RoomResult, 0, len(user.RoomIDs))
	okCount := 0

	for _, id := range user.RoomIDs {
		room, ok := status.Room(id)
		if !ok {
			results = append(results, RoomResult{RoomID: id, Err: "room missing from live state"})
			continue
		}
		name := room.Name
		if name == "" {
			name = id
		}

		if st.PreviousSetpoints == nil {
			st.PreviousSetpoints = map[string]float64{}
		}
		if _, remembered := st.PreviousSetpoints[id]; !remembered {
			st.PreviousSetpoints[id] = room.SetpointTemp
		}

		target := room.SetpointTemp + s.BoostDelta
		capped := false
		if target > s.MaxSetpoint {
			target = s.MaxSetpoint
			capped = true
		}

		r := RoomResult{RoomID: id, RoomName: name, Setpoint: target, Capped: capped}
		if err := e.therm.SetRoomSetpoint(ctx, user.HomeID, id, netatmo.ModeManual, target, until); err != nil {
			r.Err = err.Error()
			e.log.Warn("boost failed for room",
				logx.String("user", user.ID), logx.String("room", id), logx.Err(err))
		} else {
			r.OK = true
			okCount++
		}
		results = append(results, r)
	}

	if okCount == 0 && len(user.RoomIDs) > 0 {
		return results, errAllRoomsFailed
	}
	return results, nil
}

// restorePreviousSetpoints pushes remembered setpoints back. Rooms without a
// remembered value return to schedule-following mode. PreviousSetpoints is
// cleared exactly when the restore succeeds.
func (e *Engine) restorePreviousSetpoints(ctx context.Context, user User, st *State) ([]RoomResult, error) {
	s := e.currentSettings()
	until := e.now().Add(s.OverrideExpiry)

	results := make([]RoomResult, 0, len(user.RoomIDs))
	okCount := 0

	for _, id := range user.RoomIDs {
		prev, remembered := st.PreviousSetpoints[id]

		var err error
		r := RoomResult{RoomID: id}
		if remembered {
			r.Setpoint = prev
			err = e.therm.SetRoomSetpoint(ctx, user.HomeID, id, netatmo.ModeManual, prev, until)
		} else {
			err = e.therm.SetRoomSetpoint(ctx, user.HomeID, id, netatmo.ModeSchedule, 0, until)
		}
		if err != nil {
			r.Err = err.Error()
			e.log.Warn("restore failed for room",
				logx.String("user", user.ID), logx.String("room", id), logx.Err(err))
		} else {
			r.OK = true
			okCount++
		}
		results = append(results, r)
	}

	if okCount == 0 && len(user.RoomIDs) > 0 {
		return results, errAllRoomsFailed
	}
	st.PreviousSetpoints = nil
	return results, nil
}
