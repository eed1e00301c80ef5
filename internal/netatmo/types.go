package netatmo

import "github.com/sirdoy/pannello-stufa-sub002/internal/schedule"

// Thermostat setpoint modes. Schedule is the "follow the weekly program"
// mode; Away, FrostGuard and Off are the non-standard modes the intent
// detector treats as manual overrides.
const (
	ModeSchedule   = "home"
	ModeManual     = "manual"
	ModeAway       = "away"
	ModeFrostGuard = "hg"
	ModeOff        = "off"
)

// Room is the live thermostat state of one room.
type Room struct {
	ID           string  `json:"id"`
	Name         string  `json:"name,omitempty"`
	SetpointTemp float64 `json:"therm_setpoint_temperature"`
	SetpointMode string  `json:"therm_setpoint_mode"`
	MeasuredTemp float64 `json:"therm_measured_temperature"`
}

// HomeStatus is the live state of a home.
type HomeStatus struct {
	HomeID string
	Rooms  []Room
}

// Room returns the room with the given id, if present.
func (h *HomeStatus) Room(id string) (Room, bool) {
	for _, r := range h.Rooms {
		if r.ID == id {
			return r, true
		}
	}
	return Room{}, false
}

// Schedule is one weekly heating program of a home.
type Schedule struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Selected  bool            `json:"selected"`
	Timetable []schedule.Slot `json:"timetable"`
	Zones     []schedule.Zone `json:"zones"`
}
