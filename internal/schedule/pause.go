// Package schedule computes automation pause windows from a weekly
// thermostat timetable.
//
// Timetable offsets are minutes since Monday 00:00 UTC (0..10079) and the
// table is treated as a ring: after the last slot the week wraps around to
// the first one.
package schedule

import (
	"sort"
	"time"
)

const (
	minutesPerDay  = 24 * 60
	MinutesPerWeek = 7 * minutesPerDay

	// FallbackPause is used when no timetable is available.
	FallbackPause = 60 * time.Minute
)

// Slot is one schedule transition.
type Slot struct {
	// MinuteOffset is minutes since Monday midnight (week-relative).
	MinuteOffset int `json:"m_offset"`
	ZoneID       int `json:"zone_id"`
}

// Zone describes a schedule zone referenced by slots.
type Zone struct {
	ID         int     `json:"id"`
	Name       string  `json:"name"`
	TargetTemp float64 `json:"temp"`
}

// PauseWindow is the result of CalculatePauseUntil.
type PauseWindow struct {
	PauseUntil  time.Time
	WaitMinutes int

	// NextSlot is the matched transition, nil when the fallback was used.
	NextSlot *Slot
	Fallback bool
}

// WeekOffset converts t to a week-relative minute offset with Monday as day 0.
// Sunday maps to day 6, keeping the week linear.
func WeekOffset(t time.Time) int {
	u := t.UTC()
	day := (int(u.Weekday()) + 6) % 7
	return day*minutesPerDay + u.Hour()*60 + u.Minute()
}

// CalculatePauseUntil returns when automation should resume: the next schedule
// transition after now. The input slots may be unsorted. With an empty
// timetable it returns a fixed fallback pause instead of failing.
func CalculatePauseUntil(now time.Time, slots []Slot) PauseWindow {
	if len(slots) == 0 {
		return PauseWindow{
			PauseUntil:  now.Add(FallbackPause),
			WaitMinutes: int(FallbackPause.Minutes()),
			Fallback:    true,
		}
	}

	sorted := append([]Slot(nil), slots...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].MinuteOffset < sorted[j].MinuteOffset })

	cur := WeekOffset(now)

	var next *Slot
	for i := range sorted {
		if sorted[i].MinuteOffset > cur {
			next = &sorted[i]
			break
		}
	}
	if next == nil {
		// Past the last transition of the week; the next occurrence is the
		// first slot on the following Monday.
		next = &sorted[0]
	}

	wait := next.MinuteOffset - cur
	if wait <= 0 {
		wait += MinutesPerWeek
	}

	return PauseWindow{
		PauseUntil:  now.Add(time.Duration(wait) * time.Minute),
		WaitMinutes: wait,
		NextSlot:    next,
	}
}
