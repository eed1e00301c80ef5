package schedule

import (
	"testing"
	"time"
)

// mondayUTC returns a fixed Monday 00:00 UTC plus the given offset.
func mondayUTC(t *testing.T, offsetMinutes int) time.Time {
	t.Helper()
	base := time.Date(2025, time.March, 3, 0, 0, 0, 0, time.UTC) // a Monday
	if base.Weekday() != time.Monday {
		t.Fatal("test base date is not a Monday")
	}
	return base.Add(time.Duration(offsetMinutes) * time.Minute)
}

func TestWeekOffsetMondayIsZero(t *testing.T) {
	t.Parallel()
	if got := WeekOffset(mondayUTC(t, 0)); got != 0 {
		t.Fatalf("WeekOffset(monday midnight) = %d, want 0", got)
	}
	// Sunday 23:00 is day 6, not day 0.
	sunday := mondayUTC(t, 6*24*60+23*60)
	if got := WeekOffset(sunday); got != 6*24*60+23*60 {
		t.Fatalf("WeekOffset(sunday 23:00) = %d", got)
	}
}

func TestCalculatePauseUntilPicksNextSlot(t *testing.T) {
	t.Parallel()
	slots := []Slot{
		{MinuteOffset: 8 * 60, ZoneID: 1},  // Mon 08:00
		{MinuteOffset: 22 * 60, ZoneID: 2}, // Mon 22:00
	}

	now := mondayUTC(t, 10*60) // Mon 10:00
	w := CalculatePauseUntil(now, slots)
	if w.Fallback {
		t.Fatal("unexpected fallback")
	}
	if w.NextSlot == nil || w.NextSlot.MinuteOffset != 22*60 {
		t.Fatalf("NextSlot = %+v, want offset %d", w.NextSlot, 22*60)
	}
	if w.WaitMinutes != 12*60 {
		t.Fatalf("WaitMinutes = %d, want %d", w.WaitMinutes, 12*60)
	}
	// Resume time's week offset must equal the matched slot's offset.
	if got := WeekOffset(w.PauseUntil); got != w.NextSlot.MinuteOffset {
		t.Fatalf("PauseUntil week offset = %d, want %d", got, w.NextSlot.MinuteOffset)
	}
}

func TestCalculatePauseUntilWrapsToNextMonday(t *testing.T) {
	t.Parallel()
	slots := []Slot{
		{MinuteOffset: 7 * 60, ZoneID: 1}, // Mon 07:00
		{MinuteOffset: 21 * 60, ZoneID: 2},
	}

	// Sunday 23:30, past every slot of the week.
	now := mondayUTC(t, 6*24*60+23*60+30)
	w := CalculatePauseUntil(now, slots)
	if w.NextSlot == nil || w.NextSlot.MinuteOffset != 7*60 {
		t.Fatalf("NextSlot = %+v, want first slot", w.NextSlot)
	}
	// 30 minutes to midnight plus 7 hours into Monday.
	want := 30 + 7*60
	if w.WaitMinutes != want {
		t.Fatalf("WaitMinutes = %d, want %d", w.WaitMinutes, want)
	}
	if got := WeekOffset(w.PauseUntil); got != 7*60 {
		t.Fatalf("PauseUntil week offset = %d, want %d", got, 7*60)
	}
}

func TestCalculatePauseUntilUnsortedInput(t *testing.T) {
	t.Parallel()
	slots := []Slot{
		{MinuteOffset: 22 * 60, ZoneID: 2},
		{MinuteOffset: 8 * 60, ZoneID: 1},
	}
	now := mondayUTC(t, 9*60)
	w := CalculatePauseUntil(now, slots)
	if w.NextSlot == nil || w.NextSlot.MinuteOffset != 22*60 {
		t.Fatalf("NextSlot = %+v, want 22:00 slot", w.NextSlot)
	}
}

func TestCalculatePauseUntilEmptyTimetable(t *testing.T) {
	t.Parallel()
	now := mondayUTC(t, 0)
	w := CalculatePauseUntil(now, nil)
	if !w.Fallback || w.NextSlot != nil {
		t.Fatalf("expected fallback, got %+v", w)
	}
	if got := w.PauseUntil.Sub(now); got != 60*time.Minute {
		t.Fatalf("fallback pause = %v, want 60m", got)
	}
	if w.WaitMinutes != 60 {
		t.Fatalf("WaitMinutes = %d, want 60", w.WaitMinutes)
	}
}

func TestCalculatePauseUntilOffsetProperty(t *testing.T) {
	t.Parallel()
	slots := []Slot{
		{MinuteOffset: 0, ZoneID: 1},
		{MinuteOffset: 6*60 + 30, ZoneID: 2},
		{MinuteOffset: 3*24*60 + 45, ZoneID: 3},
		{MinuteOffset: 6*24*60 + 23*60, ZoneID: 1},
	}
	// Sweep a week in 97-minute steps; the resume offset must always equal the
	// matched slot's offset modulo one week.
	for off := 0; off < MinutesPerWeek; off += 97 {
		now := mondayUTC(t, off)
		w := CalculatePauseUntil(now, slots)
		if w.NextSlot == nil {
			t.Fatalf("offset %d: no slot matched", off)
		}
		if got := WeekOffset(w.PauseUntil) % MinutesPerWeek; got != w.NextSlot.MinuteOffset%MinutesPerWeek {
			t.Fatalf("offset %d: resume offset %d != slot offset %d", off, got, w.NextSlot.MinuteOffset)
		}
		if w.WaitMinutes <= 0 || w.WaitMinutes > MinutesPerWeek {
			t.Fatalf("offset %d: wait %d out of range", off, w.WaitMinutes)
		}
	}
}
