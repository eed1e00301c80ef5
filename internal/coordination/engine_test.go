package coordination

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirdoy/pannello-stufa-sub002/internal/debounce"
	"github.com/sirdoy/pannello-stufa-sub002/internal/eventbus"
	"github.com/sirdoy/pannello-stufa-sub002/internal/netatmo"
	"github.com/sirdoy/pannello-stufa-sub002/internal/notify"
	"github.com/sirdoy/pannello-stufa-sub002/internal/schedule"
	"github.com/sirdoy/pannello-stufa-sub002/internal/storage"
	"github.com/sirdoy/pannello-stufa-sub002/internal/throttle"
	logx "github.com/sirdoy/pannello-stufa-sub002/pkg/logx"
)

type setCall struct {
	RoomID string
	Mode   string
	Temp   float64
}

type fakeTherm struct {
	mu        sync.Mutex
	status    *netatmo.HomeStatus
	statusErr error
	schedules []netatmo.Schedule
	schedErr  error
	setErr    map[string]error
	setCalls  []setCall
}

func (f *fakeTherm) GetHomeStatus(ctx context.Context, homeID string) (*netatmo.HomeStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.statusErr != nil {
		return nil, f.statusErr
	}
	return f.status, nil
}

func (f *fakeTherm) SetRoomSetpoint(ctx context.Context, homeID, roomID, mode string, temp float64, until time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.setErr[roomID]; err != nil {
		return err
	}
	f.setCalls = append(f.setCalls, setCall{RoomID: roomID, Mode: mode, Temp: temp})
	return nil
}

func (f *fakeTherm) GetSchedules(ctx context.Context, homeID string) ([]netatmo.Schedule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.schedErr != nil {
		return nil, f.schedErr
	}
	return f.schedules, nil
}

func (f *fakeTherm) calls() []setCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]setCall(nil), f.setCalls...)
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []notify.Message
}

func (f *fakeNotifier) Send(ctx context.Context, userID string, msg notify.Message) (notify.Result, error) {
	f.mu.Lock()
	f.sent = append(f.sent, msg)
	f.mu.Unlock()
	return notify.Result{Sent: true}, nil
}

func (f *fakeNotifier) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type fixture struct {
	engine   *Engine
	store    storage.Store
	therm    *fakeTherm
	notifier *fakeNotifier
	user     User
}

func newFixture(t *testing.T, onDelay, retryDelay time.Duration) *fixture {
	t.Helper()
	st := storage.NewMemory()
	therm := &fakeTherm{
		status: &netatmo.HomeStatus{HomeID: "h1", Rooms: []netatmo.Room{
			{ID: "r1", Name: "Soggiorno", SetpointTemp: 21.0, SetpointMode: netatmo.ModeManual},
		}},
	}
	n := &fakeNotifier{}
	timers := debounce.New(debounce.Config{OnDelay: onDelay, RetryDelay: retryDelay}, logx.Nop())
	gate := throttle.NewMemory(30 * time.Minute)
	eng := NewEngine(st, therm, timers, gate, n, eventbus.New(),
		Settings{Enabled: true}, logx.Nop())
	return &fixture{
		engine:   eng,
		store:    st,
		therm:    therm,
		notifier: n,
		user:     User{ID: "u1", HomeID: "h1", RoomIDs: []string{"r1"}, Enabled: true},
	}
}

func (f *fixture) seedState(t *testing.T, st State) {
	t.Helper()
	b, err := json.Marshal(st)
	if err != nil {
		t.Fatalf("marshal state: %v", err)
	}
	if err := f.store.Set(context.Background(), "users/u1/coordination/state", b); err != nil {
		t.Fatalf("seed state: %v", err)
	}
}

func (f *fixture) readState(t *testing.T) State {
	t.Helper()
	raw, ok, err := f.store.Get(context.Background(), "users/u1/coordination/state")
	if err != nil || !ok {
		t.Fatalf("read state: ok=%v err=%v", ok, err)
	}
	var st State
	if err := json.Unmarshal(raw, &st); err != nil {
		t.Fatalf("decode state: %v", err)
	}
	return st
}

func TestCycleSkipsWhenDisabled(t *testing.T) {
	f := newFixture(t, time.Hour, time.Hour)
	f.user.Enabled = false
	res := f.engine.RunCycle(context.Background(), f.user, "WORK")
	if res.Kind != KindSkipped || res.Reason != "disabled" {
		t.Fatalf("result = %+v", res)
	}
}

func TestCycleSkipsWhilePaused(t *testing.T) {
	f := newFixture(t, time.Hour, time.Hour)
	until := time.Now().Add(30 * time.Minute)
	f.seedState(t, State{AutomationPaused: true, PausedUntil: &until})

	res := f.engine.RunCycle(context.Background(), f.user, "WORK")
	if res.Kind != KindSkipped || res.Reason != "paused" {
		t.Fatalf("result = %+v", res)
	}
	if got := f.therm.calls(); len(got) != 0 {
		t.Fatalf("no thermostat calls expected while paused, got %v", got)
	}
}

func TestExpiredPauseClearsAndReevaluatesSameCycle(t *testing.T) {
	f := newFixture(t, time.Hour, time.Hour)
	past := time.Now().Add(-time.Minute)
	f.seedState(t, State{AutomationPaused: true, PausedUntil: &past, PauseReason: "old"})

	// Stove off and matching persisted state: the same cycle must continue
	// past the pause cleanup and land on NoChange, not Skipped.
	res := f.engine.RunCycle(context.Background(), f.user, "off")
	if res.Kind != KindNoChange {
		t.Fatalf("result = %+v, want NoChange", res)
	}
	st := f.readState(t)
	if st.AutomationPaused || st.PausedUntil != nil || st.PauseReason != "" {
		t.Fatalf("pause fields not cleared: %+v", st)
	}
}

func TestStoveTurningOnStartsDebounce(t *testing.T) {
	f := newFixture(t, 2*time.Minute, 30*time.Second)

	res := f.engine.RunCycle(context.Background(), f.user, "STARTING")
	if res.Kind != KindDebouncing {
		t.Fatalf("result = %+v, want Debouncing", res)
	}
	if res.Remaining != 2*time.Minute {
		t.Fatalf("Remaining = %v, want 2m", res.Remaining)
	}
	st := f.readState(t)
	if !st.PendingDebounce || st.DebounceStartedAt == nil {
		t.Fatalf("pending debounce not persisted: %+v", st)
	}
}

func TestDebounceElapsedAppliesBoostWithCap(t *testing.T) {
	f := newFixture(t, 20*time.Millisecond, time.Hour)
	// Room at 29°C: +2 boost must cap at 30.
	f.therm.status.Rooms[0].SetpointTemp = 29.0

	res := f.engine.RunCycle(context.Background(), f.user, "WORK")
	if res.Kind != KindDebouncing {
		t.Fatalf("result = %+v, want Debouncing", res)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		if calls := f.therm.calls(); len(calls) > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("boost callback never fired")
		}
		time.Sleep(10 * time.Millisecond)
	}

	calls := f.therm.calls()
	if calls[0].Mode != netatmo.ModeManual || calls[0].Temp != 30.0 {
		t.Fatalf("boost call = %+v, want manual 30.0", calls[0])
	}

	st := f.readState(t)
	if !st.StoveOn || st.PendingDebounce {
		t.Fatalf("state after boost = %+v", st)
	}
	if got := st.PreviousSetpoints["r1"]; got != 29.0 {
		t.Fatalf("previous setpoint = %v, want 29.0", got)
	}
}

func TestStoveOffRestoresImmediately(t *testing.T) {
	f := newFixture(t, time.Hour, time.Hour)
	f.seedState(t, State{StoveOn: true, PreviousSetpoints: map[string]float64{"r1": 21.5}})

	res := f.engine.RunCycle(context.Background(), f.user, "off")
	if res.Kind != KindRestored {
		t.Fatalf("result = %+v, want Restored", res)
	}
	if len(res.Rooms) != 1 || !res.Rooms[0].OK || res.Rooms[0].Setpoint != 21.5 {
		t.Fatalf("rooms = %+v", res.Rooms)
	}
	calls := f.therm.calls()
	if len(calls) != 1 || calls[0].Temp != 21.5 || calls[0].Mode != netatmo.ModeManual {
		t.Fatalf("restore call = %+v", calls)
	}
	st := f.readState(t)
	if st.StoveOn || st.PreviousSetpoints != nil {
		t.Fatalf("state after restore = %+v", st)
	}
}

func TestRestoreWithoutRememberedSetpointFallsBackToSchedule(t *testing.T) {
	f := newFixture(t, time.Hour, time.Hour)
	f.seedState(t, State{StoveOn: true})

	res := f.engine.RunCycle(context.Background(), f.user, "standby")
	if res.Kind != KindRestored {
		t.Fatalf("result = %+v", res)
	}
	calls := f.therm.calls()
	if len(calls) != 1 || calls[0].Mode != netatmo.ModeSchedule {
		t.Fatalf("expected schedule-mode fallback, got %+v", calls)
	}
}

func TestOffDuringPendingOnSchedulesRetry(t *testing.T) {
	f := newFixture(t, time.Hour, 30*time.Second)

	if res := f.engine.RunCycle(context.Background(), f.user, "WORK"); res.Kind != KindDebouncing {
		t.Fatalf("first cycle = %+v", res)
	}
	res := f.engine.RunCycle(context.Background(), f.user, "off")
	if res.Kind != KindRetryScheduled {
		t.Fatalf("second cycle = %+v, want RetryScheduled", res)
	}
	if res.Remaining != 30*time.Second {
		t.Fatalf("Remaining = %v, want 30s", res.Remaining)
	}
}

func TestManualChangePausesWithScheduleAlignedWindow(t *testing.T) {
	f := newFixture(t, time.Hour, time.Hour)
	// Boost active: engine expects r1 at 21+2=23, but the user dialed 25.
	f.seedState(t, State{StoveOn: true, PreviousSetpoints: map[string]float64{"r1": 21.0}})
	f.therm.status.Rooms[0].SetpointTemp = 25.0
	f.therm.schedules = []netatmo.Schedule{{
		ID: "s1", Selected: true,
		Timetable: []schedule.Slot{{MinuteOffset: 0, ZoneID: 1}, {MinuteOffset: 5000, ZoneID: 2}},
	}}

	res := f.engine.RunCycle(context.Background(), f.user, "WORK")
	if res.Kind != KindPaused {
		t.Fatalf("result = %+v, want Paused", res)
	}
	if res.Until.IsZero() || !res.Until.After(time.Now()) {
		t.Fatalf("Until = %v", res.Until)
	}

	st := f.readState(t)
	if !st.AutomationPaused || st.PausedUntil == nil || st.PauseReason == "" {
		t.Fatalf("pause not persisted: %+v", st)
	}
	if f.notifier.count() != 1 {
		t.Fatalf("notifications = %d, want 1", f.notifier.count())
	}
	// Boost state is untouched by a pause; restore happens when the stove stops.
	if st.PreviousSetpoints == nil {
		t.Fatal("previous setpoints must survive a pause")
	}
}

func TestManualChangeFallbackPauseOnScheduleFailure(t *testing.T) {
	f := newFixture(t, time.Hour, time.Hour)
	f.seedState(t, State{StoveOn: true, PreviousSetpoints: map[string]float64{"r1": 21.0}})
	f.therm.status.Rooms[0].SetpointTemp = 25.0
	f.therm.schedErr = errors.New("schedule api down")

	before := time.Now()
	res := f.engine.RunCycle(context.Background(), f.user, "WORK")
	if res.Kind != KindPaused {
		t.Fatalf("result = %+v", res)
	}
	got := res.Until.Sub(before)
	if got < 59*time.Minute || got > 61*time.Minute {
		t.Fatalf("fallback pause = %v, want ~1h", got)
	}
}

func TestIntentFetchFailureDoesNotPause(t *testing.T) {
	f := newFixture(t, time.Hour, time.Hour)
	f.seedState(t, State{StoveOn: true, PreviousSetpoints: map[string]float64{"r1": 21.0}})
	f.therm.statusErr = errors.New("upstream down")

	res := f.engine.RunCycle(context.Background(), f.user, "WORK")
	if res.Kind == KindPaused {
		t.Fatal("transient fetch failure must never pause automation")
	}
}

func TestOverduePendingDebounceActsOnNextCycle(t *testing.T) {
	f := newFixture(t, 2*time.Minute, 30*time.Second)
	// Simulate a restart: pendingDebounce persisted, its timer long gone.
	started := time.Now().Add(-10 * time.Minute)
	f.seedState(t, State{PendingDebounce: true, DebounceStartedAt: &started})

	res := f.engine.RunCycle(context.Background(), f.user, "WORK")
	if res.Kind != KindApplied {
		t.Fatalf("result = %+v, want Applied", res)
	}
	if len(res.Rooms) != 1 || !res.Rooms[0].OK || res.Rooms[0].Setpoint != 23.0 {
		t.Fatalf("rooms = %+v", res.Rooms)
	}
	st := f.readState(t)
	if st.PendingDebounce || !st.StoveOn {
		t.Fatalf("state = %+v", st)
	}
}

func TestSecondPauseNotificationIsThrottled(t *testing.T) {
	f := newFixture(t, time.Hour, time.Hour)
	f.seedState(t, State{StoveOn: true, PreviousSetpoints: map[string]float64{"r1": 21.0}})
	f.therm.status.Rooms[0].SetpointTemp = 25.0

	if res := f.engine.RunCycle(context.Background(), f.user, "WORK"); res.Kind != KindPaused {
		t.Fatalf("first cycle = %+v", res)
	}
	// Clear the pause but leave the divergence: a second pause follows, yet
	// the user already got a notification inside the throttle window.
	st := f.readState(t)
	st.clearPause()
	f.seedState(t, st)

	if res := f.engine.RunCycle(context.Background(), f.user, "WORK"); res.Kind != KindPaused {
		t.Fatalf("second cycle = %+v", res)
	}
	if f.notifier.count() != 1 {
		t.Fatalf("notifications = %d, want 1 (second throttled)", f.notifier.count())
	}
}

func TestPartialRoomFailureStillSucceeds(t *testing.T) {
	f := newFixture(t, time.Hour, time.Hour)
	f.user.RoomIDs = []string{"r1", "r2"}
	f.therm.status.Rooms = append(f.therm.status.Rooms,
		netatmo.Room{ID: "r2", Name: "Camera", SetpointTemp: 20.0, SetpointMode: netatmo.ModeManual})
	f.therm.setErr = map[string]error{"r2": errors.New("device offline")}
	started := time.Now().Add(-10 * time.Minute)
	f.seedState(t, State{PendingDebounce: true, DebounceStartedAt: &started})

	res := f.engine.RunCycle(context.Background(), f.user, "WORK")
	if res.Kind != KindApplied {
		t.Fatalf("result = %+v, want Applied despite one failed room", res)
	}
	var okCount, failCount int
	for _, r := range res.Rooms {
		if r.OK {
			okCount++
		} else {
			failCount++
		}
	}
	if okCount != 1 || failCount != 1 {
		t.Fatalf("rooms = %+v", res.Rooms)
	}
}

func TestSteadyStateIsNoChange(t *testing.T) {
	f := newFixture(t, time.Hour, time.Hour)
	f.seedState(t, State{StoveOn: true, PreviousSetpoints: map[string]float64{"r1": 21.0}})
	// Live state matches what the engine set (21+2=23).
	f.therm.status.Rooms[0].SetpointTemp = 23.0

	res := f.engine.RunCycle(context.Background(), f.user, "WORK")
	if res.Kind != KindNoChange {
		t.Fatalf("result = %+v, want NoChange", res)
	}
}
