// Package coordination drives the stove/thermostat decision cycle: observe
// stove state, back off when the user intervenes on the thermostat, debounce
// stove flapping, and boost or restore room setpoints accordingly.
package coordination

import (
	"context"
	"sync"
	"time"

	"github.com/sirdoy/pannello-stufa-sub002/internal/debounce"
	"github.com/sirdoy/pannello-stufa-sub002/internal/eventbus"
	"github.com/sirdoy/pannello-stufa-sub002/internal/intent"
	"github.com/sirdoy/pannello-stufa-sub002/internal/netatmo"
	"github.com/sirdoy/pannello-stufa-sub002/internal/notify"
	"github.com/sirdoy/pannello-stufa-sub002/internal/schedule"
	"github.com/sirdoy/pannello-stufa-sub002/internal/stove"
	"github.com/sirdoy/pannello-stufa-sub002/internal/storage"
	"github.com/sirdoy/pannello-stufa-sub002/internal/throttle"
	logx "github.com/sirdoy/pannello-stufa-sub002/pkg/logx"
)

// Thermostat is the slice of the cloud client the engine needs.
type Thermostat interface {
	GetHomeStatus(ctx context.Context, homeID string) (*netatmo.HomeStatus, error)
	SetRoomSetpoint(ctx context.Context, homeID, roomID, mode string, temp float64, until time.Time) error
	GetSchedules(ctx context.Context, homeID string) ([]netatmo.Schedule, error)
}

// User identifies one coordinated user and their rooms.
type User struct {
	ID      string
	HomeID  string
	RoomIDs []string
	Enabled bool
}

// Settings tunes the engine. Zero values fall back to defaults.
type Settings struct {
	Enabled        bool
	BoostDelta     float64       // default 2.0 °C
	MaxSetpoint    float64       // default 30.0 °C
	OverrideExpiry time.Duration // default 8h
	FallbackPause  time.Duration // default 1h
}

func (s Settings) withDefaults() Settings {
	if s.BoostDelta <= 0 {
		s.BoostDelta = 2.0
	}
	if s.MaxSetpoint <= 0 {
		s.MaxSetpoint = 30.0
	}
	if s.OverrideExpiry <= 0 {
		s.OverrideExpiry = 8 * time.Hour
	}
	if s.FallbackPause <= 0 {
		s.FallbackPause = time.Hour
	}
	return s
}

type Engine struct {
	st       storage.Store
	therm    Thermostat
	detector *intent.Detector
	timers   *debounce.Service
	gate     throttle.Gate
	notifier notify.Notifier
	bus      eventbus.Bus
	log      logx.Logger
	now      func() time.Time

	mu       sync.Mutex
	settings Settings
}

func NewEngine(
	st storage.Store,
	therm Thermostat,
	timers *debounce.Service,
	gate throttle.Gate,
	notifier notify.Notifier,
	bus eventbus.Bus,
	settings Settings,
	log logx.Logger,
) *Engine {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Engine{
		st:       st,
		therm:    therm,
		detector: intent.New(therm),
		timers:   timers,
		gate:     gate,
		notifier: notifier,
		bus:      bus,
		log:      log,
		now:      time.Now,
		settings: settings.withDefaults(),
	}
}

// Apply updates engine settings (config hot reload).
func (e *Engine) Apply(settings Settings) {
	e.mu.Lock()
	e.settings = settings.withDefaults()
	e.mu.Unlock()
}

func (e *Engine) currentSettings() Settings {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.settings
}

// RunCycle executes one coordination cycle for the user, short-circuiting at
// the first decisive step.
func (e *Engine) RunCycle(ctx context.Context, user User, stoveStatus string) CycleResult {
	start := e.now()
	res := e.runCycle(ctx, user, stoveStatus)
	e.publish(eventbus.Event{
		Type:   eventbus.TypeCycleResult,
		UserID: user.ID,
		Data: map[string]any{
			"kind":    res.Kind.String(),
			"reason":  res.Reason,
			"took_ms": e.now().Sub(start).Milliseconds(),
		},
	})
	return res
}

func (e *Engine) runCycle(ctx context.Context, user User, stoveStatus string) CycleResult {
	s := e.currentSettings()
	log := e.log.With(logx.String("user", user.ID))

	// 1. Coordination disabled globally or for this user.
	if !s.Enabled || !user.Enabled {
		e.timers.Cancel(user.ID)
		return skipped("disabled")
	}

	// 2. Load state and honor an active pause.
	st, err := e.loadState(ctx, user.ID)
	if err != nil {
		log.Error("coordination state unavailable", logx.Err(err))
		return skipped("state unavailable")
	}
	now := e.now()
	if st.AutomationPaused {
		if st.PausedUntil != nil && !now.After(*st.PausedUntil) {
			return skipped("paused")
		}
		// Pause expired: clear the fields and keep evaluating this same cycle.
		st.clearPause()
		if err := e.saveState(ctx, user.ID, st); err != nil {
			log.Warn("failed clearing expired pause", logx.Err(err))
		}
		log.Info("automation pause expired; resuming")
	}

	// 3. Classify the stove status.
	stoveOn := stove.IsOn(stoveStatus)

	// 4. While heating, watch for the human taking over the thermostat.
	if stoveOn {
		res := e.detector.Detect(ctx, user.HomeID, user.RoomIDs, e.expectedSetpoints(st, s, user))
		if res.Err != nil {
			// Transient fetch failure: never a false pause.
			log.Debug("intent detection unavailable", logx.Err(res.Err))
		}
		if res.Changed {
			return e.pauseForManualChange(ctx, user, st, res, s)
		}
	}

	// 5. Act on a stove transition (or a still-pending debounce).
	if stoveOn != st.StoveOn || st.PendingDebounce {
		return e.debounceAndAct(ctx, user, st, stoveOn, log)
	}

	// 6. Steady state.
	return CycleResult{Kind: KindNoChange}
}

// expectedSetpoints reconstructs what the engine last pushed: previous
// setpoints plus the boost, clamped. With no boost active there is nothing to
// compare setpoints against, and only mode changes can trip the detector.
func (e *Engine) expectedSetpoints(st State, s Settings, user User) map[string]float64 {
	if st.PreviousSetpoints == nil {
		return nil
	}
	exp := make(map[string]float64, len(user.RoomIDs))
	for _, id := range user.RoomIDs {
		prev, ok := st.PreviousSetpoints[id]
		if !ok {
			continue
		}
		target := prev + s.BoostDelta
		if target > s.MaxSetpoint {
			target = s.MaxSetpoint
		}
		exp[id] = target
	}
	return exp
}

func (e *Engine) pauseForManualChange(ctx context.Context, user User, st State, res intent.Result, s Settings) CycleResult {
	now := e.now()
	until := e.pauseUntil(ctx, user.HomeID, now, s)

	st.AutomationPaused = true
	st.PausedUntil = &until
	st.PauseReason = res.Reason
	if err := e.saveState(ctx, user.ID, st); err != nil {
		e.log.Error("failed persisting pause", logx.String("user", user.ID), logx.Err(err))
		return skipped("state unavailable")
	}

	e.publish(eventbus.Event{
		Type:   eventbus.TypeAutomationPaused,
		UserID: user.ID,
		Data:   map[string]any{"reason": res.Reason, "until": until},
	})
	e.notifyUser(ctx, user.ID, notify.Message{
		Title: "Automation paused",
		Body:  res.Reason + "; resuming " + until.Format(time.RFC1123),
	})

	return CycleResult{Kind: KindPaused, Reason: res.Reason, Until: until}
}

// pauseUntil asks the active weekly schedule for the next transition; any
// failure falls back to a fixed pause instead of blocking the pause itself.
func (e *Engine) pauseUntil(ctx context.Context, homeID string, now time.Time, s Settings) time.Time {
	schedules, err := e.therm.GetSchedules(ctx, homeID)
	if err != nil {
		e.log.Warn("schedule fetch failed; using fallback pause", logx.Err(err))
		return now.Add(s.FallbackPause)
	}
	active, ok := netatmo.SelectedSchedule(schedules)
	if !ok {
		return now.Add(s.FallbackPause)
	}
	return schedule.CalculatePauseUntil(now, active.Timetable).PauseUntil
}

func (e *Engine) debounceAndAct(ctx context.Context, user User, st State, stoveOn bool, log logx.Logger) CycleResult {
	now := e.now()
	onDelay, retryDelay := e.timers.Durations()

	// After a restart the persisted pendingDebounce flag is the source of
	// truth. If its timer is gone and the wait has already elapsed, act now;
	// otherwise fall through and let Request arm a fresh timer.
	if st.PendingDebounce {
		if live, _ := e.timers.Pending(user.ID); live == debounce.Idle {
			required := onDelay
			if !stoveOn {
				required = retryDelay
			}
			overdue := st.DebounceStartedAt == nil || now.Sub(*st.DebounceStartedAt) >= required
			if overdue {
				rooms, err := e.commitAction(ctx, user, stoveOn)
				if err != nil {
					log.Warn("overdue debounce action failed", logx.Err(err))
					return skipped("action failed")
				}
				if stoveOn {
					return CycleResult{Kind: KindApplied, Rooms: rooms}
				}
				return CycleResult{Kind: KindRestored, Rooms: rooms}
			}
		}
	}

	// Mark the pending debounce before arming so a crash between the two
	// leaves the conservative flag set.
	if !st.PendingDebounce {
		st.PendingDebounce = true
		st.DebounceStartedAt = &now
		if err := e.saveState(ctx, user.ID, st); err != nil {
			log.Error("failed persisting pending debounce", logx.Err(err))
			return skipped("state unavailable")
		}
	}

	var actedRooms []RoomResult
	outcome := e.timers.Request(user.ID, stoveOn, func() error {
		rooms, err := e.commitAction(context.Background(), user, stoveOn)
		actedRooms = rooms
		return err
	})

	switch outcome.Kind {
	case debounce.Scheduled, debounce.NoChange:
		return CycleResult{Kind: KindDebouncing, Remaining: outcome.Remaining}
	case debounce.RetryScheduled:
		return CycleResult{Kind: KindRetryScheduled, Remaining: outcome.Remaining}
	default: // debounce.ExecutedImmediately, the stove-off path.
		if outcome.Err != nil {
			return skipped("restore failed")
		}
		return CycleResult{Kind: KindRestored, Rooms: actedRooms}
	}
}

// commitAction is the debounce callback: it clears the pending flag first so
// a failing action can never leave a phantom pending debounce, then performs
// the boost or restore and records the new stove state.
func (e *Engine) commitAction(ctx context.Context, user User, targetOn bool) ([]RoomResult, error) {
	st, err := e.loadState(ctx, user.ID)
	if err != nil {
		return nil, err
	}
	st.PendingDebounce = false
	st.DebounceStartedAt = nil
	if err := e.saveState(ctx, user.ID, st); err != nil {
		return nil, err
	}

	if targetOn {
		rooms, err := e.applySetpointBoost(ctx, user, &st)
		if err != nil {
			return rooms, err
		}
		st.StoveOn = true
		if err := e.saveState(ctx, user.ID, st); err != nil {
			return rooms, err
		}
		e.publish(eventbus.Event{Type: eventbus.TypeBoostApplied, UserID: user.ID, Data: rooms})
		return rooms, nil
	}

	rooms, err := e.restorePreviousSetpoints(ctx, user, &st)
	if err != nil {
		return rooms, err
	}
	st.StoveOn = false
	if err := e.saveState(ctx, user.ID, st); err != nil {
		return rooms, err
	}
	e.publish(eventbus.Event{Type: eventbus.TypeSetpointRestored, UserID: user.ID, Data: rooms})
	return rooms, nil
}

// notifyUser sends a throttled notification. RecordSent happens strictly
// after a successful delivery; throttled skips never consume the window.
func (e *Engine) notifyUser(ctx context.Context, userID string, msg notify.Message) {
	if e.notifier == nil {
		return
	}
	if !msg.Critical {
		d, err := e.gate.ShouldSend(ctx, userID)
		if err != nil {
			e.log.Warn("notification throttle check failed", logx.String("user", userID), logx.Err(err))
			return
		}
		if !d.Allowed {
			e.publish(eventbus.Event{Type: eventbus.TypeNotifyThrottled, UserID: userID,
				Data: map[string]any{"wait_s": int(d.Wait.Seconds())}})
			e.log.Debug("notification throttled",
				logx.String("user", userID), logx.Duration("wait", d.Wait))
			return
		}
	}

	res, err := e.notifier.Send(ctx, userID, msg)
	if err != nil {
		e.log.Warn("notification send failed", logx.String("user", userID), logx.Err(err))
		return
	}
	if !res.Sent {
		e.log.Debug("notification skipped by transport",
			logx.String("user", userID), logx.String("why", res.Skipped))
		return
	}
	if err := e.gate.RecordSent(ctx, userID); err != nil {
		e.log.Warn("failed recording notification send", logx.String("user", userID), logx.Err(err))
	}
	e.publish(eventbus.Event{Type: eventbus.TypeNotifySent, UserID: userID,
		Data: map[string]any{"title": msg.Title}})
}

func (e *Engine) publish(ev eventbus.Event) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(ev)
}
