// Package debounce absorbs stove on/off flapping before the coordinator
// commits to a setpoint action.
//
// Per user there is at most one live timer: a 2-minute wait before acting on
// stove ON, and a short 30-second retry when the stove flickers OFF before
// the pending ON action committed. Starting a new timer always cancels and
// replaces the existing one.
package debounce

import (
	"context"
	"sync"
	"time"

	logx "github.com/sirdoy/pannello-stufa-sub002/pkg/logx"
)

type State int

const (
	Idle State = iota
	PendingOn
	PendingOffRetry
)

func (s State) String() string {
	switch s {
	case PendingOn:
		return "pending_on"
	case PendingOffRetry:
		return "pending_off_retry"
	default:
		return "idle"
	}
}

// OutcomeKind tells the caller what happened to its request.
type OutcomeKind int

const (
	// Scheduled: a new on-timer was armed.
	Scheduled OutcomeKind = iota
	// RetryScheduled: a pending-on timer was replaced by the short off-retry timer.
	RetryScheduled
	// ExecutedImmediately: no timer was pending and the action ran synchronously.
	ExecutedImmediately
	// NoChange: the same target was already pending.
	NoChange
)

type Outcome struct {
	Kind      OutcomeKind
	State     State
	Remaining time.Duration
	// Err carries the callback error on the ExecutedImmediately path only;
	// timer-fired callback errors are logged and swallowed.
	Err error
}

// Config holds the timer durations. Zero values fall back to defaults.
type Config struct {
	OnDelay    time.Duration // default 2m
	RetryDelay time.Duration // default 30s
	// SweepEvery controls the defensive cleanup cadence (default 1m). Entries
	// whose deadline passed more than SweepSlack ago are dropped; they belong
	// to timer callbacks that never fired (e.g. a crashed goroutine).
	SweepEvery time.Duration
	SweepSlack time.Duration // default 5m
}

func (c Config) withDefaults() Config {
	if c.OnDelay <= 0 {
		c.OnDelay = 2 * time.Minute
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 30 * time.Second
	}
	if c.SweepEvery <= 0 {
		c.SweepEvery = time.Minute
	}
	if c.SweepSlack <= 0 {
		c.SweepSlack = 5 * time.Minute
	}
	return c
}

type entry struct {
	state     State
	targetOn  bool
	startedAt time.Time
	deadline  time.Time
	timer     *time.Timer
	// gen guards against a fired timer racing a replacement for the same user.
	gen uint64
}

// Service owns the per-user timers. Timers are process-local and do not
// survive a restart; the persisted pendingDebounce flag is the source of
// truth and the next coordination cycle re-derives what to do.
type Service struct {
	mu      sync.Mutex
	cfg     Config
	log     logx.Logger
	entries map[string]*entry
	gen     uint64
	now     func() time.Time
}

func New(cfg Config, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:     cfg.withDefaults(),
		log:     log,
		entries: map[string]*entry{},
		now:     time.Now,
	}
}

// Durations returns the configured on and retry delays.
func (s *Service) Durations() (on, retry time.Duration) {
	return s.cfg.OnDelay, s.cfg.RetryDelay
}

// Request asks for the stove's observed state to be acted on. fn performs the
// coordination action (boost or restore) when the debounce commits; it runs
// either synchronously (immediate-off path) or later on the timer goroutine.
func (s *Service) Request(userID string, stoveOn bool, fn func() error) Outcome {
	s.mu.Lock()

	e := s.entries[userID]

	// Same target already pending: nothing to do.
	if e != nil && e.targetOn == stoveOn {
		out := Outcome{Kind: NoChange, State: e.state, Remaining: e.deadline.Sub(s.now())}
		s.mu.Unlock()
		return out
	}

	// Pending ON flipped to OFF before committing: short retry timer.
	if e != nil && e.state == PendingOn && !stoveOn {
		s.cancelLocked(userID, e)
		out := s.armLocked(userID, false, PendingOffRetry, s.cfg.RetryDelay, fn)
		s.mu.Unlock()
		return out
	}

	// Any other pending timer with a different target is replaced outright.
	if e != nil {
		s.cancelLocked(userID, e)
	}

	if stoveOn {
		out := s.armLocked(userID, true, PendingOn, s.cfg.OnDelay, fn)
		s.mu.Unlock()
		return out
	}

	// Stove OFF with nothing pending: act now, synchronously.
	s.mu.Unlock()
	err := fn()
	if err != nil {
		s.log.Warn("immediate action failed", logx.String("user", userID), logx.Err(err))
	}
	return Outcome{Kind: ExecutedImmediately, State: Idle, Err: err}
}

// Cancel drops any pending timer for the user (automation disabled, etc).
func (s *Service) Cancel(userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.entries[userID]
	if e == nil {
		return false
	}
	s.cancelLocked(userID, e)
	return true
}

// Pending reports the current state and remaining time for a user.
func (s *Service) Pending(userID string) (State, time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.entries[userID]
	if e == nil {
		return Idle, 0
	}
	return e.state, e.deadline.Sub(s.now())
}

// Run performs the periodic safety sweep until ctx is done.
func (s *Service) Run(ctx context.Context) {
	t := time.NewTicker(s.cfg.SweepEvery)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.sweep()
		}
	}
}

func (s *Service) sweep() {
	now := s.now()
	s.mu.Lock()
	for id, e := range s.entries {
		if now.Sub(e.deadline) > s.cfg.SweepSlack {
			s.log.Warn("dropping stale debounce entry",
				logx.String("user", id), logx.String("state", e.state.String()),
				logx.Time("deadline", e.deadline))
			s.cancelLocked(id, e)
		}
	}
	s.mu.Unlock()
}

func (s *Service) cancelLocked(userID string, e *entry) {
	if e.timer != nil {
		e.timer.Stop()
	}
	delete(s.entries, userID)
}

func (s *Service) armLocked(userID string, targetOn bool, state State, delay time.Duration, fn func() error) Outcome {
	s.gen++
	gen := s.gen
	now := s.now()
	e := &entry{
		state:     state,
		targetOn:  targetOn,
		startedAt: now,
		deadline:  now.Add(delay),
		gen:       gen,
	}
	e.timer = time.AfterFunc(delay, func() { s.fire(userID, gen, fn) })
	s.entries[userID] = e

	kind := Scheduled
	if state == PendingOffRetry {
		kind = RetryScheduled
	}
	return Outcome{Kind: kind, State: state, Remaining: delay}
}

func (s *Service) fire(userID string, gen uint64, fn func() error) {
	s.mu.Lock()
	e := s.entries[userID]
	if e == nil || e.gen != gen {
		// Cancelled or replaced while the timer was in flight.
		s.mu.Unlock()
		return
	}
	// Bookkeeping is cleared before the callback so a failing callback can't
	// leave a phantom pending entry behind.
	delete(s.entries, userID)
	s.mu.Unlock()

	if err := fn(); err != nil {
		// No automatic retry here; the next coordination cycle's
		// state-mismatch check is the real safety net.
		s.log.Warn("debounce action failed", logx.String("user", userID), logx.Err(err))
	}
}
