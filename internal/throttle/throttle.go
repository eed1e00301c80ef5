// Package throttle gates coordination notifications with one global per-user
// cooldown window. The window is shared across all coordination event types,
// unlike the per-key API rate limiter.
//
// RecordSent must be called only after a notification actually went out;
// callers that skip a send because of the throttle must not record it.
package throttle

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/sirdoy/pannello-stufa-sub002/internal/storage"
	logx "github.com/sirdoy/pannello-stufa-sub002/pkg/logx"
)

// DefaultWindow is the cooldown between notifications to the same user.
const DefaultWindow = 30 * time.Minute

// Decision is the outcome of ShouldSend.
type Decision struct {
	Allowed bool
	Wait    time.Duration
	Reason  string
}

// Gate decides whether a notification may be sent to a user right now.
type Gate interface {
	ShouldSend(ctx context.Context, userID string) (Decision, error)
	RecordSent(ctx context.Context, userID string) error
}

// record is the persisted shape for the store-backed gate.
type record struct {
	LastSentAt int64 `json:"lastSentAt"` // unix milli
}

func decide(lastSentAt time.Time, has bool, now time.Time, window time.Duration) Decision {
	if !has {
		return Decision{Allowed: true, Reason: "no prior notification"}
	}
	elapsed := now.Sub(lastSentAt)
	if elapsed >= window {
		return Decision{Allowed: true, Reason: "window elapsed"}
	}
	return Decision{
		Allowed: false,
		Wait:    window - elapsed,
		Reason:  fmt.Sprintf("throttled, last sent %s ago", elapsed.Round(time.Second)),
	}
}

// ---- in-memory gate ----

// Memory keeps last-sent times in a process-local map. Fast, lost on restart.
type Memory struct {
	mu     sync.Mutex
	window time.Duration
	now    func() time.Time
	last   map[string]time.Time
}

func NewMemory(window time.Duration) *Memory {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Memory{window: window, now: time.Now, last: map[string]time.Time{}}
}

// SetClock overrides the time source (tests).
func (m *Memory) SetClock(now func() time.Time) { m.now = now }

func (m *Memory) ShouldSend(ctx context.Context, userID string) (Decision, error) {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.last[userID]
	return decide(t, ok, m.now(), m.window), nil
}

func (m *Memory) RecordSent(ctx context.Context, userID string) error {
	_ = ctx
	m.mu.Lock()
	m.last[userID] = m.now()
	m.mu.Unlock()
	return nil
}

// ---- store-backed gate ----

// StoreGate persists last-sent times, so the cooldown survives restarts and
// holds across concurrently running instances.
type StoreGate struct {
	st     storage.Store
	window time.Duration
	now    func() time.Time
}

func NewStore(st storage.Store, window time.Duration) *StoreGate {
	if window <= 0 {
		window = DefaultWindow
	}
	return &StoreGate{st: st, window: window, now: time.Now}
}

// SetClock overrides the time source (tests).
func (g *StoreGate) SetClock(now func() time.Time) { g.now = now }

func path(userID string) string { return "users/" + userID + "/notifications/throttle" }

func (g *StoreGate) ShouldSend(ctx context.Context, userID string) (Decision, error) {
	raw, ok, err := g.st.Get(ctx, path(userID))
	if err != nil {
		return Decision{}, fmt.Errorf("throttle read: %w", err)
	}
	if !ok {
		return decide(time.Time{}, false, g.now(), g.window), nil
	}
	var r record
	if err := json.Unmarshal(raw, &r); err != nil {
		return Decision{}, fmt.Errorf("throttle decode: %w", err)
	}
	return decide(time.UnixMilli(r.LastSentAt), true, g.now(), g.window), nil
}

func (g *StoreGate) RecordSent(ctx context.Context, userID string) error {
	b, err := json.Marshal(record{LastSentAt: g.now().UnixMilli()})
	if err != nil {
		return err
	}
	if err := g.st.Set(ctx, path(userID), b); err != nil {
		return fmt.Errorf("throttle write: %w", err)
	}
	return nil
}

// ---- fallback decorator ----

// Fallback tries the durable gate first and falls back to the in-memory one
// when the store misbehaves. The fallback is logged, never silent: masking
// durability failures hides a real operational problem.
type Fallback struct {
	durable Gate
	local   Gate
	log     logx.Logger
}

func NewFallback(durable, local Gate, log logx.Logger) *Fallback {
	return &Fallback{durable: durable, local: local, log: log}
}

func (f *Fallback) ShouldSend(ctx context.Context, userID string) (Decision, error) {
	d, err := f.durable.ShouldSend(ctx, userID)
	if err == nil {
		return d, nil
	}
	f.log.Warn("durable throttle read failed; using in-memory gate",
		logx.String("user", userID), logx.Err(err))
	return f.local.ShouldSend(ctx, userID)
}

func (f *Fallback) RecordSent(ctx context.Context, userID string) error {
	// Keep the local gate warm so a durable outage still throttles.
	_ = f.local.RecordSent(ctx, userID)
	if err := f.durable.RecordSent(ctx, userID); err != nil {
		f.log.Warn("durable throttle write failed",
			logx.String("user", userID), logx.Err(err))
		return nil
	}
	return nil
}
