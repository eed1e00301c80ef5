package ratelimit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sirdoy/pannello-stufa-sub002/internal/storage"
)

// StoreLimiter keeps both windows in the shared KV store. Each window update
// runs as its own CAS transaction, so concurrent process instances tracking
// calls for the same key never lose increments.
type StoreLimiter struct {
	st  storage.Store
	cfg Config
	now func() time.Time
}

func NewStore(st storage.Store, cfg Config) *StoreLimiter {
	return &StoreLimiter{st: st, cfg: cfg.withDefaults(), now: time.Now}
}

// SetClock overrides the time source (tests).
func (l *StoreLimiter) SetClock(now func() time.Time) { l.now = now }

func burstPath(key string) string  { return "ratelimit/" + key + "/burst" }
func hourlyPath(key string) string { return "ratelimit/" + key + "/hourly" }

func (l *StoreLimiter) CheckAllowed(ctx context.Context, key string) (Status, error) {
	now := l.now()

	var b burstState
	raw, ok, err := l.st.Get(ctx, burstPath(key))
	if err != nil {
		return Status{}, fmt.Errorf("ratelimit burst read: %w", err)
	}
	if ok {
		if err := json.Unmarshal(raw, &b); err != nil {
			return Status{}, fmt.Errorf("ratelimit burst decode: %w", err)
		}
	}
	b.Calls = pruneBurst(b.Calls, now, l.cfg.BurstWindow)

	var h hourlyState
	raw, ok, err = l.st.Get(ctx, hourlyPath(key))
	if err != nil {
		return Status{}, fmt.Errorf("ratelimit hourly read: %w", err)
	}
	if ok {
		if err := json.Unmarshal(raw, &h); err != nil {
			return Status{}, fmt.Errorf("ratelimit hourly decode: %w", err)
		}
	}
	if h.rolledOver(now, l.cfg.HourlyWin) {
		h = hourlyState{WindowStart: now.UnixMilli()}
	}

	return decide(len(b.Calls), h, now, l.cfg), nil
}

func (l *StoreLimiter) TrackCall(ctx context.Context, key string) (Usage, error) {
	now := l.now()

	var burstCount int
	_, err := l.st.Transaction(ctx, burstPath(key), func(cur []byte) ([]byte, error) {
		var b burstState
		if cur != nil {
			if err := json.Unmarshal(cur, &b); err != nil {
				// Corrupt window data: start over rather than wedging calls.
				b = burstState{}
			}
		}
		b.Calls = pruneBurst(b.Calls, now, l.cfg.BurstWindow)
		b.Calls = append(b.Calls, now.UnixMilli())
		burstCount = len(b.Calls)
		return json.Marshal(b)
	})
	if err != nil {
		return Usage{}, fmt.Errorf("ratelimit burst track: %w", err)
	}

	var hourlyCount int
	_, err = l.st.Transaction(ctx, hourlyPath(key), func(cur []byte) ([]byte, error) {
		var h hourlyState
		if cur != nil {
			if err := json.Unmarshal(cur, &h); err != nil {
				h = hourlyState{}
			}
		}
		if h.rolledOver(now, l.cfg.HourlyWin) {
			h = hourlyState{WindowStart: now.UnixMilli()}
		}
		h.Count++
		hourlyCount = h.Count
		return json.Marshal(h)
	})
	if err != nil {
		return Usage{}, fmt.Errorf("ratelimit hourly track: %w", err)
	}

	return usage(burstCount, hourlyCount, l.cfg), nil
}
