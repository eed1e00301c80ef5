package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Memory is the process-local limiter. Plain map behind a mutex; correct only
// when a single process issues the calls.
type Memory struct {
	mu  sync.Mutex
	cfg Config
	now func() time.Time

	burst  map[string][]int64
	hourly map[string]hourlyState
}

func NewMemory(cfg Config) *Memory {
	return &Memory{
		cfg:    cfg.withDefaults(),
		now:    time.Now,
		burst:  map[string][]int64{},
		hourly: map[string]hourlyState{},
	}
}

// SetClock overrides the time source (tests).
func (m *Memory) SetClock(now func() time.Time) { m.now = now }

func (m *Memory) CheckAllowed(ctx context.Context, key string) (Status, error) {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	calls := pruneBurst(m.burst[key], now, m.cfg.BurstWindow)
	m.burst[key] = calls

	h := m.hourly[key]
	if h.rolledOver(now, m.cfg.HourlyWin) {
		h = hourlyState{WindowStart: now.UnixMilli()}
		m.hourly[key] = h
	}

	return decide(len(calls), h, now, m.cfg), nil
}

func (m *Memory) TrackCall(ctx context.Context, key string) (Usage, error) {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	calls := pruneBurst(m.burst[key], now, m.cfg.BurstWindow)
	calls = append(calls, now.UnixMilli())
	m.burst[key] = calls

	h := m.hourly[key]
	if h.rolledOver(now, m.cfg.HourlyWin) {
		h = hourlyState{WindowStart: now.UnixMilli()}
	}
	h.Count++
	m.hourly[key] = h

	return usage(len(calls), h.Count, m.cfg), nil
}

// decide applies the both-windows rule: a call is allowed only when the burst
// and the hourly window both have headroom.
func decide(burstCount int, h hourlyState, now time.Time, cfg Config) Status {
	if burstCount >= cfg.BurstLimit {
		return Status{
			Allowed: false,
			Count:   burstCount,
			Limit:   cfg.BurstLimit,
			ResetIn: cfg.BurstWindow,
		}
	}
	if h.Count >= cfg.HourlyLimit {
		reset := time.UnixMilli(h.WindowStart).Add(cfg.HourlyWin).Sub(now)
		if reset < 0 {
			reset = 0
		}
		return Status{
			Allowed: false,
			Count:   h.Count,
			Limit:   cfg.HourlyLimit,
			ResetIn: reset,
		}
	}

	// Report the tighter window.
	if cfg.BurstLimit-burstCount <= cfg.HourlyLimit-h.Count {
		return Status{Allowed: true, Count: burstCount, Limit: cfg.BurstLimit}
	}
	return Status{Allowed: true, Count: h.Count, Limit: cfg.HourlyLimit}
}

func usage(burstCount, hourlyCount int, cfg Config) Usage {
	burstLeft := cfg.BurstLimit - burstCount
	hourLeft := cfg.HourlyLimit - hourlyCount
	if burstLeft < 0 {
		burstLeft = 0
	}
	if hourLeft < 0 {
		hourLeft = 0
	}
	if burstLeft <= hourLeft {
		return Usage{Count: burstCount, Limit: cfg.BurstLimit, Remaining: burstLeft}
	}
	return Usage{Count: hourlyCount, Limit: cfg.HourlyLimit, Remaining: hourLeft}
}
