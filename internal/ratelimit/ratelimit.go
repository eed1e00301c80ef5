// Package ratelimit bounds outbound thermostat API calls with two
// simultaneous windows per caller key: a short sliding burst window and a
// conservative hourly counter kept below the vendor's real ceiling.
//
// Two implementations share the Limiter interface: a process-local map (only
// safe single-instance) and a store-backed variant whose window updates run
// as CAS transactions so concurrent instances stay correct.
package ratelimit

import (
	"context"
	"time"
)

// Config holds the window sizes. Zero values fall back to defaults.
type Config struct {
	BurstLimit  int           // default 50
	BurstWindow time.Duration // default 10s
	HourlyLimit int           // default 400, below the vendor's 500/h
	HourlyWin   time.Duration // default 1h
}

func (c Config) withDefaults() Config {
	if c.BurstLimit <= 0 {
		c.BurstLimit = 50
	}
	if c.BurstWindow <= 0 {
		c.BurstWindow = 10 * time.Second
	}
	if c.HourlyLimit <= 0 {
		c.HourlyLimit = 400
	}
	if c.HourlyWin <= 0 {
		c.HourlyWin = time.Hour
	}
	return c
}

// Status reports whether a call may proceed. When denied, Count/Limit/ResetIn
// describe the window that blocked it; when allowed they describe the window
// with the least headroom.
type Status struct {
	Allowed bool
	Count   int
	Limit   int
	ResetIn time.Duration
}

// Usage is the accounting after TrackCall. Remaining is the minimum headroom
// across both windows.
type Usage struct {
	Count     int
	Limit     int
	Remaining int
}

// Limiter is checked before an upstream call and tracked strictly after a
// successful one, so rejected calls never consume budget.
type Limiter interface {
	CheckAllowed(ctx context.Context, key string) (Status, error)
	TrackCall(ctx context.Context, key string) (Usage, error)
}

// burstState is a sliding list of call timestamps (unix milli).
type burstState struct {
	Calls []int64 `json:"calls"`
}

// hourlyState is a plain counter with a hard reset on window expiry.
type hourlyState struct {
	Count       int   `json:"count"`
	WindowStart int64 `json:"windowStart"` // unix milli
}

func pruneBurst(calls []int64, now time.Time, window time.Duration) []int64 {
	cutoff := now.Add(-window).UnixMilli()
	out := calls[:0]
	for _, ts := range calls {
		if ts > cutoff {
			out = append(out, ts)
		}
	}
	return out
}

// rolledOver reports whether the hourly window must reset.
func (h hourlyState) rolledOver(now time.Time, window time.Duration) bool {
	return h.WindowStart == 0 || now.UnixMilli()-h.WindowStart >= window.Milliseconds()
}
