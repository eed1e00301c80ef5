package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/sirdoy/pannello-stufa-sub002/internal/storage"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func limiters(t *testing.T, cfg Config, c *clock) map[string]Limiter {
	t.Helper()
	mem := NewMemory(cfg)
	mem.SetClock(c.now)
	st := NewStore(storage.NewMemory(), cfg)
	st.SetClock(c.now)
	return map[string]Limiter{"memory": mem, "store": st}
}

func TestBurstWindowBlocksAfterLimit(t *testing.T) {
	ctx := context.Background()
	cfg := Config{BurstLimit: 3, BurstWindow: 10 * time.Second, HourlyLimit: 100}
	c := &clock{t: time.Date(2025, 1, 6, 12, 0, 0, 0, time.UTC)}

	for name, lim := range limiters(t, cfg, c) {
		t.Run(name, func(t *testing.T) {
			for i := 0; i < 3; i++ {
				st, err := lim.CheckAllowed(ctx, "api")
				if err != nil || !st.Allowed {
					t.Fatalf("call %d: allowed=%v err=%v", i, st.Allowed, err)
				}
				if _, err := lim.TrackCall(ctx, "api"); err != nil {
					t.Fatalf("track %d: %v", i, err)
				}
			}
			st, err := lim.CheckAllowed(ctx, "api")
			if err != nil {
				t.Fatalf("check: %v", err)
			}
			if st.Allowed {
				t.Fatal("4th call should be denied by burst window")
			}
			if st.Limit != 3 {
				t.Fatalf("Limit = %d, want burst limit 3", st.Limit)
			}
		})
	}
}

func TestBurstWindowSlides(t *testing.T) {
	ctx := context.Background()
	cfg := Config{BurstLimit: 2, BurstWindow: 10 * time.Second, HourlyLimit: 100}
	c := &clock{t: time.Date(2025, 1, 6, 12, 0, 0, 0, time.UTC)}

	for name, lim := range limiters(t, cfg, c) {
		t.Run(name, func(t *testing.T) {
			c.t = time.Date(2025, 1, 6, 12, 0, 0, 0, time.UTC)
			for i := 0; i < 2; i++ {
				if _, err := lim.TrackCall(ctx, name); err != nil {
					t.Fatalf("track: %v", err)
				}
			}
			if st, _ := lim.CheckAllowed(ctx, name); st.Allowed {
				t.Fatal("expected denial within burst window")
			}
			c.advance(11 * time.Second)
			st, err := lim.CheckAllowed(ctx, name)
			if err != nil || !st.Allowed {
				t.Fatalf("expected allowance after window slid, got %+v err=%v", st, err)
			}
		})
	}
}

func TestHourlyWindowResetsAtomically(t *testing.T) {
	ctx := context.Background()
	cfg := Config{BurstLimit: 1000, BurstWindow: 10 * time.Second, HourlyLimit: 5, HourlyWin: time.Hour}
	c := &clock{t: time.Date(2025, 1, 6, 12, 0, 0, 0, time.UTC)}

	for name, lim := range limiters(t, cfg, c) {
		t.Run(name, func(t *testing.T) {
			c.t = time.Date(2025, 1, 6, 12, 0, 0, 0, time.UTC)
			for i := 0; i < 5; i++ {
				// Spread calls so the burst list empties but the hour keeps counting.
				c.advance(time.Minute)
				if _, err := lim.TrackCall(ctx, name); err != nil {
					t.Fatalf("track: %v", err)
				}
			}
			st, _ := lim.CheckAllowed(ctx, name)
			if st.Allowed {
				t.Fatal("expected hourly denial")
			}
			if st.Limit != 5 {
				t.Fatalf("Limit = %d, want hourly limit", st.Limit)
			}
			if st.ResetIn <= 0 {
				t.Fatalf("ResetIn = %v, want positive", st.ResetIn)
			}

			c.advance(2 * time.Hour)
			st, err := lim.CheckAllowed(ctx, name)
			if err != nil || !st.Allowed {
				t.Fatalf("expected hourly reset, got %+v err=%v", st, err)
			}
		})
	}
}

func TestTrackCallReportsMinimumRemaining(t *testing.T) {
	ctx := context.Background()
	cfg := Config{BurstLimit: 10, BurstWindow: 10 * time.Second, HourlyLimit: 4, HourlyWin: time.Hour}
	c := &clock{t: time.Date(2025, 1, 6, 12, 0, 0, 0, time.UTC)}

	lim := NewMemory(cfg)
	lim.SetClock(c.now)

	u, err := lim.TrackCall(ctx, "api")
	if err != nil {
		t.Fatalf("track: %v", err)
	}
	// Hourly has 3 left, burst 9: the hourly window is the tighter one.
	if u.Remaining != 3 || u.Limit != 4 {
		t.Fatalf("usage = %+v, want remaining 3 of limit 4", u)
	}
}

func TestKeysAreIndependent(t *testing.T) {
	ctx := context.Background()
	cfg := Config{BurstLimit: 1, BurstWindow: 10 * time.Second, HourlyLimit: 100}
	c := &clock{t: time.Date(2025, 1, 6, 12, 0, 0, 0, time.UTC)}

	lim := NewMemory(cfg)
	lim.SetClock(c.now)

	if _, err := lim.TrackCall(ctx, "a"); err != nil {
		t.Fatalf("track: %v", err)
	}
	if st, _ := lim.CheckAllowed(ctx, "a"); st.Allowed {
		t.Fatal("key a should be exhausted")
	}
	if st, _ := lim.CheckAllowed(ctx, "b"); !st.Allowed {
		t.Fatal("key b should be untouched")
	}
}
