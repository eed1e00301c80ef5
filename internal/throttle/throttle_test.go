package throttle

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sirdoy/pannello-stufa-sub002/internal/storage"
	logx "github.com/sirdoy/pannello-stufa-sub002/pkg/logx"
)

func gates(t *testing.T, window time.Duration, now func() time.Time) map[string]Gate {
	t.Helper()
	mem := NewMemory(window)
	mem.SetClock(now)
	st := NewStore(storage.NewMemory(), window)
	st.SetClock(now)
	return map[string]Gate{"memory": mem, "store": st}
}

func TestFirstSendAllowed(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 1, 6, 8, 0, 0, 0, time.UTC)
	for name, g := range gates(t, 30*time.Minute, func() time.Time { return now }) {
		t.Run(name, func(t *testing.T) {
			d, err := g.ShouldSend(ctx, "u1")
			if err != nil || !d.Allowed {
				t.Fatalf("first send: %+v err=%v", d, err)
			}
		})
	}
}

func TestRecordThenImmediateCheckDenied(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 1, 6, 8, 0, 0, 0, time.UTC)
	for name, g := range gates(t, 30*time.Minute, func() time.Time { return now }) {
		t.Run(name, func(t *testing.T) {
			if err := g.RecordSent(ctx, "u1"); err != nil {
				t.Fatalf("record: %v", err)
			}
			d, err := g.ShouldSend(ctx, "u1")
			if err != nil {
				t.Fatalf("check: %v", err)
			}
			if d.Allowed {
				t.Fatal("expected throttled right after a send")
			}
			if d.Wait != 30*time.Minute {
				t.Fatalf("Wait = %v, want full window", d.Wait)
			}
		})
	}
}

func TestWindowElapses(t *testing.T) {
	ctx := context.Background()
	cur := time.Date(2025, 1, 6, 8, 0, 0, 0, time.UTC)
	for name, g := range gates(t, 30*time.Minute, func() time.Time { return cur }) {
		t.Run(name, func(t *testing.T) {
			cur = time.Date(2025, 1, 6, 8, 0, 0, 0, time.UTC)
			if err := g.RecordSent(ctx, "u2"); err != nil {
				t.Fatalf("record: %v", err)
			}
			cur = cur.Add(31 * time.Minute)
			d, err := g.ShouldSend(ctx, "u2")
			if err != nil || !d.Allowed {
				t.Fatalf("after window: %+v err=%v", d, err)
			}
		})
	}
}

func TestThrottleIsPerUser(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 1, 6, 8, 0, 0, 0, time.UTC)
	g := NewMemory(30 * time.Minute)
	g.SetClock(func() time.Time { return now })

	if err := g.RecordSent(ctx, "u1"); err != nil {
		t.Fatalf("record: %v", err)
	}
	if d, _ := g.ShouldSend(ctx, "u1"); d.Allowed {
		t.Fatal("u1 should be throttled")
	}
	if d, _ := g.ShouldSend(ctx, "u2"); !d.Allowed {
		t.Fatal("u2 should be unaffected")
	}
}

type failingGate struct{ err error }

func (f failingGate) ShouldSend(context.Context, string) (Decision, error) { return Decision{}, f.err }
func (f failingGate) RecordSent(context.Context, string) error             { return f.err }

func TestFallbackUsesLocalOnDurableFailure(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 1, 6, 8, 0, 0, 0, time.UTC)
	local := NewMemory(30 * time.Minute)
	local.SetClock(func() time.Time { return now })

	fb := NewFallback(failingGate{err: errors.New("store down")}, local, logx.Nop())

	d, err := fb.ShouldSend(ctx, "u1")
	if err != nil || !d.Allowed {
		t.Fatalf("fallback first send: %+v err=%v", d, err)
	}
	if err := fb.RecordSent(ctx, "u1"); err != nil {
		t.Fatalf("fallback record must not propagate durable error: %v", err)
	}
	d, err = fb.ShouldSend(ctx, "u1")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if d.Allowed {
		t.Fatal("local gate should still throttle during a durable outage")
	}
}
