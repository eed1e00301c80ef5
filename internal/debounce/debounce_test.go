package debounce

import (
	"sync/atomic"
	"testing"
	"time"

	logx "github.com/sirdoy/pannello-stufa-sub002/pkg/logx"
)

func newTestService(onDelay, retryDelay time.Duration) *Service {
	return New(Config{OnDelay: onDelay, RetryDelay: retryDelay}, logx.Nop())
}

func TestStoveOnSchedulesTimer(t *testing.T) {
	t.Parallel()
	s := newTestService(2*time.Minute, 30*time.Second)

	out := s.Request("u1", true, func() error { return nil })
	if out.Kind != Scheduled || out.State != PendingOn {
		t.Fatalf("outcome = %+v, want Scheduled/PendingOn", out)
	}
	if out.Remaining != 2*time.Minute {
		t.Fatalf("Remaining = %v, want 2m", out.Remaining)
	}
	if st, _ := s.Pending("u1"); st != PendingOn {
		t.Fatalf("state = %v, want PendingOn", st)
	}
	s.Cancel("u1")
}

func TestSameTargetIsNoChange(t *testing.T) {
	t.Parallel()
	s := newTestService(2*time.Minute, 30*time.Second)

	s.Request("u1", true, func() error { return nil })
	out := s.Request("u1", true, func() error { return nil })
	if out.Kind != NoChange {
		t.Fatalf("outcome = %+v, want NoChange", out)
	}
	s.Cancel("u1")
}

func TestOffDuringPendingOnStartsRetryAndCancelsOriginal(t *testing.T) {
	t.Parallel()
	s := newTestService(time.Hour, 20*time.Millisecond)

	var onFired, offFired atomic.Int32
	s.Request("u1", true, func() error { onFired.Add(1); return nil })

	out := s.Request("u1", false, func() error { offFired.Add(1); return nil })
	if out.Kind != RetryScheduled || out.State != PendingOffRetry {
		t.Fatalf("outcome = %+v, want RetryScheduled/PendingOffRetry", out)
	}
	if out.Remaining != 20*time.Millisecond {
		t.Fatalf("Remaining = %v, want retry delay", out.Remaining)
	}

	time.Sleep(150 * time.Millisecond)
	if got := onFired.Load(); got != 0 {
		t.Fatalf("cancelled ON callback fired %d times", got)
	}
	if got := offFired.Load(); got != 1 {
		t.Fatalf("OFF retry callback fired %d times, want 1", got)
	}
	if st, _ := s.Pending("u1"); st != Idle {
		t.Fatalf("state after fire = %v, want Idle", st)
	}
}

func TestOffWithNothingPendingExecutesImmediately(t *testing.T) {
	t.Parallel()
	s := newTestService(time.Hour, time.Hour)

	var fired atomic.Int32
	out := s.Request("u1", false, func() error { fired.Add(1); return nil })
	if out.Kind != ExecutedImmediately {
		t.Fatalf("outcome = %+v, want ExecutedImmediately", out)
	}
	if got := fired.Load(); got != 1 {
		t.Fatalf("callback fired %d times, want 1 (synchronous)", got)
	}
}

func TestTimerFireClearsBookkeepingBeforeCallback(t *testing.T) {
	t.Parallel()
	s := newTestService(20*time.Millisecond, time.Hour)

	stateDuringCallback := make(chan State, 1)
	s.Request("u1", true, func() error {
		st, _ := s.Pending("u1")
		stateDuringCallback <- st
		return nil
	})

	select {
	case st := <-stateDuringCallback:
		if st != Idle {
			t.Fatalf("state during callback = %v, want Idle (cleared first)", st)
		}
	case <-time.After(time.Second):
		t.Fatal("timer never fired")
	}
}

func TestCallbackErrorIsSwallowed(t *testing.T) {
	t.Parallel()
	s := newTestService(10*time.Millisecond, time.Hour)

	s.Request("u1", true, func() error { return errTest })
	time.Sleep(100 * time.Millisecond)
	// The entry must be gone; no retry is armed.
	if st, _ := s.Pending("u1"); st != Idle {
		t.Fatalf("state = %v, want Idle after failed callback", st)
	}
}

func TestCancelStopsTimer(t *testing.T) {
	t.Parallel()
	s := newTestService(30*time.Millisecond, time.Hour)

	var fired atomic.Int32
	s.Request("u1", true, func() error { fired.Add(1); return nil })
	if !s.Cancel("u1") {
		t.Fatal("expected Cancel to find an entry")
	}
	time.Sleep(100 * time.Millisecond)
	if got := fired.Load(); got != 0 {
		t.Fatalf("cancelled callback fired %d times", got)
	}
}

func TestSweepDropsStaleEntries(t *testing.T) {
	t.Parallel()
	s := New(Config{OnDelay: time.Hour, SweepSlack: time.Minute}, logx.Nop())

	s.Request("u1", true, func() error { return nil })
	// Pretend time jumped far past the deadline without the timer firing.
	s.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	s.sweep()
	if st, _ := s.Pending("u1"); st != Idle {
		t.Fatalf("state = %v, want Idle after sweep", st)
	}
}

var errTest = errTestType{}

type errTestType struct{}

func (errTestType) Error() string { return "test error" }
