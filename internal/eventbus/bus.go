// Package eventbus decouples the coordination engine from its fire-and-forget
// observers (audit persistence, diagnostics).
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Well-known event types published by the engine.
const (
	TypeCycleResult      = "cycle.result"
	TypeAutomationPaused = "automation.paused"
	TypeBoostApplied     = "boost.applied"
	TypeSetpointRestored = "setpoint.restored"
	TypeNotifySent       = "notify.sent"
	TypeNotifyThrottled  = "notify.throttled"
)

// Event is a lightweight in-memory signal.
//
// Contract:
//   - Publish never blocks.
//   - Slow subscribers lose events rather than slowing the publisher.
//
// Data should be small and JSON-serializable.
type Event struct {
	Type   string
	Time   time.Time
	UserID string
	Data   any
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns a simple in-memory fanout bus. It owns no goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]chan Event{}}
}

type memBus struct {
	mu   sync.RWMutex
	subs map[uint64]chan Event
	seq  atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	// Snapshot subscribers so Publish doesn't hold locks while sending.
	b.mu.RLock()
	chs := make([]chan Event, 0, len(b.subs))
	for _, ch := range b.subs {
		chs = append(chs, ch)
	}
	b.mu.RUnlock()

	for _, ch := range chs {
		// Non-blocking delivery; a concurrent unsubscribe may close the
		// channel, so recover from the possible send-on-closed panic.
		func() {
			defer func() { _ = recover() }()
			select {
			case ch <- e:
			default:
			}
		}()
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, unsub
}
