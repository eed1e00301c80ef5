// Package audit persists coordination events. Strictly fire-and-forget: it
// subscribes to the event bus and a storage failure is logged, never
// propagated to the engine.
package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/sirdoy/pannello-stufa-sub002/internal/eventbus"
	"github.com/sirdoy/pannello-stufa-sub002/internal/storage"
	logx "github.com/sirdoy/pannello-stufa-sub002/pkg/logx"
)

type Recorder struct {
	st  storage.Store
	bus eventbus.Bus
	log logx.Logger
}

func NewRecorder(st storage.Store, bus eventbus.Bus, log logx.Logger) *Recorder {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Recorder{st: st, bus: bus, log: log}
}

// Run consumes bus events until ctx is done.
func (r *Recorder) Run(ctx context.Context) {
	ch, unsub := r.bus.Subscribe(64)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			r.record(ctx, e)
		}
	}
}

func (r *Recorder) record(ctx context.Context, e eventbus.Event) {
	if r.st == nil {
		return
	}
	var meta string
	if e.Data != nil {
		if b, err := json.Marshal(e.Data); err == nil {
			meta = string(b)
		}
	}
	wctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	err := r.st.AppendAudit(wctx, storage.AuditEntry{
		At:       e.Time,
		UserID:   e.UserID,
		Event:    e.Type,
		MetaJSON: meta,
	})
	if err != nil {
		r.log.Debug("audit append failed", logx.String("event", e.Type), logx.Err(err))
	}
}
