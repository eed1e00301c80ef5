package storage

import (
	"context"
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "memory": process-local map (fast, lost on restart; single-instance only)
//   - "sqlite": SQLite database file (durable, safe across instances)
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// AuditEntry records one coordination decision.
// Keep it compact and schema-stable.
type AuditEntry struct {
	At       time.Time
	UserID   string
	Event    string
	Reason   string
	Rooms    int
	TookMS   int64
	MetaJSON string
}

// UpdateFunc receives the current value at a path (nil when absent) and
// returns the replacement value. It may be invoked more than once on
// contention, so it must be pure.
type UpdateFunc func(cur []byte) ([]byte, error)

// Store is the persistence API used by the coordination engine.
//
// Paths are slash-separated keys ("users/<id>/coordination/state").
// Transaction provides compare-and-swap semantics: concurrent writers to the
// same path never interleave a read-modify-write.
type Store interface {
	Get(ctx context.Context, path string) (value []byte, ok bool, err error)
	Set(ctx context.Context, path string, value []byte) error
	Transaction(ctx context.Context, path string, update UpdateFunc) (final []byte, err error)
	AppendAudit(ctx context.Context, e AuditEntry) error
	Close() error
}
