package storage

import (
	"context"
	"sync"
	"time"
)

// memoryStore keeps everything in a process-local map.
//
// It implements the same contract as the sqlite driver but provides no
// durability and no cross-instance consistency. Only safe when a single
// process is guaranteed (local development, single-instance deployment).
type memoryStore struct {
	mu    sync.Mutex
	kv    map[string][]byte
	audit []AuditEntry
}

// NewMemory returns an in-memory Store.
func NewMemory() Store {
	return &memoryStore{kv: map[string][]byte{}}
}

func (s *memoryStore) Get(ctx context.Context, path string) ([]byte, bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.kv[path]
	if !ok {
		return nil, false, nil
	}
	cp := append([]byte(nil), v...)
	return cp, true, nil
}

func (s *memoryStore) Set(ctx context.Context, path string, value []byte) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if value == nil {
		delete(s.kv, path)
		return nil
	}
	s.kv[path] = append([]byte(nil), value...)
	return nil
}

func (s *memoryStore) Transaction(ctx context.Context, path string, update UpdateFunc) ([]byte, error) {
	_ = ctx
	// Holding the lock across the updater serializes all writers, which is
	// the memory-driver equivalent of the sqlite CAS loop.
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.kv[path]
	var in []byte
	if ok {
		in = append([]byte(nil), cur...)
	}
	next, err := update(in)
	if err != nil {
		return nil, err
	}
	if next == nil {
		delete(s.kv, path)
		return nil, nil
	}
	s.kv[path] = append([]byte(nil), next...)
	return next, nil
}

func (s *memoryStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	_ = ctx
	if e.At.IsZero() {
		e.At = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audit = append(s.audit, e)
	if len(s.audit) > 1000 {
		s.audit = s.audit[len(s.audit)-1000:]
	}
	return nil
}

func (s *memoryStore) Close() error { return nil }

// AuditSnapshot returns a copy of the retained audit entries (memory driver only).
func (s *memoryStore) AuditSnapshot() []AuditEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]AuditEntry(nil), s.audit...)
}
