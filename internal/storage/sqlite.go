package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "github.com/sirdoy/pannello-stufa-sub002/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	// Basic pragmas.
	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) Get(ctx context.Context, path string) ([]byte, bool, error) {
	if s == nil || s.db == nil {
		return nil, false, ErrDisabled
	}
	var v []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE path = ?`, path).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

func (s *sqliteStore) Set(ctx context.Context, path string, value []byte) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if value == nil {
		_, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE path = ?`, path)
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO kv(path, value, updated_at) VALUES(?,?,?)
		 ON CONFLICT(path) DO UPDATE SET value=excluded.value, updated_at=excluded.updated_at`,
		path, value, time.Now().UTC().Format(time.RFC3339Nano),
	)
	return err
}

// Transaction runs update inside an immediate transaction, retrying a few
// times when another writer holds the lock. The updater may therefore run
// more than once and must be pure.
func (s *sqliteStore) Transaction(ctx context.Context, path string, update UpdateFunc) ([]byte, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}

	const maxAttempts = 5
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		final, err := s.tryTransaction(ctx, path, update)
		if err == nil {
			return final, nil
		}
		lastErr = err
		if !isBusy(err) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(attempt) * 20 * time.Millisecond):
		}
	}
	return nil, fmt.Errorf("kv transaction on %s: %w", path, lastErr)
}

func (s *sqliteStore) tryTransaction(ctx context.Context, path string, update UpdateFunc) ([]byte, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var cur []byte
	err = tx.QueryRowContext(ctx, `SELECT value FROM kv WHERE path = ?`, path).Scan(&cur)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	next, err := update(cur)
	if err != nil {
		return nil, err
	}

	if next == nil {
		if _, err := tx.ExecContext(ctx, `DELETE FROM kv WHERE path = ?`, path); err != nil {
			return nil, err
		}
	} else {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO kv(path, value, updated_at) VALUES(?,?,?)
			 ON CONFLICT(path) DO UPDATE SET value=excluded.value, updated_at=excluded.updated_at`,
			path, next, time.Now().UTC().Format(time.RFC3339Nano),
		)
		if err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return next, nil
}

func (s *sqliteStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit(at, user_id, event, reason, rooms, took_ms, meta)
		 VALUES(?,?,?,?,?,?,?)`,
		e.At.Format(time.RFC3339Nano), e.UserID, e.Event, nullStr(e.Reason), e.Rooms, e.TookMS, nullStr(e.MetaJSON),
	)
	return err
}

func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "busy") || strings.Contains(msg, "locked")
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
