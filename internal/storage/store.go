// Package storage is the durable state layer: tenants, report tasks, daily
// budgets, follow-up steps, the scheduled-delivery queue, conversation state
// and transcripts, all in a single SQLite file.
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

	logx "sellerbot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

const (
	// timeLayout is fixed-width on purpose: execute_at is compared as text
	// in SQL, and RFC3339Nano trims trailing zeros, which makes "…05Z" sort
	// after "…05.5Z" and hides due rows within the same second.
	timeLayout = "2006-01-02T15:04:05.000000000Z07:00"
	dateLayout = "2006-01-02"
)

type Store struct {
	db  *sql.DB
	log logx.Logger

	// changes is signaled on configuration mutations so the runtime can
	// resync without waiting for the periodic fallback.
	changes chan struct{}
}

func Open(cfg Config, log logx.Logger) (*Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("storage path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer; one connection also makes the claim
	// statement trivially serialized within this process.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")
	_, _ = db.Exec("PRAGMA foreign_keys = ON")

	s := &Store{db: db, log: log, changes: make(chan struct{}, 1)}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Changes is signaled (coalesced) after configuration mutations. The
// scheduler runtime subscribes to it as the push half of resync.
func (s *Store) Changes() <-chan struct{} { return s.changes }

// NotifyChanged lets collaborators (the configuration UI) request a resync
// after out-of-band mutations.
func (s *Store) NotifyChanged() {
	select {
	case s.changes <- struct{}{}:
	default:
	}
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func nullTime(t time.Time, layout string) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(layout)
}

func parseTime(v sql.NullString, layout string) time.Time {
	if !v.Valid || strings.TrimSpace(v.String) == "" {
		return time.Time{}
	}
	t, err := time.Parse(layout, v.String)
	if err != nil {
		return time.Time{}
	}
	return t
}
