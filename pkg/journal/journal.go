// Package journal keeps a SQLite record of every hook invocation the
// watcher dispatched, so an operator can see after the fact which devices
// came and went and whether the hook succeeded.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	_ "modernc.org/sqlite" // SQLite driver
)

const schemaDDL = `
CREATE TABLE IF NOT EXISTS invocations (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id      TEXT    NOT NULL,
	created_at  TEXT    NOT NULL,
	change      TEXT    NOT NULL,
	device_id   INTEGER NOT NULL,
	device_type TEXT    NOT NULL DEFAULT '',
	device_name TEXT    NOT NULL DEFAULT '',
	dry_run     INTEGER NOT NULL DEFAULT 0,
	error       TEXT    NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_invocations_run ON invocations(run_id);
CREATE INDEX IF NOT EXISTS idx_invocations_device ON invocations(device_id);
`

// timeLayout sorts lexically in chronological order.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Entry is one dispatched (or dry-run) hook invocation.
type Entry struct {
	ID         int64
	RunID      string
	Time       time.Time
	Change     string
	DeviceID   int
	DeviceType string
	DeviceName string
	DryRun     bool
	Error      string
}

// Writer appends entries for one watcher run.
type Writer struct {
	db    *sql.DB
	runID string
	now   func() time.Time
}

// Open opens or creates the journal at path. Every Writer gets a fresh run
// id so entries from separate watcher lifetimes can be told apart.
func Open(ctx context.Context, path string) (*Writer, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("create journal dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	// One writer connection keeps inserts ordered.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping journal: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL on journal: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy_timeout on journal: %w", err)
	}
	if _, err := db.ExecContext(ctx, schemaDDL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply journal schema: %w", err)
	}

	return &Writer{db: db, runID: uuid.NewString(), now: time.Now}, nil
}

// RunID identifies this watcher lifetime in the journal.
func (w *Writer) RunID() string { return w.runID }

// Record appends e. RunID and Time are filled in when left empty.
func (w *Writer) Record(ctx context.Context, e Entry) error {
	if e.RunID == "" {
		e.RunID = w.runID
	}
	if e.Time.IsZero() {
		e.Time = w.now()
	}
	_, err := w.db.ExecContext(ctx,
		`INSERT INTO invocations (run_id, created_at, change, device_id, device_type, device_name, dry_run, error)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.RunID, e.Time.UTC().Format(timeLayout), e.Change, e.DeviceID, e.DeviceType, e.DeviceName, e.DryRun, e.Error,
	)
	if err != nil {
		return fmt.Errorf("record invocation: %w", err)
	}
	return nil
}

// Close closes the underlying database connection.
func (w *Writer) Close() error {
	if err := w.db.Close(); err != nil {
		return fmt.Errorf("close journal: %w", err)
	}
	return nil
}
