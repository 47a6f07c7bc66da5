package journal

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"
	"time"
)

// QueryOpts specifies filter criteria for reading the journal.
type QueryOpts struct {
	// RunID restricts results to one watcher lifetime.
	RunID string

	// DeviceID restricts results to one device. Negative means any.
	DeviceID int

	// Change restricts results to one flag label, e.g. "XISlaveAdded".
	Change string

	// Since filters entries created at or after this time.
	Since *time.Time

	// Limit keeps only the newest Limit entries (0 = no limit).
	Limit int
}

// Reader provides read-only access to a journal.
type Reader struct {
	db *sql.DB
}

// NewReader opens the journal at path for queries only. The connection may
// still create the WAL index when no watcher holds the journal open.
func NewReader(path string) (*Reader, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("journal not found: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=query_only(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping journal: %w", err)
	}
	return &Reader{db: db}, nil
}

// Close releases the database connection. Safe to call multiple times.
func (r *Reader) Close() error {
	if r.db != nil {
		return r.db.Close()
	}
	return nil
}

// Query returns matching entries oldest first.
func (r *Reader) Query(ctx context.Context, opts QueryOpts) ([]Entry, error) {
	query, args := buildQuery(opts)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query journal: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e       Entry
			created string
		)
		if err := rows.Scan(&e.ID, &e.RunID, &created, &e.Change, &e.DeviceID,
			&e.DeviceType, &e.DeviceName, &e.DryRun, &e.Error); err != nil {
			return nil, fmt.Errorf("scan journal entry: %w", err)
		}
		if e.Time, err = time.Parse(timeLayout, created); err != nil {
			return nil, fmt.Errorf("parse created_at: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate journal: %w", err)
	}

	// Newest-first for LIMIT, flipped back to chronological order.
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	return entries, nil
}

func buildQuery(opts QueryOpts) (string, []any) {
	var (
		conditions []string
		args       []any
	)
	if opts.RunID != "" {
		conditions = append(conditions, "run_id = ?")
		args = append(args, opts.RunID)
	}
	if opts.DeviceID >= 0 {
		conditions = append(conditions, "device_id = ?")
		args = append(args, opts.DeviceID)
	}
	if opts.Change != "" {
		conditions = append(conditions, "change = ?")
		args = append(args, opts.Change)
	}
	if opts.Since != nil {
		conditions = append(conditions, "created_at >= ?")
		args = append(args, opts.Since.UTC().Format(timeLayout))
	}

	query := `SELECT id, run_id, created_at, change, device_id, device_type, device_name, dry_run, error
		FROM invocations`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY id DESC"
	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", opts.Limit)
	}
	return query, args
}
