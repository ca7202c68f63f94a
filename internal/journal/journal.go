// Package journal keeps a local SQLite log of every report attempt so an
// operator can see what the backend should have received.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/sweeney/shelf-lock/internal/logic"
	"github.com/sweeney/shelf-lock/internal/report"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS report_entries (
	id                TEXT PRIMARY KEY,
	shelf_id          TEXT NOT NULL,
	type              TEXT NOT NULL,
	session_id        TEXT NOT NULL DEFAULT '',
	subject_id        TEXT NOT NULL DEFAULT '',
	mode              TEXT NOT NULL DEFAULT '',
	kind              TEXT NOT NULL DEFAULT '',
	current_weight    REAL NOT NULL DEFAULT 0,
	previous_weight   REAL NOT NULL DEFAULT 0,
	delta             REAL NOT NULL DEFAULT 0,
	active_session_id TEXT NOT NULL DEFAULT '',
	occurred_at       INTEGER NOT NULL,
	outcome           TEXT NOT NULL,
	last_error        TEXT NOT NULL DEFAULT '',
	attempts          INTEGER NOT NULL DEFAULT 1,
	updated_at        INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS report_entries_occurred_at ON report_entries (occurred_at);
`

// Row is one journalled record with its latest outcome.
type Row struct {
	report.Entry
	Attempts  int
	UpdatedAt time.Time
}

// Store provides SQLite-backed report journalling.
type Store struct {
	sqlDB *sql.DB
	now   func() time.Time
}

// Open opens the journal at path and creates the schema if needed.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("journal path is required")
	}
	dsn := filepath.Clean(path) + "?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// One writer: the control loop. Readers are the web handlers.
	sqlDB.SetMaxOpenConns(1)
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := sqlDB.Exec(schema); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &Store{sqlDB: sqlDB, now: time.Now}, nil
}

// Close releases the SQLite connection.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// Append records a report attempt. Replaying a record with the same ID
// updates its outcome and bumps the attempt count.
func (s *Store) Append(ctx context.Context, e report.Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("journal is not configured")
	}
	if e.Record.ID == "" {
		return fmt.Errorf("record id is required")
	}

	ev := e.Record.Event
	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO report_entries (
	id, shelf_id, type, session_id, subject_id, mode, kind,
	current_weight, previous_weight, delta, active_session_id,
	occurred_at, outcome, last_error, attempts, updated_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?)
ON CONFLICT(id) DO UPDATE SET
	outcome = excluded.outcome,
	last_error = excluded.last_error,
	attempts = report_entries.attempts + 1,
	updated_at = excluded.updated_at
`,
		e.Record.ID,
		e.Record.ShelfID,
		string(ev.Type),
		ev.SessionID,
		ev.SubjectID,
		string(ev.Mode),
		string(ev.Kind),
		ev.CurrentWeight,
		ev.PreviousWeight,
		ev.Delta,
		ev.ActiveSessionID,
		ev.Timestamp.UTC().UnixMilli(),
		string(e.Outcome),
		e.Error,
		s.now().UTC().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("append entry: %w", err)
	}
	return nil
}

// Recent lists newest-first journal rows.
func (s *Store) Recent(ctx context.Context, limit int) ([]Row, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("journal is not configured")
	}
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be greater than zero")
	}

	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT
	id, shelf_id, type, session_id, subject_id, mode, kind,
	current_weight, previous_weight, delta, active_session_id,
	occurred_at, outcome, last_error, attempts, updated_at
FROM report_entries
ORDER BY occurred_at DESC, rowid DESC
LIMIT ?
`, limit)
	if err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}
	defer rows.Close()

	result := make([]Row, 0, limit)
	for rows.Next() {
		var (
			r                        Row
			typ, mode, kind, outcome string
			occurredAt, updatedAt    int64
		)
		if err := rows.Scan(
			&r.Record.ID,
			&r.Record.ShelfID,
			&typ,
			&r.Record.Event.SessionID,
			&r.Record.Event.SubjectID,
			&mode,
			&kind,
			&r.Record.Event.CurrentWeight,
			&r.Record.Event.PreviousWeight,
			&r.Record.Event.Delta,
			&r.Record.Event.ActiveSessionID,
			&occurredAt,
			&outcome,
			&r.Error,
			&r.Attempts,
			&updatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		r.Record.Event.Type = logic.EventType(typ)
		r.Record.Event.Mode = logic.Mode(mode)
		r.Record.Event.Kind = logic.Kind(kind)
		r.Record.Event.Timestamp = time.UnixMilli(occurredAt).UTC()
		r.Outcome = report.Outcome(outcome)
		r.UpdatedAt = time.UnixMilli(updatedAt).UTC()
		result = append(result, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate entries: %w", err)
	}
	return result, nil
}

// Counts returns the number of records per latest outcome.
func (s *Store) Counts(ctx context.Context) (map[report.Outcome]int, error) {
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("journal is not configured")
	}
	rows, err := s.sqlDB.QueryContext(ctx, `SELECT outcome, COUNT(*) FROM report_entries GROUP BY outcome`)
	if err != nil {
		return nil, fmt.Errorf("count entries: %w", err)
	}
	defer rows.Close()

	counts := make(map[report.Outcome]int)
	for rows.Next() {
		var (
			outcome string
			n       int
		)
		if err := rows.Scan(&outcome, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		counts[report.Outcome(outcome)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate counts: %w", err)
	}
	return counts, nil
}
