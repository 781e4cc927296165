package audit

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteSink archives audit entries durably. The table is append-only;
// nothing in the gateway updates or deletes rows.
type SQLiteSink struct {
	db *sql.DB
}

// NewSQLiteSink opens (or creates) the archive at path and runs the
// migration.
func NewSQLiteSink(path string) (*SQLiteSink, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("audit: open sqlite archive: %w", err)
	}
	s := &SQLiteSink{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLiteSinkDB wraps an existing handle (used by tests with
// in-memory databases).
func NewSQLiteSinkDB(db *sql.DB) (*SQLiteSink, error) {
	s := &SQLiteSink{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteSink) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS audit_entries (
		id TEXT PRIMARY KEY,
		sequence INTEGER NOT NULL,
		timestamp DATETIME NOT NULL,
		type TEXT NOT NULL,
		session_id TEXT,
		actor TEXT NOT NULL,
		action TEXT NOT NULL,
		call_id TEXT,
		payload JSON,
		previous_hash TEXT NOT NULL,
		hash TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_audit_call ON audit_entries(call_id);`
	_, err := s.db.ExecContext(context.Background(), query)
	if err != nil {
		return fmt.Errorf("audit: migrate sqlite archive: %w", err)
	}
	return nil
}

func (s *SQLiteSink) Write(ctx context.Context, e *Entry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_entries
			(id, sequence, timestamp, type, session_id, actor, action, call_id, payload, previous_hash, hash)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Sequence, e.Timestamp.Format(time.RFC3339Nano), string(e.Type),
		e.SessionID, e.Actor, e.Action, e.CallID, string(e.Payload),
		e.PreviousHash, e.Hash,
	)
	if err != nil {
		return fmt.Errorf("audit: archive insert: %w", err)
	}
	return nil
}

// ByCall returns archived entries for one call in sequence order.
func (s *SQLiteSink) ByCall(ctx context.Context, callID string) ([]*Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, sequence, timestamp, type, session_id, actor, action, call_id, payload, previous_hash, hash
		FROM audit_entries WHERE call_id = ? ORDER BY sequence`, callID)
	if err != nil {
		return nil, fmt.Errorf("audit: archive query: %w", err)
	}
	defer rows.Close()

	var out []*Entry
	for rows.Next() {
		var e Entry
		var ts, typ, payload string
		if err := rows.Scan(&e.ID, &e.Sequence, &ts, &typ, &e.SessionID,
			&e.Actor, &e.Action, &e.CallID, &payload, &e.PreviousHash, &e.Hash); err != nil {
			return nil, err
		}
		e.Type = EventType(typ)
		if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			e.Timestamp = t
		}
		if payload != "" {
			e.Payload = []byte(payload)
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

// Close closes the underlying handle.
func (s *SQLiteSink) Close() error {
	return s.db.Close()
}
