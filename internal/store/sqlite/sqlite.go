package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/dermalink/consult-agent/internal/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS calls (
	id         TEXT PRIMARY KEY,
	chat_id    TEXT NOT NULL,
	peer_id    TEXT NOT NULL,
	kind       TEXT NOT NULL,
	direction  TEXT NOT NULL,
	started_at TIMESTAMP NOT NULL,
	ended_at   TIMESTAMP,
	end_reason TEXT
);
CREATE INDEX IF NOT EXISTS idx_calls_started_at ON calls(started_at);
`

// SQLiteStore implements store.Store for SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// New creates a new SQLite store and ensures the schema exists.
// dbPath is the path to the SQLite database file.
func New(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// SQLite works best with a single connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// RecordCallStart inserts a new call history record.
func (s *SQLiteStore) RecordCallStart(ctx context.Context, rec store.CallRecord) error {
	query := `
		INSERT INTO calls (id, chat_id, peer_id, kind, direction, started_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		rec.ID, rec.ChatID, rec.PeerID, rec.Kind, rec.Direction, rec.StartedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert call: %w", err)
	}
	return nil
}

// RecordCallEnd finalizes a call record. Unknown ids are a no-op.
func (s *SQLiteStore) RecordCallEnd(ctx context.Context, id string, endedAt time.Time, reason string) error {
	query := `
		UPDATE calls SET ended_at = ?, end_reason = ?
		WHERE id = ? AND ended_at IS NULL
	`
	if _, err := s.db.ExecContext(ctx, query, endedAt.UTC(), reason, id); err != nil {
		return fmt.Errorf("finalize call: %w", err)
	}
	return nil
}

// ListCalls returns up to limit records, newest first.
func (s *SQLiteStore) ListCalls(ctx context.Context, limit int) ([]store.CallRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT id, chat_id, peer_id, kind, direction, started_at, ended_at, end_reason
		FROM calls
		ORDER BY started_at DESC
		LIMIT ?
	`
	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("query calls: %w", err)
	}
	defer rows.Close()

	var out []store.CallRecord
	for rows.Next() {
		var rec store.CallRecord
		var endedAt sql.NullTime
		var reason sql.NullString
		if err := rows.Scan(&rec.ID, &rec.ChatID, &rec.PeerID, &rec.Kind, &rec.Direction,
			&rec.StartedAt, &endedAt, &reason); err != nil {
			return nil, fmt.Errorf("scan call: %w", err)
		}
		if endedAt.Valid {
			t := endedAt.Time
			rec.EndedAt = &t
		}
		if reason.Valid {
			r := reason.String
			rec.EndReason = &r
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate calls: %w", err)
	}
	return out, nil
}
