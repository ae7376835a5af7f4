// Package history is the optional on-disk log of observed events. When
// an observer runs with a history database, each file access and each
// blocked access lands as one row, queryable after the session ends.
// Recording is best-effort: events the Recorder cannot queue are dropped.
package history

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ehrlich-b/sightline/internal/wire"
)

type Store struct {
	db *sql.DB
}

// Open creates or opens the database and ensures the schema.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS access_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		agent_id TEXT NOT NULL,
		session_id TEXT NOT NULL,
		path TEXT NOT NULL,
		action TEXT NOT NULL,
		turn INTEGER NOT NULL DEFAULT 0,
		blocked INTEGER NOT NULL DEFAULT 0,
		timestamp_ms INTEGER NOT NULL
	)`)
	if err != nil {
		return fmt.Errorf("create access_log: %w", err)
	}
	_, err = s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_access_log_session
		ON access_log (session_id, timestamp_ms)`)
	if err != nil {
		return fmt.Errorf("index access_log: %w", err)
	}
	return nil
}

// Entry is one logged access.
type Entry struct {
	ID          int64
	AgentID     string
	SessionID   string
	Path        string
	Action      wire.Action
	Turn        int
	Blocked     bool
	TimestampMs int64
}

// RecordAccess appends a file-access row.
func (s *Store) RecordAccess(agentID, sessionID, path string, action wire.Action, turn int, timestampMs int64) error {
	if timestampMs == 0 {
		timestampMs = time.Now().UnixMilli()
	}
	_, err := s.db.Exec(
		"INSERT INTO access_log (agent_id, session_id, path, action, turn, blocked, timestamp_ms) VALUES (?, ?, ?, ?, ?, 0, ?)",
		agentID, sessionID, path, string(action), turn, timestampMs)
	if err != nil {
		return fmt.Errorf("record access: %w", err)
	}
	return nil
}

// RecordBlocked appends a blocked-access row.
func (s *Store) RecordBlocked(b wire.BlockedAccess) error {
	_, err := s.db.Exec(
		"INSERT INTO access_log (agent_id, session_id, path, action, turn, blocked, timestamp_ms) VALUES (?, ?, ?, ?, 0, 1, ?)",
		b.AgentID, b.SessionID, b.Path, b.Action, b.TimestampMs)
	if err != nil {
		return fmt.Errorf("record blocked: %w", err)
	}
	return nil
}

// ListBySession returns a session's rows, oldest first.
func (s *Store) ListBySession(sessionID string, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.db.Query(`SELECT id, agent_id, session_id, path, action, turn, blocked, timestamp_ms
		FROM access_log WHERE session_id = ? ORDER BY timestamp_ms, id LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("list by session: %w", err)
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		e := &Entry{}
		var action string
		var blocked int
		if err := rows.Scan(&e.ID, &e.AgentID, &e.SessionID, &e.Path, &action, &e.Turn, &blocked, &e.TimestampMs); err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		e.Action = wire.Action(action)
		e.Blocked = blocked != 0
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
