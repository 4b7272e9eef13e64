package audit

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

// Log is an append-only audit trail backed by SQLite. Appends are
// best-effort: a failed insert is logged, never fatal to the caller.
type Log struct {
	db *sql.DB
	mu sync.Mutex
}

func Open(dbPath string) (*Log, error) {
	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("audit log: open db: %w", err)
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("audit log: migrate: %w", err)
	}

	return &Log{db: db}, nil
}

func migrate(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS audit_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp DATETIME NOT NULL,
			kind TEXT NOT NULL,
			provider TEXT NOT NULL,
			session_id TEXT,
			outcome TEXT NOT NULL,
			detail TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_events_kind_time ON audit_events(kind, timestamp)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Append records one event. Timestamp is filled in if the caller left it zero.
func (l *Log) Append(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	_, err := l.db.Exec(
		"INSERT INTO audit_events (timestamp, kind, provider, session_id, outcome, detail) VALUES (?, ?, ?, ?, ?, ?)",
		event.Timestamp.Format(time.RFC3339Nano),
		string(event.Kind),
		event.Provider,
		event.SessionID,
		event.Outcome,
		event.Detail,
	)
	if err != nil {
		log.Warn().
			Err(err).
			Str("kind", string(event.Kind)).
			Str("provider", event.Provider).
			Msg("audit append failed")
	}
}

// Recent returns up to limit events, newest first.
func (l *Log) Recent(limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 50
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	rows, err := l.db.Query(
		"SELECT id, timestamp, kind, provider, session_id, outcome, detail FROM audit_events ORDER BY id DESC LIMIT ?",
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("audit log: query: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			event     Event
			timestamp string
			kind      string
		)
		if err := rows.Scan(&event.ID, &timestamp, &kind, &event.Provider, &event.SessionID, &event.Outcome, &event.Detail); err != nil {
			return nil, fmt.Errorf("audit log: scan: %w", err)
		}
		event.Kind = Kind(kind)
		if parsed, parseErr := time.Parse(time.RFC3339Nano, timestamp); parseErr == nil {
			event.Timestamp = parsed
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

func (l *Log) Close() error {
	return l.db.Close()
}
