// Package audit journals list-affecting events to SQLite so operators
// can answer "what happened to this subscriber" after the fact.
package audit

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Event types recorded in the journal.
const (
	EventSubscribe   = "subscribe"
	EventUnsubscribe = "unsubscribe"
	EventHold        = "hold"
	EventApprove     = "approve"
	EventReject      = "reject"
	EventDiscard     = "discard"
	EventBounce      = "bounce"
	EventDisable     = "disable"
	EventReEnable    = "re_enable"
	EventRemove      = "remove"
	EventShunt       = "shunt"
	EventUnshunt     = "unshunt"
	EventListCreated = "list_created"
)

// Journal is the append-only event log. A nil Journal discards events,
// so callers never need to guard on audit being enabled.
type Journal struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	at DATETIME NOT NULL,
	event TEXT NOT NULL,
	list TEXT NOT NULL,
	subject TEXT NOT NULL,
	detail TEXT
);
CREATE INDEX IF NOT EXISTS idx_events_list_at ON events(list, at);
CREATE INDEX IF NOT EXISTS idx_events_subject ON events(subject);
`

// Open creates or opens the journal database.
func Open(path string) (*Journal, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open audit journal: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init audit journal: %w", err)
	}
	return &Journal{db: db}, nil
}

// Record appends one event. Subject is the address or filebase the event
// concerns. Errors are returned but safe for callers to log and ignore:
// the journal is advisory, never authoritative.
func (j *Journal) Record(event, list, subject, detail string) error {
	if j == nil {
		return nil
	}
	_, err := j.db.Exec(
		"INSERT INTO events (at, event, list, subject, detail) VALUES (?, ?, ?, ?, ?)",
		time.Now().UTC(), event, list, subject, detail,
	)
	if err != nil {
		return fmt.Errorf("record audit event: %w", err)
	}
	return nil
}

// Recent returns up to limit most recent events for a list, newest
// first.
func (j *Journal) Recent(list string, limit int) ([]Entry, error) {
	if j == nil {
		return nil, nil
	}
	rows, err := j.db.Query(
		"SELECT at, event, list, subject, detail FROM events WHERE list = ? ORDER BY at DESC, id DESC LIMIT ?",
		list, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.At, &e.Event, &e.List, &e.Subject, &e.Detail); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Entry is one journal row.
type Entry struct {
	At      time.Time
	Event   string
	List    string
	Subject string
	Detail  string
}

// Close closes the underlying database.
func (j *Journal) Close() error {
	if j == nil {
		return nil
	}
	return j.db.Close()
}
