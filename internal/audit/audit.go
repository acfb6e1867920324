// Package audit implements an append-only local record of lifecycle events
// — install, verify failure, enable/disable, config update, market sync —
// queryable by the admin surface. It is a supplemental feature: nothing in
// spec.md requires it, and nothing else depends on it being present.
package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

// EventType enumerates the kinds of events recorded.
type EventType string

const (
	EventInstall       EventType = "install"
	EventVerifyFailed  EventType = "verify_failed"
	EventEnable        EventType = "enable"
	EventDisable       EventType = "disable"
	EventConfigUpdate  EventType = "config_update"
	EventMarketSync    EventType = "market_sync"
	EventUninstall     EventType = "uninstall"
)

// Event is one row of the audit log.
type Event struct {
	ID        int64     `db:"id"`
	Type      EventType `db:"event_type"`
	PluginID  string    `db:"plugin_id"`
	Detail    string    `db:"detail"`
	CreatedAt time.Time `db:"created_at"`
}

const schema = `
CREATE TABLE IF NOT EXISTS audit_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	event_type TEXT NOT NULL,
	plugin_id TEXT NOT NULL DEFAULT '',
	detail TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_events_plugin_id ON audit_events(plugin_id);
CREATE INDEX IF NOT EXISTS idx_audit_events_created_at ON audit_events(created_at);
`

// Log is an append-only sqlite-backed audit log. A single embedded
// database is enough for a single-host bot; no networked RDBMS driver is
// wired (see DESIGN.md).
type Log struct {
	db *sqlx.DB
}

// Open opens (creating if needed) the sqlite database at path and ensures
// its schema exists.
func Open(path string) (*Log, error) {
	db, err := sqlx.Connect("sqlite3", path+"?_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("audit: opening database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("audit: creating schema: %w", err)
	}
	return &Log{db: db}, nil
}

// Close closes the underlying database handle.
func (l *Log) Close() error {
	return l.db.Close()
}

// Record appends one event. It returns an error if the insert fails;
// internal/adminapi's recordAudit discards that error, so a
// dropped audit row does not fail the lifecycle operation it describes.
func (l *Log) Record(ctx context.Context, eventType EventType, pluginID, detail string) error {
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO audit_events (event_type, plugin_id, detail, created_at) VALUES (?, ?, ?, ?)`,
		eventType, pluginID, detail, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("audit: recording event: %w", err)
	}
	return nil
}

// Recent returns the most recent limit events, newest first, optionally
// filtered to one plugin (pluginID == "" means all plugins).
func (l *Log) Recent(ctx context.Context, pluginID string, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}
	var events []Event
	var err error
	if pluginID == "" {
		err = l.db.SelectContext(ctx, &events,
			`SELECT id, event_type, plugin_id, detail, created_at FROM audit_events ORDER BY id DESC LIMIT ?`,
			limit)
	} else {
		err = l.db.SelectContext(ctx, &events,
			`SELECT id, event_type, plugin_id, detail, created_at FROM audit_events WHERE plugin_id = ? ORDER BY id DESC LIMIT ?`,
			pluginID, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("audit: querying events: %w", err)
	}
	return events, nil
}
