// Package storage records broker operational counters in SQLite.
//
// Counters are telemetry only. Nothing in a live session is ever restored
// from this database; a broker restart always starts with an empty registry.
package storage

import (
	"database/sql"
	"fmt"
	"log"
	"sort"
	"time"

	// SQLite driver - imported for side effects (registers the driver).
	// modernc.org/sqlite is pure Go, so the broker stays CGO-free.
	_ "modernc.org/sqlite"

	apperrors "github.com/pseudocoder/livesync/internal/errors"
)

// EventKind names a lifecycle event the broker counts.
type EventKind string

const (
	EventSessionCreated EventKind = "session_created"
	EventSessionEnded   EventKind = "session_ended"
	EventGuestJoined    EventKind = "guest_joined"
	EventGuestLeft      EventKind = "guest_left"
	EventGuestKicked    EventKind = "guest_kicked"
	EventRejected       EventKind = "rejected"
)

// MetricsStore defines the interface for broker counters.
type MetricsStore interface {
	RecordEvent(kind EventKind, sessionID, detail string) error
	RecordRouted(counts map[string]int64) error
	Summary(window time.Duration) (Summary, error)
	Cleanup(retention time.Duration) (deleted int64, err error)
	Close() error
}

// Summary aggregates counters over a time window.
type Summary struct {
	SessionsCreated int              `json:"sessions_created"`
	SessionsEnded   int              `json:"sessions_ended"`
	GuestsJoined    int              `json:"guests_joined"`
	GuestsLeft      int              `json:"guests_left"`
	GuestsKicked    int              `json:"guests_kicked"`
	Rejections      int              `json:"rejections"`
	MessagesRouted  int64            `json:"messages_routed"`
	RoutedByType    map[string]int64 `json:"routed_by_type,omitempty"`
}

const metricsSchema = `
CREATE TABLE IF NOT EXISTS metrics_session_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	kind TEXT NOT NULL,
	session_id TEXT NOT NULL DEFAULT '',
	detail TEXT NOT NULL DEFAULT '',
	recorded_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_session_events_recorded_at ON metrics_session_events(recorded_at);

CREATE TABLE IF NOT EXISTS metrics_routed_messages (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	message_type TEXT NOT NULL,
	count INTEGER NOT NULL,
	recorded_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_routed_recorded_at ON metrics_routed_messages(recorded_at);
`

// SQLiteMetricsStore implements MetricsStore using SQLite.
type SQLiteMetricsStore struct {
	db *sql.DB
}

// NewSQLiteMetricsStore opens a SQLite database and ensures the metrics
// tables exist. Use ":memory:" for testing.
func NewSQLiteMetricsStore(path string) (*SQLiteMetricsStore, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeStorageOpenFailed, "open metrics database", err)
	}
	// A :memory: database lives per connection; pin the pool to one.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, apperrors.Wrap(apperrors.CodeStorageOpenFailed, "ping metrics database", err)
	}

	if _, err := db.Exec(metricsSchema); err != nil {
		db.Close()
		return nil, apperrors.Wrap(apperrors.CodeStorageOpenFailed, "create metrics tables", err)
	}

	log.Printf("metrics: database ready at %s", path)
	return &SQLiteMetricsStore{db: db}, nil
}

// Close releases the database connection.
func (m *SQLiteMetricsStore) Close() error {
	return m.db.Close()
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339)
}

// RecordEvent inserts one lifecycle event.
func (m *SQLiteMetricsStore) RecordEvent(kind EventKind, sessionID, detail string) error {
	_, err := m.db.Exec(
		"INSERT INTO metrics_session_events (kind, session_id, detail, recorded_at) VALUES (?, ?, ?, ?)",
		string(kind), sessionID, detail, now(),
	)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeStorageQueryFailed, "record event", err)
	}
	return nil
}

// RecordRouted inserts one row per message type in a single transaction.
// Zero counts are skipped.
func (m *SQLiteMetricsStore) RecordRouted(counts map[string]int64) error {
	if len(counts) == 0 {
		return nil
	}

	tx, err := m.db.Begin()
	if err != nil {
		return apperrors.Wrap(apperrors.CodeStorageQueryFailed, "begin routed batch", err)
	}
	defer tx.Rollback()

	ts := now()
	// Sorted for deterministic row order.
	types := make([]string, 0, len(counts))
	for t := range counts {
		types = append(types, t)
	}
	sort.Strings(types)

	for _, t := range types {
		if counts[t] <= 0 {
			continue
		}
		if _, err := tx.Exec(
			"INSERT INTO metrics_routed_messages (message_type, count, recorded_at) VALUES (?, ?, ?)",
			t, counts[t], ts,
		); err != nil {
			return apperrors.Wrap(apperrors.CodeStorageQueryFailed, "record routed", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return apperrors.Wrap(apperrors.CodeStorageQueryFailed, "commit routed batch", err)
	}
	return nil
}

// Summary returns counters recorded within the given window.
func (m *SQLiteMetricsStore) Summary(window time.Duration) (Summary, error) {
	cutoff := time.Now().UTC().Add(-window).Format(time.RFC3339)
	s := Summary{RoutedByType: make(map[string]int64)}

	rows, err := m.db.Query(
		"SELECT kind, COUNT(*) FROM metrics_session_events WHERE recorded_at >= ? GROUP BY kind", cutoff,
	)
	if err != nil {
		return s, apperrors.Wrap(apperrors.CodeStorageQueryFailed, "query events", err)
	}
	for rows.Next() {
		var kind string
		var n int
		if err := rows.Scan(&kind, &n); err != nil {
			rows.Close()
			return s, apperrors.Wrap(apperrors.CodeStorageQueryFailed, "scan events", err)
		}
		switch EventKind(kind) {
		case EventSessionCreated:
			s.SessionsCreated = n
		case EventSessionEnded:
			s.SessionsEnded = n
		case EventGuestJoined:
			s.GuestsJoined = n
		case EventGuestLeft:
			s.GuestsLeft = n
		case EventGuestKicked:
			s.GuestsKicked = n
		case EventRejected:
			s.Rejections = n
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return s, apperrors.Wrap(apperrors.CodeStorageQueryFailed, "iterate events", err)
	}

	rows, err = m.db.Query(
		"SELECT message_type, SUM(count) FROM metrics_routed_messages WHERE recorded_at >= ? GROUP BY message_type", cutoff,
	)
	if err != nil {
		return s, apperrors.Wrap(apperrors.CodeStorageQueryFailed, "query routed", err)
	}
	defer rows.Close()
	for rows.Next() {
		var t string
		var n int64
		if err := rows.Scan(&t, &n); err != nil {
			return s, apperrors.Wrap(apperrors.CodeStorageQueryFailed, "scan routed", err)
		}
		s.RoutedByType[t] = n
		s.MessagesRouted += n
	}
	if err := rows.Err(); err != nil {
		return s, apperrors.Wrap(apperrors.CodeStorageQueryFailed, "iterate routed", err)
	}

	return s, nil
}

// Cleanup deletes rows older than the given retention duration.
// Returns the total number of rows deleted.
func (m *SQLiteMetricsStore) Cleanup(retention time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-retention).Format(time.RFC3339)
	var total int64

	tables := []string{
		"metrics_session_events",
		"metrics_routed_messages",
	}

	for _, table := range tables {
		result, err := m.db.Exec(
			fmt.Sprintf("DELETE FROM %s WHERE recorded_at < ?", table), cutoff,
		)
		if err != nil {
			return total, apperrors.Wrap(apperrors.CodeStorageQueryFailed, "cleanup "+table, err)
		}
		n, _ := result.RowsAffected()
		total += n
	}

	return total, nil
}
