package status

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Store archives events and quarantine flags in SQLite. Quarantine lives
// here because it must survive process restarts: a flag that resets on every
// launch is not sticky.
type Store struct {
	db *sql.DB
}

// OpenStore opens (and migrates) the archive at path, creating parent
// directories as needed.
func OpenStore(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("store path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema := `
CREATE TABLE IF NOT EXISTS events (
	id TEXT PRIMARY KEY,
	server_id TEXT NOT NULL,
	event_type TEXT NOT NULL,
	details TEXT,
	created_at_ms INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_server_time ON events(server_id, created_at_ms);
CREATE TABLE IF NOT EXISTS quarantine (
	server_id TEXT PRIMARY KEY,
	reason TEXT,
	created_at_ms INTEGER NOT NULL
);`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to migrate store: %w", err)
	}
	return nil
}

// AppendEvent writes one event row.
func (s *Store) AppendEvent(event Event) error {
	var details []byte
	if event.Details != nil {
		var err error
		details, err = json.Marshal(event.Details)
		if err != nil {
			return fmt.Errorf("failed to encode event details: %w", err)
		}
	}
	_, err := s.db.Exec(
		`INSERT OR REPLACE INTO events (id, server_id, event_type, details, created_at_ms) VALUES (?, ?, ?, ?, ?)`,
		event.ID, event.ServerID, event.Type, string(details), event.Timestamp.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert event: %w", err)
	}
	return nil
}

// RecentEvents returns up to limit archived events for the server in
// chronological order.
func (s *Store) RecentEvents(serverID string, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(
		`SELECT id, server_id, event_type, details, created_at_ms
		 FROM events WHERE server_id = ?
		 ORDER BY created_at_ms DESC LIMIT ?`,
		serverID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			ev        Event
			details   sql.NullString
			createdMs int64
		)
		if err := rows.Scan(&ev.ID, &ev.ServerID, &ev.Type, &details, &createdMs); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		ev.Timestamp = time.UnixMilli(createdMs)
		if details.Valid && details.String != "" {
			if err := json.Unmarshal([]byte(details.String), &ev.Details); err != nil {
				ev.Details = map[string]interface{}{"raw": details.String}
			}
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Reverse into chronological order.
	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}
	return events, nil
}

// Prune deletes archived events older than the cutoff and returns the row
// count.
func (s *Store) Prune(cutoff time.Time) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM events WHERE created_at_ms < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to prune events: %w", err)
	}
	return res.RowsAffected()
}

// SetQuarantine persists the sticky flag for a server.
func (s *Store) SetQuarantine(serverID, reason string) error {
	_, err := s.db.Exec(
		`INSERT OR REPLACE INTO quarantine (server_id, reason, created_at_ms) VALUES (?, ?, ?)`,
		serverID, reason, time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to persist quarantine: %w", err)
	}
	return nil
}

// ClearQuarantine removes the persisted flag. Returns false when the server
// was not quarantined.
func (s *Store) ClearQuarantine(serverID string) (bool, error) {
	res, err := s.db.Exec(`DELETE FROM quarantine WHERE server_id = ?`, serverID)
	if err != nil {
		return false, fmt.Errorf("failed to clear quarantine: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

// QuarantinedServers returns all persisted flags as server id to reason.
func (s *Store) QuarantinedServers() (map[string]string, error) {
	rows, err := s.db.Query(`SELECT server_id, reason FROM quarantine`)
	if err != nil {
		return nil, fmt.Errorf("failed to query quarantine: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var id string
		var reason sql.NullString
		if err := rows.Scan(&id, &reason); err != nil {
			return nil, err
		}
		out[id] = reason.String
	}
	return out, rows.Err()
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
