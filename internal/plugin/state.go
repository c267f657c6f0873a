package plugin

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// StateStore persists per-plugin desired activation state across host
// restarts using SQLite.
type StateStore struct {
	db *sql.DB
}

// NewStateStore opens (or creates) a SQLite database at dbPath and runs
// the schema migration.
func NewStateStore(dbPath string) (*StateStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open plugin state db: %w", err)
	}
	// WAL mode for better concurrent reads.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if err := migrateState(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate plugin state db: %w", err)
	}
	return &StateStore{db: db}, nil
}

func migrateState(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS plugin_state (
			plugin_id  TEXT PRIMARY KEY,
			enabled    INTEGER NOT NULL DEFAULT 1,
			updated_at TEXT NOT NULL
		)
	`)
	return err
}

// Close closes the underlying database connection.
func (s *StateStore) Close() error {
	return s.db.Close()
}

// SetDesired records whether the plugin should be active on the next
// host start.
func (s *StateStore) SetDesired(pluginID string, enabled bool) error {
	val := 0
	if enabled {
		val = 1
	}
	_, err := s.db.Exec(
		`INSERT INTO plugin_state (plugin_id, enabled, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(plugin_id) DO UPDATE SET enabled = excluded.enabled, updated_at = excluded.updated_at`,
		pluginID, val, time.Now().UTC().Format(time.RFC3339Nano),
	)
	return err
}

// Desired reports the recorded state for a plugin. Plugins without a
// record default to enabled.
func (s *StateStore) Desired(pluginID string) (bool, error) {
	var val int
	err := s.db.QueryRow(
		"SELECT enabled FROM plugin_state WHERE plugin_id = ?", pluginID,
	).Scan(&val)
	if err == sql.ErrNoRows {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return val == 1, nil
}

// All returns the recorded state for every known plugin.
func (s *StateStore) All() (map[string]bool, error) {
	rows, err := s.db.Query("SELECT plugin_id, enabled FROM plugin_state")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]bool)
	for rows.Next() {
		var id string
		var val int
		if err := rows.Scan(&id, &val); err != nil {
			return nil, err
		}
		out[id] = val == 1
	}
	return out, rows.Err()
}

// Forget removes the record for a plugin, typically after uninstall.
func (s *StateStore) Forget(pluginID string) error {
	_, err := s.db.Exec("DELETE FROM plugin_state WHERE plugin_id = ?", pluginID)
	return err
}
