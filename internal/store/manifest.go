package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
)

// ManifestKey is the single config_cache row the download manager
// persists its task list under.
const ManifestKey = "harmony.download.tasks"

// Manifest is a typed JSON document store layered over the config_cache
// key/value table, used for state too small and too simple to need its
// own schema (the download task list, cached track metadata).
type Manifest struct {
	db *sql.DB
}

// NewManifest wraps an already-migrated database handle.
func NewManifest(db *sql.DB) *Manifest {
	return &Manifest{db: db}
}

// Get reads the raw JSON string stored under key. ok is false if the key
// has never been written.
func (m *Manifest) Get(key string) (value string, ok bool, err error) {
	row := m.db.QueryRow("SELECT value FROM config_cache WHERE key = ?", key)
	if err := row.Scan(&value); err != nil {
		if err == sql.ErrNoRows {
			return "", false, nil
		}
		return "", false, fmt.Errorf("store: failed to read manifest key %q: %w", key, err)
	}
	return value, true, nil
}

// Put upserts the raw JSON string for key.
func (m *Manifest) Put(key, value string) error {
	_, err := m.db.Exec(
		`INSERT INTO config_cache (key, value, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP`,
		key, value,
	)
	if err != nil {
		return fmt.Errorf("store: failed to write manifest key %q: %w", key, err)
	}
	return nil
}

// LoadJSON reads and unmarshals the document at key into out. If the key
// does not exist, out is left untouched and found is false.
func (m *Manifest) LoadJSON(key string, out interface{}) (found bool, err error) {
	raw, ok, err := m.Get(key)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return true, fmt.Errorf("store: failed to decode manifest key %q: %w", key, err)
	}
	return true, nil
}

// SaveJSON marshals v and writes it to key.
func (m *Manifest) SaveJSON(key string, v interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("store: failed to encode manifest key %q: %w", key, err)
	}
	return m.Put(key, string(raw))
}
