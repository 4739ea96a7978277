// Package opstate persists small pieces of operational state across
// restarts. serve uses it to keep the printer's last-known telemetry,
// so the status API and the Home Assistant bridge have values to offer
// before the printer reports again.
package opstate

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const deviceNamespace = "device"

// Store is a namespaced key-value store backed by SQLite. All public
// methods are safe for concurrent use.
type Store struct {
	db *sql.DB
}

// NewStore opens the store at dbPath, creating the schema on first use.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS operational_state (
		namespace  TEXT NOT NULL,
		key        TEXT NOT NULL,
		value      TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (namespace, key)
	);
	`)
	return err
}

// Get returns the value and its write time for namespace/key. A missing
// key yields an empty string, the zero time, and a nil error.
func (s *Store) Get(namespace, key string) (string, time.Time, error) {
	var value, stamp string
	err := s.db.QueryRow(
		`SELECT value, updated_at FROM operational_state WHERE namespace = ? AND key = ?`,
		namespace, key,
	).Scan(&value, &stamp)
	if errors.Is(err, sql.ErrNoRows) {
		return "", time.Time{}, nil
	}
	if err != nil {
		return "", time.Time{}, fmt.Errorf("get %s/%s: %w", namespace, key, err)
	}

	at, err := time.Parse(time.RFC3339Nano, stamp)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("get %s/%s: bad timestamp %q: %w", namespace, key, stamp, err)
	}
	return value, at, nil
}

// Set upserts namespace/key with value, stamped with at.
func (s *Store) Set(namespace, key, value string, at time.Time) error {
	_, err := s.db.Exec(
		`INSERT INTO operational_state (namespace, key, value, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (namespace, key) DO UPDATE
		 SET value = excluded.value, updated_at = excluded.updated_at`,
		namespace, key, value, at.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("set %s/%s: %w", namespace, key, err)
	}
	return nil
}

// Delete removes namespace/key. Deleting a missing key is not an error.
func (s *Store) Delete(namespace, key string) error {
	if _, err := s.db.Exec(
		`DELETE FROM operational_state WHERE namespace = ? AND key = ?`,
		namespace, key,
	); err != nil {
		return fmt.Errorf("delete %s/%s: %w", namespace, key, err)
	}
	return nil
}

// SaveDevice stores a printer's telemetry snapshot under its serial.
func (s *Store) SaveDevice(serial string, fields map[string]any, updatedAt time.Time) error {
	data, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("encode device %s: %w", serial, err)
	}
	return s.Set(deviceNamespace, serial, string(data), updatedAt)
}

// LoadDevice returns the last snapshot saved for serial, or a nil map if
// none exists.
func (s *Store) LoadDevice(serial string) (map[string]any, time.Time, error) {
	raw, at, err := s.Get(deviceNamespace, serial)
	if err != nil || raw == "" {
		return nil, time.Time{}, err
	}

	var fields map[string]any
	if err := json.Unmarshal([]byte(raw), &fields); err != nil {
		return nil, time.Time{}, fmt.Errorf("decode device %s: %w", serial, err)
	}
	return fields, at, nil
}
