// Package store provides the durable local key-value store backing the
// sync core. Values are JSON-serialized documents; each mutation writes
// exactly one key, so there is no cross-key atomicity to lose.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"github.com/doselog/doselog/internal/errors"
)

// Well-known storage keys.
const (
	KeyData       = "doselog_data"
	KeyQueue      = "sync_queue"
	KeyTombstones = "pending_deletions"
)

// Store wraps a single-writer SQLite database holding one kv table.
type Store struct {
	db    *sql.DB
	quota int64 // max total value bytes; 0 means unlimited
}

// Open opens the local store in dataDir with:
// - WAL mode for concurrent reads
// - a single writer connection
// - an optional byte quota over the sum of stored values
func Open(dataDir string, quota int64) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, errors.Wrap(errors.ErrStorage, "failed to create data directory", err)
	}

	dbPath := filepath.Join(dataDir, "doselog.db")

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, errors.Wrap(errors.ErrStorage, "failed to open database", err)
	}

	// SQLite doesn't support multiple writers
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		db.Close()
		return nil, errors.Wrap(errors.ErrStorage, "failed to enable WAL mode", err)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS kv (
		key TEXT PRIMARY KEY,
		value BLOB NOT NULL,
		updated_at INTEGER NOT NULL
	);`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, errors.Wrap(errors.ErrStorage, "failed to create schema", err)
	}

	return &Store{db: db, quota: quota}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Get returns the value stored at key, or nil if the key is absent.
func (s *Store) Get(key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRow("SELECT value FROM kv WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(errors.ErrStorage, fmt.Sprintf("failed to read key %q", key), err)
	}
	return value, nil
}

// Set durably writes value at key. A write that would push the total stored
// size past the quota fails with STORAGE_QUOTA_EXCEEDED; callers recover by
// pruning and retrying once.
func (s *Store) Set(key string, value []byte) error {
	if s.quota > 0 {
		var others int64
		err := s.db.QueryRow(
			"SELECT COALESCE(SUM(LENGTH(value)), 0) FROM kv WHERE key != ?", key).Scan(&others)
		if err != nil {
			return errors.Wrap(errors.ErrStorage, "failed to compute storage usage", err)
		}
		if others+int64(len(value)) > s.quota {
			return errors.Newf(errors.ErrStorageQuota,
				"writing %d bytes to %q would exceed quota of %d bytes", len(value), key, s.quota)
		}
	}

	_, err := s.db.Exec(`
		INSERT INTO kv (key, value, updated_at) VALUES (?, ?, UNIXEPOCH() * 1000)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value)
	if err != nil {
		return errors.Wrap(errors.ErrStorage, fmt.Sprintf("failed to write key %q", key), err)
	}
	return nil
}

// Remove deletes the key. Removing an absent key is a no-op.
func (s *Store) Remove(key string) error {
	if _, err := s.db.Exec("DELETE FROM kv WHERE key = ?", key); err != nil {
		return errors.Wrap(errors.ErrStorage, fmt.Sprintf("failed to remove key %q", key), err)
	}
	return nil
}

// Keys enumerates stored keys with the given prefix, sorted.
func (s *Store) Keys(prefix string) ([]string, error) {
	rows, err := s.db.Query(
		"SELECT key FROM kv WHERE key LIKE ? || '%' ORDER BY key", prefix)
	if err != nil {
		return nil, errors.Wrap(errors.ErrStorage, "failed to enumerate keys", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, errors.Wrap(errors.ErrStorage, "failed to scan key", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// UsedBytes returns the total size of stored values.
func (s *Store) UsedBytes() (int64, error) {
	var used int64
	err := s.db.QueryRow("SELECT COALESCE(SUM(LENGTH(value)), 0) FROM kv").Scan(&used)
	if err != nil {
		return 0, errors.Wrap(errors.ErrStorage, "failed to compute storage usage", err)
	}
	return used, nil
}
