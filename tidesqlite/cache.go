// Copyright 2026 Tidewell
// SPDX-License-Identifier: Apache-2.0

package tidesqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
)

// Well-known cache namespaces. The sync queue and engine metadata live in
// reserved namespaces so they survive restarts alongside business data.
const (
	NamespaceScales    = "scales"
	NamespaceResults   = "results"
	NamespaceProfile   = "profile"
	NamespaceChats     = "chats"
	NamespaceFeedback  = "feedback"
	NamespaceSyncQueue = "sync_queue" // reserved: serialized queue items
	NamespaceMeta      = "_meta"      // reserved: install ID, queue counter
)

// CacheEntry is one namespaced key/value pair.
type CacheEntry struct {
	Namespace string
	Key       string
	Value     []byte
	UpdatedAt time.Time
}

// CacheStore is durable local key/value storage partitioned by namespace,
// backed by SQLite. Writes are serialized by a mutex so each Set is atomic
// with respect to concurrent reads of the same key.
type CacheStore struct {
	db      *sql.DB
	logger  *slog.Logger
	writeMu sync.Mutex
}

// OpenCacheStore opens (or creates) the backing database at path and
// bootstraps the cache table. Use ":memory:" for tests.
func OpenCacheStore(path string, logger *slog.Logger) (*CacheStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open cache database: %w", err)
	}
	store, err := NewCacheStore(db, logger)
	if err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// NewCacheStore wraps an existing database handle and bootstraps the cache
// table. The caller keeps ownership of db unless the store was opened via
// OpenCacheStore.
func NewCacheStore(db *sql.DB, logger *slog.Logger) (*CacheStore, error) {
	if logger == nil {
		logger = slog.Default()
	}

	// WAL keeps readers unblocked during the write path.
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=5000`); err != nil {
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys=ON`); err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS cache_entries (
			namespace  TEXT NOT NULL,
			key        TEXT NOT NULL,
			value      BLOB NOT NULL,
			updated_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now')),
			PRIMARY KEY (namespace, key)
		)
	`); err != nil {
		return nil, fmt.Errorf("failed to create cache table: %w", classifyStorageErr(err))
	}

	return &CacheStore{db: db, logger: logger}, nil
}

// Close flushes pending writes and closes the backing store.
func (c *CacheStore) Close() error {
	if c.db == nil {
		return nil
	}
	return c.db.Close()
}

// Get returns the value stored under (namespace, key). The second return
// value is false when the key is absent.
func (c *CacheStore) Get(ctx context.Context, namespace, key string) ([]byte, bool, error) {
	var value []byte
	err := c.db.QueryRowContext(ctx, `
		SELECT value FROM cache_entries WHERE namespace = ? AND key = ?
	`, namespace, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read cache entry: %w", classifyStorageErr(err))
	}
	return value, true, nil
}

// Set atomically writes value under (namespace, key). A failed write leaves
// the previous value intact.
func (c *CacheStore) Set(ctx context.Context, namespace, key string, value []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_, err := c.db.ExecContext(ctx, `
		INSERT INTO cache_entries (namespace, key, value, updated_at)
		VALUES (?, ?, ?, strftime('%Y-%m-%dT%H:%M:%fZ','now'))
		ON CONFLICT (namespace, key) DO UPDATE
		SET value = excluded.value, updated_at = excluded.updated_at
	`, namespace, key, value)
	if err != nil {
		return fmt.Errorf("failed to write cache entry: %w", classifyStorageErr(err))
	}
	return nil
}

// SetMany writes several entries of one namespace in a single transaction.
func (c *CacheStore) SetMany(ctx context.Context, namespace string, entries map[string][]byte) error {
	if len(entries) == 0 {
		return nil
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin cache transaction: %w", classifyStorageErr(err))
	}
	defer tx.Rollback()

	for key, value := range entries {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO cache_entries (namespace, key, value, updated_at)
			VALUES (?, ?, ?, strftime('%Y-%m-%dT%H:%M:%fZ','now'))
			ON CONFLICT (namespace, key) DO UPDATE
			SET value = excluded.value, updated_at = excluded.updated_at
		`, namespace, key, value); err != nil {
			return fmt.Errorf("failed to write cache entry %s/%s: %w", namespace, key, classifyStorageErr(err))
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit cache transaction: %w", classifyStorageErr(err))
	}
	return nil
}

// Delete removes (namespace, key). Deleting an absent key is not an error.
func (c *CacheStore) Delete(ctx context.Context, namespace, key string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_, err := c.db.ExecContext(ctx, `
		DELETE FROM cache_entries WHERE namespace = ? AND key = ?
	`, namespace, key)
	if err != nil {
		return fmt.Errorf("failed to delete cache entry: %w", classifyStorageErr(err))
	}
	return nil
}

// ListNamespace returns every entry of a namespace ordered by key.
func (c *CacheStore) ListNamespace(ctx context.Context, namespace string) ([]CacheEntry, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT namespace, key, value, updated_at FROM cache_entries
		WHERE namespace = ?
		ORDER BY key
	`, namespace)
	if err != nil {
		return nil, fmt.Errorf("failed to list namespace: %w", classifyStorageErr(err))
	}
	defer rows.Close()

	var entries []CacheEntry
	for rows.Next() {
		var entry CacheEntry
		var updatedAt string
		if err := rows.Scan(&entry.Namespace, &entry.Key, &entry.Value, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan cache entry: %w", err)
		}
		if ts, err := time.Parse(time.RFC3339Nano, updatedAt); err == nil {
			entry.UpdatedAt = ts
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating namespace: %w", classifyStorageErr(err))
	}
	return entries, nil
}

// classifyStorageErr maps driver errors onto the fatal storage taxonomy so
// callers can distinguish "disk full" and "database damaged" from transient
// faults.
func classifyStorageErr(err error) error {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return err
	}
	switch sqliteErr.Code {
	case sqlite3.ErrFull, sqlite3.ErrIoErr:
		return fmt.Errorf("%w: %v", ErrStorageFull, err)
	case sqlite3.ErrCorrupt, sqlite3.ErrNotADB:
		return fmt.Errorf("%w: %v", ErrStorageCorrupt, err)
	default:
		return err
	}
}
