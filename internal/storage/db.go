// Package storage is the embedded relational store behind every job:
// append-only snapshots, idempotent daily result tables keyed by
// (trade_date, code, config_hash), and the single-row-per-key system
// state channel read by external observers.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite" // pure Go SQLite driver
)

// DB wraps the sqlite connection. Jobs write one at a time; the dashboard
// reads concurrently, which WAL journaling plus busy_timeout makes safe.
type DB struct {
	conn *sql.DB
	path string
}

// Open opens (creating if needed) the store with WAL journaling and a
// bounded busy wait, so a reader never blocks a job indefinitely.
func Open(path string) (*DB, error) {
	if !strings.HasPrefix(path, "file:") {
		abs, err := filepath.Abs(path)
		if err != nil {
			return nil, fmt.Errorf("resolve db path: %w", err)
		}
		if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
		path = abs
	}

	connStr := path +
		"?_pragma=journal_mode(WAL)" +
		"&_pragma=synchronous(NORMAL)" +
		"&_pragma=busy_timeout(5000)" +
		"&_pragma=foreign_keys(1)" +
		"&_pragma=temp_store(MEMORY)"

	conn, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// One writer at a time is the scheduling model; a small pool covers
	// concurrent readers.
	conn.SetMaxOpenConns(8)
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxIdleTime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	db := &DB{conn: conn, path: path}
	if err := db.EnsureSchema(); err != nil {
		return nil, err
	}
	return db, nil
}

func (db *DB) Close() error { return db.conn.Close() }

// Conn exposes the raw connection for read-only observers.
func (db *DB) Conn() *sql.DB { return db.conn }
