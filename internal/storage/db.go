// Package storage owns the embedded relational store shared by the Queue
// Store and Session Registry: connection setup, pragmas, and the
// schema_version-gated migration runner. Modeled on the reference fleet
// monitor's memory package, ported from the cgo mattn/go-sqlite3 driver to
// the pure-Go modernc.org/sqlite driver so the assignment core ships
// without a cgo toolchain dependency.
package storage

import (
	"database/sql"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

//go:embed migrations/001_baseline.sql
var migration001 string

// DB wraps the shared *sql.DB handle plus the WithTx transaction helper.
type DB struct {
	Conn *sql.DB
	path string
}

// Open creates the database file's parent directory if needed, opens it in
// WAL mode with a busy timeout and foreign keys enabled, tunes the
// connection pool, and runs migrations.
func Open(path string) (*DB, error) {
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("failed to create store directory: %w", err)
			}
		}
	}

	conn, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(on)")
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)

	db := &DB{Conn: conn, path: path}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to migrate store: %w", err)
	}
	return db, nil
}

func (db *DB) migrate() error {
	if _, err := db.Conn.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}

	var version int
	err := db.Conn.QueryRow("SELECT version FROM schema_version ORDER BY version DESC LIMIT 1").Scan(&version)
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("failed to check schema version: %w", err)
	}

	if version < 1 {
		if _, err := db.Conn.Exec(migration001); err != nil {
			return fmt.Errorf("failed to run migration 001: %w", err)
		}
	}

	return nil
}

// Close closes the underlying connection.
func (db *DB) Close() error {
	if db.Conn != nil {
		return db.Conn.Close()
	}
	return nil
}

// WithTx runs fn inside a transaction, committing on success and rolling
// back on any error fn returns. The Queue Store uses it for enqueue (item
// plus queued event) and for event appends; status updates in the Queue
// Store and Session Registry are single UPDATE statements on Conn.
func (db *DB) WithTx(fn func(*sql.Tx) error) error {
	tx, err := db.Conn.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// NullString converts an empty string to a SQL NULL, the reference's
// idiom for optional text columns.
func NullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
