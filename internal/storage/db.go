// Package storage keeps the command journal in SQLite.
package storage

import (
	"database/sql"
	"fmt"
	"sync"

	_ "modernc.org/sqlite"

	"github.com/petervdpas/ledlink/internal/util"
)

const schemaVersion = "1"

// DB wraps the journal database.
type DB struct {
	db   *sql.DB
	path string
	mu   sync.RWMutex
}

// Open opens or creates the database at path. ":memory:" is accepted for
// tests.
func Open(path string) (*DB, error) {
	if path != ":memory:" {
		if err := util.EnsureParent(path); err != nil {
			return nil, fmt.Errorf("create journal dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// A single connection keeps ":memory:" databases coherent and
	// serialises writers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure database: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS _meta (
			key   TEXT PRIMARY KEY,
			value TEXT
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create meta table: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS journal (
			id       INTEGER PRIMARY KEY AUTOINCREMENT,
			at       INTEGER NOT NULL,
			conn_id  TEXT    NOT NULL DEFAULT '',
			kind     TEXT    NOT NULL,
			player   INTEGER NOT NULL DEFAULT 0,
			payload  TEXT    NOT NULL DEFAULT '',
			detail   TEXT    NOT NULL DEFAULT ''
		);
		CREATE INDEX IF NOT EXISTS journal_kind ON journal(kind);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create journal table: %w", err)
	}

	if _, err := db.Exec(
		`INSERT INTO _meta (key, value) VALUES ('schema_version', ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`, schemaVersion,
	); err != nil {
		db.Close()
		return nil, fmt.Errorf("record schema version: %w", err)
	}

	return &DB{db: db, path: path}, nil
}

// Close closes the database
func (d *DB) Close() error {
	return d.db.Close()
}

// Path returns the database file path
func (d *DB) Path() string {
	return d.path
}
