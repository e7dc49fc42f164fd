// Package store manages the SQLite database (WAL mode) holding known
// cartridges, the ports they were found on, and the launch log.
package store

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// DB wraps *sql.DB with domain helpers.
type DB struct {
	*sql.DB
}

// Open opens (or creates) the SQLite file at path with WAL journal mode.
func Open(path string) (*DB, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000", path)
	raw, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	if err := raw.Ping(); err != nil {
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	// One writer; WAL still lets readers proceed.
	raw.SetMaxOpenConns(1)
	return &DB{raw}, nil
}

// Migrate applies the schema. It is idempotent.
func Migrate(db *DB) error {
	ddl := []string{
		ddlCarts,
		ddlPorts,
		ddlLaunches,
	}
	for _, stmt := range ddl {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("store: migrate: %w", err)
		}
	}
	return nil
}

// ── DDL statements ────────────────────────────────────────────────────────

const ddlCarts = `
CREATE TABLE IF NOT EXISTS carts (
    device_id     TEXT    PRIMARY KEY,     -- id stored in /cart-tag.txt
    name          TEXT    NOT NULL DEFAULT '',
    port          TEXT    NOT NULL DEFAULT '',
    fw_version    TEXT    NOT NULL DEFAULT '',
    minimal       INTEGER NOT NULL DEFAULT 0,
    sd_available  INTEGER NOT NULL DEFAULT 1,
    usb_available INTEGER NOT NULL DEFAULT 1,
    last_seen     INTEGER NOT NULL         -- Unix seconds
);
`

const ddlPorts = `
CREATE TABLE IF NOT EXISTS ports (
    name      TEXT    PRIMARY KEY,
    last_seen INTEGER NOT NULL             -- Unix seconds
);
`

const ddlLaunches = `
CREATE TABLE IF NOT EXISTS launches (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    device_id   TEXT    NOT NULL DEFAULT '',
    storage     TEXT    NOT NULL,          -- 'sd' | 'usb'
    path        TEXT    NOT NULL,
    file_type   TEXT    NOT NULL DEFAULT 'unknown',
    outcome     TEXT    NOT NULL,
    launched_at INTEGER NOT NULL           -- Unix milliseconds
);
CREATE INDEX IF NOT EXISTS idx_launches_launched_at ON launches (launched_at DESC);
`
