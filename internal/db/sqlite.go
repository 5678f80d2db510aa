// Package db opens the SQLite session ledger.
package db

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	remote_addr TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT 'connected',
	close_code INTEGER,
	created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
	updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);
CREATE INDEX IF NOT EXISTS idx_sessions_updated_at ON sessions(updated_at);
`

// filePragmas apply only to on-disk ledgers; an in-memory database has no
// journal to put in WAL mode.
var filePragmas = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA busy_timeout=5000",
}

// Open opens the ledger file at path, creating the schema if needed. The
// caller owns the returned handle.
func Open(path string) (*sql.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("ledger path is empty")
	}
	return open(path, filePragmas)
}

// OpenMemory opens a private in-memory ledger.
func OpenMemory() (*sql.DB, error) {
	return open(":memory:", nil)
}

func open(dsn string, pragmas []string) (*sql.DB, error) {
	conn, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open ledger %s: %w", dsn, err)
	}
	if dsn == ":memory:" {
		// Every pooled connection to :memory: is a separate database.
		conn.SetMaxOpenConns(1)
	}

	for _, p := range pragmas {
		if _, err := conn.Exec(p); err != nil {
			conn.Close()
			return nil, fmt.Errorf("%s: %w", p, err)
		}
	}
	if _, err := conn.Exec(schema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("create ledger schema: %w", err)
	}
	return conn, nil
}
