package storage

import (
	"database/sql"
	"strings"

	_ "modernc.org/sqlite"
)

type sqliteStore struct {
	baseStore
}

func NewSQLite(dsn string) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "file:safetrail.db?_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// modernc sqlite serialises writers; one connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	return &sqliteStore{baseStore{
		db: db,
		initStmts: []string{
			`CREATE TABLE IF NOT EXISTS kv (
				key TEXT PRIMARY KEY,
				value TEXT NOT NULL,
				updated_at TEXT NOT NULL
			)`,
		},
		getQuery: `SELECT value FROM kv WHERE key = ?`,
		setQuery: `INSERT INTO kv (key, value, updated_at) VALUES (?, ?, ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
	}}, nil
}
