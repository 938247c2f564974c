package storage

import (
	"database/sql"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
)

type postgresStore struct {
	baseStore
}

func NewPostgres(dsn string) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "postgres://localhost:5432/safetrail?sslmode=disable"
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	return &postgresStore{baseStore{
		db: db,
		initStmts: []string{
			`CREATE TABLE IF NOT EXISTS kv (
				key TEXT PRIMARY KEY,
				value TEXT NOT NULL,
				updated_at TIMESTAMPTZ NOT NULL
			)`,
		},
		getQuery: `SELECT value FROM kv WHERE key = $1`,
		setQuery: `INSERT INTO kv (key, value, updated_at) VALUES ($1, $2, $3)
			ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at`,
	}}, nil
}
