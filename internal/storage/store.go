package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"safetrail/internal/config"
)

// Store is the durable get/set primitive the queue and scheduler bootstrap
// from. Get reports ok=false for missing keys.
type Store interface {
	Init(ctx context.Context) error
	Close() error
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
}

func NewStore(cfg config.StorageConfig) (Store, error) {
	switch strings.ToLower(cfg.Driver) {
	case "sqlite":
		return NewSQLite(cfg.DSN)
	case "postgres", "postgresql":
		return NewPostgres(cfg.DSN)
	case "redis":
		return NewRedis(cfg.DSN)
	case "memory":
		return NewMemory(), nil
	default:
		return nil, errors.New("unsupported storage driver")
	}
}

type baseStore struct {
	db        *sql.DB
	getQuery  string
	setQuery  string
	initStmts []string
}

func (b *baseStore) Init(ctx context.Context) error {
	if b.db == nil {
		return nil
	}
	for _, stmt := range b.initStmts {
		if _, err := b.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init kv schema: %w", err)
		}
	}
	return nil
}

func (b *baseStore) Get(ctx context.Context, key string) (string, bool, error) {
	if b.db == nil {
		return "", false, errors.New("storage is not configured")
	}
	var value string
	err := b.db.QueryRowContext(ctx, b.getQuery, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get %s: %w", key, err)
	}
	return value, true, nil
}

func (b *baseStore) Set(ctx context.Context, key, value string) error {
	if b.db == nil {
		return errors.New("storage is not configured")
	}
	if _, err := b.db.ExecContext(ctx, b.setQuery, key, value, nowUTC()); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

func (b *baseStore) Close() error {
	if b.db != nil {
		return b.db.Close()
	}
	return nil
}

func nowUTC() time.Time {
	return time.Now().UTC()
}
