package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"safetrail/internal/config"
)

func TestSQLiteRoundTrip(t *testing.T) {
	ctx := context.Background()
	dsn := "file:" + filepath.Join(t.TempDir(), "kv.db") + "?_pragma=busy_timeout(5000)"
	s, err := NewStore(config.StorageConfig{Driver: "sqlite", DSN: dsn})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	defer s.Close()
	if err := s.Init(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}
	if _, ok, err := s.Get(ctx, "offline_queue"); err != nil || ok {
		t.Fatalf("expected missing key, ok=%v err=%v", ok, err)
	}
	if err := s.Set(ctx, "offline_queue", `[{"id":"a"}]`); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := s.Set(ctx, "offline_queue", `[{"id":"b"}]`); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	v, ok, err := s.Get(ctx, "offline_queue")
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if v != `[{"id":"b"}]` {
		t.Fatalf("unexpected value %q", v)
	}
}

func TestSQLiteSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	dsn := "file:" + filepath.Join(t.TempDir(), "kv.db")
	first, err := NewSQLite(dsn)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := first.Init(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}
	if err := first.Set(ctx, "sync_status", `{"last_sync_at":null}`); err != nil {
		t.Fatalf("set: %v", err)
	}
	first.Close()

	second, err := NewSQLite(dsn)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer second.Close()
	if err := second.Init(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}
	if _, ok, _ := second.Get(ctx, "sync_status"); !ok {
		t.Fatalf("value lost across reopen")
	}
}

func TestMemoryStoreFailSet(t *testing.T) {
	m := NewMemory()
	m.FailSet = errors.New("disk full")
	if err := m.Set(context.Background(), "k", "v"); err == nil {
		t.Fatalf("expected injected failure")
	}
}

func TestUnsupportedDriver(t *testing.T) {
	if _, err := NewStore(config.StorageConfig{Driver: "bolt"}); err == nil {
		t.Fatalf("expected unsupported driver error")
	}
}
