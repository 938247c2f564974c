package storage

import (
	"context"
	"sync"
)

// Memory is a process-local Store. Contents do not survive a restart.
type Memory struct {
	mu   sync.RWMutex
	data map[string]string
	// FailSet, when set, is returned by Set instead of writing.
	FailSet error
}

func NewMemory() *Memory {
	return &Memory{data: make(map[string]string)}
}

func (m *Memory) Init(context.Context) error { return nil }

func (m *Memory) Close() error { return nil }

func (m *Memory) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *Memory) Set(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailSet != nil {
		return m.FailSet
	}
	m.data[key] = value
	return nil
}
