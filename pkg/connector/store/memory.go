// Copyright 2024-2026 Aiku AI

package store

import (
	"context"
	"sync"
)

// Memory is the process-local backend. All state is lost on restart.
type Memory struct {
	mu      sync.RWMutex
	entries map[SourceKey]int
}

var _ Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{entries: make(map[SourceKey]int)}
}

func (m *Memory) Get(_ context.Context, key SourceKey) (int, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	dest, ok := m.entries[key]
	return dest, ok, nil
}

func (m *Memory) Put(_ context.Context, key SourceKey, destinationID int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = destinationID
	return nil
}

func (m *Memory) Delete(_ context.Context, key SourceKey) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.entries[key]
	delete(m.entries, key)
	return ok, nil
}

func (m *Memory) Count(_ context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries), nil
}

// Snapshot returns a copy of the current entries.
func (m *Memory) Snapshot() map[SourceKey]int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cp := make(map[SourceKey]int, len(m.entries))
	for k, v := range m.entries {
		cp[k] = v
	}
	return cp
}

func (m *Memory) Close() error {
	return nil
}
