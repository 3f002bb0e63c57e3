package backend

import (
	"context"
	"sync"
)

// Memory is the default in-process backend: a mutex-guarded map. It is what
// an engine gets when no real store is injected, and it is shareable across
// engine instances in the same process, which the staleness tests rely on.
type Memory struct {
	mu      sync.RWMutex
	entries map[string]string
}

// NewMemory creates an empty in-memory backend.
func NewMemory() *Memory {
	return &Memory{entries: make(map[string]string)}
}

func (m *Memory) Get(ctx context.Context, keys []string) (map[string]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make(map[string]string)
	if keys == nil {
		for k, v := range m.entries {
			result[k] = v
		}
		return result, nil
	}
	for _, k := range keys {
		if v, ok := m.entries[k]; ok {
			result[k] = v
		}
	}
	return result, nil
}

func (m *Memory) Set(ctx context.Context, entries map[string]string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for k, v := range entries {
		m.entries[k] = v
	}
	return nil
}

func (m *Memory) Remove(ctx context.Context, keys []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, k := range keys {
		delete(m.entries, k)
	}
	return nil
}

func (m *Memory) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.entries = make(map[string]string)
	return nil
}

func (m *Memory) Close() error { return nil }

// Len returns the number of stored entries. Test helper.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

var _ Backend = (*Memory)(nil)
