package meta

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// Memory is an in-memory KV implementation guarded by a RWMutex.
// It honors the full KV contract, including PutIfAbsent atomicity,
// and is the default backend for tests.
type Memory struct {
	mu     sync.RWMutex
	items  map[string][]byte
	closed bool
	stats  *tracker
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		items: make(map[string][]byte),
		stats: newTracker(),
	}
}

func (m *Memory) Get(ctx context.Context, key string) ([]byte, bool, error) {
	m.stats.gets.Add(1)

	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, false, ErrClosed
	}

	value, ok := m.items[key]
	m.stats.hit(ok)
	if !ok {
		return nil, false, nil
	}

	// Copy so callers cannot mutate stored bytes.
	out := make([]byte, len(value))
	copy(out, value)
	return out, true, nil
}

func (m *Memory) Put(ctx context.Context, key string, value []byte) error {
	m.stats.puts.Add(1)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}

	stored := make([]byte, len(value))
	copy(stored, value)
	m.items[key] = stored
	return nil
}

func (m *Memory) PutIfAbsent(ctx context.Context, key string, value []byte) (bool, error) {
	m.stats.casPuts.Add(1)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false, ErrClosed
	}

	if _, exists := m.items[key]; exists {
		return false, nil
	}

	stored := make([]byte, len(value))
	copy(stored, value)
	m.items[key] = stored
	return true, nil
}

func (m *Memory) Delete(ctx context.Context, key string) error {
	m.stats.deletes.Add(1)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}

	delete(m.items, key)
	return nil
}

func (m *Memory) Keys(ctx context.Context, prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}

	var keys []string
	for k := range m.items {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *Memory) Count(ctx context.Context, prefix string) (int, error) {
	keys, err := m.Keys(ctx, prefix)
	if err != nil {
		return 0, err
	}
	return len(keys), nil
}

func (m *Memory) Stats() Stats {
	return m.stats.snapshot()
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.items = nil
	return nil
}
