package cache

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is a bounded in-process tier. It exists so the engine keeps
// working when the backing store is unreachable; stale entries or duplicate
// recomputation are acceptable, total failure is not.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	order   []string
	maxSize int
	now     func() time.Time
}

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

// NewMemoryStore creates a store holding at most maxSize entries, evicting
// the oldest write first. The clock is injected for TTL testing.
func NewMemoryStore(maxSize int, now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	if maxSize < 1 {
		maxSize = 1
	}
	return &MemoryStore{
		entries: make(map[string]memoryEntry),
		maxSize: maxSize,
		now:     now,
	}
}

func (m *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.entries[key]
	if !ok {
		return nil, ErrMiss
	}
	if m.now().After(entry.expiresAt) {
		delete(m.entries, key)
		return nil, ErrMiss
	}
	return entry.value, nil
}

func (m *MemoryStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.entries[key]; !exists {
		for len(m.entries) >= m.maxSize && len(m.order) > 0 {
			oldest := m.order[0]
			m.order = m.order[1:]
			delete(m.entries, oldest)
		}
		m.order = append(m.order, key)
	}

	m.entries[key] = memoryEntry{
		value:     value,
		expiresAt: m.now().Add(ttl),
	}
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}

// Len reports the current entry count.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
