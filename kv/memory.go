package kv

import (
	"context"
	"sync"
	"time"
)

// Memory is an in-process Store with lazy TTL eviction. It is the default for
// local runs without Redis and the fixture for tests.
type Memory struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

type memoryEntry struct {
	value     string
	expiresAt time.Time
}

// MemoryOption adjusts a Memory store.
type MemoryOption func(*Memory)

// WithClock overrides the clock used for TTL evaluation (test only).
func WithClock(now func() time.Time) MemoryOption {
	return func(m *Memory) {
		if now != nil {
			m.now = now
		}
	}
}

// NewMemory constructs an empty in-memory store.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		entries: make(map[string]memoryEntry),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Memory) Set(_ context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry := memoryEntry{value: value}
	if ttl > 0 {
		entry.expiresAt = m.now().Add(ttl)
	}
	m.entries[key] = entry
	return nil
}

func (m *Memory) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.liveLocked(key)
	if !ok {
		return "", false, nil
	}
	return entry.value, true, nil
}

func (m *Memory) Exists(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.liveLocked(key)
	return ok, nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}

// liveLocked returns the entry if present and unexpired, evicting it otherwise.
func (m *Memory) liveLocked(key string) (memoryEntry, bool) {
	entry, ok := m.entries[key]
	if !ok {
		return memoryEntry{}, false
	}
	if !entry.expiresAt.IsZero() && !m.now().Before(entry.expiresAt) {
		delete(m.entries, key)
		return memoryEntry{}, false
	}
	return entry, true
}
