package cache

import (
	"context"
	"sync"
	"time"
)

type entry struct {
	value   []byte
	expires time.Time
}

type inMemory struct {
	mu      sync.RWMutex
	storage map[string]entry
	now     func() time.Time
}

// NewMemoryCache returns a process-local cache. Expired entries are dropped
// lazily on read.
func NewMemoryCache() Cache {
	return &inMemory{now: time.Now}
}

func (m *inMemory) Get(_ context.Context, key string) ([]byte, bool) {
	m.mu.RLock()
	e, ok := m.storage[key]
	m.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if m.now().After(e.expires) {
		m.mu.Lock()
		delete(m.storage, key)
		m.mu.Unlock()
		return nil, false
	}
	return e.value, true
}

func (m *inMemory) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.storage == nil {
		// create on first use
		m.storage = make(map[string]entry)
	}
	m.storage[key] = entry{value: value, expires: m.now().Add(ttl)}
	return nil
}

func (m *inMemory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.storage != nil {
		delete(m.storage, key)
	}
	return nil
}
