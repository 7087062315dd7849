package respcache

import (
	"context"
	"sync"
	"time"
)

// Memory is an in-process Cache for tests and single-node deployments
// without a redis. Expired entries linger until read or displaced by the
// best-effort size cap.
type Memory struct {
	MaxItems int

	mu    sync.RWMutex
	items map[string]Entry
}

func NewMemory(maxItems int) *Memory {
	return &Memory{MaxItems: maxItems, items: make(map[string]Entry)}
}

func (m *Memory) Get(_ context.Context, key string) (Entry, bool, error) {
	m.mu.RLock()
	e, ok := m.items[key]
	m.mu.RUnlock()
	if !ok || !e.Valid(time.Now()) {
		return Entry{}, false, nil
	}
	return e, true, nil
}

func (m *Memory) Set(_ context.Context, key string, e Entry) error {
	now := time.Now()
	m.mu.Lock()
	m.items[key] = e
	if m.MaxItems > 0 && len(m.items) > m.MaxItems {
		// drop expired entries first, then arbitrary ones until under cap
		for k, v := range m.items {
			if len(m.items) <= m.MaxItems {
				break
			}
			if k != key && !v.Valid(now) {
				delete(m.items, k)
			}
		}
		for k := range m.items {
			if len(m.items) <= m.MaxItems {
				break
			}
			if k != key {
				delete(m.items, k)
			}
		}
	}
	m.mu.Unlock()
	return nil
}
