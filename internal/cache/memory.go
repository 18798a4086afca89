// Package cache implements the dual-tier cache: a bounded in-memory
// LRU with TTL in front of a bbolt-backed disk store with an expiry
// index. Reads never return an entry whose expiry has passed.
package cache

import (
	"container/list"
	"sync"
	"time"
)

type memoryEntry struct {
	key       string
	payload   []byte
	expiresAt time.Time
}

// Memory is the top tier: TTL map with LRU eviction at capacity.
type Memory struct {
	mu       sync.Mutex
	capacity int
	order    *list.List // front = most recent
	entries  map[string]*list.Element
}

// NewMemory creates a memory tier bounded to capacity entries.
func NewMemory(capacity int) *Memory {
	if capacity < 1 {
		capacity = 1
	}
	return &Memory{
		capacity: capacity,
		order:    list.New(),
		entries:  make(map[string]*list.Element),
	}
}

// Get returns the payload when present and unexpired. Expired entries
// are removed on sight.
func (m *Memory) Get(key string, now time.Time) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	elem, ok := m.entries[key]
	if !ok {
		return nil, false
	}
	entry := elem.Value.(*memoryEntry)
	if !entry.expiresAt.After(now) {
		m.order.Remove(elem)
		delete(m.entries, key)
		return nil, false
	}
	m.order.MoveToFront(elem)
	return entry.payload, true
}

// Put stores payload until expiresAt, evicting the least-recently-used
// entry at capacity.
func (m *Memory) Put(key string, payload []byte, expiresAt time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if elem, ok := m.entries[key]; ok {
		entry := elem.Value.(*memoryEntry)
		entry.payload = payload
		entry.expiresAt = expiresAt
		m.order.MoveToFront(elem)
		return
	}

	for len(m.entries) >= m.capacity {
		oldest := m.order.Back()
		if oldest == nil {
			break
		}
		m.order.Remove(oldest)
		delete(m.entries, oldest.Value.(*memoryEntry).key)
	}

	elem := m.order.PushFront(&memoryEntry{key: key, payload: payload, expiresAt: expiresAt})
	m.entries[key] = elem
}

// Delete removes a key.
func (m *Memory) Delete(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if elem, ok := m.entries[key]; ok {
		m.order.Remove(elem)
		delete(m.entries, key)
	}
}

// Len returns the number of live entries, expired included until swept.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Sweep removes entries expired at now and returns how many went.
func (m *Memory) Sweep(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for key, elem := range m.entries {
		if !elem.Value.(*memoryEntry).expiresAt.After(now) {
			m.order.Remove(elem)
			delete(m.entries, key)
			removed++
		}
	}
	return removed
}
