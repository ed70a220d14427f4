// Package session provides tab-scoped key/value storage that survives a
// page reload but not the end of the tab session.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Store is the storage a page sees for its own tab. There is no delete:
// values live until the tab session ends.
type Store interface {
	GetItem(ctx context.Context, key string) (string, bool, error)
	SetItem(ctx context.Context, key, value string) error
}

// Memory is one tab's storage.
type Memory struct {
	mu    sync.RWMutex
	items map[string]string
}

func NewMemory() *Memory {
	return &Memory{items: make(map[string]string)}
}

func (m *Memory) GetItem(_ context.Context, key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.items[key]
	return v, ok, nil
}

func (m *Memory) SetItem(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[key] = value
	return nil
}

// Len reports how many keys the tab has written.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.items)
}

const (
	DefaultSize = 256
	DefaultTTL  = 12 * time.Hour
)

// Sessions holds the storage of every open tab. Entries are evicted when a
// tab is closed, when the session outlives ttl, or when more than size tabs
// are open.
type Sessions struct {
	mu   sync.Mutex
	tabs *expirable.LRU[string, *Memory]
}

func NewSessions(size int, ttl time.Duration) *Sessions {
	if size <= 0 {
		size = DefaultSize
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Sessions{tabs: expirable.NewLRU[string, *Memory](size, nil, ttl)}
}

// Open returns the storage of tabID, creating it on first use.
func (s *Sessions) Open(tabID string) *Memory {
	s.mu.Lock()
	defer s.mu.Unlock()

	if m, ok := s.tabs.Get(tabID); ok {
		return m
	}
	m := NewMemory()
	s.tabs.Add(tabID, m)
	return m
}

// Close ends the session of tabID.
func (s *Sessions) Close(tabID string) {
	s.tabs.Remove(tabID)
}

// Purge ends every session, as a browser restart does.
func (s *Sessions) Purge() {
	s.tabs.Purge()
}

func (s *Sessions) Len() int {
	return s.tabs.Len()
}
