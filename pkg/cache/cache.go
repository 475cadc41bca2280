package cache

import (
	"context"
	"sync"
	"time"
)

// Entry is a cached value together with the staleness token it was built from.
type Entry struct {
	Value []byte `json:"value"`
	Token string `json:"token"`
}

type Cache interface {
	Get(ctx context.Context, key string) (Entry, bool, error)
	Set(ctx context.Context, key string, entry Entry) error
	Invalidate(ctx context.Context, key string) error
}

// Lookup returns the cached value only if its token matches. A stale entry is
// invalidated and reported as a miss.
func Lookup(ctx context.Context, c Cache, key, token string) ([]byte, bool, error) {
	entry, ok, err := c.Get(ctx, key)
	if err != nil || !ok {
		return nil, false, err
	}
	if entry.Token != token {
		return nil, false, c.Invalidate(ctx, key)
	}
	return entry.Value, true, nil
}

type memoryItem struct {
	entry   Entry
	expires time.Time
}

type Memory struct {
	mu    sync.RWMutex
	ttl   time.Duration
	items map[string]memoryItem
	now   func() time.Time
}

// NewMemory returns a process-local cache. A zero ttl never expires entries.
func NewMemory(ttl time.Duration) *Memory {
	return &Memory{ttl: ttl, items: make(map[string]memoryItem), now: time.Now}
}

func (m *Memory) Get(_ context.Context, key string) (Entry, bool, error) {
	m.mu.RLock()
	item, ok := m.items[key]
	m.mu.RUnlock()
	if !ok {
		return Entry{}, false, nil
	}
	if !item.expires.IsZero() && m.now().After(item.expires) {
		m.mu.Lock()
		delete(m.items, key)
		m.mu.Unlock()
		return Entry{}, false, nil
	}
	return item.entry, true, nil
}

func (m *Memory) Set(_ context.Context, key string, entry Entry) error {
	item := memoryItem{entry: entry}
	if m.ttl > 0 {
		item.expires = m.now().Add(m.ttl)
	}
	m.mu.Lock()
	m.items[key] = item
	m.mu.Unlock()
	return nil
}

func (m *Memory) Invalidate(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.items, key)
	m.mu.Unlock()
	return nil
}

// Noop never stores anything.
type Noop struct{}

func (Noop) Get(context.Context, string) (Entry, bool, error) { return Entry{}, false, nil }
func (Noop) Set(context.Context, string, Entry) error         { return nil }
func (Noop) Invalidate(context.Context, string) error         { return nil }
