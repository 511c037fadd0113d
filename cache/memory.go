package cache

import (
	"fmt"
	"sync"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Tier is one store of encoded renditions. Get reports a missing key as
// found == false with a nil error.
type Tier interface {
	Get(key string) ([]byte, bool, error)
	Set(key string, data []byte) error
	Delete(key string) error
}

// TierStats is a point-in-time view of a tier.
type TierStats struct {
	Entries int   `json:"entries"`
	Bytes   int64 `json:"bytes"`
}

// MemoryTier keeps up to a fixed number of entries, evicting the least
// recently used.
type MemoryTier struct {
	mu    sync.Mutex
	cache *lru.Cache[string, []byte]
	bytes atomic.Int64
}

func NewMemoryTier(maxEntries int) (*MemoryTier, error) {
	m := &MemoryTier{}
	c, err := lru.NewWithEvict(maxEntries, func(_ string, v []byte) {
		m.bytes.Add(-int64(len(v)))
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create memory tier: %w", err)
	}
	m.cache = c
	return m, nil
}

func (m *MemoryTier) Get(key string) ([]byte, bool, error) {
	v, ok := m.cache.Get(key)
	return v, ok, nil
}

// Peek returns the entry without touching its recency.
func (m *MemoryTier) Peek(key string) ([]byte, bool) {
	return m.cache.Peek(key)
}

func (m *MemoryTier) Set(key string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if old, ok := m.cache.Peek(key); ok {
		m.bytes.Add(-int64(len(old)))
	}
	m.bytes.Add(int64(len(data)))
	m.cache.Add(key, data)
	return nil
}

func (m *MemoryTier) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cache.Remove(key)
	return nil
}

func (m *MemoryTier) Stats() TierStats {
	return TierStats{Entries: m.cache.Len(), Bytes: m.bytes.Load()}
}
