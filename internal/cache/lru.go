package cache

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/opensource-finance/underwrite/internal/domain"
)

// LRUCache keeps the most recently used decisions in memory. Entries
// expire after their TTL; a TTL of zero never expires.
type LRUCache struct {
	mu       sync.Mutex
	capacity int
	entries  map[string]*list.Element
	recency  *list.List // front is most recent

	hits   uint64
	misses uint64
}

type memoised struct {
	key      string
	decision domain.Decision
	expires  time.Time
}

// Stats describes cache occupancy and effectiveness.
type Stats struct {
	Size     int    `json:"size"`
	Capacity int    `json:"capacity"`
	Hits     uint64 `json:"hits"`
	Misses   uint64 `json:"misses"`
}

// NewLRUCache creates an LRU holding up to capacity decisions.
func NewLRUCache(capacity int) *LRUCache {
	if capacity <= 0 {
		capacity = 10000
	}
	return &LRUCache{
		capacity: capacity,
		entries:  make(map[string]*list.Element),
		recency:  list.New(),
	}
}

// GetDecision returns a copy of the decision stored under key, or nil.
// The copy shares the engine result, which callers must not modify.
func (c *LRUCache) GetDecision(ctx context.Context, key string) (*domain.Decision, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[key]
	if !ok {
		c.misses++
		return nil, nil
	}

	m := elem.Value.(*memoised)
	if !m.expires.IsZero() && time.Now().After(m.expires) {
		c.evict(elem)
		c.misses++
		return nil, nil
	}

	c.recency.MoveToFront(elem)
	c.hits++
	d := m.decision
	return &d, nil
}

// SetDecision stores a copy of d under key, evicting the least recently
// used decision when full.
func (c *LRUCache) SetDecision(ctx context.Context, key string, d *domain.Decision, ttl time.Duration) error {
	if d == nil {
		return nil
	}

	var expires time.Time
	if ttl > 0 {
		expires = time.Now().Add(ttl)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.entries[key]; ok {
		m := elem.Value.(*memoised)
		m.decision, m.expires = *d, expires
		c.recency.MoveToFront(elem)
		return nil
	}

	c.entries[key] = c.recency.PushFront(&memoised{key: key, decision: *d, expires: expires})
	for c.recency.Len() > c.capacity {
		c.evict(c.recency.Back())
	}
	return nil
}

// Ping always succeeds.
func (c *LRUCache) Ping(ctx context.Context) error {
	return nil
}

// Close drops every entry.
func (c *LRUCache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*list.Element)
	c.recency.Init()
	return nil
}

// Stats returns a snapshot of the cache counters.
func (c *LRUCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Size:     c.recency.Len(),
		Capacity: c.capacity,
		Hits:     c.hits,
		Misses:   c.misses,
	}
}

func (c *LRUCache) evict(elem *list.Element) {
	c.recency.Remove(elem)
	delete(c.entries, elem.Value.(*memoised).key)
}
