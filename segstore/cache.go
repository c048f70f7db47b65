package segstore

import (
	"container/list"
	"sync"
)

// cacheKey uniquely identifies a cached block.
type cacheKey struct {
	segment uint32
	offset  uint64
}

type cacheEntry struct {
	key   cacheKey
	block *block
}

// blockCache is a thread-safe LRU cache of decoded blocks, bounded by
// decoded bytes. A zero capacity disables caching.
type blockCache struct {
	capacity  int64
	size      int64
	items     map[cacheKey]*list.Element
	evictList *list.List
	mu        sync.Mutex

	hits   uint64
	misses uint64
}

func newBlockCache(capacity int64) *blockCache {
	return &blockCache{
		capacity:  capacity,
		items:     make(map[cacheKey]*list.Element),
		evictList: list.New(),
	}
}

func (c *blockCache) get(key cacheKey) (*block, bool) {
	if c.capacity == 0 {
		return nil, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[key]; ok {
		c.evictList.MoveToFront(elem)
		c.hits++
		return elem.Value.(*cacheEntry).block, true
	}
	c.misses++
	return nil, false
}

func (c *blockCache) put(key cacheKey, b *block) {
	if c.capacity == 0 || b.size > c.capacity {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[key]; ok {
		c.evictList.MoveToFront(elem)
		entry := elem.Value.(*cacheEntry)
		c.size += b.size - entry.block.size
		entry.block = b
		return
	}
	for c.size+b.size > c.capacity && c.evictList.Len() > 0 {
		c.evict()
	}
	c.items[key] = c.evictList.PushFront(&cacheEntry{key: key, block: b})
	c.size += b.size
}

func (c *blockCache) evict() {
	elem := c.evictList.Back()
	if elem == nil {
		return
	}
	entry := elem.Value.(*cacheEntry)
	delete(c.items, entry.key)
	c.evictList.Remove(elem)
	c.size -= entry.block.size
}

// dropSegment removes every block of a replaced segment.
func (c *blockCache) dropSegment(id uint32) {
	if c.capacity == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	for key, elem := range c.items {
		if key.segment == id {
			delete(c.items, key)
			c.evictList.Remove(elem)
			c.size -= elem.Value.(*cacheEntry).block.size
		}
	}
}

func (c *blockCache) stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return CacheStats{
		Hits:     c.hits,
		Misses:   c.misses,
		Size:     c.size,
		Capacity: c.capacity,
		Entries:  c.evictList.Len(),
	}
}

// CacheStats contains block cache statistics.
type CacheStats struct {
	Hits     uint64
	Misses   uint64
	Size     int64
	Capacity int64
	Entries  int
}

// HitRate returns the cache hit rate as a percentage.
func (s CacheStats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total) * 100
}
