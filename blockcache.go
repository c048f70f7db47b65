package collscan

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/gammazero/deque"
)

// BlockCache is the read-ahead buffer of one partition. It holds entries
// already fetched but not yet passed by the read cursor, in key order.
//
// Entries are not consumed by Get; they leave the cache only when the cursor
// advances past them, so a merge can look at a partition's head repeatedly.
type BlockCache struct {
	reader  *PartitionReader
	filter  ReadRequest
	metrics *Metrics

	buf       deque.Deque[Entry]
	window    Window
	lastAfter string
	advanced  bool

	stats CacheStats
}

// NewBlockCache creates a cache in front of reader. The filter's prefix,
// timestamp and field settings are applied to every fetch.
func NewBlockCache(reader *PartitionReader, filter ReadRequest, metrics *Metrics) *BlockCache {
	filter.StartAfter, filter.Start, filter.Count = "", "", 0
	return &BlockCache{
		reader:  reader,
		filter:  filter,
		metrics: metrics,
	}
}

// Get positions the cache at w and returns up to count entries beyond it.
//
// An empty w.StartAfter discards the cache and starts over from w.Start (or
// the beginning). Otherwise w.StartAfter must be greater than the previous
// non-empty start-after and everything up to it is evicted. When fewer than
// count entries remain, one read of count more entries is issued.
func (c *BlockCache) Get(ctx context.Context, w Window, count int) ([]Entry, error) {
	if err := c.advance(w); err != nil {
		return nil, err
	}
	if count <= 0 {
		return nil, nil
	}
	cached := c.buf.Len()
	if cached < count {
		if _, err := c.fetch(ctx, count); err != nil {
			return nil, err
		}
	}

	n := min(count, c.buf.Len())
	out := make([]Entry, n)
	for i := range n {
		out[i] = c.buf.At(i)
	}
	hits := min(n, cached)
	c.stats.Hits += uint64(hits)
	c.stats.Misses += uint64(n - hits)
	c.metrics.served(hits)
	return out, nil
}

// Extend reads up to count entries after the last cached key (or after the
// current window when the cache is empty) and returns only the new ones.
// An empty result means the partition has nothing more for this window.
func (c *BlockCache) Extend(ctx context.Context, count int) ([]Entry, error) {
	if count <= 0 {
		return nil, nil
	}
	fresh, err := c.fetch(ctx, count)
	if err != nil {
		return nil, err
	}
	c.stats.Misses += uint64(len(fresh))
	return fresh, nil
}

// Reset drops all cached entries and forgets the cursor position.
func (c *BlockCache) Reset() {
	c.buf.Clear()
	c.window = Window{}
	c.lastAfter = ""
	c.advanced = false
	c.stats.Resets++
}

// Len returns the number of cached entries.
func (c *BlockCache) Len() int {
	return c.buf.Len()
}

// Stats returns cache statistics.
func (c *BlockCache) Stats() CacheStats {
	s := c.stats
	s.Entries = c.buf.Len()
	return s
}

func (c *BlockCache) advance(w Window) error {
	if w.StartAfter == "" {
		c.Reset()
		c.window = w
		return nil
	}
	if c.advanced && CompareKeys(w.StartAfter, c.lastAfter) <= 0 {
		return errors.Mark(
			errors.AssertionFailedf("%s: start-after %q does not follow %q",
				c.reader.Name(), w.StartAfter, c.lastAfter),
			ErrNonMonotonicCursor)
	}
	c.lastAfter = w.StartAfter
	c.advanced = true
	c.window = w
	for c.buf.Len() > 0 && CompareKeys(c.buf.Front().Key, w.StartAfter) <= 0 {
		c.buf.PopFront()
	}
	return nil
}

func (c *BlockCache) fetch(ctx context.Context, count int) ([]Entry, error) {
	req := c.filter
	req.Count = count
	if c.buf.Len() > 0 {
		req.StartAfter = c.buf.Back().Key
	} else {
		req.StartAfter = c.window.StartAfter
		if req.StartAfter == "" {
			req.Start = c.window.Start
		}
	}
	entries, err := c.reader.Read(ctx, req)
	if err != nil {
		return nil, err
	}
	c.stats.Reads++
	c.stats.Fetched += uint64(len(entries))
	for _, e := range entries {
		c.buf.PushBack(e)
	}
	return entries, nil
}

// CacheStats contains read-ahead cache statistics.
type CacheStats struct {
	Hits    uint64 // entries served that were already cached
	Misses  uint64 // entries served straight from a read
	Reads   uint64
	Fetched uint64
	Resets  uint64
	Entries int
}

// HitRate returns the cache hit rate as a percentage.
func (s CacheStats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total) * 100
}
