package collscan

import (
	"context"
	"math/rand/v2"

	"github.com/rs/zerolog"
)

// MergeCursor merges the caches of all partitions of one logical collection
// into a single key-ordered stream.
type MergeCursor struct {
	name   string
	caches []*BlockCache
	random bool
	rng    *rand.Rand
	logger *zerolog.Logger

	heap    sourceHeap
	sources []mergeSource
}

// mergeSource is one partition's view during a single Get call.
type mergeSource struct {
	cache     *BlockCache
	buf       []Entry
	pos       int
	exhausted bool
}

type heapItem struct {
	key string
	src int
}

type sourceHeap []heapItem

func (h sourceHeap) less(i, j int) bool {
	cmp := CompareKeys(h[i].key, h[j].key)
	if cmp != 0 {
		return cmp < 0
	}
	// Same key: lower partition first
	return h[i].src < h[j].src
}

// Inline heap operations to avoid interface{} boxing allocations

func (h *sourceHeap) push(x heapItem) {
	*h = append(*h, x)
	h.up(len(*h) - 1)
}

func (h *sourceHeap) pop() heapItem {
	old := *h
	n := len(old) - 1
	old[0], old[n] = old[n], old[0]
	h.down(0, n)
	x := old[n]
	*h = old[:n]
	return x
}

func (h sourceHeap) up(j int) {
	for {
		i := (j - 1) / 2 // parent
		if i == j || !h.less(j, i) {
			break
		}
		h[i], h[j] = h[j], h[i]
		j = i
	}
}

func (h sourceHeap) down(i, n int) {
	for {
		j1 := 2*i + 1
		if j1 >= n || j1 < 0 { // j1 < 0 after int overflow
			break
		}
		j := j1
		if j2 := j1 + 1; j2 < n && h.less(j2, j1) {
			j = j2
		}
		if !h.less(j, i) {
			break
		}
		h[i], h[j] = h[j], h[i]
		i = j
	}
}

func (h *sourceHeap) init() {
	n := len(*h)
	for i := n/2 - 1; i >= 0; i-- {
		h.down(i, n)
	}
}

// NewMergeCursor creates a cursor over the given partition caches. With
// random set, every Get reads one randomly chosen partition only.
func NewMergeCursor(name string, caches []*BlockCache, random bool, rng *rand.Rand, logger *zerolog.Logger) *MergeCursor {
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &MergeCursor{
		name:    name,
		caches:  caches,
		random:  random,
		rng:     rng,
		logger:  logger,
		sources: make([]mergeSource, 0, len(caches)),
	}
}

// Name returns the logical collection name.
func (m *MergeCursor) Name() string {
	return m.name
}

// Partitions returns the number of partitions merged.
func (m *MergeCursor) Partitions() int {
	return len(m.caches)
}

// Get returns the smallest count entries beyond w across all partitions, in
// ascending key order. Fewer than count entries means every partition ran
// out of matching data for this window.
//
// A partition whose cached view is shorter than count is extended when the
// merge drains it, so a short page from the service costs another read
// rather than a gap in the output.
func (m *MergeCursor) Get(ctx context.Context, w Window, count int) ([]Entry, error) {
	caches := m.caches
	if m.random && len(caches) > 1 {
		i := m.rng.IntN(len(caches))
		caches = caches[i : i+1]
	}

	m.sources = m.sources[:0]
	m.heap = m.heap[:0]
	for _, c := range caches {
		view, err := c.Get(ctx, w, count)
		if err != nil {
			return nil, err
		}
		m.sources = append(m.sources, mergeSource{
			cache:     c,
			buf:       view,
			exhausted: len(view) == 0,
		})
		if len(view) > 0 {
			m.heap = append(m.heap, heapItem{key: view[0].Key, src: len(m.sources) - 1})
		}
	}
	m.heap.init()

	out := make([]Entry, 0, count)
	for len(out) < count && len(m.heap) > 0 {
		item := m.heap.pop()
		src := &m.sources[item.src]
		e := src.buf[src.pos]
		src.pos++

		if n := len(out); n > 0 && out[n-1].Key == e.Key {
			m.logger.Warn().
				Str("collection", m.name).
				Str("key", e.Key).
				Msg("duplicate key across partitions")
		}
		out = append(out, e)

		if src.pos < len(src.buf) {
			m.heap.push(heapItem{key: src.buf[src.pos].Key, src: item.src})
			continue
		}
		// A full view drained means count entries were emitted already.
		if len(out) >= count || len(src.buf) >= count || src.exhausted {
			continue
		}
		more, err := src.cache.Extend(ctx, count)
		if err != nil {
			return nil, err
		}
		if len(more) == 0 {
			src.exhausted = true
			continue
		}
		src.buf, src.pos = more, 0
		m.heap.push(heapItem{key: more[0].Key, src: item.src})
	}
	return out, nil
}

// Reset drops every partition cache.
func (m *MergeCursor) Reset() {
	for _, c := range m.caches {
		c.Reset()
	}
}

// Stats returns the combined statistics of all partition caches.
func (m *MergeCursor) Stats() CacheStats {
	var total CacheStats
	for _, c := range m.caches {
		s := c.Stats()
		total.Hits += s.Hits
		total.Misses += s.Misses
		total.Reads += s.Reads
		total.Fetched += s.Fetched
		total.Resets += s.Resets
		total.Entries += s.Entries
	}
	return total
}
