package segstore

import (
	"fmt"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildTestBlock(t *testing.T, n int, c Compression) []byte {
	t.Helper()
	bb := newBlockBuilder(1 << 20)
	for i := range n {
		require.True(t, bb.add(fmt.Sprintf("k%04d", i), []byte(fmt.Sprintf("value-%d", i))))
	}
	data, err := bb.build(c, 1)
	require.NoError(t, err)
	return data
}

func TestBlockRoundtrip(t *testing.T) {
	for _, c := range []Compression{CompressionZstd, CompressionSnappy, CompressionNone} {
		t.Run(c.String(), func(t *testing.T) {
			data := buildTestBlock(t, 100, c)
			b, err := decodeBlock(data, true)
			require.NoError(t, err)
			require.Len(t, b.entries, 100)
			assert.Equal(t, "k0042", b.entries[42].Key)
			assert.Equal(t, "value-42", string(b.entries[42].Value))
		})
	}
}

func TestBlockBuilderFull(t *testing.T) {
	bb := newBlockBuilder(32)
	assert.True(t, bb.add("a-very-long-key-that-overflows", make([]byte, 64)), "first entry always fits")
	assert.False(t, bb.add("b", []byte("x")))
	assert.Equal(t, 1, bb.count())
	bb.reset()
	assert.Equal(t, 0, bb.count())
	assert.True(t, bb.add("b", []byte("x")))
}

func TestBlockChecksum(t *testing.T) {
	data := buildTestBlock(t, 10, CompressionNone)
	data[18] ^= 0xff

	_, err := decodeBlock(data, true)
	assert.True(t, errors.Is(err, ErrChecksumMismatch), "got %v", err)

	// Without verification the flipped byte lands in a value.
	_, err = decodeBlock(data, false)
	assert.NoError(t, err)
}

func TestBlockCorrupted(t *testing.T) {
	_, err := decodeBlock([]byte{1, 2, 3}, true)
	assert.ErrorIs(t, err, ErrCorruptedData)

	data := buildTestBlock(t, 10, CompressionZstd)
	data[len(data)-1] = 9
	_, err = decodeBlock(data, true)
	assert.ErrorIs(t, err, ErrCorruptedData)

	_, err = parseBlock([]byte{5, 0, 0, 0, 1})
	assert.ErrorIs(t, err, ErrCorruptedData)
}

func TestBlockSearch(t *testing.T) {
	b, err := decodeBlock(buildTestBlock(t, 10, CompressionNone), true)
	require.NoError(t, err)

	tests := []struct {
		target string
		want   int
	}{
		{"", 0},
		{"k0000", 0},
		{"k0003", 3},
		{"k00035", 4},
		{"k0009", 9},
		{"z", 10},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, b.search(tt.target), "search(%q)", tt.target)
	}
}

func TestParseCompression(t *testing.T) {
	for _, c := range []Compression{CompressionZstd, CompressionSnappy, CompressionNone} {
		got, err := ParseCompression(c.String())
		require.NoError(t, err)
		assert.Equal(t, c, got)
	}
	_, err := ParseCompression("lz4")
	assert.Error(t, err)
	assert.Equal(t, "unknown", Compression(7).String())
}

func TestBlockCacheLRU(t *testing.T) {
	c := newBlockCache(100)
	blk := func(size int64) *block { return &block{size: size} }

	c.put(cacheKey{1, 0}, blk(40))
	c.put(cacheKey{1, 40}, blk(40))
	_, ok := c.get(cacheKey{1, 0})
	require.True(t, ok)

	// Evicts {1,40}, the least recently used.
	c.put(cacheKey{2, 0}, blk(40))
	_, ok = c.get(cacheKey{1, 40})
	assert.False(t, ok)
	_, ok = c.get(cacheKey{1, 0})
	assert.True(t, ok)

	c.put(cacheKey{3, 0}, blk(200))
	_, ok = c.get(cacheKey{3, 0})
	assert.False(t, ok, "oversized block is not cached")

	c.dropSegment(1)
	stats := c.stats()
	assert.Equal(t, 1, stats.Entries)
	assert.Equal(t, int64(40), stats.Size)
	assert.Equal(t, uint64(2), stats.Hits)
	assert.Equal(t, uint64(2), stats.Misses)
	assert.InDelta(t, 50.0, stats.HitRate(), 0.001)
}

func TestBlockCacheDisabled(t *testing.T) {
	c := newBlockCache(0)
	c.put(cacheKey{1, 0}, &block{size: 1})
	_, ok := c.get(cacheKey{1, 0})
	assert.False(t, ok)
	assert.Equal(t, 0.0, c.stats().HitRate())
}
