package segstore

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/freeeve/collscan"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testIndex() *index {
	idx := &index{}
	idx.add("b", "d", 0, 100, 3)
	idx.add("f", "h", 100, 100, 3)
	idx.add("j", "l", 200, 100, 3)
	return idx
}

func TestIndexSearch(t *testing.T) {
	idx := testIndex()
	tests := []struct {
		key  string
		want int
	}{
		{"a", -1},
		{"b", 0},
		{"c", 0},
		{"e", 0},
		{"f", 1},
		{"k", 2},
		{"l", 2},
		{"m", -1},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, idx.search(tt.key), "search(%q)", tt.key)
	}
}

func TestIndexSeek(t *testing.T) {
	idx := testIndex()
	assert.Equal(t, 0, idx.seek(""))
	assert.Equal(t, 0, idx.seek("a"))
	assert.Equal(t, 1, idx.seek("g"))
	assert.Equal(t, 2, idx.seek("l"))
	assert.Equal(t, 3, idx.seek("la"))
	assert.Equal(t, 0, (&index{}).seek("a"))
}

func TestIndexSerialize(t *testing.T) {
	idx := testIndex()
	got, err := deserializeIndex(idx.serialize())
	require.NoError(t, err)
	assert.Equal(t, idx, got)

	_, err = deserializeIndex(idx.serialize()[:20])
	assert.ErrorIs(t, err, ErrCorruptedData)

	empty, err := deserializeIndex((&index{}).serialize())
	require.NoError(t, err)
	assert.Empty(t, empty.Entries)
}

func TestBloomFilter(t *testing.T) {
	bf := newBloomFilter(1000, 0.01)
	for i := range 1000 {
		bf.add(fmt.Sprintf("key%d", i))
	}
	data, err := bf.serialize()
	require.NoError(t, err)
	restored, err := deserializeBloomFilter(data)
	require.NoError(t, err)

	for i := range 1000 {
		require.True(t, restored.mayContain(fmt.Sprintf("key%d", i)))
	}
	falsePositives := 0
	for i := range 1000 {
		if restored.mayContain(fmt.Sprintf("absent%d", i)) {
			falsePositives++
		}
	}
	assert.Less(t, falsePositives, 50)
}

func TestSegmentWriterUnsorted(t *testing.T) {
	w := newSegmentWriter(&bytes.Buffer{}, 2, DefaultOptions())
	require.NoError(t, w.add(collscan.Entry{Key: "b"}))
	assert.ErrorIs(t, w.add(collscan.Entry{Key: "a"}), ErrUnsortedKeys)
	assert.ErrorIs(t, w.add(collscan.Entry{Key: "b"}), ErrUnsortedKeys)
}

func TestValueEncoding(t *testing.T) {
	e := collscan.Entry{Key: "k", TS: 1441940400000, Fields: collscan.Record{"a": "b"}}
	data, err := encodeValue(nil, e)
	require.NoError(t, err)
	got, err := decodeValue("k", data)
	require.NoError(t, err)
	assert.Equal(t, e.TS, got.TS)
	assert.Equal(t, "b", got.Fields["a"])

	_, err = decodeValue("k", data[:4])
	assert.ErrorIs(t, err, ErrCorruptedData)
}
