package main

import (
	"testing"

	"github.com/freeeve/collscan"
	"github.com/freeeve/collscan/internal/shard"
	"github.com/freeeve/collscan/segstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoaderEntry(t *testing.T) {
	l := &loader{keyPath: "meta.id", tsPath: "meta.when"}
	e, err := l.entry([]byte(`{"meta":{"id":"x1","when":"2015-09-11T00:00:00Z","src":"a"},"n":3,"f":1.5,"tags":["a"]}`))
	require.NoError(t, err)
	assert.Equal(t, "x1", e.Key)
	assert.Equal(t, int64(1441929600000), e.TS)
	assert.Equal(t, int64(3), e.Fields["n"])
	assert.Equal(t, 1.5, e.Fields["f"])
	assert.Equal(t, map[string]any{"src": "a"}, e.Fields["meta"])
	assert.Equal(t, []any{"a"}, e.Fields["tags"])
}

func TestLoaderEntryKeys(t *testing.T) {
	l := &loader{keyPath: "_key", tsPath: "_ts"}

	e, err := l.entry([]byte(`{"_key":42,"v":true}`))
	require.NoError(t, err)
	assert.Equal(t, "42", e.Key)
	assert.Equal(t, int64(0), e.TS)
	assert.Equal(t, collscan.Record{"v": true}, e.Fields)

	_, err = l.entry([]byte(`{"v":1}`))
	assert.ErrorContains(t, err, "missing key")

	_, err = l.entry([]byte(`{"_key":{"a":1}}`))
	assert.ErrorContains(t, err, "unsupported type")

	_, err = l.entry([]byte(`{"_key":"a","_ts":[1]}`))
	assert.ErrorContains(t, err, "timestamp")

	_, err = l.entry([]byte(`not json`))
	assert.Error(t, err)
}

func TestLoaderPartitions(t *testing.T) {
	store, err := segstore.Open(t.TempDir(), segstore.DefaultOptions())
	require.NoError(t, err)
	defer store.Close()

	sharder, err := shard.New(shard.Murmur3, 4)
	require.NoError(t, err)
	l := &loader{
		client:     store,
		collection: "docs",
		keyPath:    "_key",
		sharder:    sharder,
		batchSize:  7,
		pending:    make(map[string][]collscan.Entry),
	}
	require.NoError(t, l.load(t.Context(), fixtureReader(50)))
	assert.Equal(t, 50, l.loaded)

	total := int64(0)
	for i := range 4 {
		name := collscan.PartitionName("docs", i)
		n, err := store.CountRecords(t.Context(), name, collscan.ReadRequest{})
		require.NoError(t, err, name)
		total += n

		entries, err := store.ReadRange(t.Context(), name, collscan.ReadRequest{Count: 100})
		require.NoError(t, err)
		for _, e := range entries {
			assert.Equal(t, i, sharder.Partition(e.Key), e.Key)
		}
	}
	assert.Equal(t, int64(50), total)
}
