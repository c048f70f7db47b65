package collscan_test

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/freeeve/collscan"
	"github.com/freeeve/collscan/memstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiscoverPartitions(t *testing.T) {
	store := memstore.New(memstore.Options{})
	for i := range 12 {
		store.Create(collscan.PartitionName("events", i))
	}
	store.Create("events_archive")
	store.Create("events2_0")

	p, err := collscan.DiscoverPartitions(t.Context(), store, "events")
	require.NoError(t, err)
	assert.True(t, p.Partitioned())
	assert.True(t, p.Exists)
	require.Len(t, p.Names, 12)
	// Numeric order, not lexicographic.
	assert.Equal(t, "events_2", p.Names[2])
	assert.Equal(t, "events_11", p.Names[11])
}

func TestDiscoverUnpartitioned(t *testing.T) {
	store := memstore.New(memstore.Options{})
	store.Create("plain")

	p, err := collscan.DiscoverPartitions(t.Context(), store, "plain")
	require.NoError(t, err)
	assert.False(t, p.Partitioned())
	assert.True(t, p.Exists)
	assert.Equal(t, []string{"plain"}, p.Names)

	p, err = collscan.DiscoverPartitions(t.Context(), store, "absent")
	require.NoError(t, err)
	assert.False(t, p.Exists)
	assert.Equal(t, []string{"absent"}, p.Names)
}

func TestDiscoverInconsistent(t *testing.T) {
	tests := map[string][]string{
		"gap":           {"c_0", "c_1", "c_3"},
		"missing zero":  {"c_1", "c_2"},
		"leading zeros": {"c_0", "c_01"},
	}
	for name, collections := range tests {
		t.Run(name, func(t *testing.T) {
			store := memstore.New(memstore.Options{})
			for _, c := range collections {
				store.Create(c)
			}
			_, err := collscan.DiscoverPartitions(t.Context(), store, "c")
			assert.True(t, errors.Is(err, collscan.ErrInconsistentPartitions), "got %v", err)
		})
	}
}

func TestUnpartitioned(t *testing.T) {
	p := collscan.Unpartitioned("x")
	assert.Equal(t, collscan.Partitioning{Collection: "x", Names: []string{"x"}, Exists: true}, p)
	assert.False(t, p.Partitioned())
}
