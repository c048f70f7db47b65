package shard

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseHash(t *testing.T) {
	tests := []struct {
		in      string
		want    Hash
		wantErr bool
	}{
		{"", XXHash, false},
		{"xxhash", XXHash, false},
		{"murmur3", Murmur3, false},
		{"md5", "", true},
	}
	for _, tt := range tests {
		got, err := ParseHash(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got)
	}
}

func TestPartitionDistribution(t *testing.T) {
	for _, h := range []Hash{XXHash, Murmur3} {
		t.Run(string(h), func(t *testing.T) {
			s, err := New(h, 8)
			require.NoError(t, err)
			counts := make([]int, s.Partitions())
			for i := range 8000 {
				p := s.Partition(fmt.Sprintf("AD%05d", i))
				require.GreaterOrEqual(t, p, 0)
				require.Less(t, p, 8)
				counts[p]++
			}
			for p, n := range counts {
				assert.InDelta(t, 1000, n, 200, "partition %d", p)
			}
		})
	}
}

func TestPartitionStable(t *testing.T) {
	a, _ := New(XXHash, 5)
	b, _ := New(XXHash, 5)
	for i := range 100 {
		key := fmt.Sprint(i)
		assert.Equal(t, a.Partition(key), b.Partition(key))
	}
	assert.NotEqual(t, XXHash.Sum64("k"), Murmur3.Sum64("k"))
}

func TestSinglePartition(t *testing.T) {
	s, err := New(Murmur3, 1)
	require.NoError(t, err)
	assert.Equal(t, 0, s.Partition("anything"))

	_, err = New(XXHash, 0)
	assert.Error(t, err)
}
