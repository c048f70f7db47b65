// Package shard assigns keys to collection partitions by hash.
package shard

import (
	"github.com/cespare/xxhash/v2"
	"github.com/cockroachdb/errors"
	"github.com/spaolacci/murmur3"
)

// Hash names a key hash function.
type Hash string

const (
	XXHash  Hash = "xxhash"
	Murmur3 Hash = "murmur3"
)

// ParseHash validates a hash name. The empty name selects XXHash.
func ParseHash(s string) (Hash, error) {
	switch Hash(s) {
	case XXHash, "":
		return XXHash, nil
	case Murmur3:
		return Murmur3, nil
	}
	return "", errors.Newf("unknown hash %q (want xxhash or murmur3)", s)
}

// Sum64 hashes key.
func (h Hash) Sum64(key string) uint64 {
	if h == Murmur3 {
		return murmur3.Sum64([]byte(key))
	}
	return xxhash.Sum64String(key)
}

// Sharder maps keys onto n partitions.
type Sharder struct {
	hash Hash
	n    int
}

// New returns a Sharder over n partitions. n must be positive.
func New(hash Hash, n int) (*Sharder, error) {
	if n <= 0 {
		return nil, errors.Newf("partition count must be positive, got %d", n)
	}
	return &Sharder{hash: hash, n: n}, nil
}

// Partitions returns the partition count.
func (s *Sharder) Partitions() int {
	return s.n
}

// Partition returns the partition index of key.
func (s *Sharder) Partition(key string) int {
	if s.n == 1 {
		return 0
	}
	return int(s.hash.Sum64(key) % uint64(s.n))
}
