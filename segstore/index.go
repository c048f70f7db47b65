package segstore

import (
	"encoding/binary"

	"github.com/bits-and-blooms/bloom/v3"
)

// indexEntry points to one data block.
type indexEntry struct {
	Key         string // first key in the block
	BlockOffset uint64
	BlockSize   uint32
}

// index is the sparse block index of a segment.
type index struct {
	Entries []indexEntry
	MinKey  string
	MaxKey  string
	NumKeys uint64
}

func (idx *index) add(firstKey, lastKey string, offset uint64, size uint32, keys int) {
	if len(idx.Entries) == 0 {
		idx.MinKey = firstKey
	}
	idx.MaxKey = lastKey
	idx.NumKeys += uint64(keys)
	idx.Entries = append(idx.Entries, indexEntry{Key: firstKey, BlockOffset: offset, BlockSize: size})
}

// search finds the block that may contain key, or -1 if key is out of range.
func (idx *index) search(key string) int {
	if len(idx.Entries) == 0 || key < idx.MinKey || key > idx.MaxKey {
		return -1
	}
	return idx.seek(key)
}

// seek returns the first block that may hold keys >= key. Keys below MinKey
// seek to block 0; the result is len(Entries) when key is past MaxKey.
func (idx *index) seek(key string) int {
	if len(idx.Entries) == 0 || key > idx.MaxKey {
		return len(idx.Entries)
	}
	// Binary search for the last entry with Key <= target
	lo, hi := 0, len(idx.Entries)-1
	result := 0
	for lo <= hi {
		mid := (lo + hi) / 2
		if idx.Entries[mid].Key <= key {
			result = mid
			lo = mid + 1
		} else {
			hi = mid - 1
		}
	}
	return result
}

func appendString(buf []byte, s string) []byte {
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(s)))
	return append(buf, s...)
}

func readString(data []byte, pos int) (string, int, error) {
	if pos+4 > len(data) {
		return "", 0, ErrCorruptedData
	}
	n := int(binary.LittleEndian.Uint32(data[pos:]))
	pos += 4
	if pos+n > len(data) {
		return "", 0, ErrCorruptedData
	}
	return string(data[pos : pos+n]), pos + n, nil
}

func (idx *index) serialize() []byte {
	buf := make([]byte, 0, 64+len(idx.Entries)*32)
	buf = binary.LittleEndian.AppendUint64(buf, idx.NumKeys)
	buf = appendString(buf, idx.MinKey)
	buf = appendString(buf, idx.MaxKey)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(idx.Entries)))
	for _, e := range idx.Entries {
		buf = appendString(buf, e.Key)
		buf = binary.LittleEndian.AppendUint64(buf, e.BlockOffset)
		buf = binary.LittleEndian.AppendUint32(buf, e.BlockSize)
	}
	return buf
}

func deserializeIndex(data []byte) (*index, error) {
	if len(data) < 8 {
		return nil, ErrCorruptedData
	}
	idx := &index{NumKeys: binary.LittleEndian.Uint64(data)}
	pos := 8
	var err error
	if idx.MinKey, pos, err = readString(data, pos); err != nil {
		return nil, err
	}
	if idx.MaxKey, pos, err = readString(data, pos); err != nil {
		return nil, err
	}
	if pos+4 > len(data) {
		return nil, ErrCorruptedData
	}
	n := binary.LittleEndian.Uint32(data[pos:])
	pos += 4
	idx.Entries = make([]indexEntry, 0, n)
	for range n {
		var key string
		if key, pos, err = readString(data, pos); err != nil {
			return nil, err
		}
		if pos+12 > len(data) {
			return nil, ErrCorruptedData
		}
		idx.Entries = append(idx.Entries, indexEntry{
			Key:         key,
			BlockOffset: binary.LittleEndian.Uint64(data[pos:]),
			BlockSize:   binary.LittleEndian.Uint32(data[pos+8:]),
		})
		pos += 12
	}
	return idx, nil
}

// bloomFilter wraps a bloom filter with serialization.
type bloomFilter struct {
	filter *bloom.BloomFilter
}

func newBloomFilter(numKeys uint, fpRate float64) *bloomFilter {
	return &bloomFilter{filter: bloom.NewWithEstimates(max(numKeys, 1), fpRate)}
}

func (bf *bloomFilter) add(key string) {
	bf.filter.AddString(key)
}

// mayContain returns true if the key might be in the set.
// False positives are possible, but false negatives are not.
func (bf *bloomFilter) mayContain(key string) bool {
	return bf.filter.TestString(key)
}

func (bf *bloomFilter) serialize() ([]byte, error) {
	return bf.filter.MarshalBinary()
}

func deserializeBloomFilter(data []byte) (*bloomFilter, error) {
	filter := &bloom.BloomFilter{}
	if err := filter.UnmarshalBinary(data); err != nil {
		return nil, err
	}
	return &bloomFilter{filter: filter}, nil
}
