package segstore

import (
	"encoding/binary"
	"hash/crc32"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
)

// Compression selects the data block codec.
type Compression uint8

const (
	CompressionZstd   Compression = 0
	CompressionSnappy Compression = 1
	CompressionNone   Compression = 2
)

// String returns the codec name.
func (c Compression) String() string {
	switch c {
	case CompressionZstd:
		return "zstd"
	case CompressionSnappy:
		return "snappy"
	case CompressionNone:
		return "none"
	default:
		return "unknown"
	}
}

// ParseCompression maps a codec name to a Compression.
func ParseCompression(s string) (Compression, error) {
	switch s {
	case "zstd", "":
		return CompressionZstd, nil
	case "snappy":
		return CompressionSnappy, nil
	case "none":
		return CompressionNone, nil
	}
	return 0, errors.Newf("unknown compression %q", s)
}

// Pooled zstd decoder for efficient reuse
var zstdDecoderPool = sync.Pool{
	New: func() any {
		decoder, _ := zstd.NewReader(nil)
		return decoder
	},
}

// maxBlockSize is the maximum allowed uncompressed block size (64MB).
// This prevents OOM from malformed blocks claiming huge uncompressed sizes.
const maxBlockSize = 64 * 1024 * 1024

// Channel-based encoder pools (won't be cleared by GC like sync.Pool).
// Encoder initialization is expensive.
var zstdEncoderPools [5]chan *zstd.Encoder

func init() {
	for i := range zstdEncoderPools {
		zstdEncoderPools[i] = make(chan *zstd.Encoder, 4)
	}
}

func clampLevel(level int) int {
	return min(max(level, 0), len(zstdEncoderPools)-1)
}

func getEncoder(level int) *zstd.Encoder {
	level = clampLevel(level)
	select {
	case enc := <-zstdEncoderPools[level]:
		return enc
	default:
		enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(level)))
		return enc
	}
}

func putEncoder(level int, enc *zstd.Encoder) {
	level = clampLevel(level)
	select {
	case zstdEncoderPools[level] <- enc:
	default:
		enc.Close()
	}
}

// blockFooterSize is the size of the block footer in bytes:
// checksum(4) + uncompressed_size(4) + compressed_size(4) + compression(1)
const blockFooterSize = 13

// blockEntry is one record inside a data block. Value holds the timestamp
// followed by the msgpack-encoded fields.
type blockEntry struct {
	Key   string
	Value []byte
}

// block is a decoded data block.
type block struct {
	entries []blockEntry
	size    int64
}

// blockBuilder accumulates entries until the target block size is reached.
type blockBuilder struct {
	entries   []blockEntry
	size      int
	blockSize int

	buildBuf    []byte
	compressBuf []byte
}

func newBlockBuilder(blockSize int) *blockBuilder {
	return &blockBuilder{
		entries:   make([]blockEntry, 0, 64),
		blockSize: blockSize,
		buildBuf:  make([]byte, 0, blockSize+1024),
	}
}

// add appends an entry. It returns false when the block is full; the first
// entry of a block is always accepted.
func (b *blockBuilder) add(key string, value []byte) bool {
	entrySize := 4 + len(key) + 4 + len(value)
	if b.size > 0 && b.size+entrySize > b.blockSize {
		return false
	}
	b.entries = append(b.entries, blockEntry{Key: key, Value: append([]byte(nil), value...)})
	b.size += entrySize
	return true
}

// build serializes and compresses the block.
func (b *blockBuilder) build(compression Compression, level int) ([]byte, error) {
	buf := b.buildBuf[:0]

	// Header: num_entries(4)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(b.entries)))
	// Entries: [key_len(4)][key][val_len(4)][val]...
	for _, e := range b.entries {
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(e.Key)))
		buf = append(buf, e.Key...)
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(e.Value)))
		buf = append(buf, e.Value...)
	}
	b.buildBuf = buf

	var compressed []byte
	switch compression {
	case CompressionSnappy:
		maxLen := snappy.MaxEncodedLen(len(buf))
		if cap(b.compressBuf) < maxLen {
			b.compressBuf = make([]byte, 0, maxLen)
		}
		compressed = snappy.Encode(b.compressBuf[:maxLen], buf)
	case CompressionNone:
		compressed = append(b.compressBuf[:0], buf...)
		b.compressBuf = compressed[:0]
	case CompressionZstd:
		encoder := getEncoder(level)
		compressed = encoder.EncodeAll(buf, b.compressBuf[:0])
		putEncoder(level, encoder)
		b.compressBuf = compressed[:0]
	default:
		return nil, errors.Newf("unknown compression %d", compression)
	}

	out := make([]byte, 0, len(compressed)+blockFooterSize)
	out = append(out, compressed...)
	out = binary.LittleEndian.AppendUint32(out, crc32.ChecksumIEEE(compressed))
	out = binary.LittleEndian.AppendUint32(out, uint32(len(buf)))
	out = binary.LittleEndian.AppendUint32(out, uint32(len(compressed)))
	out = append(out, byte(compression))
	return out, nil
}

func (b *blockBuilder) reset() {
	b.entries = b.entries[:0]
	b.size = 0
}

func (b *blockBuilder) count() int {
	return len(b.entries)
}

// decodeBlock verifies, decompresses and parses a block.
func decodeBlock(data []byte, verifyChecksum bool) (*block, error) {
	if len(data) < blockFooterSize {
		return nil, ErrCorruptedData
	}
	footer := data[len(data)-blockFooterSize:]
	checksum := binary.LittleEndian.Uint32(footer[0:])
	uncompressedSize := binary.LittleEndian.Uint32(footer[4:])
	compressedSize := binary.LittleEndian.Uint32(footer[8:])
	compression := Compression(footer[12])
	compressed := data[:len(data)-blockFooterSize]

	if uint32(len(compressed)) != compressedSize || uncompressedSize > maxBlockSize {
		return nil, ErrCorruptedData
	}
	if verifyChecksum && crc32.ChecksumIEEE(compressed) != checksum {
		return nil, ErrChecksumMismatch
	}

	var raw []byte
	var err error
	switch compression {
	case CompressionSnappy:
		raw, err = snappy.Decode(make([]byte, uncompressedSize), compressed)
	case CompressionNone:
		raw = compressed
	case CompressionZstd:
		decoder := zstdDecoderPool.Get().(*zstd.Decoder)
		raw, err = decoder.DecodeAll(compressed, make([]byte, 0, uncompressedSize))
		zstdDecoderPool.Put(decoder)
	default:
		return nil, ErrCorruptedData
	}
	if err != nil {
		return nil, errors.Mark(errors.Wrap(err, "decompress block"), ErrCorruptedData)
	}
	if uint32(len(raw)) != uncompressedSize {
		return nil, ErrCorruptedData
	}
	return parseBlock(raw)
}

func parseBlock(data []byte) (*block, error) {
	if len(data) < 4 {
		return nil, ErrCorruptedData
	}
	n := binary.LittleEndian.Uint32(data)
	pos := 4
	b := &block{entries: make([]blockEntry, 0, n), size: int64(len(data))}
	for range n {
		if pos+4 > len(data) {
			return nil, ErrCorruptedData
		}
		keyLen := int(binary.LittleEndian.Uint32(data[pos:]))
		pos += 4
		if pos+keyLen+4 > len(data) {
			return nil, ErrCorruptedData
		}
		key := string(data[pos : pos+keyLen])
		pos += keyLen
		valLen := int(binary.LittleEndian.Uint32(data[pos:]))
		pos += 4
		if pos+valLen > len(data) {
			return nil, ErrCorruptedData
		}
		b.entries = append(b.entries, blockEntry{Key: key, Value: data[pos : pos+valLen]})
		pos += valLen
	}
	return b, nil
}

// search returns the index of the first entry with key >= target.
func (b *block) search(target string) int {
	lo, hi := 0, len(b.entries)
	for lo < hi {
		mid := int(uint(lo+hi) >> 1)
		if b.entries[mid].Key < target {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}
