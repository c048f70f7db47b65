package segstore

import (
	"encoding/binary"
	"io"
	"os"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/freeeve/collscan"
)

// Segment magic number and version
const (
	segmentMagic   uint64 = 0x43534547_00000001 // "CSEG" + version 1
	segmentVersion uint32 = 1
)

// segmentFooterSize is the fixed size of the footer in bytes.
const segmentFooterSize = 52

// segmentFooter is the fixed-size footer at the end of each segment file.
type segmentFooter struct {
	BloomOffset uint64
	BloomSize   uint32
	IndexOffset uint64
	IndexSize   uint32
	NumBlocks   uint32
	NumKeys     uint64
	CreatedAt   int64 // unix ms
	Magic       uint64
}

func (f segmentFooter) serialize() []byte {
	buf := make([]byte, 0, segmentFooterSize)
	buf = binary.LittleEndian.AppendUint64(buf, f.BloomOffset)
	buf = binary.LittleEndian.AppendUint32(buf, f.BloomSize)
	buf = binary.LittleEndian.AppendUint64(buf, f.IndexOffset)
	buf = binary.LittleEndian.AppendUint32(buf, f.IndexSize)
	buf = binary.LittleEndian.AppendUint32(buf, f.NumBlocks)
	buf = binary.LittleEndian.AppendUint64(buf, f.NumKeys)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(f.CreatedAt))
	buf = binary.LittleEndian.AppendUint64(buf, f.Magic)
	return buf
}

func parseFooter(data []byte) segmentFooter {
	return segmentFooter{
		BloomOffset: binary.LittleEndian.Uint64(data[0:]),
		BloomSize:   binary.LittleEndian.Uint32(data[8:]),
		IndexOffset: binary.LittleEndian.Uint64(data[12:]),
		IndexSize:   binary.LittleEndian.Uint32(data[20:]),
		NumBlocks:   binary.LittleEndian.Uint32(data[24:]),
		NumKeys:     binary.LittleEndian.Uint64(data[28:]),
		CreatedAt:   int64(binary.LittleEndian.Uint64(data[36:])),
		Magic:       binary.LittleEndian.Uint64(data[44:]),
	}
}

// encodeValue packs the timestamp and msgpack fields of an entry.
func encodeValue(buf []byte, e collscan.Entry) ([]byte, error) {
	fields, err := collscan.EncodeRecord(e.Fields)
	if err != nil {
		return nil, err
	}
	buf = binary.LittleEndian.AppendUint64(buf[:0], uint64(e.TS))
	return append(buf, fields...), nil
}

func decodeValue(key string, value []byte) (collscan.Entry, error) {
	if len(value) < 8 {
		return collscan.Entry{}, ErrCorruptedData
	}
	fields, err := collscan.DecodeRecord(value[8:])
	if err != nil {
		return collscan.Entry{}, errors.Wrapf(err, "key %q", key)
	}
	return collscan.Entry{
		Key:    key,
		TS:     int64(binary.LittleEndian.Uint64(value)),
		Fields: fields,
	}, nil
}

// segmentWriter streams sorted entries into the segment format.
type segmentWriter struct {
	w    io.Writer
	opts Options

	blocks *blockBuilder
	index  *index
	bloom  *bloomFilter

	offset   uint64
	numKeys  uint64
	lastKey  string
	valueBuf []byte
}

func newSegmentWriter(w io.Writer, expectedKeys int, opts Options) *segmentWriter {
	sw := &segmentWriter{
		w:      w,
		opts:   opts,
		blocks: newBlockBuilder(opts.BlockSize),
		index:  &index{},
	}
	if !opts.DisableBloomFilter {
		sw.bloom = newBloomFilter(uint(expectedKeys), opts.BloomFPRate)
	}
	return sw
}

// add appends an entry. Keys must be strictly ascending.
func (w *segmentWriter) add(e collscan.Entry) error {
	if w.numKeys > 0 && e.Key <= w.lastKey {
		return errors.Wrapf(ErrUnsortedKeys, "%q after %q", e.Key, w.lastKey)
	}
	var err error
	if w.valueBuf, err = encodeValue(w.valueBuf, e); err != nil {
		return err
	}
	if w.bloom != nil {
		w.bloom.add(e.Key)
	}
	if !w.blocks.add(e.Key, w.valueBuf) {
		if err := w.flushBlock(); err != nil {
			return err
		}
		w.blocks.add(e.Key, w.valueBuf)
	}
	w.numKeys++
	w.lastKey = e.Key
	return nil
}

func (w *segmentWriter) flushBlock() error {
	if w.blocks.count() == 0 {
		return nil
	}
	entries := w.blocks.entries
	first, last, n := entries[0].Key, entries[len(entries)-1].Key, len(entries)

	data, err := w.blocks.build(w.opts.Compression, w.opts.CompressionLevel)
	if err != nil {
		return err
	}
	if _, err := w.w.Write(data); err != nil {
		return err
	}
	w.index.add(first, last, w.offset, uint32(len(data)), n)
	w.offset += uint64(len(data))
	w.blocks.reset()
	return nil
}

// finish writes the trailing bloom filter, index and footer.
func (w *segmentWriter) finish() error {
	if err := w.flushBlock(); err != nil {
		return err
	}

	bloomOffset := w.offset
	var bloomData []byte
	if w.bloom != nil {
		var err error
		if bloomData, err = w.bloom.serialize(); err != nil {
			return err
		}
		if _, err := w.w.Write(bloomData); err != nil {
			return err
		}
	}

	indexOffset := bloomOffset + uint64(len(bloomData))
	indexData := w.index.serialize()
	if _, err := w.w.Write(indexData); err != nil {
		return err
	}

	footer := segmentFooter{
		BloomOffset: bloomOffset,
		BloomSize:   uint32(len(bloomData)),
		IndexOffset: indexOffset,
		IndexSize:   uint32(len(indexData)),
		NumBlocks:   uint32(len(w.index.Entries)),
		NumKeys:     w.numKeys,
		CreatedAt:   time.Now().UnixMilli(),
		Magic:       segmentMagic,
	}
	_, err := w.w.Write(footer.serialize())
	return err
}

// segment is an open, immutable segment file.
type segment struct {
	id     uint32
	path   string
	footer segmentFooter
	index  *index
	bloom  *bloomFilter
	file   *os.File
}

func openSegment(id uint32, path string) (*segment, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	seg, err := loadSegment(id, path, file)
	if err != nil {
		file.Close()
		return nil, errors.Wrapf(err, "open segment %s", path)
	}
	return seg, nil
}

func loadSegment(id uint32, path string, file *os.File) (*segment, error) {
	stat, err := file.Stat()
	if err != nil {
		return nil, err
	}
	if stat.Size() < segmentFooterSize {
		return nil, ErrInvalidSegment
	}
	footerBuf := make([]byte, segmentFooterSize)
	if _, err := file.ReadAt(footerBuf, stat.Size()-segmentFooterSize); err != nil {
		return nil, err
	}
	footer := parseFooter(footerBuf)
	if footer.Magic != segmentMagic {
		return nil, ErrInvalidSegment
	}

	seg := &segment{id: id, path: path, footer: footer, file: file}
	if footer.BloomSize > 0 {
		buf := make([]byte, footer.BloomSize)
		if _, err := file.ReadAt(buf, int64(footer.BloomOffset)); err != nil {
			return nil, err
		}
		if seg.bloom, err = deserializeBloomFilter(buf); err != nil {
			return nil, errors.Mark(err, ErrCorruptedData)
		}
	}
	indexBuf := make([]byte, footer.IndexSize)
	if _, err := file.ReadAt(indexBuf, int64(footer.IndexOffset)); err != nil {
		return nil, err
	}
	if seg.index, err = deserializeIndex(indexBuf); err != nil {
		return nil, err
	}
	return seg, nil
}

func (s *segment) close() error {
	return s.file.Close()
}

// readBlock loads block i through the cache.
func (s *segment) readBlock(i int, cache *blockCache, verify bool) (*block, error) {
	ie := s.index.Entries[i]
	key := cacheKey{segment: s.id, offset: ie.BlockOffset}
	if b, ok := cache.get(key); ok {
		return b, nil
	}
	data := make([]byte, ie.BlockSize)
	if _, err := s.file.ReadAt(data, int64(ie.BlockOffset)); err != nil {
		return nil, err
	}
	b, err := decodeBlock(data, verify)
	if err != nil {
		return nil, errors.Wrapf(err, "%s block %d", s.path, i)
	}
	cache.put(key, b)
	return b, nil
}

// get looks up a single key, consulting the bloom filter first.
func (s *segment) get(key string, cache *blockCache, verify bool) (collscan.Entry, bool, error) {
	if s.bloom != nil && !s.bloom.mayContain(key) {
		return collscan.Entry{}, false, nil
	}
	i := s.index.search(key)
	if i < 0 {
		return collscan.Entry{}, false, nil
	}
	b, err := s.readBlock(i, cache, verify)
	if err != nil {
		return collscan.Entry{}, false, err
	}
	j := b.search(key)
	if j >= len(b.entries) || b.entries[j].Key != key {
		return collscan.Entry{}, false, nil
	}
	e, err := decodeValue(key, b.entries[j].Value)
	return e, err == nil, err
}

// scan visits raw entries with key >= from in order until fn returns false.
func (s *segment) scan(from string, cache *blockCache, verify bool, fn func(key string, value []byte) (bool, error)) error {
	for i := s.index.seek(from); i < len(s.index.Entries); i++ {
		b, err := s.readBlock(i, cache, verify)
		if err != nil {
			return err
		}
		for _, e := range b.entries[b.search(from):] {
			more, err := fn(e.Key, e.Value)
			if err != nil || !more {
				return err
			}
		}
	}
	return nil
}

// all decodes every entry of the segment.
func (s *segment) all(cache *blockCache, verify bool) ([]collscan.Entry, error) {
	out := make([]collscan.Entry, 0, s.footer.NumKeys)
	err := s.scan("", cache, verify, func(key string, value []byte) (bool, error) {
		e, err := decodeValue(key, value)
		if err != nil {
			return false, err
		}
		out = append(out, e)
		return true, nil
	})
	return out, err
}
