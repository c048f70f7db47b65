// Package segstore is an on-disk collection service. Each physical
// collection is one immutable segment file of compressed, indexed blocks
// with a bloom filter for point lookups. Writes rewrite the segment and
// replace it atomically.
package segstore

import (
	"bytes"
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/freeeve/collscan"
	"github.com/natefinch/atomic"
	"github.com/rs/zerolog"
)

// segmentExt is the file extension of segment files.
const segmentExt = ".seg"

// Errors
var (
	ErrCorruptedData    = errors.New("corrupted segment data")
	ErrChecksumMismatch = errors.New("block checksum mismatch")
	ErrInvalidSegment   = errors.New("invalid segment format")
	ErrUnsortedKeys     = errors.New("segment keys out of order")
	ErrStoreLocked      = errors.New("store is locked by another process")
	ErrReadOnly         = errors.New("store is read-only")
	ErrClosed           = errors.New("store is closed")
	ErrInvalidName      = errors.New("invalid collection name")
)

var _ collscan.CollectionClient = (*Store)(nil)
var _ collscan.RecordCounter = (*Store)(nil)

// Options configures a Store.
type Options struct {
	// BlockSize is the target uncompressed data block size.
	// Default: 16KB
	BlockSize int

	// Compression is the data block codec.
	// Default: CompressionZstd
	Compression Compression

	// CompressionLevel is the zstd level, 0-4.
	// Default: 1
	CompressionLevel int

	// BloomFPRate is the bloom filter false positive rate.
	// Default: 0.01
	BloomFPRate float64

	// DisableBloomFilter skips the bloom filter when writing segments.
	DisableBloomFilter bool

	// BlockCacheSize bounds decoded blocks kept in memory, in bytes.
	// Default: 16MB. 0 disables the cache.
	BlockCacheSize int64

	// VerifyChecksums checks block checksums on every read.
	// Default: true
	VerifyChecksums bool

	// ReadOnly opens the store without taking the directory lock.
	// Writes fail with ErrReadOnly.
	ReadOnly bool

	Logger *zerolog.Logger
}

// DefaultOptions returns the default store options.
func DefaultOptions() Options {
	return Options{
		BlockSize:        16 * 1024,
		Compression:      CompressionZstd,
		CompressionLevel: 1,
		BloomFPRate:      0.01,
		BlockCacheSize:   16 * 1024 * 1024,
		VerifyChecksums:  true,
	}
}

// Store is a directory of segment files, one per physical collection.
type Store struct {
	dir    string
	opts   Options
	logger *zerolog.Logger

	mu       sync.RWMutex
	writeMu  sync.Mutex
	segments map[string]*segment
	cache    *blockCache
	lockFile *os.File
	nextID   uint32
	closed   bool
}

// Open opens or creates a store in dir.
func Open(dir string, opts Options) (*Store, error) {
	if opts.BlockSize <= 0 {
		opts.BlockSize = DefaultOptions().BlockSize
	}
	if opts.BloomFPRate <= 0 || opts.BloomFPRate >= 1 {
		opts.BloomFPRate = DefaultOptions().BloomFPRate
	}
	logger := opts.Logger
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}

	s := &Store{
		dir:      dir,
		opts:     opts,
		logger:   logger,
		segments: make(map[string]*segment),
		cache:    newBlockCache(opts.BlockCacheSize),
	}

	if !opts.ReadOnly {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, err
		}
		lockFile, err := os.OpenFile(filepath.Join(dir, "LOCK"), os.O_CREATE|os.O_RDWR, 0644)
		if err != nil {
			return nil, errors.Wrap(err, "open lock file")
		}
		if err := acquireLock(lockFile); err != nil {
			lockFile.Close()
			return nil, ErrStoreLocked
		}
		s.lockFile = lockFile
	}

	paths, err := filepath.Glob(filepath.Join(dir, "*"+segmentExt))
	if err != nil {
		s.releaseLock()
		return nil, err
	}
	for _, path := range paths {
		name := strings.TrimSuffix(filepath.Base(path), segmentExt)
		seg, err := openSegment(s.newID(), path)
		if err != nil {
			s.closeSegments()
			s.releaseLock()
			return nil, err
		}
		s.segments[name] = seg
	}
	s.logger.Debug().
		Str("dir", dir).
		Int("collections", len(s.segments)).
		Bool("read_only", opts.ReadOnly).
		Msg("segment store opened")
	return s, nil
}

func (s *Store) newID() uint32 {
	s.nextID++
	return s.nextID
}

func (s *Store) releaseLock() {
	if s.lockFile != nil {
		releaseLockFile(s.lockFile)
		s.lockFile.Close()
		s.lockFile = nil
	}
}

func (s *Store) closeSegments() {
	for _, seg := range s.segments {
		seg.close()
	}
}

// Close closes every segment and releases the directory lock.
func (s *Store) Close() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closeSegments()
	s.releaseLock()
	s.closed = true
	return nil
}

// Dir returns the store directory.
func (s *Store) Dir() string {
	return s.dir
}

// CacheStats returns block cache statistics.
func (s *Store) CacheStats() CacheStats {
	return s.cache.stats()
}

func validName(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) || strings.ContainsRune(name, 0) {
		return errors.Wrapf(ErrInvalidName, "%q", name)
	}
	return nil
}

func (s *Store) path(collection string) string {
	return filepath.Join(s.dir, collection+segmentExt)
}

// segment returns the open segment of collection. Callers hold s.mu.
func (s *Store) segment(collection string) (*segment, error) {
	if s.closed {
		return nil, ErrClosed
	}
	seg, ok := s.segments[collection]
	if !ok || seg.footer.NumKeys == 0 {
		return nil, errors.Wrapf(collscan.ErrEmptyCollection, "%s", collection)
	}
	return seg, nil
}

// Put inserts or replaces entries in collection. The collection's segment
// is rewritten with the merged contents and swapped in atomically.
func (s *Store) Put(ctx context.Context, collection string, entries ...collscan.Entry) error {
	if s.opts.ReadOnly {
		return ErrReadOnly
	}
	if err := validName(collection); err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.RLock()
	old, exists := s.segments[collection]
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return ErrClosed
	}

	merged := make(map[string]collscan.Entry, len(entries))
	if exists {
		current, err := old.all(s.cache, s.opts.VerifyChecksums)
		if err != nil {
			return err
		}
		for _, e := range current {
			merged[e.Key] = e
		}
	}
	for _, e := range entries {
		merged[e.Key] = e
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	var buf bytes.Buffer
	w := newSegmentWriter(&buf, len(keys), s.opts)
	for _, k := range keys {
		if err := w.add(merged[k]); err != nil {
			return err
		}
	}
	if err := w.finish(); err != nil {
		return err
	}
	path := s.path(collection)
	if err := atomic.WriteFile(path, &buf); err != nil {
		return errors.Wrapf(err, "write segment %s", path)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	seg, err := openSegment(s.newID(), path)
	if err != nil {
		return err
	}
	s.segments[collection] = seg
	if exists {
		s.cache.dropSegment(old.id)
		old.close()
	}
	s.logger.Info().
		Str("collection", collection).
		Int("written", len(entries)).
		Int("keys", len(keys)).
		Uint32("blocks", seg.footer.NumBlocks).
		Msg("segment written")
	return nil
}

// Drop deletes a collection.
func (s *Store) Drop(collection string) error {
	if s.opts.ReadOnly {
		return ErrReadOnly
	}
	if err := validName(collection); err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	seg, ok := s.segments[collection]
	if !ok {
		return nil
	}
	delete(s.segments, collection)
	s.cache.dropSegment(seg.id)
	seg.close()
	return os.Remove(seg.path)
}

// Get looks up a single key.
func (s *Store) Get(ctx context.Context, collection, key string) (collscan.Entry, bool, error) {
	if err := ctx.Err(); err != nil {
		return collscan.Entry{}, false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	seg, err := s.segment(collection)
	if errors.Is(err, collscan.ErrEmptyCollection) {
		return collscan.Entry{}, false, nil
	}
	if err != nil {
		return collscan.Entry{}, false, err
	}
	return seg.get(key, s.cache, s.opts.VerifyChecksums)
}

// ReadRange implements collscan.CollectionClient.
func (s *Store) ReadRange(ctx context.Context, collection string, req collscan.ReadRequest) ([]collscan.Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	seg, err := s.segment(collection)
	if err != nil {
		return nil, err
	}
	if req.Count <= 0 {
		return nil, nil
	}

	var out []collscan.Entry
	err = s.match(ctx, seg, req, func(e collscan.Entry, value []byte) (bool, error) {
		full, err := decodeValue(e.Key, value)
		if err != nil {
			return false, err
		}
		full.Fields = req.Project(full.Fields)
		out = append(out, full)
		return len(out) < req.Count, nil
	})
	return out, err
}

// CountRecords implements collscan.RecordCounter.
func (s *Store) CountRecords(ctx context.Context, collection string, req collscan.ReadRequest) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	seg, err := s.segment(collection)
	if err != nil {
		return 0, err
	}
	if req.StartAfter == "" && req.Start == "" && len(req.Prefixes) == 0 && req.StartTS == 0 && req.EndTS == 0 {
		return int64(seg.footer.NumKeys), nil
	}
	var n int64
	err = s.match(ctx, seg, req, func(collscan.Entry, []byte) (bool, error) {
		n++
		return true, nil
	})
	return n, err
}

// match visits the entries of seg that satisfy req's key and timestamp
// filters. The entry passed to fn carries key and timestamp only.
func (s *Store) match(ctx context.Context, seg *segment, req collscan.ReadRequest, fn func(collscan.Entry, []byte) (bool, error)) error {
	from := req.Start
	if from == "" {
		from = req.StartAfter
	}
	if len(req.Prefixes) > 0 {
		from = max(from, slices.Min(req.Prefixes))
	}
	visited := 0
	return seg.scan(from, s.cache, s.opts.VerifyChecksums, func(key string, value []byte) (bool, error) {
		visited++
		if visited%4096 == 0 {
			if err := ctx.Err(); err != nil {
				return false, err
			}
		}
		if len(value) < 8 {
			return false, ErrCorruptedData
		}
		if len(req.Prefixes) > 0 && pastPrefixes(key, req.Prefixes) {
			return false, nil
		}
		e := collscan.Entry{Key: key, TS: int64(binary.LittleEndian.Uint64(value))}
		if !req.Matches(e) {
			return true, nil
		}
		return fn(e, value)
	})
}

// pastPrefixes reports whether key sorts after every key carrying any of
// the prefixes.
func pastPrefixes(key string, prefixes []string) bool {
	for _, p := range prefixes {
		if key <= p || strings.HasPrefix(key, p) {
			return false
		}
	}
	return true
}

// ListCollections implements collscan.CollectionClient.
func (s *Store) ListCollections(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	var names []string
	for name := range s.segments {
		if strings.HasPrefix(name, prefix) {
			names = append(names, name)
		}
	}
	slices.Sort(names)
	return names, nil
}
