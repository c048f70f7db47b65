// Package memstore is an in-memory collection service. It orders records
// with a B-tree per collection and can simulate a flaky remote service:
// short pages, transient failures and the empty-collection signal.
package memstore

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/freeeve/collscan"
	"github.com/google/btree"
)

var _ collscan.CollectionClient = (*Store)(nil)
var _ collscan.RecordCounter = (*Store)(nil)

// Options configures fault simulation.
type Options struct {
	// ReturnLess makes every read return this many entries fewer than
	// requested, as long as at least one entry is returned.
	ReturnLess int
}

// Store holds any number of named collections.
type Store struct {
	opts Options

	mu          sync.Mutex
	collections map[string]*btree.BTreeG[collscan.Entry]
	failures    []error
	reads       map[string]int
}

// New creates an empty store.
func New(opts Options) *Store {
	return &Store{
		opts:        opts,
		collections: make(map[string]*btree.BTreeG[collscan.Entry]),
		reads:       make(map[string]int),
	}
}

func lessKey(a, b collscan.Entry) bool {
	return a.Key < b.Key
}

// Create registers an empty collection.
func (s *Store) Create(collection string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tree(collection)
}

func (s *Store) tree(collection string) *btree.BTreeG[collscan.Entry] {
	t, ok := s.collections[collection]
	if !ok {
		t = btree.NewG(32, lessKey)
		s.collections[collection] = t
	}
	return t
}

// Put inserts or replaces entries in collection.
func (s *Store) Put(collection string, entries ...collscan.Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.tree(collection)
	for _, e := range entries {
		t.ReplaceOrInsert(e)
	}
}

// Delete removes a key from collection.
func (s *Store) Delete(collection, key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.collections[collection]
	if !ok {
		return false
	}
	_, ok = t.Delete(collscan.Entry{Key: key})
	return ok
}

// FailNext makes the next reads fail with the given errors, in order.
func (s *Store) FailNext(errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = append(s.failures, errs...)
}

// Reads returns how many ReadRange calls hit collection, failed ones included.
func (s *Store) Reads(collection string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reads[collection]
}

// TotalReads returns the number of ReadRange calls over all collections.
func (s *Store) TotalReads() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, r := range s.reads {
		n += r
	}
	return n
}

// ReadRange implements collscan.CollectionClient.
func (s *Store) ReadRange(ctx context.Context, collection string, req collscan.ReadRequest) ([]collscan.Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.reads[collection]++
	if len(s.failures) > 0 {
		err := s.failures[0]
		s.failures = s.failures[1:]
		return nil, err
	}

	t, ok := s.collections[collection]
	if !ok || t.Len() == 0 {
		return nil, errors.Wrapf(collscan.ErrEmptyCollection, "%s", collection)
	}

	limit := req.Count
	if s.opts.ReturnLess > 0 && limit > s.opts.ReturnLess {
		limit -= s.opts.ReturnLess
	}
	if limit <= 0 {
		return nil, nil
	}

	var out []collscan.Entry
	visit := func(e collscan.Entry) bool {
		if !req.Matches(e) {
			return true
		}
		out = append(out, collscan.Entry{Key: e.Key, TS: e.TS, Fields: req.Project(e.Fields)})
		return len(out) < limit
	}
	switch {
	case req.Start != "":
		t.AscendGreaterOrEqual(collscan.Entry{Key: req.Start}, visit)
	case req.StartAfter != "":
		t.AscendGreaterOrEqual(collscan.Entry{Key: req.StartAfter}, visit)
	default:
		t.Ascend(visit)
	}
	return out, nil
}

// CountRecords implements collscan.RecordCounter.
func (s *Store) CountRecords(ctx context.Context, collection string, req collscan.ReadRequest) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.collections[collection]
	if !ok {
		return 0, errors.Wrapf(collscan.ErrEmptyCollection, "%s", collection)
	}
	var n int64
	t.Ascend(func(e collscan.Entry) bool {
		if req.Matches(e) {
			n++
		}
		return true
	})
	return n, nil
}

// ListCollections implements collscan.CollectionClient.
func (s *Store) ListCollections(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var names []string
	for name := range s.collections {
		if strings.HasPrefix(name, prefix) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}
