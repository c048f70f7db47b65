package collscan_test

import (
	"fmt"
	"math/rand/v2"
	"testing"

	"github.com/freeeve/collscan"
	"github.com/freeeve/collscan/memstore"
	"github.com/rs/zerolog"
)

// baseTime is the timestamp of the first fixture record; each following
// record is one hour later.
const baseTime = int64(1441940400000)

const hour = int64(3600000)

func fixtureKey(i int) string {
	return fmt.Sprintf("AD%03d", i)
}

// fixtureEntries builds n records AD000.. with field builders applied.
func fixtureEntries(n int, fields func(i int) collscan.Record) []collscan.Entry {
	entries := make([]collscan.Entry, n)
	for i := range n {
		entries[i] = collscan.Entry{
			Key:    fixtureKey(i),
			TS:     baseTime + int64(i)*hour,
			Fields: fields(i),
		}
	}
	return entries
}

func primaryFields(i int) collscan.Record {
	return collscan.Record{
		"field1": fmt.Sprintf("value 1-%03d", i),
		"field2": fmt.Sprintf("value 2-%03d", i),
	}
}

func secondaryFields(i int) collscan.Record {
	return collscan.Record{"field3": fmt.Sprintf("value 1-%03d", i)}
}

// newFixtureStore returns a store with "test" and "test2" holding 1000
// records each.
func newFixtureStore(opts memstore.Options) *memstore.Store {
	store := memstore.New(opts)
	store.Put("test", fixtureEntries(1000, primaryFields)...)
	store.Put("test2", fixtureEntries(1000, secondaryFields)...)
	return store
}

// newPartitionedStore spreads 1000 records over n partitions of "test".
func newPartitionedStore(n int) *memstore.Store {
	store := memstore.New(memstore.Options{})
	for i, e := range fixtureEntries(1000, primaryFields) {
		store.Put(collscan.PartitionName("test", i%n), e)
	}
	return store
}

func testOptions(collection string) collscan.Options {
	opts := collscan.DefaultOptions(collection)
	opts.Meta = []string{collscan.MetaKey}
	opts.Retry = collscan.RetryOptions{Attempts: 3}
	nop := zerolog.Nop()
	opts.Logger = &nop
	opts.Rand = rand.New(rand.NewPCG(1, 2))
	return opts
}

type scanResult struct {
	records []collscan.Record
	keys    []string
	batches int
}

// scanAll drains a session batch by batch. Before the first batch and after
// each batch the next key of startAfters, if any, repositions the cursor.
func scanAll(t *testing.T, s *collscan.Session, startAfters ...string) scanResult {
	t.Helper()
	ctx := t.Context()
	var res scanResult
	next := func() {
		if len(startAfters) == 0 {
			return
		}
		if err := s.SetStartAfter(startAfters[0]); err != nil {
			t.Fatalf("SetStartAfter(%q): %v", startAfters[0], err)
		}
		startAfters = startAfters[1:]
	}
	next()
	for batch, err := range s.Batches(ctx) {
		if err != nil {
			t.Fatalf("batch %d: %v", res.batches, err)
		}
		res.batches++
		for _, rec := range batch {
			res.records = append(res.records, rec)
			if k, ok := rec.Key(); ok {
				res.keys = append(res.keys, k)
			}
		}
		next()
	}
	return res
}

func openSession(t *testing.T, client collscan.CollectionClient, opts collscan.Options) *collscan.Session {
	t.Helper()
	s, err := collscan.NewSession(t.Context(), client, opts)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// plainClient hides optional interfaces such as RecordCounter.
type plainClient struct {
	collscan.CollectionClient
}
