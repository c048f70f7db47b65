package memstore

import (
	"context"
	"fmt"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/freeeve/collscan"
)

func seed(s *Store, collection string, n int) {
	for i := range n {
		s.Put(collection, collscan.Entry{
			Key:    fmt.Sprintf("k%03d", i),
			TS:     int64(i),
			Fields: collscan.Record{"i": i, "even": i%2 == 0},
		})
	}
}

func TestReadRangeBounds(t *testing.T) {
	s := New(Options{})
	seed(s, "c", 20)
	ctx := context.Background()

	got, err := s.ReadRange(ctx, "c", collscan.ReadRequest{StartAfter: "k004", Count: 3})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 || got[0].Key != "k005" || got[2].Key != "k007" {
		t.Errorf("StartAfter read = %v", got)
	}

	got, _ = s.ReadRange(ctx, "c", collscan.ReadRequest{Start: "k004", StartAfter: "k010", Count: 1})
	if len(got) != 1 || got[0].Key != "k004" {
		t.Errorf("Start read = %v", got)
	}

	got, _ = s.ReadRange(ctx, "c", collscan.ReadRequest{StartTS: 3, EndTS: 5, Count: 100})
	if len(got) != 3 || got[0].Key != "k003" || got[2].Key != "k005" {
		t.Errorf("timestamp read = %v", got)
	}

	got, _ = s.ReadRange(ctx, "c", collscan.ReadRequest{Prefixes: []string{"k01"}, Count: 100})
	if len(got) != 10 {
		t.Errorf("prefix read returned %d entries, want 10", len(got))
	}
}

func TestReadRangeProjection(t *testing.T) {
	s := New(Options{})
	seed(s, "c", 1)
	ctx := context.Background()

	got, _ := s.ReadRange(ctx, "c", collscan.ReadRequest{Count: 1, Fields: []string{"i"}})
	if len(got[0].Fields) != 1 || got[0].Fields["i"] != 0 {
		t.Errorf("projected fields = %v", got[0].Fields)
	}

	got, _ = s.ReadRange(ctx, "c", collscan.ReadRequest{Count: 1, Fields: []string{}})
	if len(got[0].Fields) != 0 {
		t.Errorf("empty projection = %v", got[0].Fields)
	}

	got, _ = s.ReadRange(ctx, "c", collscan.ReadRequest{Count: 1})
	got[0].Fields["i"] = 99
	again, _ := s.ReadRange(ctx, "c", collscan.ReadRequest{Count: 1})
	if again[0].Fields["i"] != 0 {
		t.Error("returned fields alias stored record")
	}
}

func TestReturnLess(t *testing.T) {
	s := New(Options{ReturnLess: 5})
	seed(s, "c", 50)
	ctx := context.Background()

	tests := []struct {
		count, want int
	}{
		{20, 15},
		{6, 1},
		{5, 5},
		{3, 3},
	}
	for _, tt := range tests {
		got, err := s.ReadRange(ctx, "c", collscan.ReadRequest{Count: tt.count})
		if err != nil {
			t.Fatal(err)
		}
		if len(got) != tt.want {
			t.Errorf("count %d: got %d entries, want %d", tt.count, len(got), tt.want)
		}
	}
}

func TestEmptyCollection(t *testing.T) {
	s := New(Options{})
	ctx := context.Background()
	if _, err := s.ReadRange(ctx, "nothing", collscan.ReadRequest{Count: 1}); !errors.Is(err, collscan.ErrEmptyCollection) {
		t.Errorf("missing collection: got %v", err)
	}
	s.Create("empty")
	if _, err := s.ReadRange(ctx, "empty", collscan.ReadRequest{Count: 1}); !errors.Is(err, collscan.ErrEmptyCollection) {
		t.Errorf("empty collection: got %v", err)
	}
	if n, err := s.CountRecords(ctx, "empty", collscan.ReadRequest{}); err != nil || n != 0 {
		t.Errorf("CountRecords(empty) = %d, %v", n, err)
	}
}

func TestFailNext(t *testing.T) {
	s := New(Options{})
	seed(s, "c", 3)
	ctx := context.Background()
	boom := errors.New("boom")
	s.FailNext(boom)

	if _, err := s.ReadRange(ctx, "c", collscan.ReadRequest{Count: 1}); !errors.Is(err, boom) {
		t.Errorf("first read: got %v, want boom", err)
	}
	if _, err := s.ReadRange(ctx, "c", collscan.ReadRequest{Count: 1}); err != nil {
		t.Errorf("second read: %v", err)
	}
	if s.Reads("c") != 2 || s.TotalReads() != 2 {
		t.Errorf("reads = %d/%d, want 2", s.Reads("c"), s.TotalReads())
	}
}

func TestListCollectionsAndDelete(t *testing.T) {
	s := New(Options{})
	seed(s, "a_1", 1)
	seed(s, "a_0", 1)
	seed(s, "b", 1)
	names, err := s.ListCollections(context.Background(), "a")
	if err != nil {
		t.Fatal(err)
	}
	if len(names) != 2 || names[0] != "a_0" || names[1] != "a_1" {
		t.Errorf("ListCollections = %v", names)
	}

	if !s.Delete("b", "k000") {
		t.Error("Delete returned false for existing key")
	}
	if s.Delete("b", "k000") || s.Delete("zzz", "k000") {
		t.Error("Delete returned true for missing key")
	}
}

func TestCanceledContext(t *testing.T) {
	s := New(Options{})
	seed(s, "c", 1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := s.ReadRange(ctx, "c", collscan.ReadRequest{Count: 1}); !errors.Is(err, context.Canceled) {
		t.Errorf("got %v, want context.Canceled", err)
	}
	if s.Reads("c") != 0 {
		t.Error("canceled read was counted")
	}
}
