package collscan

import (
	"testing"

	"github.com/cockroachdb/errors"
)

func TestCompareKeys(t *testing.T) {
	tests := []struct {
		a, b string
		want int
	}{
		{"a", "b", -1},
		{"b", "a", 1},
		{"a", "a", 0},
		{"aa", "a", 1},
		{"a", "aa", -1},
		{"", "a", -1},
		{"", "", 0},
		{"\x00", "\x01", -1},
		{"AD1" + JumpSentinel, "AD199", 1},
		{"AD1_x", "AD1`", -1},
	}

	for _, tt := range tests {
		got := CompareKeys(tt.a, tt.b)
		if got != tt.want {
			t.Errorf("CompareKeys(%q, %q) = %d, want %d", tt.a, tt.b, got, tt.want)
		}
	}
}

func TestJumpTarget(t *testing.T) {
	tests := []struct {
		prefix, key string
		want        string
	}{
		{"AD1", "AD100", "AD1\xff"},
		{"AD1", "AD1", "AD1\xff"},
		// The sentinel does not move past keys that continue with 0xff.
		{"AD1", "AD1\xff\x01", "AD1\xff\x01"},
		{"", "x", "\xff"},
	}
	for _, tt := range tests {
		if got := jumpTarget(tt.prefix, tt.key); got != tt.want {
			t.Errorf("jumpTarget(%q, %q) = %q, want %q", tt.prefix, tt.key, got, tt.want)
		}
	}
}

func TestHasAnyPrefix(t *testing.T) {
	p, ok := hasAnyPrefix("AD432", []string{"AD1", "AD4", "AD43"})
	if !ok || p != "AD4" {
		t.Errorf("got %q %v, want AD4 true", p, ok)
	}
	if _, ok := hasAnyPrefix("AD5", []string{"AD1"}); ok {
		t.Error("unexpected match")
	}
	if _, ok := hasAnyPrefix("AD5", nil); ok {
		t.Error("nil prefixes matched")
	}
}

func TestRecordHelpers(t *testing.T) {
	r := Record{MetaKey: "k1", MetaTS: int64(42), "f": 1}
	if k, ok := r.Key(); !ok || k != "k1" {
		t.Errorf("Key() = %q %v", k, ok)
	}
	if ts, ok := r.TS(); !ok || ts != 42 {
		t.Errorf("TS() = %d %v", ts, ok)
	}
	c := r.Clone()
	c["f"] = 2
	if r["f"] != 1 {
		t.Error("Clone shares storage with the original")
	}
	if _, ok := (Record{}).Key(); ok {
		t.Error("empty record has a key")
	}
}

func TestRecordEncodeDecode(t *testing.T) {
	r := Record{"name": "widget", "count": int64(3), "tags": []any{"a", "b"}}
	data, err := EncodeRecord(r)
	if err != nil {
		t.Fatalf("EncodeRecord: %v", err)
	}
	got, err := DecodeRecord(data)
	if err != nil {
		t.Fatalf("DecodeRecord: %v", err)
	}
	if got["name"] != "widget" {
		t.Errorf("name = %v", got["name"])
	}
	if len(got) != 3 {
		t.Errorf("got %d fields, want 3", len(got))
	}

	empty, err := DecodeRecord(nil)
	if err != nil || len(empty) != 0 {
		t.Errorf("DecodeRecord(nil) = %v, %v", empty, err)
	}
	if _, err := DecodeRecord([]byte{0x81}); err == nil {
		t.Error("expected error for truncated msgpack")
	}
}

func TestCheckOrder(t *testing.T) {
	entries := func(keys ...string) []Entry {
		out := make([]Entry, len(keys))
		for i, k := range keys {
			out[i] = Entry{Key: k}
		}
		return out
	}
	tests := []struct {
		name    string
		req     ReadRequest
		entries []Entry
		wantErr bool
	}{
		{"ascending", ReadRequest{}, entries("a", "b", "c"), false},
		{"duplicate", ReadRequest{}, entries("a", "a"), true},
		{"descending", ReadRequest{}, entries("b", "a"), true},
		{"not after", ReadRequest{StartAfter: "b"}, entries("b", "c"), true},
		{"before start", ReadRequest{Start: "b"}, entries("a"), true},
		{"at start", ReadRequest{Start: "b", StartAfter: "z"}, entries("b"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := checkOrder("c", tt.req, tt.entries)
			if (err != nil) != tt.wantErr {
				t.Fatalf("checkOrder() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrOutOfOrder) {
				t.Errorf("error %v is not ErrOutOfOrder", err)
			}
		})
	}
}

func BenchmarkCompareKeys(b *testing.B) {
	key1 := "user:12345:profile:settings"
	key2 := "user:12345:profile:data"

	for b.Loop() {
		CompareKeys(key1, key2)
	}
}
