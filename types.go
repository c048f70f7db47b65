package collscan

import (
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/freeeve/msgpck"
)

// Meta field names. They are attached to output records only when requested
// through Options.Meta.
const (
	MetaKey = "_key"
	MetaTS  = "_ts"
)

// JumpSentinel is appended to an excluded prefix to move the cursor past
// every key that starts with it.
const JumpSentinel = "\xff"

// Record is a set of named fields.
type Record map[string]any

// Key returns the _key meta field if present.
func (r Record) Key() (string, bool) {
	k, ok := r[MetaKey].(string)
	return k, ok
}

// TS returns the _ts meta field if present.
func (r Record) TS() (int64, bool) {
	ts, ok := r[MetaTS].(int64)
	return ts, ok
}

// Clone returns a shallow copy of the record.
func (r Record) Clone() Record {
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Entry is a record as stored by a collection service: a key, a timestamp
// in epoch milliseconds, and the record fields.
type Entry struct {
	Key    string
	TS     int64
	Fields Record
}

// Common errors
var (
	// ErrFatalIO is returned once retries against a partition are exhausted.
	ErrFatalIO = errors.New("collection read failed")

	// ErrCanceled marks reads aborted by context cancellation. They are never retried.
	ErrCanceled = errors.New("scan canceled")

	// ErrEmptyCollection may be returned by a CollectionClient for a
	// collection that holds no records at all. It is treated as an empty read.
	ErrEmptyCollection = errors.New("collection is empty")

	// ErrNonMonotonicCursor marks an attempt to move the read cursor backwards.
	ErrNonMonotonicCursor = errors.New("start-after is not strictly increasing")

	// ErrInconsistentPartitions is returned when partition numbering has gaps.
	ErrInconsistentPartitions = errors.New("inconsistent partition numbering")

	// ErrOutOfOrder is returned when a collection service returns keys that
	// are not ascending or not inside the requested window.
	ErrOutOfOrder = errors.New("collection returned keys out of order")

	// ErrInvalidOptions is returned for unusable scan options.
	ErrInvalidOptions = errors.New("invalid scan options")
)

// CompareKeys performs lexicographic comparison of two keys.
// Returns -1 if a < b, 0 if a == b, 1 if a > b.
func CompareKeys(a, b string) int {
	return strings.Compare(a, b)
}

// hasAnyPrefix reports the first prefix of key found in prefixes.
func hasAnyPrefix(key string, prefixes []string) (string, bool) {
	for _, p := range prefixes {
		if strings.HasPrefix(key, p) {
			return p, true
		}
	}
	return "", false
}

// EncodeRecord encodes record fields to msgpack bytes.
func EncodeRecord(r Record) ([]byte, error) {
	if r == nil {
		r = Record{}
	}
	return msgpck.MarshalCopy(map[string]any(r))
}

// DecodeRecord decodes msgpack bytes produced by EncodeRecord.
func DecodeRecord(data []byte) (Record, error) {
	if len(data) == 0 {
		return Record{}, nil
	}
	m, err := msgpck.UnmarshalMapStringAny(data, false)
	if err != nil {
		return nil, errors.Wrap(err, "decode record")
	}
	return Record(m), nil
}
