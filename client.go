package collscan

import "context"

// CollectionClient is the remote collection service a scan reads from.
//
// ReadRange returns at most req.Count entries of one physical collection in
// ascending key order. Keys are strictly greater than req.StartAfter, or
// greater than or equal to req.Start when Start is set (Start nullifies
// StartAfter). Prefix and timestamp filters are applied by the service.
// A service may return fewer entries than requested even when more exist;
// callers keep reading until an empty page.
//
// ListCollections returns the names of all collections starting with prefix,
// including prefix itself when it names an existing collection.
type CollectionClient interface {
	ReadRange(ctx context.Context, collection string, req ReadRequest) ([]Entry, error)
	ListCollections(ctx context.Context, prefix string) ([]string, error)
}

// RecordCounter is implemented by collection services that can count
// records without returning them.
type RecordCounter interface {
	CountRecords(ctx context.Context, collection string, req ReadRequest) (int64, error)
}

// ReadRequest describes one range read.
type ReadRequest struct {
	// StartAfter is an exclusive lower key bound. Empty means the beginning.
	StartAfter string

	// Start is an inclusive lower key bound. When set it overrides StartAfter.
	Start string

	// Count is the maximum number of entries to return.
	Count int

	// Fields projects the returned record fields. Nil returns all fields.
	Fields []string

	// Prefixes restricts results to keys with any of these prefixes.
	Prefixes []string

	// StartTS and EndTS are inclusive bounds on the record timestamp in
	// epoch ms. Zero means unbounded.
	StartTS int64
	EndTS   int64
}

// Window is the lower bound of one cursor read: exclusive StartAfter or,
// when StartAfter is empty, inclusive Start.
type Window struct {
	StartAfter string
	Start      string
}

// Matches reports whether e satisfies the request's key and timestamp filters.
// Collection service implementations use it to apply the filters uniformly.
func (r ReadRequest) Matches(e Entry) bool {
	if r.Start != "" {
		if e.Key < r.Start {
			return false
		}
	} else if r.StartAfter != "" && e.Key <= r.StartAfter {
		return false
	}
	if len(r.Prefixes) > 0 {
		if _, ok := hasAnyPrefix(e.Key, r.Prefixes); !ok {
			return false
		}
	}
	if r.StartTS != 0 && e.TS < r.StartTS {
		return false
	}
	if r.EndTS != 0 && e.TS > r.EndTS {
		return false
	}
	return true
}

// Project returns a copy of fields restricted to the request's field list.
func (r ReadRequest) Project(fields Record) Record {
	if r.Fields == nil {
		return fields.Clone()
	}
	out := make(Record, len(r.Fields))
	for _, f := range r.Fields {
		if v, ok := fields[f]; ok {
			out[f] = v
		}
	}
	return out
}
