package collscan

import (
	"math/rand/v2"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Options configures a scan Session.
type Options struct {
	// Collection is the logical collection to scan.
	Collection string

	// AutodetectPartitions looks for <Collection>_<i> partitions. When false
	// the collection is always read unpartitioned.
	// Default: true
	AutodetectPartitions bool

	// BatchSize is the maximum number of records per batch.
	// Default: 10000
	BatchSize int

	// MaxNextRecords is the maximum number of records requested per read.
	// Default: 1000
	MaxNextRecords int

	// Count limits the total number of records returned. 0 is unlimited.
	Count int

	// StartAfter starts the scan after this key.
	StartAfter string

	// Start starts the scan at this key, inclusive. Only used for the first
	// read and only when StartAfter is empty.
	Start string

	// StopBefore ends the session at the first key greater than or equal to
	// it, which is the first key carrying it as a prefix when one exists.
	StopBefore string

	// ExcludePrefixes are skipped by jumping the cursor past them.
	ExcludePrefixes []string

	// Prefixes restricts the scan to keys with any of these prefixes.
	Prefixes []string

	// Secondaries are joined on exact key. Their fields overwrite the
	// primary record's fields.
	Secondaries []string

	// HasMany collects records keyed <primary>_<suffix> into list fields.
	HasMany []HasMany

	// StartTS and EndTS are inclusive bounds on record timestamps.
	// EndTS is applied again after joins raise a record's timestamp.
	StartTS Timestamp
	EndTS   Timestamp

	// Meta lists the meta fields (MetaKey, MetaTS) kept on output records.
	// Default: [MetaKey, MetaTS]
	Meta []string

	// Fields projects primary record fields. Nil keeps all fields.
	Fields []string

	// RandomSampling reads one randomly chosen partition per read.
	RandomSampling bool

	// JoinFetchSize is the auxiliary read-ahead batch size.
	// Default: min(MaxNextRecords, BatchSize)
	JoinFetchSize int

	// Retry configures the fixed-delay retry around reads.
	// Default: DefaultRetryOptions()
	Retry RetryOptions

	// Logger receives scan progress and anomalies.
	// Default: the global zerolog logger
	Logger *zerolog.Logger

	// Metrics records scan activity when set.
	Metrics *Metrics

	// Rand drives partition choice in random sampling mode.
	Rand *rand.Rand
}

// HasMany binds an auxiliary collection whose records, keyed
// <primary>_<suffix>, are gathered into Field as a list.
type HasMany struct {
	Collection string
	Field      string
}

// DefaultOptions returns production defaults for scanning collection.
func DefaultOptions(collection string) Options {
	return Options{
		Collection:           collection,
		AutodetectPartitions: true,
		BatchSize:            10000,
		MaxNextRecords:       1000,
		Meta:                 []string{MetaKey, MetaTS},
		Retry:                DefaultRetryOptions(),
	}
}

// SampleOptions returns options for cheap random sampling of a collection.
func SampleOptions(collection string, n int) Options {
	opts := DefaultOptions(collection)
	opts.RandomSampling = true
	opts.Count = n
	opts.BatchSize = n
	opts.MaxNextRecords = min(n, opts.MaxNextRecords)
	return opts
}

// Validate checks that the options can drive a scan.
func (o Options) Validate() error {
	switch {
	case o.Collection == "":
		return errors.Wrap(ErrInvalidOptions, "collection is required")
	case o.BatchSize <= 0:
		return errors.Wrapf(ErrInvalidOptions, "batch size must be positive, got %d", o.BatchSize)
	case o.MaxNextRecords <= 0:
		return errors.Wrapf(ErrInvalidOptions, "max next records must be positive, got %d", o.MaxNextRecords)
	case o.Count < 0:
		return errors.Wrapf(ErrInvalidOptions, "count must not be negative, got %d", o.Count)
	case o.JoinFetchSize < 0:
		return errors.Wrapf(ErrInvalidOptions, "join fetch size must not be negative, got %d", o.JoinFetchSize)
	}
	for _, m := range o.Meta {
		if m != MetaKey && m != MetaTS {
			return errors.Wrapf(ErrInvalidOptions, "unknown meta field %q", m)
		}
	}
	for _, p := range o.ExcludePrefixes {
		if p == "" {
			return errors.Wrap(ErrInvalidOptions, "empty exclude prefix")
		}
	}
	for _, h := range o.HasMany {
		if h.Collection == "" || h.Field == "" {
			return errors.Wrapf(ErrInvalidOptions, "has-many binding needs collection and field, got %+v", h)
		}
	}
	return nil
}

func (o Options) logger() *zerolog.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return &log.Logger
}

func (o Options) joinFetchSize() int {
	if o.JoinFetchSize > 0 {
		return o.JoinFetchSize
	}
	return min(o.MaxNextRecords, o.BatchSize)
}
