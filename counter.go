package collscan

import (
	"context"
	"iter"
	"math/rand/v2"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// countPageSize is the page size used when a service cannot count natively.
const countPageSize = 1000

// CounterOptions configures a Counter.
type CounterOptions struct {
	// AutodetectPartitions looks for <collection>_<i> partitions.
	// Default: true
	AutodetectPartitions bool

	// Workers bounds the partitions counted concurrently.
	// Default: 8
	Workers int

	Retry   RetryOptions
	Logger  *zerolog.Logger
	Metrics *Metrics
	Rand    *rand.Rand
}

// DefaultCounterOptions returns defaults for counting.
func DefaultCounterOptions() CounterOptions {
	return CounterOptions{
		AutodetectPartitions: true,
		Workers:              8,
		Retry:                DefaultRetryOptions(),
	}
}

// Counter counts records and enumerates key prefixes of a possibly
// partitioned collection.
type Counter struct {
	client  CollectionClient
	layout  Partitioning
	readers []*PartitionReader
	workers int
	rng     *rand.Rand
}

// NewCounter discovers the layout of collection.
func NewCounter(ctx context.Context, client CollectionClient, collection string, opts CounterOptions) (*Counter, error) {
	logger := opts.Logger
	if logger == nil {
		logger = Options{}.logger()
	}
	layout := Unpartitioned(collection)
	if opts.AutodetectPartitions {
		var err error
		if layout, err = DiscoverPartitions(ctx, client, collection); err != nil {
			return nil, err
		}
		if layout.Partitioned() {
			logger.Info().
				Str("collection", collection).
				Int("partitions", len(layout.Names)).
				Msg("partitioned collection detected")
		}
	}
	retrier := NewRetrier(opts.Retry, logger, opts.Metrics)
	c := &Counter{
		client:  client,
		layout:  layout,
		workers: max(opts.Workers, 1),
		rng:     opts.Rand,
	}
	if c.rng == nil {
		c.rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	for _, name := range layout.Names {
		c.readers = append(c.readers, NewPartitionReader(client, name, retrier, opts.Metrics))
	}
	return c, nil
}

// Partitions returns the collection layout.
func (c *Counter) Partitions() Partitioning {
	return c.layout
}

// Count returns the number of records matching req's filters summed over
// every partition. Partitions are counted concurrently.
func (c *Counter) Count(ctx context.Context, req ReadRequest) (int64, error) {
	var total atomic.Int64
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(c.workers)
	for _, r := range c.readers {
		g.Go(func() error {
			n, err := c.countPartition(ctx, r, req)
			if err != nil {
				return err
			}
			total.Add(n)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}
	return total.Load(), nil
}

// FastCount counts one random partition and scales by the partition count.
// It is exact only for unpartitioned collections.
func (c *Counter) FastCount(ctx context.Context, req ReadRequest) (int64, error) {
	r := c.readers[c.rng.IntN(len(c.readers))]
	n, err := c.countPartition(ctx, r, req)
	if err != nil {
		return 0, err
	}
	return n * int64(len(c.readers)), nil
}

func (c *Counter) countPartition(ctx context.Context, r *PartitionReader, req ReadRequest) (int64, error) {
	if rc, ok := c.client.(RecordCounter); ok {
		var n int64
		err := r.retrier.Do(ctx, r.Name(), func(ctx context.Context) error {
			var err error
			n, err = rc.CountRecords(ctx, r.Name(), req)
			if errors.Is(err, ErrEmptyCollection) {
				n = 0
				return nil
			}
			return err
		})
		return n, err
	}

	page := req
	page.Count = countPageSize
	page.Fields = []string{}
	var n int64
	for {
		entries, err := r.Read(ctx, page)
		if err != nil {
			return 0, err
		}
		n += int64(len(entries))
		if len(entries) == 0 {
			return n, nil
		}
		page.StartAfter, page.Start = entries[len(entries)-1].Key, ""
	}
}

// Prefixes yields the distinct key prefixes of length codelen. Partitions
// are walked round-robin and each prefix is yielded the first time it is
// seen. With fast set only one random partition is walked.
//
// Each step reads a single key and jumps past every key sharing its prefix,
// so the cost is one read per distinct prefix per partition.
func (c *Counter) Prefixes(ctx context.Context, codelen int, fast bool, req ReadRequest) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		if codelen <= 0 {
			yield("", errors.Wrapf(ErrInvalidOptions, "prefix length must be positive, got %d", codelen))
			return
		}
		readers := c.readers
		if fast {
			i := c.rng.IntN(len(readers))
			readers = readers[i : i+1]
		}
		type walker struct {
			r     *PartitionReader
			after string
			done  bool
		}
		walkers := make([]*walker, len(readers))
		for i, r := range readers {
			walkers[i] = &walker{r: r, after: req.StartAfter}
		}

		seen := make(map[string]struct{})
		for active := len(walkers); active > 0; {
			for _, w := range walkers {
				if w.done {
					continue
				}
				step := req
				step.StartAfter, step.Start, step.Count, step.Fields = w.after, "", 1, []string{}
				entries, err := w.r.Read(ctx, step)
				if err != nil {
					yield("", err)
					return
				}
				if len(entries) == 0 {
					w.done = true
					active--
					continue
				}
				key := entries[0].Key
				code := key[:min(codelen, len(key))]
				w.after = jumpTarget(code, key)
				if _, ok := seen[code]; ok {
					continue
				}
				seen[code] = struct{}{}
				if !yield(code, nil) {
					return
				}
			}
		}
	}
}
