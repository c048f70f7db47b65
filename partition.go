package collscan

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
)

// PartitionReader reads one physical collection through the retry wrapper.
type PartitionReader struct {
	client  CollectionClient
	name    string
	retrier *Retrier
	metrics *Metrics
}

// NewPartitionReader creates a reader for the named physical collection.
func NewPartitionReader(client CollectionClient, name string, retrier *Retrier, metrics *Metrics) *PartitionReader {
	return &PartitionReader{
		client:  client,
		name:    name,
		retrier: retrier,
		metrics: metrics,
	}
}

// Name returns the physical collection name.
func (p *PartitionReader) Name() string {
	return p.name
}

// Read fetches up to req.Count entries. An empty collection reads as no
// entries. The result is checked to be ascending and inside the window.
func (p *PartitionReader) Read(ctx context.Context, req ReadRequest) ([]Entry, error) {
	if req.Count <= 0 {
		return nil, nil
	}
	var entries []Entry
	start := time.Now()
	err := p.retrier.Do(ctx, p.name, func(ctx context.Context) error {
		var err error
		entries, err = p.client.ReadRange(ctx, p.name, req)
		if errors.Is(err, ErrEmptyCollection) {
			entries = nil
			return nil
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	p.metrics.read(p.name, len(entries), time.Since(start))
	if len(entries) > req.Count {
		entries = entries[:req.Count]
	}
	if err := checkOrder(p.name, req, entries); err != nil {
		return nil, err
	}
	return entries, nil
}

func checkOrder(name string, req ReadRequest, entries []Entry) error {
	for i, e := range entries {
		if i == 0 {
			if req.Start != "" && e.Key < req.Start {
				return errors.Mark(errors.Newf("%s: key %q before start %q", name, e.Key, req.Start), ErrOutOfOrder)
			}
			if req.Start == "" && req.StartAfter != "" && e.Key <= req.StartAfter {
				return errors.Mark(errors.Newf("%s: key %q not after %q", name, e.Key, req.StartAfter), ErrOutOfOrder)
			}
			continue
		}
		if entries[i-1].Key >= e.Key {
			return errors.Mark(errors.Newf("%s: key %q follows %q", name, e.Key, entries[i-1].Key), ErrOutOfOrder)
		}
	}
	return nil
}
