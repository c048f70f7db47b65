package collscan

import (
	"context"
	"iter"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"
)

// progressInterval is how many scanned records pass between progress log lines.
const progressInterval = 10000

// State is the lifecycle state of a Session.
type State int

const (
	// StateInit is a session that has not read yet.
	StateInit State = iota
	// StateScanning is a session with more data to read.
	StateScanning
	// StateExhausted is a session that ran out of data or hit its count limit.
	StateExhausted
	// StateStopped is a session that reached its stop-before key.
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateScanning:
		return "scanning"
	case StateExhausted:
		return "exhausted"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Session scans one logical collection in key order, in batches.
//
// A Session is not safe for concurrent use.
type Session struct {
	opts    Options
	logger  *zerolog.Logger
	metrics *Metrics

	layout  Partitioning
	primary *MergeCursor
	join    *JoinEngine

	startTS int64
	endTS   int64
	keepKey bool
	keepTS  bool

	state      State
	enabled    bool
	scanned    int
	startAfter string
	start      string
	lastKey    string
	requested  string
	hasRead    bool
}

// NewSession discovers the collection layout and prepares a scan. Timestamp
// parse errors and inconsistent partition numbering fail here.
func NewSession(ctx context.Context, client CollectionClient, opts Options) (*Session, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	startTS, err := opts.StartTS.Resolve()
	if err != nil {
		return nil, errors.Wrap(err, "start timestamp")
	}
	endTS, err := opts.EndTS.Resolve()
	if err != nil {
		return nil, errors.Wrap(err, "end timestamp")
	}

	s := &Session{
		opts:    opts,
		logger:  opts.logger(),
		metrics: opts.Metrics,
		startTS: startTS,
		endTS:   endTS,
	}
	for _, m := range opts.Meta {
		switch m {
		case MetaKey:
			s.keepKey = true
		case MetaTS:
			s.keepTS = true
		}
	}

	retrier := NewRetrier(opts.Retry, s.logger, s.metrics)

	s.layout = Unpartitioned(opts.Collection)
	if opts.AutodetectPartitions {
		s.layout, err = DiscoverPartitions(ctx, client, opts.Collection)
		if err != nil {
			return nil, err
		}
		if s.layout.Partitioned() {
			s.logger.Info().
				Str("collection", opts.Collection).
				Int("partitions", len(s.layout.Names)).
				Msg("partitioned collection detected")
		}
	}
	filter := ReadRequest{
		Fields:   opts.Fields,
		Prefixes: opts.Prefixes,
		StartTS:  startTS,
		EndTS:    endTS,
	}
	s.primary = s.newCursor(client, s.layout, filter, retrier, opts.RandomSampling)

	s.join = NewJoinEngine(opts.joinFetchSize(), s.logger)
	for _, name := range opts.Secondaries {
		layout, ok, err := s.auxLayout(ctx, client, name)
		if err != nil {
			return nil, err
		}
		if ok {
			s.join.AddSecondary(s.newCursor(client, layout, ReadRequest{}, retrier, false))
		}
	}
	for _, h := range opts.HasMany {
		layout, ok, err := s.auxLayout(ctx, client, h.Collection)
		if err != nil {
			return nil, err
		}
		if ok {
			s.join.AddHasMany(s.newCursor(client, layout, ReadRequest{}, retrier, false), h.Field)
		}
	}

	s.Reset()
	return s, nil
}

func (s *Session) newCursor(client CollectionClient, layout Partitioning, filter ReadRequest, retrier *Retrier, random bool) *MergeCursor {
	caches := make([]*BlockCache, len(layout.Names))
	for i, name := range layout.Names {
		caches[i] = NewBlockCache(NewPartitionReader(client, name, retrier, s.metrics), filter, s.metrics)
	}
	return NewMergeCursor(layout.Collection, caches, random, s.opts.Rand, s.logger)
}

// auxLayout resolves an auxiliary collection. Collections that do not exist
// are skipped.
func (s *Session) auxLayout(ctx context.Context, client CollectionClient, name string) (Partitioning, bool, error) {
	layout, err := DiscoverPartitions(ctx, client, name)
	if err != nil {
		return Partitioning{}, false, err
	}
	if !layout.Exists {
		s.logger.Info().Str("collection", name).Msg("auxiliary collection not found, skipping")
		return Partitioning{}, false, nil
	}
	if !s.opts.AutodetectPartitions {
		layout = Unpartitioned(name)
	}
	return layout, true, nil
}

// NewBatch returns a lazy sequence of up to BatchSize records. Iteration
// stops early on the first error, which is yielded with a nil record.
// Stopping the iteration early leaves the cursor after the last record seen.
func (s *Session) NewBatch(ctx context.Context) iter.Seq2[Record, error] {
	return func(yield func(Record, error) bool) {
		if !s.enabled {
			return
		}
		if s.state == StateInit {
			s.state = StateScanning
		}
		remaining := s.opts.BatchSize
		for want := s.nextReadSize(remaining); want > 0 && s.enabled; want = s.nextReadSize(remaining) {
			w := Window{StartAfter: s.startAfter}
			if s.startAfter == "" {
				w.Start = s.start
			}
			entries, err := s.primary.Get(ctx, w, want)
			if err != nil {
				yield(nil, err)
				return
			}
			s.start = ""
			s.requested, s.hasRead = s.startAfter, true

			count := 0
			jumped := false
			for _, e := range entries {
				if s.opts.StopBefore != "" && CompareKeys(e.Key, s.opts.StopBefore) >= 0 {
					s.stop(StateStopped)
					return
				}
				count++
				if p, ok := hasAnyPrefix(e.Key, s.opts.ExcludePrefixes); ok {
					s.startAfter = jumpTarget(p, e.Key)
					jumped = true
					break
				}
				s.startAfter = e.Key
				s.lastKey = e.Key

				joined, err := s.join.Apply(ctx, e)
				if err != nil {
					yield(nil, err)
					return
				}
				if s.endTS != 0 && joined.TS > s.endTS {
					s.metrics.drop()
					continue
				}
				rec := s.output(joined)
				s.scanned++
				remaining--
				s.metrics.emit()
				if s.scanned%progressInterval == 0 {
					s.logger.Info().
						Str("collection", s.opts.Collection).
						Int("scanned", s.scanned).
						Str("last_key", s.lastKey).
						Msg("scan progress")
				}
				if !yield(rec, nil) {
					return
				}
			}
			s.afterRead(count, want, jumped)
		}
	}
}

// afterRead decides whether another read may follow.
func (s *Session) afterRead(count, want int, jumped bool) {
	more := count >= want && (s.opts.Count == 0 || s.scanned < s.opts.Count)
	if !more && !jumped {
		s.stop(StateExhausted)
	}
}

func (s *Session) stop(state State) {
	s.enabled = false
	s.state = state
}

// nextReadSize is the number of entries to request next.
func (s *Session) nextReadSize(remaining int) int {
	n := min(s.opts.MaxNextRecords, remaining)
	if s.opts.Count > 0 {
		n = min(n, s.opts.Count-s.scanned)
	}
	return max(n, 0)
}

// jumpTarget is the start-after skipping every key with prefix p. When the
// sentinel would not move past key, the cursor skips key alone.
func jumpTarget(p, key string) string {
	target := p + JumpSentinel
	if CompareKeys(target, key) <= 0 {
		return key
	}
	return target
}

func (s *Session) output(e Entry) Record {
	rec := e.Fields
	if rec == nil {
		rec = make(Record, 2)
	} else if s.join.Len() == 0 {
		rec = rec.Clone()
	}
	if s.keepKey {
		rec[MetaKey] = e.Key
	} else {
		delete(rec, MetaKey)
	}
	if s.keepTS {
		rec[MetaTS] = e.TS
	} else {
		delete(rec, MetaTS)
	}
	return rec
}

// NextBatch reads one batch into a slice.
func (s *Session) NextBatch(ctx context.Context) ([]Record, error) {
	var batch []Record
	for rec, err := range s.NewBatch(ctx) {
		if err != nil {
			return batch, err
		}
		batch = append(batch, rec)
	}
	return batch, nil
}

// Batches yields non-empty batches until the session is exhausted or
// stopped. An error ends the sequence.
func (s *Session) Batches(ctx context.Context) iter.Seq2[[]Record, error] {
	return func(yield func([]Record, error) bool) {
		for s.enabled {
			batch, err := s.NextBatch(ctx)
			if err != nil {
				yield(batch, err)
				return
			}
			if len(batch) == 0 {
				continue
			}
			if !yield(batch, nil) {
				return
			}
		}
	}
}

// SetStartAfter moves the cursor so the next read starts after key. Once
// the session has read, the key must be past both the last start-after used
// for a read and the current cursor position.
func (s *Session) SetStartAfter(key string) error {
	if floor := max(s.requested, s.startAfter); s.hasRead && CompareKeys(key, floor) <= 0 {
		return errors.Mark(
			errors.AssertionFailedf("start-after %q does not follow %q", key, floor),
			ErrNonMonotonicCursor)
	}
	s.startAfter = key
	s.start = ""
	return nil
}

// Reset returns the session to its freshly constructed state.
func (s *Session) Reset() {
	s.primary.Reset()
	s.join.Reset()
	s.state = StateInit
	s.enabled = true
	s.scanned = 0
	s.startAfter = s.opts.StartAfter
	s.start = s.opts.Start
	s.lastKey = ""
	s.requested = ""
	s.hasRead = false
}

// ScannedCount returns the number of records returned so far.
func (s *Session) ScannedCount() int {
	return s.scanned
}

// Enabled reports whether more batches may follow.
func (s *Session) Enabled() bool {
	return s.enabled
}

// State returns the lifecycle state.
func (s *Session) State() State {
	return s.state
}

// LastKey returns the key of the last record read, including records
// dropped by the end timestamp.
func (s *Session) LastKey() string {
	return s.lastKey
}

// Partitions returns the primary collection layout.
func (s *Session) Partitions() Partitioning {
	return s.layout
}

// CacheStats returns the primary cursor's cache statistics.
func (s *Session) CacheStats() CacheStats {
	return s.primary.Stats()
}

// Close logs the scanned total. The session must not be used afterwards.
func (s *Session) Close() error {
	s.logger.Info().
		Str("collection", s.opts.Collection).
		Int("scanned", s.scanned).
		Str("state", s.state.String()).
		Msg("scan finished")
	s.enabled = false
	return nil
}
