// Package redisstore is a collection service backed by Redis. A collection
// is a sorted set of keys (all scored 0, so ordered lexicographically) plus
// a hash of msgpack-encoded values. A set tracks the collection names.
package redisstore

import (
	"context"
	"slices"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/freeeve/collscan"
	"github.com/go-redis/redis/v9"
	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"
)

var _ collscan.CollectionClient = (*Store)(nil)
var _ collscan.RecordCounter = (*Store)(nil)

// DefaultNamespace prefixes every Redis key written by a Store.
const DefaultNamespace = "collscan"

// minPage is the smallest number of keys fetched per ZRANGEBYLEX round trip.
const minPage = 64

// Options configures a Store.
type Options struct {
	// Namespace prefixes every key.
	// Default: DefaultNamespace
	Namespace string

	Logger *zerolog.Logger
}

// Store implements collscan.CollectionClient over a Redis client.
type Store struct {
	rdb    *redis.Client
	ns     string
	logger *zerolog.Logger
}

// value is the stored form of an entry.
type value struct {
	TS     int64          `msgpack:"ts"`
	Fields map[string]any `msgpack:"f"`
}

// New wraps rdb. The caller owns the client.
func New(rdb *redis.Client, opts Options) *Store {
	if opts.Namespace == "" {
		opts.Namespace = DefaultNamespace
	}
	logger := opts.Logger
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &Store{rdb: rdb, ns: opts.Namespace, logger: logger}
}

// Dial connects to the Redis server at addr.
func Dial(ctx context.Context, addr string, opts Options) (*Store, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, errors.Wrapf(err, "connect to redis at %s", addr)
	}
	return New(rdb, opts), nil
}

// Close closes the underlying client.
func (s *Store) Close() error {
	return s.rdb.Close()
}

func (s *Store) namesKey() string            { return s.ns + ":collections" }
func (s *Store) keysKey(coll string) string   { return s.ns + ":keys:" + coll }
func (s *Store) valuesKey(coll string) string { return s.ns + ":values:" + coll }

// Put inserts or replaces entries in collection.
func (s *Store) Put(ctx context.Context, collection string, entries ...collscan.Entry) error {
	if collection == "" {
		return errors.New("redisstore: empty collection name")
	}
	members := make([]redis.Z, 0, len(entries))
	pairs := make([]any, 0, 2*len(entries))
	for _, e := range entries {
		data, err := msgpack.Marshal(&value{TS: e.TS, Fields: e.Fields})
		if err != nil {
			return errors.Wrapf(err, "encode %q", e.Key)
		}
		members = append(members, redis.Z{Score: 0, Member: e.Key})
		pairs = append(pairs, e.Key, data)
	}
	_, err := s.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, s.namesKey(), collection)
		if len(entries) > 0 {
			pipe.ZAddArgs(ctx, s.keysKey(collection), redis.ZAddArgs{Members: members})
			pipe.HSet(ctx, s.valuesKey(collection), pairs...)
		}
		return nil
	})
	if err != nil {
		return errors.Wrapf(err, "put %d entries into %s", len(entries), collection)
	}
	s.logger.Debug().Str("collection", collection).Int("written", len(entries)).Msg("entries written")
	return nil
}

// Drop deletes a collection.
func (s *Store) Drop(ctx context.Context, collection string) error {
	_, err := s.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.keysKey(collection), s.valuesKey(collection))
		pipe.SRem(ctx, s.namesKey(), collection)
		return nil
	})
	return err
}

// Get looks up a single key.
func (s *Store) Get(ctx context.Context, collection, key string) (collscan.Entry, bool, error) {
	data, err := s.rdb.HGet(ctx, s.valuesKey(collection), key).Bytes()
	if errors.Is(err, redis.Nil) {
		return collscan.Entry{}, false, nil
	}
	if err != nil {
		return collscan.Entry{}, false, err
	}
	e, err := decodeEntry(key, data)
	return e, err == nil, err
}

func decodeEntry(key string, data []byte) (collscan.Entry, error) {
	var v value
	if err := msgpack.Unmarshal(data, &v); err != nil {
		return collscan.Entry{}, errors.Wrapf(err, "decode %q", key)
	}
	return collscan.Entry{Key: key, TS: v.TS, Fields: v.Fields}, nil
}

// ReadRange implements collscan.CollectionClient.
func (s *Store) ReadRange(ctx context.Context, collection string, req collscan.ReadRequest) ([]collscan.Entry, error) {
	if req.Count <= 0 {
		return nil, s.checkExists(ctx, collection)
	}
	var out []collscan.Entry
	err := s.match(ctx, collection, req, max(req.Count, minPage), func(e collscan.Entry) bool {
		e.Fields = req.Project(e.Fields)
		out = append(out, e)
		return len(out) < req.Count
	})
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, s.checkExists(ctx, collection)
	}
	return out, nil
}

// CountRecords implements collscan.RecordCounter.
func (s *Store) CountRecords(ctx context.Context, collection string, req collscan.ReadRequest) (int64, error) {
	if req.StartAfter == "" && req.Start == "" && len(req.Prefixes) == 0 && req.StartTS == 0 && req.EndTS == 0 {
		n, err := s.rdb.ZCard(ctx, s.keysKey(collection)).Result()
		if err != nil {
			return 0, err
		}
		if n == 0 {
			return 0, errors.Wrapf(collscan.ErrEmptyCollection, "%s", collection)
		}
		return n, nil
	}
	if err := s.checkExists(ctx, collection); err != nil {
		return 0, err
	}
	var n int64
	err := s.match(ctx, collection, req, 1000, func(collscan.Entry) bool {
		n++
		return true
	})
	return n, err
}

func (s *Store) checkExists(ctx context.Context, collection string) error {
	n, err := s.rdb.ZCard(ctx, s.keysKey(collection)).Result()
	if err != nil {
		return err
	}
	if n == 0 {
		return errors.Wrapf(collscan.ErrEmptyCollection, "%s", collection)
	}
	return nil
}

// match pages through the key range of req and calls fn for every entry
// that passes its filters, until fn returns false.
func (s *Store) match(ctx context.Context, collection string, req collscan.ReadRequest, page int, fn func(collscan.Entry) bool) error {
	keysKey, valuesKey := s.keysKey(collection), s.valuesKey(collection)
	lower := lowerBound(req)
	for {
		keys, err := s.rdb.ZRangeByLex(ctx, keysKey, &redis.ZRangeBy{
			Min:   lower,
			Max:   "+",
			Count: int64(page),
		}).Result()
		if err != nil {
			return errors.Wrapf(err, "range %s", collection)
		}
		if len(keys) == 0 {
			return nil
		}
		values, err := s.rdb.HMGet(ctx, valuesKey, keys...).Result()
		if err != nil {
			return errors.Wrapf(err, "values %s", collection)
		}
		for i, key := range keys {
			if len(req.Prefixes) > 0 && pastPrefixes(key, req.Prefixes) {
				return nil
			}
			raw, ok := values[i].(string)
			if !ok {
				// Key without a value: a concurrent Drop or a partial write.
				s.logger.Warn().Str("collection", collection).Str("key", key).Msg("key has no value")
				continue
			}
			e, err := decodeEntry(key, []byte(raw))
			if err != nil {
				return err
			}
			if !req.Matches(e) {
				continue
			}
			if !fn(e) {
				return nil
			}
		}
		if len(keys) < page {
			return nil
		}
		lower = "(" + keys[len(keys)-1]
	}
}

// lowerBound returns the ZRANGEBYLEX min argument for req.
func lowerBound(req collscan.ReadRequest) string {
	from, inclusive := "", false
	switch {
	case req.Start != "":
		from, inclusive = req.Start, true
	case req.StartAfter != "":
		from = req.StartAfter
	}
	if len(req.Prefixes) > 0 {
		if p := slices.Min(req.Prefixes); p > from {
			from, inclusive = p, true
		}
	}
	switch {
	case from == "":
		return "-"
	case inclusive:
		return "[" + from
	default:
		return "(" + from
	}
}

// pastPrefixes reports whether key sorts after every key carrying any of
// the prefixes.
func pastPrefixes(key string, prefixes []string) bool {
	for _, p := range prefixes {
		if key <= p || strings.HasPrefix(key, p) {
			return false
		}
	}
	return true
}

// ListCollections implements collscan.CollectionClient.
func (s *Store) ListCollections(ctx context.Context, prefix string) ([]string, error) {
	members, err := s.rdb.SMembers(ctx, s.namesKey()).Result()
	if err != nil {
		return nil, errors.Wrap(err, "list collections")
	}
	names := members[:0]
	for _, m := range members {
		if strings.HasPrefix(m, prefix) {
			names = append(names, m)
		}
	}
	slices.Sort(names)
	return names, nil
}
