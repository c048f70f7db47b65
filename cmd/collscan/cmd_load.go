package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"

	"github.com/Jeffail/gabs/v2"
	"github.com/cockroachdb/errors"
	"github.com/freeeve/collscan"
	"github.com/freeeve/collscan/internal/shard"
)

// loader turns JSON documents into entries and writes them in batches,
// spread over partitions by key hash.
type loader struct {
	client     backend
	collection string
	keyPath    string
	tsPath     string
	sharder    *shard.Sharder
	batchSize  int

	pending  map[string][]collscan.Entry
	buffered int
	loaded   int
}

// entry extracts the key, timestamp and fields of one JSON document.
func (l *loader) entry(line []byte) (collscan.Entry, error) {
	doc, err := gabs.ParseJSON(line)
	if err != nil {
		return collscan.Entry{}, err
	}
	keyNode := doc.Path(l.keyPath)
	if keyNode == nil || keyNode.Data() == nil {
		return collscan.Entry{}, errors.Newf("missing key at %q", l.keyPath)
	}
	key, err := scalarString(keyNode.Data())
	if err != nil {
		return collscan.Entry{}, errors.Wrapf(err, "key at %q", l.keyPath)
	}
	if err := doc.DeleteP(l.keyPath); err != nil {
		return collscan.Entry{}, err
	}

	var ts int64
	if l.tsPath != "" {
		if node := doc.Path(l.tsPath); node != nil && node.Data() != nil {
			if ts, err = timestampOf(node.Data()); err != nil {
				return collscan.Entry{}, errors.Wrapf(err, "timestamp at %q", l.tsPath)
			}
			if err := doc.DeleteP(l.tsPath); err != nil {
				return collscan.Entry{}, err
			}
		}
	}

	fields := collscan.Record{}
	for name, child := range doc.ChildrenMap() {
		fields[name] = normalize(child.Data())
	}
	return collscan.Entry{Key: key, TS: ts, Fields: fields}, nil
}

func scalarString(v any) (string, error) {
	switch v := v.(type) {
	case string:
		return v, nil
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), nil
	case bool:
		return strconv.FormatBool(v), nil
	}
	return "", errors.Newf("unsupported type %T", v)
}

func timestampOf(v any) (int64, error) {
	switch v := v.(type) {
	case float64:
		return int64(v), nil
	case string:
		return collscan.ParseMillis(v)
	}
	return 0, errors.Newf("unsupported type %T", v)
}

// normalize turns integral JSON numbers into int64.
func normalize(v any) any {
	if f, ok := v.(float64); ok && f == math.Trunc(f) && math.Abs(f) < 1<<53 {
		return int64(f)
	}
	return v
}

func (l *loader) add(ctx context.Context, e collscan.Entry) error {
	name := l.collection
	if l.sharder.Partitions() > 1 {
		name = collscan.PartitionName(l.collection, l.sharder.Partition(e.Key))
	}
	l.pending[name] = append(l.pending[name], e)
	l.buffered++
	if l.buffered >= l.batchSize {
		return l.flush(ctx)
	}
	return nil
}

func (l *loader) flush(ctx context.Context) error {
	for name, entries := range l.pending {
		if err := l.client.Put(ctx, name, entries...); err != nil {
			return err
		}
		l.loaded += len(entries)
		delete(l.pending, name)
	}
	l.buffered = 0
	return nil
}

// load reads JSON lines from r. Blank lines are skipped.
func (l *loader) load(ctx context.Context, r io.Reader) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		e, err := l.entry(line)
		if err != nil {
			return errors.Wrapf(err, "line %d", lineNo)
		}
		if err := l.add(ctx, e); err != nil {
			return err
		}
	}
	if err := sc.Err(); err != nil {
		return err
	}
	return l.flush(ctx)
}

func (c *CLI) cmdLoad(ctx context.Context, args []string) int {
	fs := c.newFlagSet("load")
	g := addGlobalFlags(fs)
	collection := fs.StringP("collection", "c", "", "Logical collection to load into")
	partitions := fs.Int("partitions", 1, "Number of partitions")
	keyPath := fs.String("key-path", "_key", "Dotted path of the key in each document")
	tsPath := fs.String("ts-path", "_ts", "Dotted path of the timestamp (ms or date)")
	hashName := fs.String("hash", string(shard.XXHash), "Partition hash: xxhash or murmur3")
	file := fs.String("file", "", "Input file (default stdin)")
	batch := fs.Int("batch", 10000, "Entries buffered per write")
	if code, ok := c.parseFlags(fs, args); !ok {
		return code
	}
	if *collection == "" {
		fmt.Fprintln(c.Stderr, msgErrCollectionRequired)
		return 1
	}
	hash, err := shard.ParseHash(*hashName)
	if err != nil {
		return c.fail(err)
	}
	sharder, err := shard.New(hash, *partitions)
	if err != nil {
		return c.fail(err)
	}

	in := c.Stdin
	if *file != "" {
		f, err := os.Open(*file)
		if err != nil {
			return c.fail(err)
		}
		defer f.Close()
		in = f
	}

	e, err := c.setup(ctx, g, false)
	if err != nil {
		fmt.Fprintf(c.Stderr, msgErrOpenStore, err)
		return 1
	}
	defer e.Close()

	l := &loader{
		client:     e.client,
		collection: *collection,
		keyPath:    *keyPath,
		tsPath:     *tsPath,
		sharder:    sharder,
		batchSize:  max(*batch, 1),
		pending:    make(map[string][]collscan.Entry),
	}
	if err := l.load(ctx, in); err != nil {
		fmt.Fprintf(c.Stderr, "Error loading: %v\n", err)
		return 1
	}
	e.logger.Info().
		Str("collection", *collection).
		Int("partitions", *partitions).
		Int("loaded", l.loaded).
		Msg("load finished")
	fmt.Fprintf(c.Stdout, "Loaded %d records\n", l.loaded)
	return 0
}
