package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/freeeve/collscan"
	"github.com/freeeve/collscan/checkpoint"
	"github.com/rs/zerolog"
	flag "github.com/spf13/pflag"
)

// scanFlags holds parsed flags for the scan command.
type scanFlags struct {
	collection   string
	startAfter   string
	start        string
	stopBefore   string
	exclude      []string
	prefixes     []string
	secondaries  []string
	hasMany      []string
	fields       []string
	meta         []string
	count        int
	batchSize    int
	maxNext      int
	joinFetch    int
	startTS      string
	endTS        string
	random       bool
	noAutodetect bool
	checkpoint   string
}

func (sf *scanFlags) register(fs *flag.FlagSet) {
	defaults := collscan.DefaultOptions("")
	fs.StringVarP(&sf.collection, "collection", "c", "", "Logical collection to scan")
	fs.StringVar(&sf.startAfter, "startafter", "", "Start after this key")
	fs.StringVar(&sf.start, "start", "", "Start at this key (inclusive)")
	fs.StringVar(&sf.stopBefore, "stopbefore", "", "Stop before this key")
	fs.StringArrayVar(&sf.exclude, "exclude", nil, "Skip keys with this prefix (repeatable)")
	fs.StringArrayVar(&sf.prefixes, "prefix", nil, "Only keys with this prefix (repeatable)")
	fs.StringArrayVar(&sf.secondaries, "secondary", nil, "Join this collection on key (repeatable)")
	fs.StringArrayVar(&sf.hasMany, "has-many", nil, "Gather <collection>:<field> children (repeatable)")
	fs.StringSliceVar(&sf.fields, "fields", nil, "Project these primary fields")
	fs.StringSliceVar(&sf.meta, "meta", defaults.Meta, "Meta fields to keep")
	fs.IntVar(&sf.count, "count", 0, "Maximum records (0 = all)")
	fs.IntVar(&sf.batchSize, "batchsize", defaults.BatchSize, "Records per batch")
	fs.IntVar(&sf.maxNext, "max-next", defaults.MaxNextRecords, "Records per read")
	fs.IntVar(&sf.joinFetch, "join-fetch", 0, "Auxiliary read-ahead size (0 = default)")
	fs.StringVar(&sf.startTS, "startts", "", "Only records at or after this time (ms or date)")
	fs.StringVar(&sf.endTS, "endts", "", "Only records at or before this time (ms or date)")
	fs.BoolVar(&sf.random, "random", false, "Sample one random partition per read")
	fs.BoolVar(&sf.noAutodetect, "no-autodetect", false, "Do not look for numbered partitions")
	fs.StringVar(&sf.checkpoint, "checkpoint", "", "Resume from and save to this checkpoint")
}

// options maps the flags onto session options.
func (sf *scanFlags) options(logger *zerolog.Logger) (collscan.Options, error) {
	opts := collscan.DefaultOptions(sf.collection)
	opts.AutodetectPartitions = !sf.noAutodetect
	opts.StartAfter = sf.startAfter
	opts.Start = sf.start
	opts.StopBefore = sf.stopBefore
	opts.ExcludePrefixes = sf.exclude
	opts.Prefixes = sf.prefixes
	opts.Secondaries = sf.secondaries
	opts.Fields = sf.fields
	opts.Meta = sf.meta
	opts.Count = sf.count
	opts.BatchSize = sf.batchSize
	opts.MaxNextRecords = sf.maxNext
	opts.JoinFetchSize = sf.joinFetch
	opts.RandomSampling = sf.random
	opts.Logger = logger
	if sf.startTS != "" {
		opts.StartTS = collscan.Date(sf.startTS)
	}
	if sf.endTS != "" {
		opts.EndTS = collscan.Date(sf.endTS)
	}
	for _, h := range sf.hasMany {
		coll, field, ok := strings.Cut(h, ":")
		if !ok || coll == "" || field == "" {
			return collscan.Options{}, errors.Newf("--has-many %q: want <collection>:<field>", h)
		}
		opts.HasMany = append(opts.HasMany, collscan.HasMany{Collection: coll, Field: field})
	}
	return opts, opts.Validate()
}

func (c *CLI) cmdScan(ctx context.Context, args []string) int {
	fs := c.newFlagSet("scan")
	g := addGlobalFlags(fs)
	addCheckpointFlags(g)
	sf := &scanFlags{}
	sf.register(fs)
	if code, ok := c.parseFlags(fs, args); !ok {
		return code
	}
	if sf.collection == "" {
		fmt.Fprintln(c.Stderr, msgErrCollectionRequired)
		return 1
	}

	e, err := c.setup(ctx, g, true)
	if err != nil {
		fmt.Fprintf(c.Stderr, msgErrOpenStore, err)
		return 1
	}
	defer e.Close()

	opts, err := sf.options(&e.logger)
	if err != nil {
		return c.fail(err)
	}
	session, err := collscan.NewSession(ctx, e.client, opts)
	if err != nil {
		return c.fail(err)
	}
	defer session.Close()

	var ckpt checkpoint.Store
	var base checkpoint.State
	if sf.checkpoint != "" {
		if ckpt, err = c.openCheckpoints(ctx, e.cfg); err != nil {
			return c.fail(err)
		}
		if base, err = checkpoint.Resume(ctx, ckpt, sf.checkpoint, session); err != nil {
			return c.fail(err)
		}
		if base.LastKey != "" {
			e.logger.Info().
				Str("checkpoint", sf.checkpoint).
				Str("last_key", base.LastKey).
				Int("scanned", base.Scanned).
				Msg("resuming scan")
		}
	}

	enc := json.NewEncoder(c.Stdout)
	for batch, err := range session.Batches(ctx) {
		if err != nil {
			return c.fail(err)
		}
		for _, rec := range batch {
			if err := enc.Encode(rec); err != nil {
				return c.fail(err)
			}
		}
		if ckpt != nil {
			if err := checkpoint.Commit(ctx, ckpt, sf.checkpoint, base, session); err != nil {
				return c.fail(err)
			}
		}
	}
	fmt.Fprintf(c.Stderr, "\n(%d records, %s)\n", session.ScannedCount(), session.State())
	return 0
}

// openCheckpoints returns the checkpoint store named by the configuration.
func (c *CLI) openCheckpoints(ctx context.Context, cfg Config) (checkpoint.Store, error) {
	switch {
	case cfg.CheckpointBucket != "":
		return checkpoint.NewMinioStore(ctx, checkpoint.MinioConfig{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: c.Getenv("MINIO_ACCESS_KEY"),
			SecretKey: c.Getenv("MINIO_SECRET_KEY"),
			Secure:    cfg.MinioSecure,
			Bucket:    cfg.CheckpointBucket,
		})
	case cfg.CheckpointDir != "":
		return checkpoint.NewFileStore(cfg.CheckpointDir)
	default:
		return nil, errors.New("--checkpoint requires --checkpoint-dir or --checkpoint-bucket")
	}
}
