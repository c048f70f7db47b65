package main

import (
	"context"
	"fmt"

	"github.com/freeeve/collscan"
	flag "github.com/spf13/pflag"
)

// countFlags holds flags shared by count and prefixes.
type countFlags struct {
	collection   string
	prefixes     []string
	fast         bool
	noAutodetect bool
	workers      int
}

func (cf *countFlags) register(fs *flag.FlagSet) {
	fs.StringVarP(&cf.collection, "collection", "c", "", "Logical collection")
	fs.StringArrayVar(&cf.prefixes, "prefix", nil, "Only keys with this prefix (repeatable)")
	fs.BoolVar(&cf.fast, "fast", false, "Estimate from one random partition")
	fs.BoolVar(&cf.noAutodetect, "no-autodetect", false, "Do not look for numbered partitions")
	fs.IntVar(&cf.workers, "workers", collscan.DefaultCounterOptions().Workers, "Partitions counted in parallel")
}

func (c *CLI) openCounter(ctx context.Context, e *env, cf *countFlags) (*collscan.Counter, error) {
	opts := collscan.DefaultCounterOptions()
	opts.AutodetectPartitions = !cf.noAutodetect
	opts.Workers = cf.workers
	opts.Logger = &e.logger
	return collscan.NewCounter(ctx, e.client, cf.collection, opts)
}

func (c *CLI) cmdCount(ctx context.Context, args []string) int {
	fs := c.newFlagSet("count")
	g := addGlobalFlags(fs)
	cf := &countFlags{}
	cf.register(fs)
	if code, ok := c.parseFlags(fs, args); !ok {
		return code
	}
	if cf.collection == "" {
		fmt.Fprintln(c.Stderr, msgErrCollectionRequired)
		return 1
	}

	e, err := c.setup(ctx, g, true)
	if err != nil {
		fmt.Fprintf(c.Stderr, msgErrOpenStore, err)
		return 1
	}
	defer e.Close()

	counter, err := c.openCounter(ctx, e, cf)
	if err != nil {
		return c.fail(err)
	}
	req := collscan.ReadRequest{Prefixes: cf.prefixes}
	var n int64
	if cf.fast {
		n, err = counter.FastCount(ctx, req)
	} else {
		n, err = counter.Count(ctx, req)
	}
	if err != nil {
		return c.fail(err)
	}
	fmt.Fprintln(c.Stdout, n)
	if p := counter.Partitions(); p.Partitioned() {
		fmt.Fprintf(c.Stderr, "(%d partitions)\n", len(p.Names))
	}
	return 0
}

func (c *CLI) cmdPrefixes(ctx context.Context, args []string) int {
	fs := c.newFlagSet("prefixes")
	g := addGlobalFlags(fs)
	cf := &countFlags{}
	cf.register(fs)
	codelen := fs.Int("len", 1, "Prefix length in bytes")
	if code, ok := c.parseFlags(fs, args); !ok {
		return code
	}
	if cf.collection == "" {
		fmt.Fprintln(c.Stderr, msgErrCollectionRequired)
		return 1
	}

	e, err := c.setup(ctx, g, true)
	if err != nil {
		fmt.Fprintf(c.Stderr, msgErrOpenStore, err)
		return 1
	}
	defer e.Close()

	counter, err := c.openCounter(ctx, e, cf)
	if err != nil {
		return c.fail(err)
	}
	n := 0
	for prefix, err := range counter.Prefixes(ctx, *codelen, cf.fast, collscan.ReadRequest{Prefixes: cf.prefixes}) {
		if err != nil {
			return c.fail(err)
		}
		fmt.Fprintln(c.Stdout, prefix)
		n++
	}
	fmt.Fprintf(c.Stderr, "\n(%d prefixes)\n", n)
	return 0
}
