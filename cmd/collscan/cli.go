package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/freeeve/collscan"
	"github.com/freeeve/collscan/redisstore"
	"github.com/freeeve/collscan/segstore"
	"github.com/rs/zerolog"
	flag "github.com/spf13/pflag"
)

// Common error and help message constants
const (
	msgErrOpenStore          = "Error opening collection service: %v\n"
	msgErr                   = "Error: %v\n"
	msgErrCollectionRequired = "Error: --collection is required"
	msgErrKeyRequired        = "Error: --key is required"
)

// CLI holds injectable dependencies for testability.
type CLI struct {
	Stdout  io.Writer
	Stderr  io.Writer
	Stdin   io.Reader
	Getenv  func(string) string
	WorkDir string
}

// NewCLI creates a CLI with default OS dependencies.
func NewCLI() *CLI {
	wd, _ := os.Getwd()
	return &CLI{
		Stdout:  os.Stdout,
		Stderr:  os.Stderr,
		Stdin:   os.Stdin,
		Getenv:  os.Getenv,
		WorkDir: wd,
	}
}

// backend is a collection service the CLI can read from and load into.
type backend interface {
	collscan.CollectionClient
	Put(ctx context.Context, collection string, entries ...collscan.Entry) error
	Get(ctx context.Context, collection, key string) (collscan.Entry, bool, error)
	Close() error
}

// Run executes the CLI and returns an exit code (0 = success, 1 = error).
func (c *CLI) Run(args []string) int {
	if len(args) < 2 {
		c.printUsage()
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	cmd := args[1]
	cmdArgs := args[2:]

	switch cmd {
	case "version", "-v", "--version":
		fmt.Fprintln(c.Stdout, "collscan "+versionString())
		return 0
	case "scan":
		return c.cmdScan(ctx, cmdArgs)
	case "count":
		return c.cmdCount(ctx, cmdArgs)
	case "prefixes":
		return c.cmdPrefixes(ctx, cmdArgs)
	case "get":
		return c.cmdGet(ctx, cmdArgs)
	case "collections":
		return c.cmdCollections(ctx, cmdArgs)
	case "load":
		return c.cmdLoad(ctx, cmdArgs)
	case "shell":
		return c.cmdShell(ctx, cmdArgs)
	case "help", "-h", "--help":
		c.printUsage()
		return 0
	default:
		fmt.Fprintf(c.Stderr, "Unknown command: %s\n\n", cmd)
		c.printUsage()
		return 1
	}
}

func (c *CLI) printUsage() {
	fmt.Fprintln(c.Stdout, `collscan - scan partitioned key-value collections in key order

Usage:
  collscan <command> [options]

Commands:
  scan         Scan a collection and print records as JSON lines
  count        Count records
  prefixes     List distinct key prefixes of a given length
  get          Look up a single key
  collections  List physical collections
  load         Load JSON lines into a collection
  shell        Interactive SQL-like query shell
  version      Print the version

Environment:
  COLLSCAN_BACKEND     Collection service: segment (default) or redis
  COLLSCAN_DIR         Segment store directory
  COLLSCAN_REDIS_ADDR  Redis address
  MINIO_ACCESS_KEY, MINIO_SECRET_KEY  Credentials for --checkpoint-bucket

Examples:
  export COLLSCAN_DIR=/path/to/store
  collscan load -c events --partitions 4 --key-path id --ts-path ts < events.jsonl
  collscan scan -c events --prefix AD --endts 2015-09-12 --count 100
  collscan scan -c events --checkpoint nightly --checkpoint-dir ./ckpt
  collscan count -c events --fast

Use "collscan <command> -h" for more information about a command.`)
}

func (c *CLI) newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(c.Stderr)
	return fs
}

// parseFlags parses args and reports whether the command should continue.
// A help request exits 0, other parse errors exit 1.
func (c *CLI) parseFlags(fs *flag.FlagSet, args []string) (int, bool) {
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0, false
		}
		return 1, false
	}
	return 0, true
}

// env is the resolved runtime of one command.
type env struct {
	cfg    Config
	logger zerolog.Logger
	client backend
}

func (e *env) Close() error {
	return e.client.Close()
}

// setup resolves configuration, builds the logger and opens the backend.
func (c *CLI) setup(ctx context.Context, g *globalFlags, readOnly bool) (*env, error) {
	cfg, err := c.LoadConfig(c.WorkDir, g)
	if err != nil {
		return nil, err
	}
	logger, err := newLogger(c.Stderr, cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	client, err := openBackend(ctx, cfg, &logger, readOnly)
	if err != nil {
		return nil, errors.WithMessage(err, "open collection service")
	}
	return &env{cfg: cfg, logger: logger, client: client}, nil
}

func newLogger(w io.Writer, level string) (zerolog.Logger, error) {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		return zerolog.Logger{}, errors.Wrapf(err, "log level %q", level)
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: w, NoColor: true}).
		Level(lvl).
		With().Timestamp().
		Logger(), nil
}

func openBackend(ctx context.Context, cfg Config, logger *zerolog.Logger, readOnly bool) (backend, error) {
	switch cfg.Backend {
	case backendRedis:
		return redisstore.Dial(ctx, cfg.RedisAddr, redisstore.Options{Namespace: cfg.Namespace, Logger: logger})
	default:
		opts := segstore.DefaultOptions()
		opts.ReadOnly = readOnly
		opts.Logger = logger
		return segstore.Open(cfg.Dir, opts)
	}
}

func (c *CLI) fail(err error) int {
	fmt.Fprintf(c.Stderr, msgErr, err)
	return 1
}

func (c *CLI) cmdGet(ctx context.Context, args []string) int {
	fs := c.newFlagSet("get")
	g := addGlobalFlags(fs)
	collection := fs.StringP("collection", "c", "", "Physical collection")
	key := fs.StringP("key", "k", "", "Key to look up")
	if code, ok := c.parseFlags(fs, args); !ok {
		return code
	}
	if *collection == "" {
		fmt.Fprintln(c.Stderr, msgErrCollectionRequired)
		return 1
	}
	if *key == "" {
		fmt.Fprintln(c.Stderr, msgErrKeyRequired)
		return 1
	}

	e, err := c.setup(ctx, g, true)
	if err != nil {
		fmt.Fprintf(c.Stderr, msgErrOpenStore, err)
		return 1
	}
	defer e.Close()

	entry, found, err := e.client.Get(ctx, *collection, *key)
	if err != nil {
		return c.fail(err)
	}
	if !found {
		fmt.Fprintln(c.Stdout, "Key not found")
		return 0
	}
	return c.writeJSON(entryRecord(entry))
}

func entryRecord(e collscan.Entry) collscan.Record {
	rec := e.Fields.Clone()
	rec[collscan.MetaKey] = e.Key
	rec[collscan.MetaTS] = e.TS
	return rec
}

func (c *CLI) writeJSON(v any) int {
	if err := json.NewEncoder(c.Stdout).Encode(v); err != nil {
		return c.fail(err)
	}
	return 0
}

func (c *CLI) cmdCollections(ctx context.Context, args []string) int {
	fs := c.newFlagSet("collections")
	g := addGlobalFlags(fs)
	prefix := fs.String("prefix", "", "Only list names with this prefix")
	if code, ok := c.parseFlags(fs, args); !ok {
		return code
	}

	e, err := c.setup(ctx, g, true)
	if err != nil {
		fmt.Fprintf(c.Stderr, msgErrOpenStore, err)
		return 1
	}
	defer e.Close()

	names, err := e.client.ListCollections(ctx, *prefix)
	if err != nil {
		return c.fail(err)
	}
	for _, name := range names {
		fmt.Fprintln(c.Stdout, name)
	}
	return 0
}
