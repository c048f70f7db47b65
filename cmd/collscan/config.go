package main

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/cockroachdb/errors"
	flag "github.com/spf13/pflag"
	"github.com/tailscale/hujson"
)

// ConfigFileName is the project config file looked up in the working directory.
const ConfigFileName = ".collscan.json"

// Backend names.
const (
	backendSegment = "segment"
	backendRedis   = "redis"
)

// Config holds the settings shared by all commands.
type Config struct {
	Backend   string `json:"backend,omitempty"`
	Dir       string `json:"dir,omitempty"`
	RedisAddr string `json:"redis_addr,omitempty"`
	Namespace string `json:"namespace,omitempty"`
	LogLevel  string `json:"log_level,omitempty"`

	CheckpointDir    string `json:"checkpoint_dir,omitempty"`
	CheckpointBucket string `json:"checkpoint_bucket,omitempty"`
	MinioEndpoint    string `json:"minio_endpoint,omitempty"`
	MinioSecure      bool   `json:"minio_secure,omitempty"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Backend:  backendSegment,
		LogLevel: "warn",
	}
}

// globalFlags are registered on every command's flag set.
type globalFlags struct {
	fs     *flag.FlagSet
	config string
	cfg    Config
}

func addGlobalFlags(fs *flag.FlagSet) *globalFlags {
	g := &globalFlags{fs: fs}
	fs.StringVar(&g.config, "config", "", "Config file (default ./"+ConfigFileName+" if present)")
	fs.StringVar(&g.cfg.Backend, "backend", "", "Collection service: segment or redis")
	fs.StringVar(&g.cfg.Dir, "dir", "", "Segment store directory")
	fs.StringVar(&g.cfg.RedisAddr, "redis-addr", "", "Redis address")
	fs.StringVar(&g.cfg.Namespace, "namespace", "", "Redis key namespace")
	fs.StringVar(&g.cfg.LogLevel, "log-level", "", "Log level: debug, info, warn, error")
	return g
}

func addCheckpointFlags(g *globalFlags) {
	g.fs.StringVar(&g.cfg.CheckpointDir, "checkpoint-dir", "", "Directory for checkpoint files")
	g.fs.StringVar(&g.cfg.CheckpointBucket, "checkpoint-bucket", "", "Bucket for checkpoint objects")
	g.fs.StringVar(&g.cfg.MinioEndpoint, "minio-endpoint", "", "S3-compatible endpoint for checkpoints")
	g.fs.BoolVar(&g.cfg.MinioSecure, "minio-secure", false, "Use TLS for the checkpoint endpoint")
}

// LoadConfig resolves the configuration with the following precedence
// (highest wins):
// 1. Defaults
// 2. Config file (explicit path, or ConfigFileName in workDir if it exists)
// 3. Environment (COLLSCAN_DIR, COLLSCAN_REDIS_ADDR, COLLSCAN_BACKEND)
// 4. Flags that were set on the command line
func (c *CLI) LoadConfig(workDir string, g *globalFlags) (Config, error) {
	cfg := DefaultConfig()

	path, mustExist := g.config, true
	if path == "" {
		path, mustExist = filepath.Join(workDir, ConfigFileName), false
	} else if !filepath.IsAbs(path) {
		path = filepath.Join(workDir, path)
	}
	fileCfg, err := loadConfigFile(path, mustExist)
	if err != nil {
		return Config{}, err
	}
	cfg = mergeConfig(cfg, fileCfg)

	cfg = mergeConfig(cfg, Config{
		Backend:   c.Getenv("COLLSCAN_BACKEND"),
		Dir:       c.Getenv("COLLSCAN_DIR"),
		RedisAddr: c.Getenv("COLLSCAN_REDIS_ADDR"),
	})

	var flags Config
	g.fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "backend":
			flags.Backend = g.cfg.Backend
		case "dir":
			flags.Dir = g.cfg.Dir
		case "redis-addr":
			flags.RedisAddr = g.cfg.RedisAddr
		case "namespace":
			flags.Namespace = g.cfg.Namespace
		case "log-level":
			flags.LogLevel = g.cfg.LogLevel
		case "checkpoint-dir":
			flags.CheckpointDir = g.cfg.CheckpointDir
		case "checkpoint-bucket":
			flags.CheckpointBucket = g.cfg.CheckpointBucket
		case "minio-endpoint":
			flags.MinioEndpoint = g.cfg.MinioEndpoint
		case "minio-secure":
			flags.MinioSecure = g.cfg.MinioSecure
		}
	})
	cfg = mergeConfig(cfg, flags)

	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// loadConfigFile reads a JSONC config file. A missing optional file yields
// the zero Config.
func loadConfigFile(path string, mustExist bool) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) && !mustExist {
			return Config{}, nil
		}
		return Config{}, errors.Wrapf(err, "read config %s", path)
	}
	cfg, err := parseConfig(data)
	if err != nil {
		return Config{}, errors.Wrapf(err, "config %s", path)
	}
	return cfg, nil
}

func parseConfig(data []byte) (Config, error) {
	standardized, err := hujson.Standardize(data)
	if err != nil {
		return Config{}, errors.Wrap(err, "invalid JSONC")
	}
	var cfg Config
	if err := json.Unmarshal(standardized, &cfg); err != nil {
		return Config{}, errors.Wrap(err, "invalid JSON")
	}
	return cfg, nil
}

func mergeConfig(base, overlay Config) Config {
	if overlay.Backend != "" {
		base.Backend = overlay.Backend
	}
	if overlay.Dir != "" {
		base.Dir = overlay.Dir
	}
	if overlay.RedisAddr != "" {
		base.RedisAddr = overlay.RedisAddr
	}
	if overlay.Namespace != "" {
		base.Namespace = overlay.Namespace
	}
	if overlay.LogLevel != "" {
		base.LogLevel = overlay.LogLevel
	}
	if overlay.CheckpointDir != "" {
		base.CheckpointDir = overlay.CheckpointDir
	}
	if overlay.CheckpointBucket != "" {
		base.CheckpointBucket = overlay.CheckpointBucket
	}
	if overlay.MinioEndpoint != "" {
		base.MinioEndpoint = overlay.MinioEndpoint
	}
	if overlay.MinioSecure {
		base.MinioSecure = true
	}
	return base
}

func validateConfig(cfg Config) error {
	switch cfg.Backend {
	case backendSegment:
		if cfg.Dir == "" {
			return errors.New("--dir is required (or set COLLSCAN_DIR)")
		}
	case backendRedis:
		if cfg.RedisAddr == "" {
			return errors.New("--redis-addr is required (or set COLLSCAN_REDIS_ADDR)")
		}
	default:
		return errors.Newf("unknown backend %q (want %s or %s)", cfg.Backend, backendSegment, backendRedis)
	}
	if cfg.CheckpointBucket != "" && cfg.MinioEndpoint == "" {
		return errors.New("--checkpoint-bucket requires --minio-endpoint")
	}
	return nil
}
