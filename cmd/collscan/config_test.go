package main

import (
	"os"
	"path/filepath"
	"testing"

	flag "github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseConfig(t *testing.T) {
	cfg, err := parseConfig([]byte(`{
		// local store
		"backend": "segment",
		"dir": "/data/store",
		"checkpoint_dir": "/data/ckpt", // trailing comma below
	}`))
	require.NoError(t, err)
	assert.Equal(t, Config{Backend: "segment", Dir: "/data/store", CheckpointDir: "/data/ckpt"}, cfg)

	_, err = parseConfig([]byte(`{"dir": `))
	assert.Error(t, err)
	_, err = parseConfig([]byte(`{"dir": 5}`))
	assert.Error(t, err)
}

func TestMergeConfig(t *testing.T) {
	base := DefaultConfig()
	got := mergeConfig(base, Config{Dir: "/a", MinioSecure: true})
	assert.Equal(t, "segment", got.Backend)
	assert.Equal(t, "/a", got.Dir)
	assert.Equal(t, "warn", got.LogLevel)
	assert.True(t, got.MinioSecure)

	got = mergeConfig(got, Config{Backend: "redis", RedisAddr: "localhost:6379"})
	assert.Equal(t, "redis", got.Backend)
	assert.Equal(t, "/a", got.Dir)
}

func TestValidateConfig(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr string
	}{
		{"segment", Config{Backend: "segment", Dir: "/x"}, ""},
		{"segment without dir", Config{Backend: "segment"}, "--dir is required"},
		{"redis", Config{Backend: "redis", RedisAddr: "h:1"}, ""},
		{"redis without addr", Config{Backend: "redis"}, "--redis-addr is required"},
		{"unknown", Config{Backend: "mongo", Dir: "/x"}, "unknown backend"},
		{"bucket without endpoint", Config{Backend: "segment", Dir: "/x", CheckpointBucket: "b"}, "--minio-endpoint"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateConfig(tt.cfg)
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				assert.ErrorContains(t, err, tt.wantErr)
			}
		})
	}
}

func TestLoadConfigPrecedence(t *testing.T) {
	workDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(workDir, ConfigFileName),
		[]byte(`{"dir": "/file", "namespace": "ns", "log_level": "debug"}`), 0644))

	load := func(env map[string]string, args ...string) Config {
		t.Helper()
		cli, _, _ := newTestCLI(t, env)
		fs := flag.NewFlagSet("test", flag.ContinueOnError)
		g := addGlobalFlags(fs)
		require.NoError(t, fs.Parse(args))
		cfg, err := cli.LoadConfig(workDir, g)
		require.NoError(t, err)
		return cfg
	}

	cfg := load(nil)
	assert.Equal(t, "/file", cfg.Dir)
	assert.Equal(t, "ns", cfg.Namespace)
	assert.Equal(t, "debug", cfg.LogLevel)

	env := map[string]string{"COLLSCAN_DIR": "/env"}
	assert.Equal(t, "/env", load(env).Dir)
	cfg = load(env, "--dir", "/flag", "--log-level", "error")
	assert.Equal(t, "/flag", cfg.Dir)
	assert.Equal(t, "error", cfg.LogLevel)
	assert.Equal(t, "ns", cfg.Namespace)
}

func TestLoadConfigExplicitFile(t *testing.T) {
	workDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(workDir, "alt.json"),
		[]byte(`{"backend": "redis", "redis_addr": "cache:6379"}`), 0644))

	cli, _, _ := newTestCLI(t, nil)
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	g := addGlobalFlags(fs)
	require.NoError(t, fs.Parse([]string{"--config", "alt.json"}))
	cfg, err := cli.LoadConfig(workDir, g)
	require.NoError(t, err)
	assert.Equal(t, "redis", cfg.Backend)
	assert.Equal(t, "cache:6379", cfg.RedisAddr)

	fs = flag.NewFlagSet("test", flag.ContinueOnError)
	g = addGlobalFlags(fs)
	require.NoError(t, fs.Parse([]string{"--config", "missing.json"}))
	_, err = cli.LoadConfig(workDir, g)
	assert.Error(t, err)
}

func TestNewLogger(t *testing.T) {
	_, err := newLogger(os.Stderr, "INFO")
	assert.NoError(t, err)
	_, err = newLogger(os.Stderr, "loud")
	assert.Error(t, err)
}
