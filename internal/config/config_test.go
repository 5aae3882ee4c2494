package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tunnelmesh/newsspool/testutil"
)

func TestLoadConfig(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()

	content := `
paths:
  etc: /srv/news/etc
  overview: /srv/news/ov
  spool: /srv/news/spool
  articles: /srv/news/articles
storage:
  read_write: true
  preopen: true
  store_on_xref: false
  wire_format: false
  compress: true
overview:
  cache_size: 16
  pad_amount: 64
  max_cache_age: "1m"
  cache_wait: "2s"
log_level: debug
metrics_listen: "127.0.0.1:9119"
`
	configPath := testutil.TempFile(t, dir, "newsspool.yaml", content)

	cfg, err := LoadConfig(configPath)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, PathsConfig{
		Etc:      "/srv/news/etc",
		Overview: "/srv/news/ov",
		Spool:    "/srv/news/spool",
		Articles: "/srv/news/articles",
	}, cfg.Paths)
	assert.True(t, cfg.Storage.ReadWrite)
	assert.True(t, cfg.Storage.PreOpen)
	assert.False(t, cfg.Storage.StoreOnXrefEnabled())
	assert.False(t, cfg.Storage.WireFormatEnabled())
	assert.True(t, cfg.Storage.Compress)
	assert.Equal(t, 16, cfg.Overview.CacheSize)
	assert.Equal(t, int64(64), cfg.Overview.PadAmount)
	assert.Equal(t, "127.0.0.1:9119", cfg.MetricsListen)

	age, err := cfg.Overview.MaxCacheAgeDuration()
	require.NoError(t, err)
	assert.Equal(t, time.Minute, age)
	wait, err := cfg.Overview.CacheWaitDuration()
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, wait)

	lvl, err := cfg.Level()
	require.NoError(t, err)
	assert.Equal(t, zerolog.DebugLevel, lvl)
}

func TestLoadConfig_Defaults(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()

	configPath := testutil.TempFile(t, dir, "newsspool.yaml", "paths:\n  spool: /tmp/spool\n")

	cfg, err := LoadConfig(configPath)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "/etc/news", cfg.Paths.Etc)
	assert.Equal(t, "/tmp/spool/overview", cfg.Paths.Overview)
	assert.Equal(t, "/tmp/spool/articles", cfg.Paths.Articles)
	assert.False(t, cfg.Storage.ReadWrite)
	assert.True(t, cfg.Storage.StoreOnXrefEnabled())
	assert.True(t, cfg.Storage.WireFormatEnabled())
	assert.False(t, cfg.Storage.Compress)
	assert.Equal(t, 128, cfg.Overview.CacheSize)
	assert.Equal(t, int64(128), cfg.Overview.PadAmount)
	assert.Equal(t, "5m", cfg.Overview.MaxCacheAge)
	assert.Equal(t, "10s", cfg.Overview.CacheWait)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Empty(t, cfg.MetricsListen)
}

func TestDefault(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "/var/spool/news", cfg.Paths.Spool)
	assert.Equal(t, "/var/spool/news/overview", cfg.Paths.Overview)
}

func TestLoadConfig_ExpandHomePath(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()

	configPath := testutil.TempFile(t, dir, "newsspool.yaml", "paths:\n  spool: ~/news\n  etc: ~/news/etc\n")

	cfg, err := LoadConfig(configPath)
	require.NoError(t, err)

	homeDir, err := os.UserHomeDir()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(homeDir, "news"), cfg.Paths.Spool)
	assert.Equal(t, filepath.Join(homeDir, "news", "etc"), cfg.Paths.Etc)
	assert.Equal(t, filepath.Join(homeDir, "news", "overview"), cfg.Paths.Overview)
}

func TestLoadConfig_FileNotFound(t *testing.T) {
	_, err := LoadConfig("/nonexistent/path/config.yaml")
	assert.Error(t, err)
}

func TestLoadConfig_InvalidYAML(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()

	configPath := testutil.TempFile(t, dir, "newsspool.yaml", "paths: [invalid yaml\n")

	_, err := LoadConfig(configPath)
	assert.Error(t, err)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "defaults",
			mutate: func(*Config) {},
		},
		{
			name:    "negative cache size",
			mutate:  func(c *Config) { c.Overview.CacheSize = -1 },
			wantErr: "overview.cache_size",
		},
		{
			name:    "negative pad amount",
			mutate:  func(c *Config) { c.Overview.PadAmount = -5 },
			wantErr: "overview.pad_amount",
		},
		{
			name:    "bad cache age",
			mutate:  func(c *Config) { c.Overview.MaxCacheAge = "soon" },
			wantErr: "overview.max_cache_age",
		},
		{
			name:    "zero cache wait",
			mutate:  func(c *Config) { c.Overview.CacheWait = "0s" },
			wantErr: "overview.cache_wait",
		},
		{
			name:    "bad log level",
			mutate:  func(c *Config) { c.LogLevel = "loud" },
			wantErr: "log_level",
		},
		{
			name:    "missing overview dir",
			mutate:  func(c *Config) { c.Paths.Overview = "" },
			wantErr: "paths.overview",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
