// Package config handles configuration loading and validation for newsspool.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// PathsConfig holds the directories of the news spool.
type PathsConfig struct {
	Etc      string `yaml:"etc"`      // storage.conf and overview.fmt
	Overview string `yaml:"overview"` // group.index and per-group overview files
	Spool    string `yaml:"spool"`    // backend state such as tradspool.map
	Articles string `yaml:"articles"` // tradspool article tree
}

// StorageConfig holds storage manager options.
type StorageConfig struct {
	ReadWrite   bool  `yaml:"read_write"`
	PreOpen     bool  `yaml:"preopen"`
	StoreOnXref *bool `yaml:"store_on_xref"` // default: true
	WireFormat  *bool `yaml:"wire_format"`   // default: true
	Compress    bool  `yaml:"compress"`      // zstd-compress tradspool article files
}

// OverviewConfig holds overview database options.
type OverviewConfig struct {
	CacheSize   int    `yaml:"cache_size"`
	PadAmount   int64  `yaml:"pad_amount"`
	MaxCacheAge string `yaml:"max_cache_age"` // Duration string, e.g. "5m"
	CacheWait   string `yaml:"cache_wait"`    // Duration string, e.g. "10s"
}

// Config is the newsspool configuration file.
type Config struct {
	Paths         PathsConfig    `yaml:"paths"`
	Storage       StorageConfig  `yaml:"storage"`
	Overview      OverviewConfig `yaml:"overview"`
	LogLevel      string         `yaml:"log_level"`
	MetricsListen string         `yaml:"metrics_listen"` // e.g. "127.0.0.1:9119"; empty disables
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// LoadConfig loads configuration from a YAML file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Paths.Etc == "" {
		c.Paths.Etc = "/etc/news"
	}
	if c.Paths.Spool == "" {
		c.Paths.Spool = "/var/spool/news"
	}
	if c.Paths.Overview == "" {
		c.Paths.Overview = filepath.Join(c.Paths.Spool, "overview")
	}
	if c.Paths.Articles == "" {
		c.Paths.Articles = filepath.Join(c.Paths.Spool, "articles")
	}
	c.Paths.Etc = expandHome(c.Paths.Etc)
	c.Paths.Overview = expandHome(c.Paths.Overview)
	c.Paths.Spool = expandHome(c.Paths.Spool)
	c.Paths.Articles = expandHome(c.Paths.Articles)

	if c.Storage.StoreOnXref == nil {
		c.Storage.StoreOnXref = boolPtr(true)
	}
	if c.Storage.WireFormat == nil {
		c.Storage.WireFormat = boolPtr(true)
	}

	if c.Overview.CacheSize == 0 {
		c.Overview.CacheSize = 128
	}
	if c.Overview.PadAmount == 0 {
		c.Overview.PadAmount = 128
	}
	if c.Overview.MaxCacheAge == "" {
		c.Overview.MaxCacheAge = "5m"
	}
	if c.Overview.CacheWait == "" {
		c.Overview.CacheWait = "10s"
	}

	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

func boolPtr(b bool) *bool { return &b }

// expandHome replaces a leading "~/" with the user's home directory.
func expandHome(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(homeDir, path[2:])
}

// StoreOnXrefEnabled reports whether articles are routed by their Xref header.
func (c *StorageConfig) StoreOnXrefEnabled() bool {
	return c.StoreOnXref == nil || *c.StoreOnXref
}

// WireFormatEnabled reports whether tradspool keeps articles in wire format.
func (c *StorageConfig) WireFormatEnabled() bool {
	return c.WireFormat == nil || *c.WireFormat
}

// MaxCacheAgeDuration returns max_cache_age parsed.
func (c *OverviewConfig) MaxCacheAgeDuration() (time.Duration, error) {
	return parseDuration("overview.max_cache_age", c.MaxCacheAge)
}

// CacheWaitDuration returns cache_wait parsed.
func (c *OverviewConfig) CacheWaitDuration() (time.Duration, error) {
	return parseDuration("overview.cache_wait", c.CacheWait)
}

func parseDuration(key, s string) (time.Duration, error) {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s must be positive", key)
	}
	return d, nil
}

// Level returns log_level as a zerolog level.
func (c *Config) Level() (zerolog.Level, error) {
	lvl, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil {
		return zerolog.InfoLevel, fmt.Errorf("invalid log_level: %w", err)
	}
	return lvl, nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Paths.Etc == "" {
		return fmt.Errorf("paths.etc is required")
	}
	if c.Paths.Overview == "" {
		return fmt.Errorf("paths.overview is required")
	}
	if c.Overview.CacheSize < 1 {
		return fmt.Errorf("overview.cache_size must be at least 1")
	}
	if c.Overview.PadAmount < 1 {
		return fmt.Errorf("overview.pad_amount must be at least 1")
	}
	if _, err := c.Overview.MaxCacheAgeDuration(); err != nil {
		return err
	}
	if _, err := c.Overview.CacheWaitDuration(); err != nil {
		return err
	}
	if _, err := c.Level(); err != nil {
		return err
	}
	return nil
}
