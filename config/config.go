package config

import (
	"encoding/json"
	"fmt"
	"net"
	"os"

	"github.com/pro0o/kvs/bitcask"
	"github.com/pro0o/kvs/engine"
	"github.com/pro0o/kvs/types"
	"github.com/rs/zerolog"
)

// Config holds everything kvs-server needs to start.
type Config struct {
	Addr      string `json:"addr"`
	AdminAddr string `json:"admin_addr,omitempty"` // empty disables the admin server
	Engine    string `json:"engine"`
	DataDir   string `json:"data_dir"`

	// Storage tuning, used by the kvs engine only
	CompactionThreshold uint64 `json:"compaction_threshold"` // stale bytes before compaction
	CompressThreshold   int    `json:"compress_threshold"`   // 0 disables value compression
	ReaderPoolSize      int    `json:"reader_pool_size"`
	UseHints            bool   `json:"use_hints"`

	LogLevel string `json:"log_level"`
}

func DefaultConfig() *Config {
	return &Config{
		Addr:                "127.0.0.1:4000",
		Engine:              types.EngineKVS,
		DataDir:             ".",
		CompactionThreshold: 1 << 20,
		CompressThreshold:   4 << 10,
		ReaderPoolSize:      8,
		UseHints:            true,
		LogLevel:            "info",
	}
}

func (c *Config) Validate() error {
	if !engine.Valid(c.Engine) {
		return fmt.Errorf("engine %q (want one of %v): %w", c.Engine, engine.Names(), types.ErrUnknownEngine)
	}
	if _, _, err := net.SplitHostPort(c.Addr); err != nil {
		return fmt.Errorf("invalid addr %q: %w", c.Addr, err)
	}
	if c.AdminAddr != "" {
		if _, _, err := net.SplitHostPort(c.AdminAddr); err != nil {
			return fmt.Errorf("invalid admin_addr %q: %w", c.AdminAddr, err)
		}
		if c.AdminAddr == c.Addr {
			return fmt.Errorf("admin_addr must differ from addr")
		}
	}
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}
	if c.CompactionThreshold == 0 {
		return fmt.Errorf("compaction_threshold must be positive")
	}
	if c.CompressThreshold < 0 {
		return fmt.Errorf("compress_threshold must not be negative")
	}
	if c.ReaderPoolSize < 1 {
		return fmt.Errorf("reader_pool_size must be at least 1")
	}
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("invalid log_level %q: %w", c.LogLevel, err)
	}
	return nil
}

// LoadFromFile reads a JSON config, filling unset fields with defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func (c *Config) SaveToFile(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// StoreOptions translates the storage settings for bitcask.Open.
func (c *Config) StoreOptions() *bitcask.Options {
	compress := c.CompressThreshold
	if compress == 0 {
		compress = -1
	}
	return &bitcask.Options{
		CompactionThreshold: c.CompactionThreshold,
		CompressThreshold:   compress,
		ReaderPoolSize:      c.ReaderPoolSize,
		DisableHints:        !c.UseHints,
	}
}

func (c *Config) EngineOptions() *engine.Options {
	return &engine.Options{Store: c.StoreOptions()}
}

// Level is the parsed LogLevel; Validate has already vetted it.
func (c *Config) Level() zerolog.Level {
	lvl, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil {
		return zerolog.InfoLevel
	}
	return lvl
}
