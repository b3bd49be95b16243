package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/cwbudde/blackboxserve/internal/memo"
)

// Config holds all service configuration.
type Config struct {
	Listen   string       `yaml:"listen"`
	LogLevel string       `yaml:"log_level"`
	LogDir   string       `yaml:"log_dir"`
	Cache    CacheConfig  `yaml:"cache"`
	Engine   EngineConfig `yaml:"engine"`
}

// CacheConfig selects and tunes the report cache.
type CacheConfig struct {
	// Backend is memory (default), fs or sqlite
	Backend      string `yaml:"backend"`
	Dir          string `yaml:"dir"`
	DBPath       string `yaml:"db_path"`
	SingleFlight bool   `yaml:"single_flight"`
}

// EngineConfig tunes optimizer runs.
type EngineConfig struct {
	Rank          int   `yaml:"rank"`
	MaxConcurrent int   `yaml:"max_concurrent"`
	Seed          int64 `yaml:"seed"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Listen:   ":5000",
		LogLevel: "info",
		LogDir:   "./data/logs",
		Cache: CacheConfig{
			Backend: memo.BackendMemory,
			Dir:     "./data/cache",
		},
		Engine: EngineConfig{
			Rank: 4,
			Seed: 42,
		},
	}
}

// Load reads a YAML config file, expanding environment variables, on top of
// the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	// an unset ${VAR} expands to ""
	if cfg.Cache.Dir == "" {
		cfg.Cache.Dir = Default().Cache.Dir
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks field values that would otherwise fail late.
func (c *Config) Validate() error {
	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("invalid log_level: %s (must be debug, info, warn, or error)", c.LogLevel)
	}

	switch c.Cache.Backend {
	case memo.BackendMemory, memo.BackendFS, memo.BackendSQLite:
	default:
		return fmt.Errorf("invalid cache.backend: %s (must be memory, fs, or sqlite)", c.Cache.Backend)
	}

	if c.Listen == "" {
		return fmt.Errorf("listen address cannot be empty")
	}
	if c.LogDir == "" {
		return fmt.Errorf("log_dir cannot be empty")
	}
	if c.Engine.Rank < 1 {
		return fmt.Errorf("engine.rank must be positive, got %d", c.Engine.Rank)
	}
	if c.Engine.MaxConcurrent < 0 {
		return fmt.Errorf("engine.max_concurrent cannot be negative, got %d", c.Engine.MaxConcurrent)
	}
	return nil
}
