package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Load reads a YAML config file, expands environment variables and applies
// the environment overrides.
func Load(path string) (*Config, error) {
	if err := loadDotEnv(filepath.Dir(path), "."); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	// Expand ${VAR} environment variables
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parse config yaml: %w", err)
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadWithDefaults loads config and applies default values.
func LoadWithDefaults(path string) (*Config, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return cfg, nil
}

// LoadAndValidate loads config, applies defaults, and validates.
func LoadAndValidate(path string) (*Config, error) {
	cfg, err := LoadWithDefaults(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// loadDotEnv loads the first .env found in dirs. Variables already set in
// the process environment win.
func loadDotEnv(dirs ...string) error {
	for _, dir := range dirs {
		path := filepath.Join(dir, ".env")
		if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(path); err != nil {
			return fmt.Errorf("load %s: %w", path, err)
		}
		return nil
	}
	return nil
}

type lookupFunc func(key string) (string, bool)

func (c *Config) applyEnv(lookup lookupFunc) error {
	ints := []struct {
		key string
		dst *int
	}{
		{"MAX_SYMBOLS_PER_CONNECTION", &c.Limits.MaxSymbolsPerConnection},
		{"MAX_CONNECTIONS", &c.Limits.MaxConnections},
		{"MAX_SYMBOLS_PER_SESSION", &c.Limits.MaxSymbolsPerSession},
	}
	for _, e := range ints {
		v, ok := lookup(e.key)
		if !ok || v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("env %s: %w", e.key, err)
		}
		*e.dst = n
	}

	windows := []struct {
		key string
		dst **time.Duration
	}{
		{"THROTTLE_LTP_WINDOW", &c.Throttle.LTP},
		{"THROTTLE_QUOTE_WINDOW", &c.Throttle.Quote},
		{"THROTTLE_DEPTH_WINDOW", &c.Throttle.Depth},
	}
	for _, e := range windows {
		v, ok := lookup(e.key)
		if !ok || v == "" {
			continue
		}
		d, err := parseDuration(v)
		if err != nil {
			return fmt.Errorf("env %s: %w", e.key, err)
		}
		*e.dst = &d
	}

	delays := []struct {
		key string
		dst *time.Duration
	}{
		{"RECONNECT_BASE_DELAY", &c.Reconnect.BaseDelay},
		{"RECONNECT_MAX_DELAY", &c.Reconnect.MaxDelay},
	}
	for _, e := range delays {
		v, ok := lookup(e.key)
		if !ok || v == "" {
			continue
		}
		d, err := parseDuration(v)
		if err != nil {
			return fmt.Errorf("env %s: %w", e.key, err)
		}
		*e.dst = d
	}
	return nil
}

// parseDuration accepts a Go duration or a bare number of milliseconds.
func parseDuration(v string) (time.Duration, error) {
	if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.Duration(ms) * time.Millisecond, nil
	}
	return time.ParseDuration(v)
}
