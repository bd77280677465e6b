// Package config loads the server's process-wide settings: a
// YAML-backed struct with a Default constructor, a Load(path) that
// falls back to defaults on a missing file, and environment-variable
// overrides clamped to safe ranges.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

const (
	minScriptBytes = 1024
	maxScriptBytes = 10 * 1024 * 1024
	minTimeoutMs   = 1000
	maxTimeoutMs   = 10 * 60 * 1000

	DefaultMaxScriptBytes = 100_000
	DefaultTimeoutMs      = 120_000
	DefaultStalenessMs    = 5 * 60 * 1000
	DefaultConcurrency    = 4
	DefaultDueSoonDays    = 3
	DefaultBatchMax       = 100
)

// Config holds the two process-wide settings §6 of the spec calls out
// (max script size, per-call timeout), plus the operational knobs the
// rest of the ambient stack needs (concurrency cap, staleness window,
// default due-soon threshold, debug logging).
type Config struct {
	MaxScriptBytes int  `yaml:"max_script_bytes"`
	TimeoutMs      int  `yaml:"timeout_ms"`
	StalenessMs    int  `yaml:"staleness_ms"`
	Concurrency    int  `yaml:"concurrency"`
	DueSoonDays    int  `yaml:"due_soon_days"`
	BatchMax       int  `yaml:"batch_max"`
	Debug          bool `yaml:"debug"`
}

func Default() *Config {
	return &Config{
		MaxScriptBytes: DefaultMaxScriptBytes,
		TimeoutMs:      DefaultTimeoutMs,
		StalenessMs:    DefaultStalenessMs,
		Concurrency:    DefaultConcurrency,
		DueSoonDays:    DefaultDueSoonDays,
		BatchMax:       DefaultBatchMax,
		Debug:          false,
	}
}

// Load reads a YAML config file, falling back to Default() if path is
// empty or the file does not exist. Environment overrides are applied
// afterward, then clamped.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("reading config %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)
	cfg.clamp()
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v, ok := envInt("OMNIFOCUS_MCP_MAX_SCRIPT_BYTES"); ok {
		cfg.MaxScriptBytes = v
	}
	if v, ok := envInt("OMNIFOCUS_MCP_TIMEOUT_MS"); ok {
		cfg.TimeoutMs = v
	}
	if v, ok := envInt("OMNIFOCUS_MCP_CONCURRENCY"); ok {
		cfg.Concurrency = v
	}
	if _, ok := os.LookupEnv("OMNIFOCUS_MCP_DEBUG"); ok {
		cfg.Debug = true
	}
}

func envInt(name string) (int, bool) {
	raw, ok := os.LookupEnv(name)
	if !ok {
		return 0, false
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return v, true
}

func (cfg *Config) clamp() {
	cfg.MaxScriptBytes = clamp(cfg.MaxScriptBytes, minScriptBytes, maxScriptBytes)
	cfg.TimeoutMs = clamp(cfg.TimeoutMs, minTimeoutMs, maxTimeoutMs)
	if cfg.Concurrency < 1 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.BatchMax < 1 {
		cfg.BatchMax = DefaultBatchMax
	}
	if cfg.DueSoonDays < 0 {
		cfg.DueSoonDays = DefaultDueSoonDays
	}
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
