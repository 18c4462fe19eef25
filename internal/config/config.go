// Package config loads and validates the yaml configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/pkoval/intake/internal/source"
)

const (
	DefaultConfigFile  = "intake.yaml"
	DefaultStoragePath = ".intake/intake.db"
	DefaultRetainDays  = 90
	DefaultConcurrency = 4
	DefaultLogLevel    = "info"

	DefaultFailureThreshold = 5
	DefaultRecoveryTimeout  = 60 * time.Second
	DefaultMaxAttempts      = 3
	DefaultInitialDelay     = 1 * time.Second
	DefaultMaxDelay         = 30 * time.Second
	DefaultRateLimitDelay   = 60 * time.Second

	DefaultFetchTimeout  = 30 * time.Second
	DefaultFetchInterval = 1 * time.Hour
)

// Duration wraps time.Duration for YAML unmarshaling from strings like "60s".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}

type Config struct {
	Storage  StorageConfig             `yaml:"storage"`
	Pool     PoolConfig                `yaml:"pool"`
	Breaker  BreakerConfig             `yaml:"breaker"`
	Retry    RetryConfig               `yaml:"retry"`
	Fetch    FetchConfig               `yaml:"fetch"`
	Logging  LoggingConfig             `yaml:"logging"`
	Defaults map[string]map[string]any `yaml:"defaults"` // per-kind settings defaults
	Sources  []SourceConfig            `yaml:"sources"`
}

type StorageConfig struct {
	Path       string `yaml:"path"`
	RetainDays int    `yaml:"retain_days"`
}

type PoolConfig struct {
	Concurrency int `yaml:"concurrency"`
}

type BreakerConfig struct {
	FailureThreshold int      `yaml:"failure_threshold"`
	RecoveryTimeout  Duration `yaml:"recovery_timeout"`
}

type RetryConfig struct {
	MaxAttempts    int      `yaml:"max_attempts"`
	InitialDelay   Duration `yaml:"initial_delay"`
	MaxDelay       Duration `yaml:"max_delay"`
	RateLimitDelay Duration `yaml:"rate_limit_delay"`
}

type FetchConfig struct {
	Timeout  Duration `yaml:"timeout"`
	Interval Duration `yaml:"interval"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

type SourceConfig struct {
	Kind       string         `yaml:"kind"`
	Identifier string         `yaml:"identifier"`
	Name       string         `yaml:"name"`
	Active     *bool          `yaml:"active"`
	Settings   map[string]any `yaml:"settings"`
}

// Load reads the config file, applies defaults, merges per-kind settings
// defaults under source overrides, expands ${VAR} secrets, and validates.
func Load(path string) (*Config, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("config path is required")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyDefaults(&cfg)
	mergeSourceDefaults(&cfg)

	if err := expandEnv(&cfg); err != nil {
		return nil, err
	}
	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Storage.Path == "" {
		home, err := os.UserHomeDir()
		if err == nil {
			cfg.Storage.Path = home + "/" + DefaultStoragePath
		} else {
			cfg.Storage.Path = DefaultStoragePath
		}
	}
	if strings.HasPrefix(cfg.Storage.Path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			cfg.Storage.Path = home + cfg.Storage.Path[1:]
		}
	}
	if cfg.Storage.RetainDays == 0 {
		cfg.Storage.RetainDays = DefaultRetainDays
	}
	if cfg.Pool.Concurrency <= 0 {
		cfg.Pool.Concurrency = DefaultConcurrency
	}
	if cfg.Breaker.FailureThreshold <= 0 {
		cfg.Breaker.FailureThreshold = DefaultFailureThreshold
	}
	if cfg.Breaker.RecoveryTimeout.Duration <= 0 {
		cfg.Breaker.RecoveryTimeout.Duration = DefaultRecoveryTimeout
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.Retry.InitialDelay.Duration <= 0 {
		cfg.Retry.InitialDelay.Duration = DefaultInitialDelay
	}
	if cfg.Retry.MaxDelay.Duration <= 0 {
		cfg.Retry.MaxDelay.Duration = DefaultMaxDelay
	}
	if cfg.Retry.RateLimitDelay.Duration <= 0 {
		cfg.Retry.RateLimitDelay.Duration = DefaultRateLimitDelay
	}
	if cfg.Fetch.Timeout.Duration <= 0 {
		cfg.Fetch.Timeout.Duration = DefaultFetchTimeout
	}
	if cfg.Fetch.Interval.Duration <= 0 {
		cfg.Fetch.Interval.Duration = DefaultFetchInterval
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = DefaultLogLevel
	}
}

// mergeSourceDefaults layers per-kind defaults under each source's own
// settings. Source values win.
func mergeSourceDefaults(cfg *Config) {
	for i := range cfg.Sources {
		src := &cfg.Sources[i]
		defaults := cfg.Defaults[src.Kind]
		if len(defaults) == 0 {
			continue
		}
		merged := make(map[string]any, len(defaults)+len(src.Settings))
		for k, v := range defaults {
			merged[k] = v
		}
		for k, v := range src.Settings {
			merged[k] = v
		}
		src.Settings = merged
	}
}

func validate(cfg *Config) error {
	seen := make(map[string]bool, len(cfg.Sources))
	for i := range cfg.Sources {
		src := &cfg.Sources[i]

		kind, err := source.ParseKind(src.Kind)
		if err != nil {
			return fmt.Errorf("source %d: %w", i, err)
		}
		if strings.TrimSpace(src.Identifier) == "" {
			return fmt.Errorf("source %d (%s): identifier is required", i, src.Kind)
		}
		if src.Name == "" {
			src.Name = src.Identifier
		}

		key := src.Kind + "\x00" + src.Identifier
		if seen[key] {
			return fmt.Errorf("duplicate source %s %q", src.Kind, src.Identifier)
		}
		seen[key] = true

		// Settings must validate against the kind's schema before a
		// connector may run.
		if _, err := source.DecodeSettings(kind, src.Settings); err != nil {
			return fmt.Errorf("source %s %q: %w", src.Kind, src.Identifier, err)
		}
	}
	return nil
}

// SourceList converts the configured sources to descriptors ready for the
// catalog upsert.
func (c *Config) SourceList() []source.Source {
	out := make([]source.Source, 0, len(c.Sources))
	for _, src := range c.Sources {
		active := true
		if src.Active != nil {
			active = *src.Active
		}
		kind, _ := source.ParseKind(src.Kind) // validated at load
		out = append(out, source.Source{
			Kind:       kind,
			Identifier: src.Identifier,
			Name:       src.Name,
			Settings:   src.Settings,
			Active:     active,
		})
	}
	return out
}
