// Package config loads the chainlog process configuration from YAML.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/chainlog/internal/engine"
	"github.com/roach88/chainlog/internal/rules"
	"github.com/roach88/chainlog/internal/stream"
)

// Validator modes.
const (
	ModeAllowAll = "allow_all"
	ModeRules    = "rules"
)

// Config is the complete process configuration.
type Config struct {
	Storage   StorageConfig   `yaml:"storage"`
	Server    ServerConfig    `yaml:"server"`
	Stream    StreamConfig    `yaml:"stream"`
	Validator ValidatorConfig `yaml:"validator"`
	Limits    engine.Limits   `yaml:"limits"`
	Log       LogConfig       `yaml:"log"`
}

// StorageConfig locates the SQLite database.
type StorageConfig struct {
	Path string `yaml:"path"`
}

// ServerConfig configures the HTTP adapter.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// StreamConfig configures the transaction stream.
type StreamConfig struct {
	// Enabled mounts the /stream websocket endpoint.
	Enabled     bool `yaml:"enabled"`
	QueueSize   int  `yaml:"queue_size"`
	ReplayBatch int  `yaml:"replay_batch"`
}

// ValidatorConfig chooses the mutation validator at start-up.
type ValidatorConfig struct {
	// Mode is "allow_all" or "rules".
	Mode string `yaml:"mode"`

	// Rules is a CUE file or directory, required in rules mode.
	Rules string `yaml:"rules,omitempty"`

	// NonNegative lists key patterns whose integer values may not go below zero.
	// Applies in either mode.
	NonNegative []string `yaml:"non_negative,omitempty"`
}

// LogConfig configures the slog handler.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Storage: StorageConfig{Path: "chainlog.db"},
		Server: ServerConfig{
			Addr:            "127.0.0.1:8080",
			ShutdownTimeout: 10 * time.Second,
		},
		Stream: StreamConfig{
			Enabled:     true,
			QueueSize:   stream.DefaultQueueSize,
			ReplayBatch: stream.DefaultReplayBatch,
		},
		Validator: ValidatorConfig{Mode: ModeAllowAll},
		Limits:    engine.DefaultLimits(),
		Log:       LogConfig{Level: "info", Format: "text"},
	}
}

// Load reads a YAML file over the defaults. Unknown fields are rejected.
// A relative rules path is resolved against the file's directory.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return Config{}, err
	}

	if cfg.Validator.Rules != "" && !filepath.IsAbs(cfg.Validator.Rules) {
		cfg.Validator.Rules = filepath.Join(filepath.Dir(path), cfg.Validator.Rules)
	}
	return cfg, nil
}

// Parse decodes YAML over the defaults and validates the result.
func Parse(data []byte) (Config, error) {
	cfg := Default()

	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Validate checks that required fields are present and consistent.
func (c Config) Validate() error {
	if c.Storage.Path == "" {
		return fmt.Errorf("storage.path is required")
	}
	if c.Stream.QueueSize <= 0 {
		return fmt.Errorf("stream.queue_size must be positive")
	}
	if c.Stream.ReplayBatch <= 0 {
		return fmt.Errorf("stream.replay_batch must be positive")
	}

	switch c.Validator.Mode {
	case ModeAllowAll:
	case ModeRules:
		if c.Validator.Rules == "" {
			return fmt.Errorf("validator.rules is required in %q mode", ModeRules)
		}
	default:
		return fmt.Errorf("unknown validator.mode %q", c.Validator.Mode)
	}

	if _, err := parseLevel(c.Log.Level); err != nil {
		return err
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		return fmt.Errorf("log.format must be text or json, got %q", c.Log.Format)
	}
	return nil
}

// Build constructs the configured validator.
func (c ValidatorConfig) Build() (rules.Validator, error) {
	var chain []rules.Validator

	for _, pattern := range c.NonNegative {
		v, err := rules.NonNegative(pattern)
		if err != nil {
			return nil, err
		}
		chain = append(chain, v)
	}

	if c.Mode == ModeRules {
		rs, err := rules.LoadRuleSet(c.Rules)
		if err != nil {
			return nil, err
		}
		chain = append(chain, rs)
	}

	switch len(chain) {
	case 0:
		return rules.AllowAll{}, nil
	case 1:
		return chain[0], nil
	}
	return rules.Chain(chain...), nil
}

// SlogLevel returns the configured level. Validate rejects unknown names.
func (c LogConfig) SlogLevel() slog.Level {
	level, _ := parseLevel(c.Level)
	return level
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(s))); err != nil {
		return slog.LevelInfo, fmt.Errorf("unknown log.level %q", s)
	}
	return level, nil
}
