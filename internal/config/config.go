// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"bytes"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/jeranaias/stillmind/internal/util"
)

// =============================================================================
// CONFIG STRUCTURES
// =============================================================================

// Config represents the complete stillmind configuration.
type Config struct {
	Version string `toml:"version"`

	// Model configuration
	Model ModelConfig `toml:"model"`

	// Engine (inference daemon) configuration
	Engine EngineConfig `toml:"engine"`

	// Inference tuning
	Inference InferenceConfig `toml:"inference"`

	// Conversation storage configuration
	Storage StorageConfig `toml:"storage"`

	// Coaching configuration
	Coach CoachConfig `toml:"coach"`
}

// ModelConfig selects the on-device model and its download behavior.
type ModelConfig struct {
	// Name is the model identifier to download and run.
	Name string `toml:"name"`
	// SizeBytes is the expected download size, used for the free-disk
	// check before a download starts (0 = skip the check).
	SizeBytes int64 `toml:"size_bytes"`
	// DownloadRetries is how many times a failed download is retried.
	DownloadRetries int `toml:"download_retries"`
}

// EngineConfig contains inference daemon connection configuration.
type EngineConfig struct {
	// URL is the base URL of the local inference daemon.
	URL string `toml:"url"`
	// TimeoutSecs is the request timeout for non-streaming calls.
	TimeoutSecs int `toml:"timeout_secs"`
}

// InferenceConfig tunes generation behavior.
type InferenceConfig struct {
	// MaxTokens caps the response length.
	MaxTokens int `toml:"max_tokens"`
	// Temperature controls sampling randomness.
	Temperature float64 `toml:"temperature"`
	// TopK and TopP control nucleus sampling.
	TopK int     `toml:"top_k"`
	TopP float64 `toml:"top_p"`
	// TimeoutSecs bounds a whole generation end to end.
	TimeoutSecs int `toml:"timeout_secs"`
	// QuiescenceMillis is how long the stream may go silent before the
	// accumulated text is treated as complete (or, with no text yet,
	// the attempt fails).
	QuiescenceMillis int `toml:"quiescence_millis"`
	// Retries is how many times a retryable generation failure is
	// attempted again.
	Retries int `toml:"retries"`
}

// StorageConfig contains conversation persistence configuration.
type StorageConfig struct {
	// Path is the conversation database file (empty = default under
	// the data directory).
	Path string `toml:"path"`
	// RetentionDays is how long messages are kept before cleanup
	// (0 = keep forever).
	RetentionDays int `toml:"retention_days"`
	// HistoryWindow is how many recent messages are included as
	// context when sending a message.
	HistoryWindow int `toml:"history_window"`
}

// CoachConfig contains coaching behavior configuration.
type CoachConfig struct {
	// Topic is the default coaching emphasis.
	Topic string `toml:"topic"`
	// UserContext is an optional line about the user appended to the
	// system prompt.
	UserContext string `toml:"user_context"`
}

// =============================================================================
// DEFAULTS
// =============================================================================

// DefaultConfig returns a Config populated with defaults.
func DefaultConfig() *Config {
	return &Config{
		Version: "1.0",
		Model: ModelConfig{
			Name:            "gemma-2b-it",
			SizeBytes:       1_500_000_000,
			DownloadRetries: 3,
		},
		Engine: EngineConfig{
			URL:         "http://127.0.0.1:11434",
			TimeoutSecs: 30,
		},
		Inference: InferenceConfig{
			MaxTokens:        1024,
			Temperature:      0.7,
			TopK:             40,
			TopP:             0.9,
			TimeoutSecs:      30,
			QuiescenceMillis: 2000,
			Retries:          2,
		},
		Storage: StorageConfig{
			RetentionDays: 0,
			HistoryWindow: 10,
		},
		Coach: CoachConfig{
			Topic: "general",
		},
	}
}

// fillDefaults replaces zero values with defaults so a sparse config
// file still yields a usable Config.
func (c *Config) fillDefaults() {
	d := DefaultConfig()
	if c.Version == "" {
		c.Version = d.Version
	}
	if c.Model.Name == "" {
		c.Model.Name = d.Model.Name
	}
	if c.Model.SizeBytes == 0 {
		c.Model.SizeBytes = d.Model.SizeBytes
	}
	if c.Model.DownloadRetries == 0 {
		c.Model.DownloadRetries = d.Model.DownloadRetries
	}
	if c.Engine.URL == "" {
		c.Engine.URL = d.Engine.URL
	}
	if c.Engine.TimeoutSecs == 0 {
		c.Engine.TimeoutSecs = d.Engine.TimeoutSecs
	}
	if c.Inference.MaxTokens == 0 {
		c.Inference.MaxTokens = d.Inference.MaxTokens
	}
	if c.Inference.Temperature == 0 {
		c.Inference.Temperature = d.Inference.Temperature
	}
	if c.Inference.TopK == 0 {
		c.Inference.TopK = d.Inference.TopK
	}
	if c.Inference.TopP == 0 {
		c.Inference.TopP = d.Inference.TopP
	}
	if c.Inference.TimeoutSecs == 0 {
		c.Inference.TimeoutSecs = d.Inference.TimeoutSecs
	}
	if c.Inference.QuiescenceMillis == 0 {
		c.Inference.QuiescenceMillis = d.Inference.QuiescenceMillis
	}
	if c.Inference.Retries == 0 {
		c.Inference.Retries = d.Inference.Retries
	}
	if c.Storage.HistoryWindow == 0 {
		c.Storage.HistoryWindow = d.Storage.HistoryWindow
	}
	if c.Coach.Topic == "" {
		c.Coach.Topic = d.Coach.Topic
	}
}

// =============================================================================
// LOADING
// =============================================================================

var (
	configDirOnce sync.Once
	configDirPath string
)

// Dir returns the stillmind configuration/data directory, creating it
// on first use.
func Dir() string {
	configDirOnce.Do(func() {
		home, err := os.UserHomeDir()
		if err != nil {
			configDirPath = ".stillmind"
		} else {
			configDirPath = filepath.Join(home, ".stillmind")
		}
		os.MkdirAll(configDirPath, 0o700)
	})
	return configDirPath
}

// Path returns the default config file path.
func Path() string {
	return filepath.Join(Dir(), "config.toml")
}

// Load reads the config file at path, falling back to defaults for a
// missing file, then applies environment overrides and validates.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		cfg = DefaultConfig()
	case err != nil:
		return nil, fmt.Errorf("failed to read config: %w", err)
	default:
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
		cfg.fillDefaults()
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides applies STILLMIND_* environment variables on top
// of the file values.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("STILLMIND_ENGINE_URL"); v != "" {
		c.Engine.URL = v
	}
	if v := os.Getenv("STILLMIND_MODEL"); v != "" {
		c.Model.Name = v
	}
	if v := os.Getenv("STILLMIND_RETENTION_DAYS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			c.Storage.RetentionDays = n
		}
	}
}

// Validate checks the configuration for invalid values.
func (c *Config) Validate() error {
	if _, err := url.Parse(c.Engine.URL); err != nil {
		return fmt.Errorf("invalid engine URL %q: %w", c.Engine.URL, err)
	}
	if c.Model.Name == "" {
		return fmt.Errorf("model name must not be empty")
	}
	if c.Inference.MaxTokens < 1 {
		return fmt.Errorf("max_tokens must be positive, got %d", c.Inference.MaxTokens)
	}
	if c.Inference.Temperature < 0 || c.Inference.Temperature > 2 {
		return fmt.Errorf("temperature must be in [0, 2], got %g", c.Inference.Temperature)
	}
	if c.Storage.RetentionDays < 0 {
		return fmt.Errorf("retention_days must not be negative, got %d", c.Storage.RetentionDays)
	}
	if c.Storage.HistoryWindow < 1 {
		return fmt.Errorf("history_window must be positive, got %d", c.Storage.HistoryWindow)
	}
	return nil
}

// =============================================================================
// SAVING
// =============================================================================

// Save writes the configuration to path atomically.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(c); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	if err := util.AtomicWriteFile(path, buf.Bytes(), 0o600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// InferenceTimeout returns the generation timeout as a duration.
func (c *Config) InferenceTimeout() time.Duration {
	return time.Duration(c.Inference.TimeoutSecs) * time.Second
}

// Quiescence returns the stream-idle completion window as a duration.
func (c *Config) Quiescence() time.Duration {
	return time.Duration(c.Inference.QuiescenceMillis) * time.Millisecond
}
