// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	require.NoError(t, cfg.Validate())
	assert.NotEmpty(t, cfg.Model.Name)
	assert.Equal(t, 2000, cfg.Inference.QuiescenceMillis)
}

func TestLoad_MissingFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	require.NoError(t, err)
	assert.Equal(t, "http://127.0.0.1:11434", cfg.Engine.URL)
}

func TestLoad_SparseFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	content := "[model]\nname = \"phi-3-mini\"\n\n[storage]\nretention_days = 30\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "phi-3-mini", cfg.Model.Name)
	assert.Equal(t, 30, cfg.Storage.RetentionDays)

	// Unset values come from defaults.
	assert.Equal(t, 1024, cfg.Inference.MaxTokens)
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("STILLMIND_MODEL", "qwen2-1.5b")

	cfg, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	require.NoError(t, err)
	assert.Equal(t, "qwen2-1.5b", cfg.Model.Name)
}

func TestSaveAndReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")

	cfg := DefaultConfig()
	cfg.Model.Name = "gemma-2b-it"
	cfg.Storage.RetentionDays = 90
	require.NoError(t, cfg.Save(path))

	got, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "gemma-2b-it", got.Model.Name)
	assert.Equal(t, 90, got.Storage.RetentionDays)
}

func TestValidate_Rejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty model", func(c *Config) { c.Model.Name = "" }},
		{"zero max tokens", func(c *Config) { c.Inference.MaxTokens = 0 }},
		{"temperature too high", func(c *Config) { c.Inference.Temperature = 3.5 }},
		{"negative retention", func(c *Config) { c.Storage.RetentionDays = -1 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
