// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config provides configuration loading and management for
// stillmind.
//
// Supports TOML configuration with sensible defaults and environment
// variable overrides.
//
// Configuration file location:
//   - ~/.stillmind/config.toml
//   - Built-in defaults
package config
