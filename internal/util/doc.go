// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package util provides small shared helpers for the stillmind core.
//
// It contains the atomic file writer used by configuration and export
// code, and rune-safe string truncation used when deriving session
// titles and previews from message content.
package util
