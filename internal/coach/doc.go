// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package coach orchestrates one coaching conversation: it persists
// the user's message, assembles the prompt from recent history, streams
// the model's reply as a draft, and persists the finished reply with
// its timing statistics.
package coach
