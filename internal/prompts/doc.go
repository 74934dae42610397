// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package prompts holds the static prompt text consumed by the
// conversation orchestrator: the base coaching system prompt, topic
// emphases and the canned quick-action prompts. Pure data, no I/O.
package prompts
