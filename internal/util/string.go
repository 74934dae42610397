// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package util

import "strings"

// TruncateString truncates s to at most maxLen runes, appending "..."
// when content was dropped. Rune-based so multi-byte characters are
// never split.
func TruncateString(s string, maxLen int) string {
	if maxLen <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return string(runes[:maxLen])
	}
	return string(runes[:maxLen-3]) + "..."
}

// FirstLine collapses s to a single line: newlines become spaces and
// carriage returns are dropped.
func FirstLine(s string) string {
	s = strings.ReplaceAll(s, "\r", "")
	return strings.ReplaceAll(s, "\n", " ")
}

// EstimateTokens approximates the token count of text for context
// window budgeting. The local runtime does not expose its tokenizer,
// so four characters per token is used as the working ratio.
func EstimateTokens(text string) int {
	return (len(text) + 3) / 4
}
