// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package inference

import (
	"strings"

	"github.com/jeranaias/stillmind/internal/util"
)

// =============================================================================
// PROMPT ASSEMBLY
// =============================================================================

// Turn is one conversational exchange included as model context.
type Turn struct {
	// Role is "user" or "assistant". System-role turns are excluded
	// from history; the system prompt is passed separately.
	Role    string
	Content string
}

// contextBudgetFraction is how much of the context window prompt
// assembly may consume, leaving room for the response.
const contextBudgetFraction = 0.8

// BuildPrompt assembles the model prompt from a system prompt and
// conversation history, newest turns kept first when the window is
// tight. History is trimmed from the oldest end once the token budget
// (estimated at four characters per token) is reached.
func BuildPrompt(system string, history []Turn, maxContextTokens int) string {
	budget := int(float64(maxContextTokens) * contextBudgetFraction)
	used := util.EstimateTokens(system)

	// Walk newest to oldest, keeping turns while they fit.
	var kept []string
	for i := len(history) - 1; i >= 0; i-- {
		turn := history[i]
		if strings.EqualFold(turn.Role, "system") {
			continue
		}
		line := roleLabel(turn.Role) + ": " + turn.Content
		cost := util.EstimateTokens(line)
		if used+cost > budget {
			break
		}
		used += cost
		kept = append(kept, line)
	}

	var sb strings.Builder
	if system != "" {
		sb.WriteString(system)
		sb.WriteString("\n\n")
	}
	for i := len(kept) - 1; i >= 0; i-- {
		sb.WriteString(kept[i])
		sb.WriteString("\n")
	}
	sb.WriteString("Assistant:")
	return sb.String()
}

func roleLabel(role string) string {
	switch strings.ToLower(role) {
	case "assistant":
		return "Assistant"
	default:
		return "User"
	}
}
