// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package inference

import (
	"strings"
	"testing"
)

func TestBuildPrompt_Basic(t *testing.T) {
	history := []Turn{
		{Role: "user", Content: "I feel anxious."},
		{Role: "assistant", Content: "Let's slow down together."},
		{Role: "user", Content: "Okay, how?"},
	}

	got := BuildPrompt("You are a coach.", history, 8192)

	if !strings.HasPrefix(got, "You are a coach.\n\n") {
		t.Errorf("prompt missing system prefix:\n%s", got)
	}
	if !strings.HasSuffix(got, "Assistant:") {
		t.Errorf("prompt missing assistant cue:\n%s", got)
	}

	// History stays in chronological order.
	first := strings.Index(got, "User: I feel anxious.")
	second := strings.Index(got, "Assistant: Let's slow down together.")
	third := strings.Index(got, "User: Okay, how?")
	if first == -1 || second == -1 || third == -1 {
		t.Fatalf("missing turns:\n%s", got)
	}
	if !(first < second && second < third) {
		t.Errorf("turns out of order:\n%s", got)
	}
}

func TestBuildPrompt_TrimsOldestFirst(t *testing.T) {
	long := strings.Repeat("breathing practice ", 50)
	history := []Turn{
		{Role: "user", Content: "oldest " + long},
		{Role: "assistant", Content: "middle " + long},
		{Role: "user", Content: "newest question"},
	}

	// Window small enough that only the newest turn fits.
	got := BuildPrompt("coach", history, 100)

	if !strings.Contains(got, "newest question") {
		t.Errorf("newest turn must survive trimming:\n%s", got)
	}
	if strings.Contains(got, "oldest") {
		t.Errorf("oldest turn should be trimmed:\n%s", got)
	}
}

func TestBuildPrompt_ExcludesSystemTurns(t *testing.T) {
	history := []Turn{
		{Role: "system", Content: "internal instruction"},
		{Role: "user", Content: "hello"},
	}

	got := BuildPrompt("coach", history, 8192)
	if strings.Contains(got, "internal instruction") {
		t.Errorf("system turns must not appear in history:\n%s", got)
	}
}

func TestBuildPrompt_EmptyHistory(t *testing.T) {
	got := BuildPrompt("coach", nil, 8192)
	if got != "coach\n\nAssistant:" {
		t.Errorf("prompt = %q", got)
	}
}
