// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jeranaias/stillmind/internal/util"
)

// =============================================================================
// EXPORT
// =============================================================================

// exportDocument is the JSON export envelope.
type exportDocument struct {
	ExportedAt time.Time  `json:"exported_at"`
	Sessions   []*Session `json:"sessions"`
	Messages   []*Message `json:"messages"`
}

// ExportJSON serializes the full history. The output is always valid
// JSON, even for an empty or partially unreadable store.
func (s *ConversationStore) ExportJSON() (string, error) {
	doc := exportDocument{
		ExportedAt: time.Now().UTC(),
		Sessions:   s.Sessions(),
		Messages:   s.Messages(0),
	}
	if doc.Sessions == nil {
		doc.Sessions = []*Session{}
	}
	if doc.Messages == nil {
		doc.Messages = []*Message{}
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to encode export: %w", err)
	}
	return string(data), nil
}

// ExportMarkdown renders the history as a readable document, grouped
// by session in chronological order.
func (s *ConversationStore) ExportMarkdown() string {
	msgs := s.Messages(0)

	var sb strings.Builder
	sb.WriteString("# Conversation Export\n\n")
	sb.WriteString(fmt.Sprintf("Exported %s\n", time.Now().UTC().Format("January 2, 2006")))

	if len(msgs) == 0 {
		sb.WriteString("\nNo messages.\n")
		return sb.String()
	}

	currentSession := ""
	for _, msg := range msgs {
		if msg.SessionID != currentSession {
			currentSession = msg.SessionID
			sb.WriteString(fmt.Sprintf("\n## Session %s\n\n", msg.Timestamp.Format("Jan 2, 2006 15:04")))
		}
		label := "You"
		if msg.Role == RoleAssistant {
			label = "Coach"
		}
		sb.WriteString(fmt.Sprintf("**%s:** %s\n\n", label, msg.Content))
	}
	return sb.String()
}

// =============================================================================
// SESSION LISTING
// =============================================================================

// FormatSessionList renders sessions for display, most recent first,
// with a preview of each session's first user message.
func (s *ConversationStore) FormatSessionList() string {
	sessions := s.Sessions()
	if len(sessions) == 0 {
		return "No sessions yet.\n"
	}

	previews := s.sessionPreviews()

	var sb strings.Builder
	for _, session := range sessions {
		sb.WriteString(fmt.Sprintf("%s — %d message", session.StartedAt.Format("Jan 2, 2006 15:04"), session.MessageCount))
		if session.MessageCount != 1 {
			sb.WriteString("s")
		}
		if preview := previews[session.ID]; preview != "" {
			sb.WriteString("\n    ")
			sb.WriteString(util.TruncateString(util.FirstLine(preview), 60))
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

// sessionPreviews maps each session to its first user message.
func (s *ConversationStore) sessionPreviews() map[string]string {
	previews := make(map[string]string)
	for _, msg := range s.Messages(0) {
		if msg.Role != RoleUser {
			continue
		}
		if _, ok := previews[msg.SessionID]; !ok {
			previews[msg.SessionID] = msg.Content
		}
	}
	return previews
}
