// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"errors"
	"fmt"
	"time"
)

// =============================================================================
// STORED TYPES
// =============================================================================

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is a persisted conversation message.
type Message struct {
	ID        string    `json:"id"`
	Role      string    `json:"role"` // "user" or "assistant"
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	SessionID string    `json:"session_id"`

	// Statistics (for assistant messages)
	TokenCount   int     `json:"token_count,omitempty"`
	DurationMs   int64   `json:"duration_ms,omitempty"`
	TokensPerSec float64 `json:"tokens_per_sec,omitempty"`
	TTFTMs       int64   `json:"ttft_ms,omitempty"`
}

// indexEntry is one line of the message index blob. It carries enough
// to order, filter and group messages without loading every record.
type indexEntry struct {
	ID        string    `json:"id"`
	Role      string    `json:"role"`
	Timestamp time.Time `json:"timestamp"`
	SessionID string    `json:"session_id"`
}

// Session groups the messages of one sitting.
type Session struct {
	ID            string    `json:"id"`
	StartedAt     time.Time `json:"started_at"`
	LastMessageAt time.Time `json:"last_message_at"`
	MessageCount  int       `json:"message_count"`
}

// Statistics summarizes the stored history.
type Statistics struct {
	TotalMessages     int     `json:"total_messages"`
	UserMessages      int     `json:"user_messages"`
	AssistantMessages int     `json:"assistant_messages"`
	SessionCount      int     `json:"session_count"`
	ActiveDays        int     `json:"active_days"`
	MessagesPerDay    float64 `json:"messages_per_day"`
}

// =============================================================================
// ERRORS
// =============================================================================

// ErrWriteFailed wraps persistence write failures. Reads never return
// it; they degrade to empty results instead.
var ErrWriteFailed = errors.New("storage write failed")

func writeFailed(op string, cause error) error {
	return fmt.Errorf("%w: %s: %v", ErrWriteFailed, op, cause)
}

// IsWriteFailed reports whether err is a persistence write failure.
func IsWriteFailed(err error) bool {
	return errors.Is(err, ErrWriteFailed)
}
