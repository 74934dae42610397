// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jeranaias/stillmind/internal/kvstore"
)

func newTestStore() (*ConversationStore, *kvstore.MemoryStore) {
	kv := kvstore.NewMemoryStore()
	return NewConversationStore(kv), kv
}

func mustSave(t *testing.T, s *ConversationStore, role, content string, at time.Time) *Message {
	t.Helper()
	msg := &Message{Role: role, Content: content, Timestamp: at}
	if err := s.SaveMessage(msg); err != nil {
		t.Fatalf("SaveMessage(%q) failed: %v", content, err)
	}
	return msg
}

// =============================================================================
// SAVE AND READ TESTS
// =============================================================================

func TestSaveMessage_FillsFields(t *testing.T) {
	s, _ := newTestStore()

	msg := &Message{Role: RoleUser, Content: "hello"}
	if err := s.SaveMessage(msg); err != nil {
		t.Fatalf("SaveMessage failed: %v", err)
	}

	if msg.ID == "" {
		t.Error("ID not generated")
	}
	if msg.Timestamp.IsZero() {
		t.Error("Timestamp not set")
	}
	if msg.SessionID == "" {
		t.Error("SessionID not assigned")
	}
	if msg.SessionID != s.CurrentSessionID() {
		t.Error("message not attached to current session")
	}
}

func TestMessages_ChronologicalWithLimit(t *testing.T) {
	s, _ := newTestStore()
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	// Saved out of order; reads must come back sorted.
	mustSave(t, s, RoleUser, "third", base.Add(2*time.Hour))
	mustSave(t, s, RoleUser, "first", base)
	mustSave(t, s, RoleAssistant, "second", base.Add(time.Hour))

	all := s.Messages(0)
	if len(all) != 3 {
		t.Fatalf("len = %d, want 3", len(all))
	}
	if all[0].Content != "first" || all[2].Content != "third" {
		t.Errorf("order = %q, %q, %q", all[0].Content, all[1].Content, all[2].Content)
	}

	recent := s.Messages(2)
	if len(recent) != 2 {
		t.Fatalf("limited len = %d, want 2", len(recent))
	}
	if recent[0].Content != "second" || recent[1].Content != "third" {
		t.Errorf("limit must keep the most recent messages, got %q, %q", recent[0].Content, recent[1].Content)
	}
}

func TestSaveMessages_Batch(t *testing.T) {
	s, kv := newTestStore()

	batch := []*Message{
		{Role: RoleUser, Content: "question"},
		{Role: RoleAssistant, Content: "answer"},
	}
	if err := s.SaveMessages(batch); err != nil {
		t.Fatalf("SaveMessages failed: %v", err)
	}

	if got := s.Messages(0); len(got) != 2 {
		t.Errorf("len = %d, want 2", len(got))
	}
	if batch[0].SessionID != batch[1].SessionID {
		t.Error("batch messages should share a session")
	}
	if kv.Len() == 0 {
		t.Error("nothing persisted")
	}
}

func TestMessagesByDateRange_Boundaries(t *testing.T) {
	s, _ := newTestStore()
	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)

	mustSave(t, s, RoleUser, "before", base.Add(-time.Second))
	mustSave(t, s, RoleUser, "at start", base)
	mustSave(t, s, RoleUser, "inside", base.Add(time.Hour))
	mustSave(t, s, RoleUser, "at end", base.Add(24*time.Hour))
	mustSave(t, s, RoleUser, "after", base.Add(24*time.Hour+time.Second))

	got := s.MessagesByDateRange(base, base.Add(24*time.Hour))
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3 (both bounds inclusive)", len(got))
	}
	if got[0].Content != "at start" || got[1].Content != "inside" || got[2].Content != "at end" {
		t.Errorf("got %q, %q, %q", got[0].Content, got[1].Content, got[2].Content)
	}
}

func TestSearchMessages(t *testing.T) {
	s, _ := newTestStore()
	now := time.Now().UTC()

	mustSave(t, s, RoleUser, "I tried a Breathing exercise", now)
	mustSave(t, s, RoleAssistant, "Body scans help too", now.Add(time.Minute))

	got := s.SearchMessages("breathing")
	if len(got) != 1 || got[0].Content != "I tried a Breathing exercise" {
		t.Errorf("search result = %+v", got)
	}

	if got := s.SearchMessages(""); got != nil {
		t.Errorf("empty query should match nothing, got %d", len(got))
	}
	if got := s.SearchMessages("nonexistent"); len(got) != 0 {
		t.Errorf("no-match query returned %d", len(got))
	}
}

// =============================================================================
// DEGRADED READ AND FAILED WRITE TESTS
// =============================================================================

func TestReads_DegradeToEmpty(t *testing.T) {
	s, kv := newTestStore()
	mustSave(t, s, RoleUser, "hello", time.Now().UTC())

	// Corrupt the index blob; reads must come back empty, not error.
	if err := kv.Set(messageIndexKey, "{not json"); err != nil {
		t.Fatal(err)
	}

	if got := s.Messages(0); len(got) != 0 {
		t.Errorf("corrupt index should read as empty, got %d", len(got))
	}
	stats := s.ComputeStatistics()
	if stats.TotalMessages != 0 {
		t.Errorf("stats over corrupt index = %+v", stats)
	}
}

func TestSaveMessage_WriteFailure(t *testing.T) {
	s, kv := newTestStore()
	kv.FailWrites = errors.New("disk full")

	err := s.SaveMessage(&Message{Role: RoleUser, Content: "hello"})
	if !IsWriteFailed(err) {
		t.Errorf("error = %v, want write-failed", err)
	}
}

// =============================================================================
// DELETE TESTS
// =============================================================================

func TestDeleteMessages_RebuildsSessions(t *testing.T) {
	s, _ := newTestStore()
	now := time.Now().UTC()

	m1 := mustSave(t, s, RoleUser, "one", now)
	m2 := mustSave(t, s, RoleAssistant, "two", now.Add(time.Minute))
	firstSession := m1.SessionID

	if _, err := s.StartNewSession(); err != nil {
		t.Fatal(err)
	}
	m3 := mustSave(t, s, RoleUser, "three", now.Add(2*time.Minute))

	// Wipe out the first session's messages entirely.
	if err := s.DeleteMessages([]string{m1.ID, m2.ID}); err != nil {
		t.Fatalf("DeleteMessages failed: %v", err)
	}

	remaining := s.Messages(0)
	if len(remaining) != 1 || remaining[0].ID != m3.ID {
		t.Fatalf("remaining = %+v", remaining)
	}

	sessions := s.Sessions()
	if len(sessions) != 1 {
		t.Fatalf("sessions = %d, want 1 (emptied session removed)", len(sessions))
	}
	if sessions[0].ID == firstSession {
		t.Error("emptied session survived the rebuild")
	}
	if sessions[0].MessageCount != 1 {
		t.Errorf("MessageCount = %d, want 1", sessions[0].MessageCount)
	}
}

func TestDeleteMessages_KeepsCurrentSessionOpen(t *testing.T) {
	s, _ := newTestStore()

	msg := mustSave(t, s, RoleUser, "only", time.Now().UTC())
	current := s.CurrentSessionID()

	if err := s.DeleteMessages([]string{msg.ID}); err != nil {
		t.Fatalf("DeleteMessages failed: %v", err)
	}

	if s.CurrentSessionID() != current {
		t.Error("current session pointer lost")
	}
	sessions := s.Sessions()
	if len(sessions) != 1 || sessions[0].ID != current {
		t.Errorf("current session should stay open, got %+v", sessions)
	}
}

func TestClearAll(t *testing.T) {
	s, kv := newTestStore()
	mustSave(t, s, RoleUser, "one", time.Now().UTC())
	mustSave(t, s, RoleAssistant, "two", time.Now().UTC())

	if err := s.ClearAll(); err != nil {
		t.Fatalf("ClearAll failed: %v", err)
	}

	if got := s.Messages(0); len(got) != 0 {
		t.Errorf("messages after clear = %d", len(got))
	}
	if got := s.Sessions(); len(got) != 0 {
		t.Errorf("sessions after clear = %d", len(got))
	}
	if s.CurrentSessionID() != "" {
		t.Error("current session pointer survived clear")
	}
	if kv.Len() != 0 {
		t.Errorf("store still holds %d keys", kv.Len())
	}
}

func TestCleanupOld(t *testing.T) {
	s, _ := newTestStore()
	now := time.Now().UTC()

	mustSave(t, s, RoleUser, "ancient", now.AddDate(0, 0, -40))
	mustSave(t, s, RoleUser, "recent", now)

	deleted, err := s.CleanupOld(30)
	if err != nil {
		t.Fatalf("CleanupOld failed: %v", err)
	}
	if deleted != 1 {
		t.Errorf("deleted = %d, want 1", deleted)
	}
	remaining := s.Messages(0)
	if len(remaining) != 1 || remaining[0].Content != "recent" {
		t.Errorf("remaining = %+v", remaining)
	}

	// Zero retention keeps everything.
	deleted, err = s.CleanupOld(0)
	if err != nil || deleted != 0 {
		t.Errorf("CleanupOld(0) = %d, %v", deleted, err)
	}
}

// =============================================================================
// SESSION TESTS
// =============================================================================

func TestStartNewSession(t *testing.T) {
	s, _ := newTestStore()

	first, err := s.StartNewSession()
	if err != nil {
		t.Fatalf("StartNewSession failed: %v", err)
	}
	if s.CurrentSessionID() != first {
		t.Error("pointer not updated")
	}

	mustSave(t, s, RoleUser, "in first", time.Now().UTC())

	second, err := s.StartNewSession()
	if err != nil {
		t.Fatalf("StartNewSession failed: %v", err)
	}
	if second == first {
		t.Error("session ids must differ")
	}

	msg := mustSave(t, s, RoleUser, "in second", time.Now().UTC())
	if msg.SessionID != second {
		t.Error("new message landed in the old session")
	}
}

// =============================================================================
// STATISTICS TESTS
// =============================================================================

func TestComputeStatistics(t *testing.T) {
	s, _ := newTestStore()

	stats := s.ComputeStatistics()
	if stats.TotalMessages != 0 || stats.ActiveDays != 0 {
		t.Errorf("empty stats = %+v", stats)
	}

	base := time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC)
	mustSave(t, s, RoleUser, "q1", base)
	mustSave(t, s, RoleAssistant, "a1", base.Add(time.Minute))
	mustSave(t, s, RoleUser, "q2", base.AddDate(0, 0, 2))

	stats = s.ComputeStatistics()
	if stats.TotalMessages != 3 {
		t.Errorf("TotalMessages = %d", stats.TotalMessages)
	}
	if stats.UserMessages != 2 || stats.AssistantMessages != 1 {
		t.Errorf("role counts = %d user, %d assistant", stats.UserMessages, stats.AssistantMessages)
	}
	if stats.ActiveDays != 3 {
		t.Errorf("ActiveDays = %d, want 3", stats.ActiveDays)
	}
	if stats.MessagesPerDay != 1.0 {
		t.Errorf("MessagesPerDay = %g", stats.MessagesPerDay)
	}
}

func TestComputeStatistics_SingleDayFloor(t *testing.T) {
	s, _ := newTestStore()
	now := time.Now().UTC()

	mustSave(t, s, RoleUser, "q", now)
	mustSave(t, s, RoleAssistant, "a", now.Add(time.Minute))

	stats := s.ComputeStatistics()
	if stats.ActiveDays != 1 {
		t.Errorf("ActiveDays = %d, a single sitting is one day", stats.ActiveDays)
	}
}

// =============================================================================
// EXPORT TESTS
// =============================================================================

func TestExportJSON_AlwaysParseable(t *testing.T) {
	s, _ := newTestStore()

	out, err := s.ExportJSON()
	if err != nil {
		t.Fatalf("ExportJSON failed: %v", err)
	}
	var doc map[string]any
	if err := json.Unmarshal([]byte(out), &doc); err != nil {
		t.Fatalf("empty export not parseable: %v", err)
	}

	mustSave(t, s, RoleUser, "hello", time.Now().UTC())
	out, err = s.ExportJSON()
	if err != nil {
		t.Fatalf("ExportJSON failed: %v", err)
	}
	var populated struct {
		Messages []*Message `json:"messages"`
	}
	if err := json.Unmarshal([]byte(out), &populated); err != nil {
		t.Fatalf("export not parseable: %v", err)
	}
	if len(populated.Messages) != 1 {
		t.Errorf("exported %d messages", len(populated.Messages))
	}
}

func TestExportMarkdown(t *testing.T) {
	s, _ := newTestStore()
	now := time.Now().UTC()

	mustSave(t, s, RoleUser, "I feel tense", now)
	mustSave(t, s, RoleAssistant, "Try a slow exhale", now.Add(time.Minute))

	out := s.ExportMarkdown()
	for _, want := range []string{"# Conversation Export", "## Session", "**You:** I feel tense", "**Coach:** Try a slow exhale"} {
		if !strings.Contains(out, want) {
			t.Errorf("markdown missing %q:\n%s", want, out)
		}
	}
}

func TestFormatSessionList(t *testing.T) {
	s, _ := newTestStore()

	if got := s.FormatSessionList(); got != "No sessions yet.\n" {
		t.Errorf("empty list = %q", got)
	}

	mustSave(t, s, RoleUser, "Help me wind down before sleep tonight please", time.Now().UTC())
	out := s.FormatSessionList()
	if !strings.Contains(out, "1 message") {
		t.Errorf("list missing count:\n%s", out)
	}
	if !strings.Contains(out, "Help me wind down") {
		t.Errorf("list missing preview:\n%s", out)
	}
}
