// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jeranaias/stillmind/internal/kvstore"
)

// =============================================================================
// KEY LAYOUT
// =============================================================================

const (
	messageKeyPrefix  = "chat:msg:"
	sessionKeyPrefix  = "chat:session:"
	messageIndexKey   = "chat:index:messages"
	sessionIndexKey   = "chat:index:sessions"
	currentSessionKey = "chat:session:current"
)

func messageKey(id string) string { return messageKeyPrefix + id }
func sessionKey(id string) string { return sessionKeyPrefix + id }

// =============================================================================
// CONVERSATION STORE
// =============================================================================

// ConversationStore persists messages and sessions in a key-value
// store. Safe for concurrent use.
type ConversationStore struct {
	kv kvstore.Store
	mu sync.Mutex
}

// NewConversationStore creates a store over the given key-value store.
func NewConversationStore(kv kvstore.Store) *ConversationStore {
	return &ConversationStore{kv: kv}
}

// =============================================================================
// SAVE OPERATIONS
// =============================================================================

// SaveMessage persists one message immediately: the record, the index
// and the owning session record are all updated before it returns.
// Missing fields (id, timestamp, session) are filled in.
func (s *ConversationStore) SaveMessage(msg *Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveMessagesLocked([]*Message{msg})
}

// SaveMessages persists a batch of messages with a single index
// rewrite. Either the whole batch lands or an error is returned.
func (s *ConversationStore) SaveMessages(msgs []*Message) error {
	if len(msgs) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveMessagesLocked(msgs)
}

func (s *ConversationStore) saveMessagesLocked(msgs []*Message) error {
	sessionID, err := s.ensureSessionLocked()
	if err != nil {
		return err
	}

	index := s.loadIndexLocked()
	for _, msg := range msgs {
		if msg.ID == "" {
			msg.ID = uuid.NewString()
		}
		if msg.Timestamp.IsZero() {
			msg.Timestamp = time.Now().UTC()
		}
		if msg.SessionID == "" {
			msg.SessionID = sessionID
		}

		data, err := json.Marshal(msg)
		if err != nil {
			return writeFailed("marshal message", err)
		}
		if err := s.kv.Set(messageKey(msg.ID), string(data)); err != nil {
			return writeFailed("save message", err)
		}

		index = append(index, indexEntry{
			ID:        msg.ID,
			Role:      msg.Role,
			Timestamp: msg.Timestamp,
			SessionID: msg.SessionID,
		})
	}

	sortIndex(index)
	if err := s.saveIndexLocked(index); err != nil {
		return err
	}
	return s.rebuildSessionsLocked(index)
}

// =============================================================================
// READ OPERATIONS
// =============================================================================

// Messages returns stored messages in chronological order. A positive
// limit keeps only the most recent messages. Read failures yield an
// empty result, never an error.
func (s *ConversationStore) Messages(limit int) []*Message {
	s.mu.Lock()
	index := s.loadIndexLocked()
	s.mu.Unlock()

	if limit > 0 && len(index) > limit {
		index = index[len(index)-limit:]
	}
	return s.loadMessages(index)
}

// MessagesByDateRange returns messages with start <= timestamp <= end,
// in chronological order.
func (s *ConversationStore) MessagesByDateRange(start, end time.Time) []*Message {
	s.mu.Lock()
	index := s.loadIndexLocked()
	s.mu.Unlock()

	var selected []indexEntry
	for _, entry := range index {
		if !entry.Timestamp.Before(start) && !entry.Timestamp.After(end) {
			selected = append(selected, entry)
		}
	}
	return s.loadMessages(selected)
}

// SearchMessages returns messages whose content contains the query,
// case-insensitively, in chronological order. An empty query matches
// nothing.
func (s *ConversationStore) SearchMessages(query string) []*Message {
	query = strings.ToLower(strings.TrimSpace(query))
	if query == "" {
		return nil
	}

	s.mu.Lock()
	index := s.loadIndexLocked()
	s.mu.Unlock()

	var matches []*Message
	for _, msg := range s.loadMessages(index) {
		if strings.Contains(strings.ToLower(msg.Content), query) {
			matches = append(matches, msg)
		}
	}
	return matches
}

// loadMessages fetches message records for index entries, silently
// skipping any that are missing or unreadable.
func (s *ConversationStore) loadMessages(entries []indexEntry) []*Message {
	var msgs []*Message
	for _, entry := range entries {
		raw, err := s.kv.GetString(messageKey(entry.ID))
		if err != nil {
			continue
		}
		var msg Message
		if err := json.Unmarshal([]byte(raw), &msg); err != nil {
			continue
		}
		msgs = append(msgs, &msg)
	}
	return msgs
}

// =============================================================================
// DELETE OPERATIONS
// =============================================================================

// DeleteMessages removes the identified messages, then rebuilds the
// index and every session record from what remains. Unknown ids are
// ignored.
func (s *ConversationStore) DeleteMessages(ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	doomed := make(map[string]bool, len(ids))
	for _, id := range ids {
		doomed[id] = true
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	index := s.loadIndexLocked()
	var kept []indexEntry
	for _, entry := range index {
		if doomed[entry.ID] {
			if err := s.kv.Delete(messageKey(entry.ID)); err != nil && err != kvstore.ErrNotFound {
				return writeFailed("delete message", err)
			}
			continue
		}
		kept = append(kept, entry)
	}

	if err := s.saveIndexLocked(kept); err != nil {
		return err
	}
	return s.rebuildSessionsLocked(kept)
}

// ClearAll removes every message, session and index record.
func (s *ConversationStore) ClearAll() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, entry := range s.loadIndexLocked() {
		if err := s.kv.Delete(messageKey(entry.ID)); err != nil && err != kvstore.ErrNotFound {
			return writeFailed("delete message", err)
		}
	}
	for _, id := range s.loadSessionIndexLocked() {
		if err := s.kv.Delete(sessionKey(id)); err != nil && err != kvstore.ErrNotFound {
			return writeFailed("delete session", err)
		}
	}
	for _, key := range []string{messageIndexKey, sessionIndexKey, currentSessionKey} {
		if err := s.kv.Delete(key); err != nil && err != kvstore.ErrNotFound {
			return writeFailed("clear index", err)
		}
	}
	return nil
}

// CleanupOld deletes messages older than retentionDays and returns how
// many were removed. A retention of zero keeps everything.
func (s *ConversationStore) CleanupOld(retentionDays int) (int, error) {
	if retentionDays <= 0 {
		return 0, nil
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays)

	s.mu.Lock()
	index := s.loadIndexLocked()
	s.mu.Unlock()

	var doomed []string
	for _, entry := range index {
		if entry.Timestamp.Before(cutoff) {
			doomed = append(doomed, entry.ID)
		}
	}
	if len(doomed) == 0 {
		return 0, nil
	}
	if err := s.DeleteMessages(doomed); err != nil {
		return 0, err
	}
	return len(doomed), nil
}

// =============================================================================
// SESSIONS
// =============================================================================

// StartNewSession opens a fresh session and points new messages at it.
func (s *ConversationStore) StartNewSession() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startSessionLocked()
}

func (s *ConversationStore) startSessionLocked() (string, error) {
	session := &Session{
		ID:        uuid.NewString(),
		StartedAt: time.Now().UTC(),
	}
	if err := s.saveSessionLocked(session); err != nil {
		return "", err
	}

	ids := append(s.loadSessionIndexLocked(), session.ID)
	if err := s.saveSessionIndexLocked(ids); err != nil {
		return "", err
	}
	if err := s.kv.Set(currentSessionKey, session.ID); err != nil {
		return "", writeFailed("set current session", err)
	}
	return session.ID, nil
}

// ensureSessionLocked returns the current session id, opening one when
// none exists.
func (s *ConversationStore) ensureSessionLocked() (string, error) {
	if id, err := s.kv.GetString(currentSessionKey); err == nil && id != "" {
		return id, nil
	}
	return s.startSessionLocked()
}

// CurrentSessionID returns the active session id, empty when none.
func (s *ConversationStore) CurrentSessionID() string {
	id, err := s.kv.GetString(currentSessionKey)
	if err != nil {
		return ""
	}
	return id
}

// Sessions returns all sessions, most recent first.
func (s *ConversationStore) Sessions() []*Session {
	s.mu.Lock()
	ids := s.loadSessionIndexLocked()
	s.mu.Unlock()

	var sessions []*Session
	for _, id := range ids {
		if session := s.loadSession(id); session != nil {
			sessions = append(sessions, session)
		}
	}
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].StartedAt.After(sessions[j].StartedAt)
	})
	return sessions
}

func (s *ConversationStore) loadSession(id string) *Session {
	raw, err := s.kv.GetString(sessionKey(id))
	if err != nil {
		return nil
	}
	var session Session
	if err := json.Unmarshal([]byte(raw), &session); err != nil {
		return nil
	}
	return &session
}

func (s *ConversationStore) saveSessionLocked(session *Session) error {
	data, err := json.Marshal(session)
	if err != nil {
		return writeFailed("marshal session", err)
	}
	if err := s.kv.Set(sessionKey(session.ID), string(data)); err != nil {
		return writeFailed("save session", err)
	}
	return nil
}

// rebuildSessionsLocked recomputes every session record from the
// index. Sessions left without messages are removed, except the
// current one, which stays open for the next message.
func (s *ConversationStore) rebuildSessionsLocked(index []indexEntry) error {
	counts := make(map[string]int)
	lastAt := make(map[string]time.Time)
	for _, entry := range index {
		counts[entry.SessionID]++
		if entry.Timestamp.After(lastAt[entry.SessionID]) {
			lastAt[entry.SessionID] = entry.Timestamp
		}
	}

	current, _ := s.kv.GetString(currentSessionKey)

	var kept []string
	for _, id := range s.loadSessionIndexLocked() {
		if counts[id] == 0 && id != current {
			if err := s.kv.Delete(sessionKey(id)); err != nil && err != kvstore.ErrNotFound {
				return writeFailed("delete session", err)
			}
			continue
		}
		session := s.loadSession(id)
		if session == nil {
			session = &Session{ID: id, StartedAt: lastAt[id]}
		}
		session.MessageCount = counts[id]
		session.LastMessageAt = lastAt[id]
		if err := s.saveSessionLocked(session); err != nil {
			return err
		}
		kept = append(kept, id)
	}
	return s.saveSessionIndexLocked(kept)
}

// =============================================================================
// INDEX BLOBS
// =============================================================================

// loadIndexLocked reads the message index, degrading to empty when it
// is missing or unreadable.
func (s *ConversationStore) loadIndexLocked() []indexEntry {
	raw, err := s.kv.GetString(messageIndexKey)
	if err != nil {
		return nil
	}
	var index []indexEntry
	if err := json.Unmarshal([]byte(raw), &index); err != nil {
		return nil
	}
	return index
}

func (s *ConversationStore) saveIndexLocked(index []indexEntry) error {
	if index == nil {
		index = []indexEntry{}
	}
	data, err := json.Marshal(index)
	if err != nil {
		return writeFailed("marshal index", err)
	}
	if err := s.kv.Set(messageIndexKey, string(data)); err != nil {
		return writeFailed("save index", err)
	}
	return nil
}

func (s *ConversationStore) loadSessionIndexLocked() []string {
	raw, err := s.kv.GetString(sessionIndexKey)
	if err != nil {
		return nil
	}
	var ids []string
	if err := json.Unmarshal([]byte(raw), &ids); err != nil {
		return nil
	}
	return ids
}

func (s *ConversationStore) saveSessionIndexLocked(ids []string) error {
	if ids == nil {
		ids = []string{}
	}
	data, err := json.Marshal(ids)
	if err != nil {
		return writeFailed("marshal session index", err)
	}
	if err := s.kv.Set(sessionIndexKey, string(data)); err != nil {
		return writeFailed("save session index", err)
	}
	return nil
}

func sortIndex(index []indexEntry) {
	sort.SliceStable(index, func(i, j int) bool {
		return index[i].Timestamp.Before(index[j].Timestamp)
	})
}

// =============================================================================
// STATISTICS
// =============================================================================

// ComputeStatistics summarizes the stored history. An empty store
// yields zeroes.
func (s *ConversationStore) ComputeStatistics() Statistics {
	s.mu.Lock()
	index := s.loadIndexLocked()
	sessionCount := len(s.loadSessionIndexLocked())
	s.mu.Unlock()

	stats := Statistics{
		TotalMessages: len(index),
		SessionCount:  sessionCount,
	}
	if len(index) == 0 {
		return stats
	}

	first := index[0].Timestamp
	last := index[0].Timestamp
	for _, entry := range index {
		switch entry.Role {
		case RoleUser:
			stats.UserMessages++
		case RoleAssistant:
			stats.AssistantMessages++
		}
		if entry.Timestamp.Before(first) {
			first = entry.Timestamp
		}
		if entry.Timestamp.After(last) {
			last = entry.Timestamp
		}
	}

	// A single day of use still counts as one active day.
	days := int(last.Sub(first).Hours()/24) + 1
	if days < 1 {
		days = 1
	}
	stats.ActiveDays = days
	stats.MessagesPerDay = float64(stats.TotalMessages) / float64(days)
	return stats
}
