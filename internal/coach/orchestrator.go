// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package coach

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/jeranaias/stillmind/internal/inference"
	"github.com/jeranaias/stillmind/internal/prompts"
	"github.com/jeranaias/stillmind/internal/storage"
	"github.com/jeranaias/stillmind/internal/util"
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrEmptyMessage is returned for blank input.
	ErrEmptyMessage = errors.New("message is empty")

	// ErrUnknownAction is returned for an unrecognized quick action.
	ErrUnknownAction = errors.New("unknown quick action")
)

// =============================================================================
// ORCHESTRATOR
// =============================================================================

// Config tunes orchestrator behavior.
type Config struct {
	// Topic selects the coaching emphasis for the system prompt.
	Topic prompts.Topic
	// UserContext is an optional line about the user appended to the
	// system prompt.
	UserContext string
	// HistoryWindow is how many recent messages accompany each prompt.
	HistoryWindow int
}

// DefaultConfig returns the default orchestrator configuration.
func DefaultConfig() Config {
	return Config{
		Topic:         prompts.TopicGeneral,
		HistoryWindow: 10,
	}
}

// Orchestrator runs coaching exchanges over a session and a store.
type Orchestrator struct {
	session *inference.Session
	store   *storage.ConversationStore
	config  Config

	mu    sync.Mutex
	draft string
}

// New creates an orchestrator.
func New(session *inference.Session, store *storage.ConversationStore, config Config) *Orchestrator {
	if config.HistoryWindow <= 0 {
		config.HistoryWindow = DefaultConfig().HistoryWindow
	}
	if config.Topic == "" {
		config.Topic = prompts.TopicGeneral
	}
	return &Orchestrator{
		session: session,
		store:   store,
		config:  config,
	}
}

// Draft returns the reply text streamed so far, empty when idle.
func (o *Orchestrator) Draft() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.draft
}

// =============================================================================
// SEND
// =============================================================================

// SendMessage runs one full exchange: the user message is persisted
// first, the reply streams through onUpdate as it grows, and the
// finished reply is persisted with timing statistics before returning.
//
// The user message stays persisted even when generation fails; a
// failed reply is never persisted. A second SendMessage while one is
// running is rejected.
func (o *Orchestrator) SendMessage(ctx context.Context, text string, onUpdate func(string)) (*storage.Message, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrEmptyMessage
	}

	// Gate before persisting: a rejected send must not leave an
	// orphaned user message behind.
	switch st := o.session.State(); st {
	case inference.StateReady:
	case inference.StateGenerating:
		return nil, &inference.SessionError{Type: inference.ErrTypeAlreadyGenerating, Message: "a reply is already being generated"}
	default:
		return nil, &inference.SessionError{Type: inference.ErrTypeNotInitialized, Message: "session is " + st.String()}
	}

	userMsg := &storage.Message{
		Role:    storage.RoleUser,
		Content: text,
	}
	if err := o.store.SaveMessage(userMsg); err != nil {
		return nil, err
	}

	history := o.store.Messages(o.config.HistoryWindow)
	turns := make([]inference.Turn, 0, len(history))
	for _, msg := range history {
		turns = append(turns, inference.Turn{Role: msg.Role, Content: msg.Content})
	}

	system := prompts.SystemPrompt(o.config.Topic, o.config.UserContext)
	prompt := inference.BuildPrompt(system, turns, o.session.Capabilities().MaxContextTokens)

	started := time.Now()
	var firstToken time.Time

	reply, err := o.session.Generate(ctx, prompt, func(cumulative string) {
		o.mu.Lock()
		if o.draft == "" && cumulative != "" {
			firstToken = time.Now()
		}
		o.draft = cumulative
		o.mu.Unlock()
		if onUpdate != nil {
			onUpdate(cumulative)
		}
	})

	o.mu.Lock()
	o.draft = ""
	o.mu.Unlock()

	if err != nil {
		return nil, err
	}

	elapsed := time.Since(started)
	tokens := util.EstimateTokens(reply)
	assistantMsg := &storage.Message{
		Role:       storage.RoleAssistant,
		Content:    reply,
		SessionID:  userMsg.SessionID,
		TokenCount: tokens,
		DurationMs: elapsed.Milliseconds(),
	}
	if elapsed > 0 {
		assistantMsg.TokensPerSec = float64(tokens) / elapsed.Seconds()
	}
	if !firstToken.IsZero() {
		assistantMsg.TTFTMs = firstToken.Sub(started).Milliseconds()
	}

	if err := o.store.SaveMessage(assistantMsg); err != nil {
		return nil, err
	}
	return assistantMsg, nil
}

// SendQuickAction sends the canned prompt behind a one-tap action.
func (o *Orchestrator) SendQuickAction(ctx context.Context, action prompts.QuickAction, onUpdate func(string)) (*storage.Message, error) {
	text, ok := prompts.QuickActionPrompt(action)
	if !ok {
		return nil, ErrUnknownAction
	}
	return o.SendMessage(ctx, text, onUpdate)
}

// =============================================================================
// CONTROL
// =============================================================================

// StopGeneration stops the in-flight reply, if any, and clears the
// draft immediately. The pending SendMessage settles with the text
// streamed so far. Safe to call when nothing is running.
func (o *Orchestrator) StopGeneration() {
	o.session.Stop()

	o.mu.Lock()
	o.draft = ""
	o.mu.Unlock()
}

// ClearChat stops any generation, wipes the stored history and opens a
// fresh session.
func (o *Orchestrator) ClearChat() error {
	o.session.Stop()

	o.mu.Lock()
	o.draft = ""
	o.mu.Unlock()

	if err := o.store.ClearAll(); err != nil {
		return err
	}
	_, err := o.store.StartNewSession()
	return err
}
