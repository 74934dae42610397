// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package coach

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jeranaias/stillmind/internal/engine"
	"github.com/jeranaias/stillmind/internal/inference"
	"github.com/jeranaias/stillmind/internal/kvstore"
	"github.com/jeranaias/stillmind/internal/prompts"
	"github.com/jeranaias/stillmind/internal/storage"
)

// =============================================================================
// FAKE ENGINE
// =============================================================================

// genScript drives one scripted Generate call.
type genScript struct {
	events []engine.ResponseEvent
	hang   bool
}

type fakeEngine struct {
	mu       sync.Mutex
	scripts  []genScript
	genCalls int
	prompts  []string
	started  chan struct{}
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{started: make(chan struct{})}
}

func (f *fakeEngine) IsModelDownloaded(ctx context.Context, name string) (bool, error) {
	return true, nil
}

func (f *fakeEngine) DownloadedModels(ctx context.Context) ([]string, error) { return nil, nil }

func (f *fakeEngine) ModelInfo(ctx context.Context, name string) (*engine.ModelInfo, error) {
	return &engine.ModelInfo{Name: name}, nil
}

func (f *fakeEngine) DownloadModel(ctx context.Context, url, name string, opts engine.DownloadOptions) (<-chan engine.DownloadEvent, error) {
	ch := make(chan engine.DownloadEvent)
	close(ch)
	return ch, nil
}

func (f *fakeEngine) CancelDownload(ctx context.Context, name string) error        { return nil }
func (f *fakeEngine) DeleteDownloadedModel(ctx context.Context, name string) error { return nil }

func (f *fakeEngine) CreateModel(ctx context.Context, name string, params engine.ModelParams) (*engine.Handle, error) {
	return &engine.Handle{ID: 1, Model: name, Params: params}, nil
}

func (f *fakeEngine) Generate(ctx context.Context, h *engine.Handle, requestID uint64, prompt string) (<-chan engine.ResponseEvent, error) {
	f.mu.Lock()
	f.genCalls++
	f.prompts = append(f.prompts, prompt)
	if f.genCalls == 1 {
		close(f.started)
	}
	var sc genScript
	if len(f.scripts) > 0 {
		sc = f.scripts[0]
		f.scripts = f.scripts[1:]
	} else {
		sc = genScript{events: []engine.ResponseEvent{
			{Response: "A calm reply."},
			{Done: true},
		}}
	}
	f.mu.Unlock()

	ch := make(chan engine.ResponseEvent, len(sc.events)+1)
	go func() {
		defer close(ch)
		for _, e := range sc.events {
			if e.RequestID == 0 {
				e.RequestID = requestID
			}
			select {
			case ch <- e:
			case <-ctx.Done():
				return
			}
		}
		if sc.hang {
			<-ctx.Done()
		}
	}()
	return ch, nil
}

func (f *fakeEngine) CancelGenerate(ctx context.Context, h *engine.Handle, requestID uint64) error {
	return nil
}

func (f *fakeEngine) Release(ctx context.Context, h *engine.Handle) error { return nil }

// newTestOrchestrator wires a ready session over the fake engine.
func newTestOrchestrator(t *testing.T, f *fakeEngine) (*Orchestrator, *storage.ConversationStore) {
	t.Helper()

	cfg := inference.DefaultConfig()
	cfg.Timeout = 2 * time.Second
	cfg.Quiescence = 50 * time.Millisecond
	cfg.Retries = 0
	session := inference.NewSession(f, "gemma-2b-it", cfg)
	if err := session.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	store := storage.NewConversationStore(kvstore.NewMemoryStore())
	return New(session, store, DefaultConfig()), store
}

// =============================================================================
// SEND TESTS
// =============================================================================

func TestSendMessage_FullExchange(t *testing.T) {
	f := newFakeEngine()
	o, store := newTestOrchestrator(t, f)

	var updates []string
	reply, err := o.SendMessage(context.Background(), "I feel overwhelmed", func(text string) {
		updates = append(updates, text)
	})
	if err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}

	if reply.Content != "A calm reply." {
		t.Errorf("reply = %q", reply.Content)
	}
	if len(updates) == 0 || updates[len(updates)-1] != "A calm reply." {
		t.Errorf("updates = %v", updates)
	}

	msgs := store.Messages(0)
	if len(msgs) != 2 {
		t.Fatalf("persisted %d messages, want 2", len(msgs))
	}
	if msgs[0].Role != storage.RoleUser || msgs[0].Content != "I feel overwhelmed" {
		t.Errorf("user message = %+v", msgs[0])
	}
	if msgs[1].Role != storage.RoleAssistant || msgs[1].Content != "A calm reply." {
		t.Errorf("assistant message = %+v", msgs[1])
	}
	if msgs[0].SessionID != msgs[1].SessionID {
		t.Error("exchange split across sessions")
	}

	if o.Draft() != "" {
		t.Errorf("draft = %q after completion", o.Draft())
	}
}

func TestSendMessage_TimingMetadata(t *testing.T) {
	f := newFakeEngine()
	o, _ := newTestOrchestrator(t, f)

	reply, err := o.SendMessage(context.Background(), "hello", nil)
	if err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}

	if reply.TokenCount == 0 {
		t.Error("TokenCount not recorded")
	}
	if reply.DurationMs < 0 {
		t.Errorf("DurationMs = %d", reply.DurationMs)
	}
	if reply.TTFTMs < 0 {
		t.Errorf("TTFTMs = %d", reply.TTFTMs)
	}
}

func TestSendMessage_Empty(t *testing.T) {
	f := newFakeEngine()
	o, store := newTestOrchestrator(t, f)

	_, err := o.SendMessage(context.Background(), "   ", nil)
	if !errors.Is(err, ErrEmptyMessage) {
		t.Errorf("error = %v, want ErrEmptyMessage", err)
	}
	if got := store.Messages(0); len(got) != 0 {
		t.Errorf("blank input persisted %d messages", len(got))
	}
}

func TestSendMessage_GenerationFailureKeepsUserMessage(t *testing.T) {
	f := newFakeEngine()
	f.scripts = []genScript{{events: []engine.ResponseEvent{
		{Err: "out of memory"},
	}}}
	o, store := newTestOrchestrator(t, f)

	_, err := o.SendMessage(context.Background(), "hello", nil)
	if !inference.IsOutOfMemory(err) {
		t.Errorf("error = %v, want out_of_memory", err)
	}

	msgs := store.Messages(0)
	if len(msgs) != 1 || msgs[0].Role != storage.RoleUser {
		t.Errorf("persisted = %+v, want only the user message", msgs)
	}
	if o.Draft() != "" {
		t.Error("draft not cleared after failure")
	}
}

func TestSendMessage_RejectedWhileGenerating(t *testing.T) {
	f := newFakeEngine()
	f.scripts = []genScript{{
		events: []engine.ResponseEvent{{Response: "thinking"}},
		hang:   true,
	}}
	o, store := newTestOrchestrator(t, f)

	done := make(chan struct{})
	go func() {
		defer close(done)
		o.SendMessage(context.Background(), "first", nil)
	}()

	<-f.started
	time.Sleep(10 * time.Millisecond)

	_, err := o.SendMessage(context.Background(), "second", nil)
	if !inference.IsAlreadyGenerating(err) {
		t.Errorf("error = %v, want already_generating", err)
	}

	o.StopGeneration()
	<-done

	// The rejected send must not have persisted its user message.
	for _, msg := range store.Messages(0) {
		if msg.Content == "second" {
			t.Error("rejected send left an orphaned user message")
		}
	}
}

func TestSendMessage_HistoryInPrompt(t *testing.T) {
	f := newFakeEngine()
	o, _ := newTestOrchestrator(t, f)
	ctx := context.Background()

	if _, err := o.SendMessage(ctx, "first question", nil); err != nil {
		t.Fatal(err)
	}
	if _, err := o.SendMessage(ctx, "second question", nil); err != nil {
		t.Fatal(err)
	}

	f.mu.Lock()
	last := f.prompts[len(f.prompts)-1]
	f.mu.Unlock()

	for _, want := range []string{"first question", "A calm reply.", "second question", "mindfulness coach"} {
		if !strings.Contains(last, want) {
			t.Errorf("prompt missing %q:\n%s", want, last)
		}
	}
}

func TestSendQuickAction(t *testing.T) {
	f := newFakeEngine()
	o, store := newTestOrchestrator(t, f)

	_, err := o.SendQuickAction(context.Background(), prompts.ActionBreathingExercise, nil)
	if err != nil {
		t.Fatalf("SendQuickAction failed: %v", err)
	}

	msgs := store.Messages(0)
	if len(msgs) != 2 {
		t.Fatalf("persisted %d messages", len(msgs))
	}
	want, _ := prompts.QuickActionPrompt(prompts.ActionBreathingExercise)
	if msgs[0].Content != want {
		t.Errorf("user message = %q, want canned prompt", msgs[0].Content)
	}

	_, err = o.SendQuickAction(context.Background(), "bogus", nil)
	if !errors.Is(err, ErrUnknownAction) {
		t.Errorf("error = %v, want ErrUnknownAction", err)
	}
}

// =============================================================================
// CONTROL TESTS
// =============================================================================

func TestStopGeneration_PersistsPartial(t *testing.T) {
	f := newFakeEngine()
	f.scripts = []genScript{{
		events: []engine.ResponseEvent{{Response: "a partial thought"}},
		hang:   true,
	}}
	o, store := newTestOrchestrator(t, f)

	tokenSeen := make(chan struct{})
	var once sync.Once

	type result struct {
		msg *storage.Message
		err error
	}
	resultCh := make(chan result, 1)
	go func() {
		msg, err := o.SendMessage(context.Background(), "hello", func(string) {
			once.Do(func() { close(tokenSeen) })
		})
		resultCh <- result{msg, err}
	}()

	<-tokenSeen
	o.StopGeneration()
	if o.Draft() != "" {
		t.Errorf("draft = %q right after stop, want empty", o.Draft())
	}

	res := <-resultCh
	if res.err != nil {
		t.Fatalf("SendMessage after stop = %v", res.err)
	}
	if res.msg.Content != "a partial thought" {
		t.Errorf("partial = %q", res.msg.Content)
	}

	msgs := store.Messages(0)
	if len(msgs) != 2 || msgs[1].Content != "a partial thought" {
		t.Errorf("persisted = %+v", msgs)
	}
}

func TestClearChat(t *testing.T) {
	f := newFakeEngine()
	o, store := newTestOrchestrator(t, f)
	ctx := context.Background()

	if _, err := o.SendMessage(ctx, "hello", nil); err != nil {
		t.Fatal(err)
	}
	oldSession := store.CurrentSessionID()

	if err := o.ClearChat(); err != nil {
		t.Fatalf("ClearChat failed: %v", err)
	}

	if got := store.Messages(0); len(got) != 0 {
		t.Errorf("messages after clear = %d", len(got))
	}
	newSession := store.CurrentSessionID()
	if newSession == "" || newSession == oldSession {
		t.Errorf("session = %q, want a fresh one", newSession)
	}
}
