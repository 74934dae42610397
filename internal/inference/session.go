// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package inference

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jeranaias/stillmind/internal/engine"
)

// =============================================================================
// STATE MACHINE
// =============================================================================

// State is a session lifecycle state.
type State int

const (
	StateUninitialized State = iota
	StateInitializing
	StateReady
	StateGenerating
	StateReleased
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	case StateGenerating:
		return "generating"
	case StateReleased:
		return "released"
	default:
		return "invalid"
	}
}

// =============================================================================
// CONFIGURATION
// =============================================================================

// Config tunes session behavior.
type Config struct {
	// Params are the generation parameters fixed at initialization.
	Params engine.ModelParams
	// Timeout bounds one generation end to end.
	Timeout time.Duration
	// Quiescence is how long the stream may go silent before the
	// attempt resolves: with text in hand the accumulated text is
	// treated as complete, with none the attempt fails.
	Quiescence time.Duration
	// Retries is how many additional attempts follow a retryable
	// generation failure.
	Retries int
	// RetryDelay is the base delay between attempts; attempt N waits
	// N times this long.
	RetryDelay time.Duration
	// MaxContextTokens is the model's context window size.
	MaxContextTokens int
}

// DefaultConfig returns the default session configuration.
func DefaultConfig() Config {
	return Config{
		Params:           engine.DefaultModelParams(),
		Timeout:          30 * time.Second,
		Quiescence:       2 * time.Second,
		Retries:          2,
		RetryDelay:       500 * time.Millisecond,
		MaxContextTokens: 8192,
	}
}

// =============================================================================
// SESSION
// =============================================================================

// TokenFunc receives streaming generation updates. The text is the
// cumulative response so far, not a delta.
type TokenFunc func(text string)

// Session owns one model handle and runs one generation at a time.
type Session struct {
	engine engine.Engine
	model  string
	config Config

	requestSeq uint64 // atomic

	mu         sync.Mutex
	state      State
	handle     *engine.Handle
	stopCancel context.CancelFunc
	stopped    bool
}

// NewSession creates an uninitialized session for the named model.
func NewSession(eng engine.Engine, model string, config Config) *Session {
	if config.Timeout <= 0 {
		config.Timeout = DefaultConfig().Timeout
	}
	if config.Quiescence <= 0 {
		config.Quiescence = DefaultConfig().Quiescence
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = DefaultConfig().RetryDelay
	}
	if config.MaxContextTokens <= 0 {
		config.MaxContextTokens = DefaultConfig().MaxContextTokens
	}
	return &Session{
		engine: eng,
		model:  model,
		config: config,
		state:  StateUninitialized,
	}
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Capabilities reports the runtime's static capabilities. Safe to call
// in any state, including before initialization.
func (s *Session) Capabilities() engine.Capabilities {
	return engine.Capabilities{
		MaxContextTokens:  s.config.MaxContextTokens,
		SupportsStreaming: true,
		ModelName:         s.model,
	}
}

// =============================================================================
// LIFECYCLE
// =============================================================================

// Initialize loads the model and moves the session to ready. Calling
// it on a ready session is a no-op; a released session cannot be
// revived.
func (s *Session) Initialize(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case StateReady, StateGenerating:
		s.mu.Unlock()
		return nil
	case StateInitializing:
		s.mu.Unlock()
		return &SessionError{Type: ErrTypeInitFailed, Message: "initialization already in progress"}
	case StateReleased:
		s.mu.Unlock()
		return &SessionError{Type: ErrTypeReleased, Message: "session has been released"}
	}
	s.state = StateInitializing
	s.mu.Unlock()

	handle, err := s.engine.CreateModel(ctx, s.model, s.config.Params)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.state = StateUninitialized
		return &SessionError{Type: ErrTypeInitFailed, Message: "failed to load model", Cause: err}
	}
	if s.state == StateReleased {
		// Released while loading; free the handle we no longer want.
		go s.engine.Release(context.Background(), handle)
		return &SessionError{Type: ErrTypeReleased, Message: "session released during initialization"}
	}
	s.handle = handle
	s.state = StateReady
	return nil
}

// Release tears the session down, cancelling any active generation.
// Releasing twice is a no-op.
func (s *Session) Release(ctx context.Context) error {
	s.mu.Lock()
	if s.state == StateReleased {
		s.mu.Unlock()
		return nil
	}
	s.state = StateReleased
	handle := s.handle
	s.handle = nil
	cancel := s.stopCancel
	s.stopped = true
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if handle != nil {
		return s.engine.Release(ctx, handle)
	}
	return nil
}

// =============================================================================
// GENERATION
// =============================================================================

// Generate runs one streaming generation and returns the final text.
// onToken, when non-nil, receives each cumulative update. A second
// Generate while one is running is rejected, not queued.
func (s *Session) Generate(ctx context.Context, prompt string, onToken TokenFunc) (string, error) {
	s.mu.Lock()
	switch s.state {
	case StateGenerating:
		s.mu.Unlock()
		return "", &SessionError{Type: ErrTypeAlreadyGenerating, Message: "a generation is already running"}
	case StateReady:
	default:
		st := s.state
		s.mu.Unlock()
		return "", &SessionError{Type: ErrTypeNotInitialized, Message: "session is " + st.String()}
	}
	s.state = StateGenerating
	s.stopped = false
	handle := s.handle
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		if s.state == StateGenerating {
			s.state = StateReady
		}
		s.stopCancel = nil
		s.mu.Unlock()
	}()

	var text string
	var err error
	attempts := s.config.Retries + 1
	for attempt := 1; attempt <= attempts; attempt++ {
		text, err = s.attemptGenerate(ctx, handle, prompt, onToken)
		if err == nil {
			return text, nil
		}

		s.mu.Lock()
		stopped := s.stopped
		s.mu.Unlock()
		if stopped || !retryable(err) || attempt == attempts {
			return "", err
		}

		// Linear backoff between attempts.
		select {
		case <-time.After(s.config.RetryDelay * time.Duration(attempt)):
		case <-ctx.Done():
			return "", &SessionError{Type: ErrTypeCancelled, Message: "generation cancelled", Cause: ctx.Err()}
		}
	}
	return "", err
}

// attemptGenerate runs a single generation attempt.
func (s *Session) attemptGenerate(ctx context.Context, handle *engine.Handle, prompt string, onToken TokenFunc) (string, error) {
	requestID := atomic.AddUint64(&s.requestSeq, 1)

	genCtx, cancel := context.WithTimeout(ctx, s.config.Timeout)
	defer cancel()

	s.mu.Lock()
	s.stopCancel = cancel
	s.mu.Unlock()

	events, err := s.engine.Generate(genCtx, handle, requestID, prompt)
	if err != nil {
		return "", &SessionError{Type: ErrTypeGenerationFailed, Message: "failed to start generation", Cause: err}
	}

	var accumulated string
	gotText := false

	// The idle window is armed from the start: silence before the first
	// token means the stream is dead, silence after text means the
	// reply is complete.
	idle := time.NewTimer(s.config.Quiescence)
	defer idle.Stop()

	for {
		select {
		case event, ok := <-events:
			if !ok {
				// Stream closed without an explicit terminal event.
				if gotText {
					return accumulated, nil
				}
				s.mu.Lock()
				stopped := s.stopped
				s.mu.Unlock()
				if stopped {
					return "", &SessionError{Type: ErrTypeCancelled, Message: "generation stopped"}
				}
				if genCtx.Err() == context.DeadlineExceeded {
					return "", &SessionError{Type: ErrTypeTimeout, Message: "generation exceeded time budget"}
				}
				if genCtx.Err() != nil {
					return "", &SessionError{Type: ErrTypeCancelled, Message: "generation cancelled", Cause: ctx.Err()}
				}
				return "", &SessionError{Type: ErrTypeNoResponse, Message: "generation produced no text"}
			}
			// Events from a superseded request are discarded.
			if event.RequestID != requestID {
				continue
			}
			if event.Err != "" {
				return "", classifyRuntimeError(event.Err)
			}
			if event.Response != "" {
				accumulated = event.Response
				gotText = true
				if onToken != nil {
					onToken(accumulated)
				}
				if !idle.Stop() {
					select {
					case <-idle.C:
					default:
					}
				}
				idle.Reset(s.config.Quiescence)
			}
			if event.Done {
				// The runtime's explicit completion wins over the
				// quiescence heuristic.
				if !gotText {
					return "", &SessionError{Type: ErrTypeNoResponse, Message: "generation produced no text"}
				}
				return accumulated, nil
			}

		case <-idle.C:
			s.engine.CancelGenerate(context.Background(), handle, requestID)
			if gotText {
				// Stream went quiet with text in hand: treat as complete.
				return accumulated, nil
			}
			return "", &SessionError{Type: ErrTypeNoResponse, Message: "no token arrived within the idle window"}

		case <-genCtx.Done():
			s.engine.CancelGenerate(context.Background(), handle, requestID)

			s.mu.Lock()
			stopped := s.stopped
			s.mu.Unlock()
			if stopped {
				// Stop keeps whatever text already streamed.
				if gotText {
					return accumulated, nil
				}
				return "", &SessionError{Type: ErrTypeCancelled, Message: "generation stopped"}
			}
			if genCtx.Err() == context.DeadlineExceeded {
				return "", &SessionError{Type: ErrTypeTimeout, Message: "generation exceeded time budget"}
			}
			return "", &SessionError{Type: ErrTypeCancelled, Message: "generation cancelled", Cause: ctx.Err()}
		}
	}
}

// Stop cancels the active generation. The in-flight Generate call
// settles with the text streamed so far, or a cancelled error when
// nothing arrived. Stopping an idle session is a no-op.
func (s *Session) Stop() {
	s.mu.Lock()
	cancel := s.stopCancel
	if s.state == StateGenerating {
		s.stopped = true
	}
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}
