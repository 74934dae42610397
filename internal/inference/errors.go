// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package inference

import (
	"errors"
	"fmt"
	"strings"
)

// =============================================================================
// ERROR TYPES
// =============================================================================

// ErrorType classifies inference failures.
type ErrorType int

const (
	// ErrTypeUnknown is an unclassified failure.
	ErrTypeUnknown ErrorType = iota
	// ErrTypeNotInitialized means the session is not ready to generate.
	ErrTypeNotInitialized
	// ErrTypeAlreadyGenerating means a generation is already running.
	ErrTypeAlreadyGenerating
	// ErrTypeInitFailed means the model could not be instantiated.
	ErrTypeInitFailed
	// ErrTypeGenerationFailed is a runtime failure during generation.
	ErrTypeGenerationFailed
	// ErrTypeTimeout means the generation exceeded its overall budget.
	ErrTypeTimeout
	// ErrTypeOutOfMemory means the runtime ran out of memory. The
	// session should be released rather than retried.
	ErrTypeOutOfMemory
	// ErrTypeNoResponse means the stream ended without producing text.
	ErrTypeNoResponse
	// ErrTypeCancelled means the generation was stopped before any
	// text arrived.
	ErrTypeCancelled
	// ErrTypeReleased means the session has been torn down.
	ErrTypeReleased
)

// String returns a human-readable name for the error type.
func (t ErrorType) String() string {
	switch t {
	case ErrTypeNotInitialized:
		return "not_initialized"
	case ErrTypeAlreadyGenerating:
		return "already_generating"
	case ErrTypeInitFailed:
		return "init_failed"
	case ErrTypeGenerationFailed:
		return "generation_failed"
	case ErrTypeTimeout:
		return "timeout"
	case ErrTypeOutOfMemory:
		return "out_of_memory"
	case ErrTypeNoResponse:
		return "no_response"
	case ErrTypeCancelled:
		return "cancelled"
	case ErrTypeReleased:
		return "released"
	default:
		return "unknown"
	}
}

// SessionError is a typed inference failure.
type SessionError struct {
	Type    ErrorType
	Message string
	Cause   error
}

func (e *SessionError) Error() string {
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

func (e *SessionError) Unwrap() error {
	return e.Cause
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

func isType(err error, t ErrorType) bool {
	var se *SessionError
	return errors.As(err, &se) && se.Type == t
}

// IsNotInitialized reports whether err means the session is not ready.
func IsNotInitialized(err error) bool { return isType(err, ErrTypeNotInitialized) }

// IsAlreadyGenerating reports whether err is a single-flight rejection.
func IsAlreadyGenerating(err error) bool { return isType(err, ErrTypeAlreadyGenerating) }

// IsTimeout reports whether err is a generation timeout.
func IsTimeout(err error) bool { return isType(err, ErrTypeTimeout) }

// IsOutOfMemory reports whether err is a runtime memory failure.
func IsOutOfMemory(err error) bool { return isType(err, ErrTypeOutOfMemory) }

// IsNoResponse reports whether err means no text was produced.
func IsNoResponse(err error) bool { return isType(err, ErrTypeNoResponse) }

// IsCancelled reports whether err is a cancelled generation.
func IsCancelled(err error) bool { return isType(err, ErrTypeCancelled) }

// oomPatterns are runtime error fragments that indicate memory
// exhaustion rather than a transient failure.
var oomPatterns = []string{
	"out of memory",
	"oom",
	"allocation failed",
	"failed to allocate",
	"insufficient memory",
}

// classifyRuntimeError maps the runtime's error text to a typed error.
func classifyRuntimeError(text string) *SessionError {
	lower := strings.ToLower(text)
	for _, p := range oomPatterns {
		if strings.Contains(lower, p) {
			return &SessionError{Type: ErrTypeOutOfMemory, Message: text}
		}
	}
	return &SessionError{Type: ErrTypeGenerationFailed, Message: text}
}

// retryable reports whether another generation attempt could succeed.
// Memory exhaustion, timeouts, cancellation and lifecycle errors never
// benefit from a retry.
func retryable(err error) bool {
	if err == nil {
		return false
	}
	switch {
	case IsOutOfMemory(err), IsTimeout(err), IsCancelled(err),
		IsNotInitialized(err), IsAlreadyGenerating(err):
		return false
	}
	return true
}
