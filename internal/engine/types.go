// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package engine

import (
	"context"
	"time"
)

// =============================================================================
// ENGINE INTERFACE
// =============================================================================

// Engine is the surface of the native inference runtime consumed by the
// model cache and the inference session. Implementations must be safe
// for concurrent use.
type Engine interface {
	// IsModelDownloaded reports whether the runtime holds a complete
	// copy of the named model artifact.
	IsModelDownloaded(ctx context.Context, name string) (bool, error)

	// DownloadedModels lists the names of all locally present models.
	DownloadedModels(ctx context.Context) ([]string, error)

	// ModelInfo returns size and digest details for a local model.
	ModelInfo(ctx context.Context, name string) (*ModelInfo, error)

	// DownloadModel starts fetching the model artifact and returns a
	// channel of progress events. The channel is closed after a
	// terminal event (completed, error or cancelled) is delivered.
	DownloadModel(ctx context.Context, url, name string, opts DownloadOptions) (<-chan DownloadEvent, error)

	// CancelDownload requests cancellation of an in-flight transfer for
	// the named model. The pending event channel still receives a
	// terminal cancelled event.
	CancelDownload(ctx context.Context, name string) error

	// DeleteDownloadedModel removes the artifact. Deleting a model that
	// is not present is not an error.
	DeleteDownloadedModel(ctx context.Context, name string) error

	// CreateModel instantiates an inference handle from a downloaded
	// model with the given generation parameters.
	CreateModel(ctx context.Context, name string, params ModelParams) (*Handle, error)

	// Generate starts an asynchronous streaming generation for the
	// handle. Events carry requestID; the Response field holds the
	// cumulative text so far. The channel is closed after a terminal
	// event (Done or Err set).
	Generate(ctx context.Context, h *Handle, requestID uint64, prompt string) (<-chan ResponseEvent, error)

	// CancelGenerate requests cancellation of the identified request.
	CancelGenerate(ctx context.Context, h *Handle, requestID uint64) error

	// Release frees the handle. Releasing twice is not an error.
	Release(ctx context.Context, h *Handle) error
}

// =============================================================================
// HANDLE AND PARAMETERS
// =============================================================================

// Handle identifies an instantiated, ready-to-infer model instance.
// Opaque to callers; only the owning Engine interprets it.
type Handle struct {
	ID     uint64
	Model  string
	Params ModelParams
}

// ModelParams are the generation parameters fixed at handle creation.
type ModelParams struct {
	MaxTokens   int
	TopK        int
	TopP        float64
	Temperature float64
	Seed        int
}

// DefaultModelParams returns conservative defaults for coaching chat.
func DefaultModelParams() ModelParams {
	return ModelParams{
		MaxTokens:   1024,
		TopK:        40,
		TopP:        0.9,
		Temperature: 0.7,
	}
}

// DownloadOptions control a model transfer.
type DownloadOptions struct {
	// Overwrite re-fetches even when the artifact looks present.
	Overwrite bool

	// Timeout bounds the whole transfer (0 = no limit).
	Timeout time.Duration
}

// =============================================================================
// EVENTS
// =============================================================================

// DownloadStatus labels a download progress event.
type DownloadStatus string

const (
	DownloadStatusDownloading DownloadStatus = "downloading"
	DownloadStatusCompleted   DownloadStatus = "completed"
	DownloadStatusError       DownloadStatus = "error"
	DownloadStatusCancelled   DownloadStatus = "cancelled"
)

// DownloadEvent is one progress update from an in-flight transfer.
type DownloadEvent struct {
	ModelName       string
	Status          DownloadStatus
	BytesDownloaded int64
	TotalBytes      int64
	Err             string
}

// Terminal reports whether this event ends the transfer.
func (e DownloadEvent) Terminal() bool {
	switch e.Status {
	case DownloadStatusCompleted, DownloadStatusError, DownloadStatusCancelled:
		return true
	}
	return false
}

// ResponseEvent is one streaming update from a generation request.
type ResponseEvent struct {
	RequestID uint64

	// Response is the cumulative generated text so far, not a delta.
	Response string

	// Done is set on the runtime's explicit end-of-stream signal.
	Done bool

	// Err carries the runtime's error text; empty on success events.
	Err string
}

// =============================================================================
// MODEL INFO
// =============================================================================

// ModelInfo describes a locally present model artifact.
type ModelInfo struct {
	Name       string
	SizeBytes  int64
	Digest     string
	ModifiedAt time.Time
}

// Capabilities is the static capability report for a model runtime.
type Capabilities struct {
	MaxContextTokens  int
	SupportsStreaming bool
	ModelName         string
	Version           string
}
