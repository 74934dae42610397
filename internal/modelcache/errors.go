// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package modelcache

import (
	"errors"
	"fmt"
)

// =============================================================================
// ERROR TYPES
// =============================================================================

// ErrorType classifies model cache failures.
type ErrorType int

const (
	// ErrTypeUnknown is an unclassified failure.
	ErrTypeUnknown ErrorType = iota
	// ErrTypeStorageSpace means there is not enough free disk for the
	// download. Never retried.
	ErrTypeStorageSpace
	// ErrTypeDownloadFailed means the transfer failed after retries.
	ErrTypeDownloadFailed
	// ErrTypeDownloadCancelled means the transfer was cancelled.
	ErrTypeDownloadCancelled
	// ErrTypeModelCorrupted means validation found the on-disk model
	// does not match its recorded metadata.
	ErrTypeModelCorrupted
	// ErrTypeModelUnavailable means the identifier does not resolve to
	// a known model.
	ErrTypeModelUnavailable
)

// String returns a human-readable name for the error type.
func (t ErrorType) String() string {
	switch t {
	case ErrTypeStorageSpace:
		return "storage_space"
	case ErrTypeDownloadFailed:
		return "download_failed"
	case ErrTypeDownloadCancelled:
		return "download_cancelled"
	case ErrTypeModelCorrupted:
		return "model_corrupted"
	case ErrTypeModelUnavailable:
		return "model_unavailable"
	default:
		return "unknown"
	}
}

// CacheError is a typed model cache failure.
type CacheError struct {
	Type    ErrorType
	Model   string
	Message string
	Cause   error

	// RequiredBytes and AvailableBytes are set on storage_space errors
	// so callers can render the shortfall without parsing the message.
	RequiredBytes  int64
	AvailableBytes int64
}

func (e *CacheError) Error() string {
	if e.Model != "" {
		return fmt.Sprintf("%s (%s): %s", e.Type, e.Model, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

func (e *CacheError) Unwrap() error {
	return e.Cause
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

func isType(err error, t ErrorType) bool {
	var ce *CacheError
	return errors.As(err, &ce) && ce.Type == t
}

// IsStorageSpace reports whether err is an insufficient-storage error.
func IsStorageSpace(err error) bool { return isType(err, ErrTypeStorageSpace) }

// IsDownloadCancelled reports whether err is a cancelled download.
func IsDownloadCancelled(err error) bool { return isType(err, ErrTypeDownloadCancelled) }

// IsModelUnavailable reports whether err is an unknown-model error.
func IsModelUnavailable(err error) bool { return isType(err, ErrTypeModelUnavailable) }

// IsModelCorrupted reports whether err is a failed-validation error.
func IsModelCorrupted(err error) bool { return isType(err, ErrTypeModelCorrupted) }

// retryable reports whether another download attempt could succeed.
// Storage exhaustion and cancellation never benefit from a retry.
func retryable(err error) bool {
	if err == nil {
		return false
	}
	return !IsStorageSpace(err) && !IsDownloadCancelled(err) && !IsModelUnavailable(err)
}
