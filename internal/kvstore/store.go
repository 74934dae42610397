// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package kvstore

import "errors"

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrNotFound is returned by GetString when no value exists for the key.
	ErrNotFound = errors.New("key not found")

	// ErrClosed is returned when the store has been closed.
	ErrClosed = errors.New("store is closed")
)

// =============================================================================
// STORE INTERFACE
// =============================================================================

// Store is a flat namespace of string keys to string values.
// Implementations must be safe for concurrent use.
type Store interface {
	// Set writes a value under key, replacing any previous value.
	Set(key, value string) error

	// GetString reads the value for key. Returns ErrNotFound when the
	// key does not exist.
	GetString(key string) (string, error)

	// Delete removes key. Deleting a missing key is not an error.
	Delete(key string) error

	// Close releases the underlying resources.
	Close() error
}
