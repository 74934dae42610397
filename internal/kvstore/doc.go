// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package kvstore provides the embedded flat key-value store shared by
// conversation persistence and model metadata.
//
// The store is deliberately primitive: string keys to string values
// with Set, GetString and Delete. There are no transactions, no range
// queries and no schema. All structure above it (message bodies, index
// blobs, session records) is application-level JSON encoding, and the
// two consumers partition the namespace by key prefix so they never
// collide.
//
// Two implementations exist: a SQLite-backed store for production and
// an in-memory store for tests.
package kvstore
