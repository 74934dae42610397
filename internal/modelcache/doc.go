// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package modelcache manages the lifecycle of on-device models: the
// download with progress and retry, availability and integrity checks,
// deletion, and the persisted metadata record in the key-value store.
//
// The cache sits between the app and the inference daemon. The daemon
// owns the model bytes on disk; the cache owns the policy around them
// (free-disk checks, retries, single-flight downloads, validation).
package modelcache
