// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package engine defines the contract with the native inference
// runtime and provides the HTTP client implementation for the local
// runtime daemon.
//
// The runtime is an opaque collaborator: it owns the model artifact on
// disk, performs downloads, instantiates model handles and executes
// streaming generation. This package exposes that surface as the
// Engine interface. Download progress and generation output arrive as
// asynchronous events on per-call channels; generation events carry
// the request id they belong to so a caller can discard events from a
// superseded request.
//
// The HTTP implementation talks NDJSON to a daemon on 127.0.0.1 and is
// safe for concurrent use.
package engine
