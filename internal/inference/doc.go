// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package inference runs streaming text generation against the local
// model runtime.
//
// A Session owns one model handle and moves through a strict lifecycle
// (uninitialized, initializing, ready, generating, released). One
// generation runs at a time; each carries a monotonically increasing
// request id so events from an abandoned request can never leak into
// a newer one.
package inference
