// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package offline tracks network availability for model downloads.
//
// Inference itself is fully on-device; only model downloads need the
// network. The orchestration layer flips offline mode when the host
// reports no connectivity, and the model cache consults it to fail
// download requests fast instead of timing out against a registry.
package offline
