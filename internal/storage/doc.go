// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package storage provides conversation persistence over a flat
// key-value store.
//
// Messages are stored one record per key, with a JSON index blob
// listing them in order and a record per session. Writes fail loudly
// so callers can surface them; reads degrade to empty results, since a
// chat that opens empty beats a chat that refuses to open.
package storage
