// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package offline

import (
	"errors"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrOffline is returned when a download is attempted without
	// network connectivity.
	ErrOffline = errors.New("no network connectivity: model download unavailable")

	// ErrInvalidEngineURL is returned when the engine URL is not a
	// localhost http/https address. The inference daemon must never be
	// a remote endpoint.
	ErrInvalidEngineURL = errors.New("engine URL must be a localhost http or https address")
)

// =============================================================================
// MODE MANAGEMENT
// =============================================================================

var (
	mu          sync.RWMutex
	offlineMode bool
	lastChange  time.Time
)

// SetOfflineMode records the current connectivity state. The host
// layer calls this when connectivity changes.
func SetOfflineMode(offline bool) {
	mu.Lock()
	defer mu.Unlock()
	if offlineMode != offline {
		lastChange = time.Now()
	}
	offlineMode = offline
}

// IsOffline reports whether the device is currently offline.
func IsOffline() bool {
	mu.RLock()
	defer mu.RUnlock()
	return offlineMode
}

// Since returns when the connectivity state last changed. Zero when it
// never has.
func Since() time.Time {
	mu.RLock()
	defer mu.RUnlock()
	return lastChange
}

// CheckDownloadAllowed returns ErrOffline when the device has no
// connectivity; downloads should not be started.
func CheckDownloadAllowed() error {
	if IsOffline() {
		return ErrOffline
	}
	return nil
}

// =============================================================================
// ENGINE URL VALIDATION
// =============================================================================

// IsLocalhost checks if a host string refers to the local machine.
// Accepts "localhost" and any IPv4/IPv6 loopback address, with or
// without a port or IPv6 brackets.
func IsLocalhost(host string) bool {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.Trim(host, "[]")
	host = strings.ToLower(host)

	if host == "localhost" {
		return true
	}
	if ip := net.ParseIP(host); ip != nil {
		return ip.IsLoopback()
	}
	return false
}

// ValidateEngineURL verifies the inference daemon URL is a localhost
// http/https address. Non-local daemons would move user conversations
// off the device.
func ValidateEngineURL(rawURL string) error {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return ErrInvalidEngineURL
	}

	scheme := strings.ToLower(parsed.Scheme)
	if scheme != "http" && scheme != "https" {
		return ErrInvalidEngineURL
	}
	if !IsLocalhost(parsed.Hostname()) {
		return ErrInvalidEngineURL
	}
	return nil
}
