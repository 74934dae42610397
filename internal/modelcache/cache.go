// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package modelcache

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/jeranaias/stillmind/internal/engine"
	"github.com/jeranaias/stillmind/internal/kvstore"
	"github.com/jeranaias/stillmind/internal/offline"
)

// =============================================================================
// TYPES
// =============================================================================

// ProgressFunc receives download progress. Fraction stays below 1.0
// until the transfer is confirmed complete.
type ProgressFunc func(fraction float64, bytesDownloaded, totalBytes int64)

// Metadata is the persisted record for a downloaded model.
type Metadata struct {
	Name            string    `json:"name"`
	SizeBytes       int64     `json:"size_bytes"`
	Digest          string    `json:"digest"`
	DownloadedAt    time.Time `json:"downloaded_at"`
	LastValidatedAt time.Time `json:"last_validated_at"`
}

// Status describes a model's current cache state.
type Status struct {
	Model       string
	Downloaded  bool
	Downloading bool
	// Progress is the in-flight download fraction, 0 when idle.
	Progress float64
	// Metadata is nil when no download has been recorded.
	Metadata *Metadata
}

// Config tunes cache behavior.
type Config struct {
	// ModelSizeBytes is the expected download size, used for the
	// free-disk check (0 disables the check).
	ModelSizeBytes int64
	// DiskHeadroomBytes is extra free space required beyond the model
	// itself, so a download never fills the disk to the brim.
	DiskHeadroomBytes int64
	// DataDir is the path probed for free disk space.
	DataDir string
	// Retries is how many additional attempts follow a failed download.
	Retries int
	// RetryDelay is the base delay between attempts; attempt N waits
	// N times this long.
	RetryDelay time.Duration
	// ProgressPerSecond caps how often progress callbacks fire.
	ProgressPerSecond float64
}

// DefaultConfig returns the default cache configuration.
func DefaultConfig() Config {
	return Config{
		ModelSizeBytes:    1_500_000_000,
		DiskHeadroomBytes: 500_000_000,
		DataDir:           ".",
		Retries:           3,
		RetryDelay:        2 * time.Second,
		ProgressPerSecond: 10,
	}
}

// =============================================================================
// MODEL CATALOG
// =============================================================================

// catalog maps user-facing identifiers (including short aliases) to
// the canonical model names the daemon knows.
var catalog = map[string]string{
	"gemma-2b-it": "gemma-2b-it",
	"gemma":       "gemma-2b-it",
	"phi-3-mini":  "phi-3-mini",
	"phi":         "phi-3-mini",
	"qwen2-1.5b":  "qwen2-1.5b",
	"qwen":        "qwen2-1.5b",
}

// ResolveIdentifier canonicalizes a model identifier. Unknown
// identifiers fail with a model-unavailable error.
func ResolveIdentifier(name string) (string, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	if canonical, ok := catalog[key]; ok {
		return canonical, nil
	}
	return "", &CacheError{
		Type:    ErrTypeModelUnavailable,
		Model:   name,
		Message: "unknown model identifier",
	}
}

// =============================================================================
// CACHE
// =============================================================================

// transfer tracks one in-flight download. Later Download calls for the
// same model attach to it instead of starting a second transfer.
type transfer struct {
	done      chan struct{}
	err       error
	progress  float64
	cancelled bool
	callbacks []ProgressFunc
	limiter   *rate.Limiter
}

// Cache manages model downloads and their persisted metadata.
type Cache struct {
	engine engine.Engine
	store  kvstore.Store
	config Config

	mu       sync.Mutex
	inflight map[string]*transfer
}

// New creates a model cache over an engine and a key-value store.
func New(eng engine.Engine, store kvstore.Store, config Config) *Cache {
	if config.RetryDelay <= 0 {
		config.RetryDelay = DefaultConfig().RetryDelay
	}
	if config.ProgressPerSecond <= 0 {
		config.ProgressPerSecond = DefaultConfig().ProgressPerSecond
	}
	if config.DataDir == "" {
		config.DataDir = "."
	}
	return &Cache{
		engine:   eng,
		store:    store,
		config:   config,
		inflight: make(map[string]*transfer),
	}
}

// =============================================================================
// AVAILABILITY
// =============================================================================

// Available reports whether the model is downloaded and usable. Any
// failure to determine this reports false; callers must be able to
// trust a true answer.
func (c *Cache) Available(ctx context.Context, name string) bool {
	canonical, err := ResolveIdentifier(name)
	if err != nil {
		return false
	}
	downloaded, err := c.engine.IsModelDownloaded(ctx, canonical)
	if err != nil {
		return false
	}
	return downloaded
}

// Status returns the model's cache state, merging any in-flight
// download with the persisted metadata record.
func (c *Cache) Status(ctx context.Context, name string) Status {
	st := Status{Model: name}

	canonical, err := ResolveIdentifier(name)
	if err != nil {
		return st
	}
	st.Model = canonical

	c.mu.Lock()
	if t, ok := c.inflight[canonical]; ok {
		st.Downloading = true
		st.Progress = t.progress
	}
	c.mu.Unlock()

	if downloaded, err := c.engine.IsModelDownloaded(ctx, canonical); err == nil {
		st.Downloaded = downloaded
	}
	st.Metadata = c.loadMetadata(canonical)
	return st
}

// =============================================================================
// DOWNLOAD
// =============================================================================

// Download fetches the model, reporting progress through onProgress.
// It returns nil once the model is confirmed on disk.
//
// A second Download for the same model while one is running attaches
// to the in-flight transfer and shares its outcome. An already
// downloaded model succeeds immediately.
func (c *Cache) Download(ctx context.Context, name string, onProgress ProgressFunc) error {
	canonical, err := ResolveIdentifier(name)
	if err != nil {
		return err
	}

	// Attach to an in-flight transfer if one exists.
	c.mu.Lock()
	if t, ok := c.inflight[canonical]; ok {
		if onProgress != nil {
			t.callbacks = append(t.callbacks, onProgress)
		}
		c.mu.Unlock()
		select {
		case <-t.done:
			return t.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	t := &transfer{
		done:    make(chan struct{}),
		limiter: rate.NewLimiter(rate.Limit(c.config.ProgressPerSecond), 1),
	}
	if onProgress != nil {
		t.callbacks = append(t.callbacks, onProgress)
	}
	c.inflight[canonical] = t
	c.mu.Unlock()

	t.err = c.runDownload(ctx, canonical, t)

	c.mu.Lock()
	delete(c.inflight, canonical)
	c.mu.Unlock()
	close(t.done)

	return t.err
}

// runDownload performs the pre-checks and the retry loop for one
// registered transfer.
func (c *Cache) runDownload(ctx context.Context, canonical string, t *transfer) error {
	// Idempotent: already on disk means success, with metadata
	// refreshed in case an earlier record was lost.
	if downloaded, err := c.engine.IsModelDownloaded(ctx, canonical); err == nil && downloaded {
		c.recordDownload(ctx, canonical)
		c.notify(t, 1.0, 0, 0, true)
		return nil
	}

	if err := offline.CheckDownloadAllowed(); err != nil {
		return &CacheError{
			Type:    ErrTypeDownloadFailed,
			Model:   canonical,
			Message: "device is offline",
			Cause:   err,
		}
	}

	if err := c.checkFreeDisk(canonical); err != nil {
		return err
	}

	var lastErr error
	attempts := c.config.Retries + 1
	for attempt := 1; attempt <= attempts; attempt++ {
		lastErr = c.attemptDownload(ctx, canonical, t)
		if lastErr == nil {
			c.recordDownload(ctx, canonical)
			c.notify(t, 1.0, 0, 0, true)
			return nil
		}

		c.mu.Lock()
		cancelled := t.cancelled
		c.mu.Unlock()
		if cancelled || !retryable(lastErr) || attempt == attempts {
			break
		}

		// Linear backoff between attempts.
		select {
		case <-time.After(c.config.RetryDelay * time.Duration(attempt)):
		case <-ctx.Done():
			return &CacheError{
				Type:    ErrTypeDownloadCancelled,
				Model:   canonical,
				Message: "download cancelled",
				Cause:   ctx.Err(),
			}
		}
	}

	if retryable(lastErr) {
		return &CacheError{
			Type:    ErrTypeDownloadFailed,
			Model:   canonical,
			Message: fmt.Sprintf("download failed after %d attempts", attempts),
			Cause:   lastErr,
		}
	}
	return lastErr
}

// attemptDownload runs a single transfer attempt, forwarding progress.
func (c *Cache) attemptDownload(ctx context.Context, canonical string, t *transfer) error {
	events, err := c.engine.DownloadModel(ctx, "", canonical, engine.DownloadOptions{})
	if err != nil {
		return &CacheError{
			Type:    ErrTypeDownloadFailed,
			Model:   canonical,
			Message: "failed to start download",
			Cause:   err,
		}
	}

	for event := range events {
		switch event.Status {
		case engine.DownloadStatusDownloading:
			if event.TotalBytes > 0 {
				fraction := float64(event.BytesDownloaded) / float64(event.TotalBytes)
				// Hold visible progress below 100% until the daemon
				// confirms completion.
				if fraction > 0.999 {
					fraction = 0.999
				}
				c.notify(t, fraction, event.BytesDownloaded, event.TotalBytes, false)
			}
		case engine.DownloadStatusCompleted:
			return nil
		case engine.DownloadStatusCancelled:
			return &CacheError{
				Type:    ErrTypeDownloadCancelled,
				Model:   canonical,
				Message: "download cancelled",
			}
		case engine.DownloadStatusError:
			return &CacheError{
				Type:    ErrTypeDownloadFailed,
				Model:   canonical,
				Message: event.Err,
			}
		}
	}

	return &CacheError{
		Type:    ErrTypeDownloadFailed,
		Model:   canonical,
		Message: "download stream ended without completion",
	}
}

// notify forwards progress to attached callbacks, rate limited except
// for the terminal update.
func (c *Cache) notify(t *transfer, fraction float64, bytesDownloaded, totalBytes int64, terminal bool) {
	c.mu.Lock()
	t.progress = fraction
	callbacks := make([]ProgressFunc, len(t.callbacks))
	copy(callbacks, t.callbacks)
	c.mu.Unlock()

	if !terminal && !t.limiter.Allow() {
		return
	}
	for _, cb := range callbacks {
		cb(fraction, bytesDownloaded, totalBytes)
	}
}

// checkFreeDisk fails fast when the disk cannot hold the model.
func (c *Cache) checkFreeDisk(canonical string) error {
	if c.config.ModelSizeBytes <= 0 {
		return nil
	}
	free, err := freeDiskSpace(c.config.DataDir)
	if err != nil {
		// A failed probe should not block the download.
		return nil
	}
	required := uint64(c.config.ModelSizeBytes + c.config.DiskHeadroomBytes)
	if free < required {
		return &CacheError{
			Type:           ErrTypeStorageSpace,
			Model:          canonical,
			Message:        fmt.Sprintf("need %d bytes free, have %d", required, free),
			RequiredBytes:  int64(required),
			AvailableBytes: int64(free),
		}
	}
	return nil
}

// CancelDownload cancels an in-flight download. Waiters observe a
// cancelled outcome. Cancelling when nothing is downloading is a no-op.
func (c *Cache) CancelDownload(ctx context.Context, name string) error {
	canonical, err := ResolveIdentifier(name)
	if err != nil {
		return err
	}

	c.mu.Lock()
	t, ok := c.inflight[canonical]
	if ok {
		t.cancelled = true
	}
	c.mu.Unlock()

	if !ok {
		return nil
	}
	return c.engine.CancelDownload(ctx, canonical)
}

// =============================================================================
// VALIDATION AND DELETION
// =============================================================================

// Validate checks the downloaded model against its recorded metadata.
// It returns false with a nil error when the model is simply absent,
// and false with a corruption error when the on-disk model no longer
// matches the record. A passing check refreshes LastValidatedAt.
func (c *Cache) Validate(ctx context.Context, name string) (bool, error) {
	canonical, err := ResolveIdentifier(name)
	if err != nil {
		return false, err
	}

	info, err := c.engine.ModelInfo(ctx, canonical)
	if err != nil {
		if engine.IsModelNotFound(err) {
			return false, nil
		}
		return false, err
	}

	meta := c.loadMetadata(canonical)
	if meta == nil {
		// Model present but unrecorded (e.g. restored from a backup).
		// Adopt it.
		c.recordDownload(ctx, canonical)
		return true, nil
	}

	if meta.Digest != "" && info.Digest != "" && meta.Digest != info.Digest {
		return false, &CacheError{
			Type:    ErrTypeModelCorrupted,
			Model:   canonical,
			Message: fmt.Sprintf("digest mismatch: recorded %s, found %s", meta.Digest, info.Digest),
		}
	}
	if meta.SizeBytes > 0 && info.SizeBytes > 0 && meta.SizeBytes != info.SizeBytes {
		return false, &CacheError{
			Type:    ErrTypeModelCorrupted,
			Model:   canonical,
			Message: fmt.Sprintf("size mismatch: recorded %d, found %d", meta.SizeBytes, info.SizeBytes),
		}
	}

	meta.LastValidatedAt = time.Now().UTC()
	c.saveMetadata(meta)
	return true, nil
}

// Delete removes the model and its metadata record. Deleting a model
// that is not downloaded is a no-op.
func (c *Cache) Delete(ctx context.Context, name string) error {
	canonical, err := ResolveIdentifier(name)
	if err != nil {
		return err
	}

	if err := c.engine.DeleteDownloadedModel(ctx, canonical); err != nil {
		return err
	}
	if err := c.store.Delete(metadataKey(canonical)); err != nil && err != kvstore.ErrNotFound {
		return err
	}
	return nil
}

// =============================================================================
// METADATA PERSISTENCE
// =============================================================================

func metadataKey(canonical string) string {
	return "model:meta:" + canonical
}

// recordDownload writes a fresh metadata record from the daemon's view
// of the model. Metadata is best effort; a write failure does not fail
// the download that produced it.
func (c *Cache) recordDownload(ctx context.Context, canonical string) {
	now := time.Now().UTC()
	meta := &Metadata{
		Name:            canonical,
		DownloadedAt:    now,
		LastValidatedAt: now,
	}
	if info, err := c.engine.ModelInfo(ctx, canonical); err == nil {
		meta.SizeBytes = info.SizeBytes
		meta.Digest = info.Digest
	}
	c.saveMetadata(meta)
}

func (c *Cache) saveMetadata(meta *Metadata) {
	data, err := json.Marshal(meta)
	if err != nil {
		return
	}
	c.store.Set(metadataKey(meta.Name), string(data))
}

// loadMetadata returns the stored record, or nil when missing or
// unreadable.
func (c *Cache) loadMetadata(canonical string) *Metadata {
	raw, err := c.store.GetString(metadataKey(canonical))
	if err != nil {
		return nil
	}
	var meta Metadata
	if err := json.Unmarshal([]byte(raw), &meta); err != nil {
		return nil
	}
	return &meta
}
