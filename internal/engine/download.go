// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package engine

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
)

// =============================================================================
// MODEL DOWNLOAD
// =============================================================================

type pullRequest struct {
	Name   string `json:"name"`
	URL    string `json:"url,omitempty"`
	Stream bool   `json:"stream"`
}

// pullLine is one NDJSON progress line from the daemon's pull endpoint.
type pullLine struct {
	Status    string `json:"status"`
	Total     int64  `json:"total,omitempty"`
	Completed int64  `json:"completed,omitempty"`
	Error     string `json:"error,omitempty"`
}

// DownloadModel starts fetching the model artifact. Progress arrives on
// the returned channel; a terminal event is always delivered before the
// channel closes, whatever ends the transfer.
func (c *Client) DownloadModel(ctx context.Context, url, name string, opts DownloadOptions) (<-chan DownloadEvent, error) {
	body, err := json.Marshal(pullRequest{Name: name, URL: url, Stream: true})
	if err != nil {
		return nil, &ClientError{Type: ErrTypeInvalidResponse, Message: "failed to marshal request", Cause: err}
	}

	// The transfer outlives the caller's request context only through
	// its own cancellable context, registered for CancelDownload.
	var dlCtx context.Context
	var cancel context.CancelFunc
	if opts.Timeout > 0 {
		dlCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
	} else {
		dlCtx, cancel = context.WithCancel(ctx)
	}
	reg := &downloadReg{cancel: cancel}

	c.mu.Lock()
	if prev, ok := c.downloads[name]; ok {
		// A duplicate start for the same model supersedes the stale
		// registration; the daemon serializes the actual transfer.
		prev.cancel()
	}
	c.downloads[name] = reg
	c.mu.Unlock()

	req, err := http.NewRequestWithContext(dlCtx, http.MethodPost, c.config.BaseURL+"/api/pull", bytes.NewReader(body))
	if err != nil {
		c.clearDownload(name, reg)
		return nil, &ClientError{Type: ErrTypeConnection, Message: "failed to create request", Cause: err}
	}
	req.Header.Set("Content-Type", "application/json")

	// Streaming transfers manage their deadline via dlCtx, not the
	// shared client timeout.
	streamClient := &http.Client{}
	resp, err := streamClient.Do(req)
	if err != nil {
		c.clearDownload(name, reg)
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, ErrTimeout
		}
		return nil, ErrNotRunning
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		c.clearDownload(name, reg)
		var derr daemonError
		if err := json.NewDecoder(resp.Body).Decode(&derr); err == nil && derr.Error != "" {
			return nil, &ClientError{Type: ErrTypeInvalidResponse, Message: derr.Error}
		}
		return nil, &ClientError{
			Type:    ErrTypeInvalidResponse,
			Message: "download request failed: " + resp.Status,
		}
	}

	events := make(chan DownloadEvent, 16)
	go c.readDownloadStream(dlCtx, resp.Body, name, reg, events)
	return events, nil
}

// downloadReg identifies one registered transfer so a finished transfer
// never clears the registration of a newer one for the same model.
type downloadReg struct {
	cancel context.CancelFunc
}

// readDownloadStream parses NDJSON progress lines and forwards events.
// Exactly one terminal event is emitted.
func (c *Client) readDownloadStream(ctx context.Context, body io.ReadCloser, name string, reg *downloadReg, events chan<- DownloadEvent) {
	defer close(events)
	defer body.Close()
	defer c.clearDownload(name, reg)

	var lastTotal, lastCompleted int64
	reader := bufio.NewReader(body)

	for {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			if ctx.Err() != nil {
				events <- DownloadEvent{ModelName: name, Status: DownloadStatusCancelled, BytesDownloaded: lastCompleted, TotalBytes: lastTotal}
				return
			}
			if err == io.EOF && len(bytes.TrimSpace(line)) == 0 {
				// Stream ended without an explicit success line.
				events <- DownloadEvent{ModelName: name, Status: DownloadStatusError, Err: "download stream ended unexpectedly"}
				return
			}
			if err != io.EOF {
				events <- DownloadEvent{ModelName: name, Status: DownloadStatusError, Err: "download stream read failed"}
				return
			}
		}

		if len(bytes.TrimSpace(line)) == 0 {
			if err == io.EOF {
				events <- DownloadEvent{ModelName: name, Status: DownloadStatusError, Err: "download stream ended unexpectedly"}
				return
			}
			continue
		}

		var pl pullLine
		if jsonErr := json.Unmarshal(line, &pl); jsonErr != nil {
			continue // skip malformed lines
		}

		if pl.Error != "" {
			events <- DownloadEvent{ModelName: name, Status: DownloadStatusError, Err: pl.Error}
			return
		}

		if pl.Status == "success" {
			events <- DownloadEvent{
				ModelName:       name,
				Status:          DownloadStatusCompleted,
				BytesDownloaded: lastTotal,
				TotalBytes:      lastTotal,
			}
			return
		}

		if pl.Total > 0 {
			lastTotal = pl.Total
			lastCompleted = pl.Completed
			events <- DownloadEvent{
				ModelName:       name,
				Status:          DownloadStatusDownloading,
				BytesDownloaded: pl.Completed,
				TotalBytes:      pl.Total,
			}
		}

		if err == io.EOF {
			events <- DownloadEvent{ModelName: name, Status: DownloadStatusError, Err: "download stream ended unexpectedly"}
			return
		}
	}
}

// CancelDownload requests cancellation of an in-flight transfer.
// A no-op when no transfer is registered for the name.
func (c *Client) CancelDownload(ctx context.Context, name string) error {
	c.mu.Lock()
	reg, ok := c.downloads[name]
	c.mu.Unlock()

	if ok {
		reg.cancel()
	}
	return nil
}

// clearDownload removes the cancellation registration, but only if it
// still belongs to this transfer.
func (c *Client) clearDownload(name string, reg *downloadReg) {
	c.mu.Lock()
	if cur, ok := c.downloads[name]; ok && cur == reg {
		delete(c.downloads, name)
	}
	c.mu.Unlock()
	reg.cancel()
}
