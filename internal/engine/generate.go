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
	"strings"
	"sync/atomic"
)

// =============================================================================
// MODEL INSTANTIATION
// =============================================================================

type generateRequest struct {
	Model   string           `json:"model"`
	Prompt  string           `json:"prompt"`
	Stream  bool             `json:"stream"`
	Options *generateOptions `json:"options,omitempty"`

	// KeepAlive of 0 asks the daemon to unload the model.
	KeepAlive *int `json:"keep_alive,omitempty"`
}

type generateOptions struct {
	NumPredict  int     `json:"num_predict,omitempty"`
	TopK        int     `json:"top_k,omitempty"`
	TopP        float64 `json:"top_p,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
	Seed        int     `json:"seed,omitempty"`
}

// generateLine is one NDJSON line from the daemon's generate endpoint.
type generateLine struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
	Error    string `json:"error,omitempty"`
}

// CreateModel instantiates an inference handle by loading the model
// into the runtime with the given parameters. The warm-up request has
// an empty prompt, so the daemon loads weights without generating.
func (c *Client) CreateModel(ctx context.Context, name string, params ModelParams) (*Handle, error) {
	body, err := json.Marshal(generateRequest{
		Model:   name,
		Stream:  false,
		Options: optionsFromParams(params),
	})
	if err != nil {
		return nil, &ClientError{Type: ErrTypeInvalidResponse, Message: "failed to marshal request", Cause: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.BaseURL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return nil, &ClientError{Type: ErrTypeConnection, Message: "failed to create request", Cause: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, ErrTimeout
		}
		return nil, ErrNotRunning
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrModelNotFound
	}
	if resp.StatusCode != http.StatusOK {
		var derr daemonError
		if err := json.NewDecoder(resp.Body).Decode(&derr); err == nil && derr.Error != "" {
			return nil, &ClientError{Type: ErrTypeInvalidResponse, Message: derr.Error}
		}
		return nil, &ClientError{
			Type:    ErrTypeInvalidResponse,
			Message: "model load failed: " + resp.Status,
		}
	}

	return &Handle{
		ID:     atomic.AddUint64(&c.handleSeq, 1),
		Model:  name,
		Params: params,
	}, nil
}

func optionsFromParams(p ModelParams) *generateOptions {
	return &generateOptions{
		NumPredict:  p.MaxTokens,
		TopK:        p.TopK,
		TopP:        p.TopP,
		Temperature: p.Temperature,
		Seed:        p.Seed,
	}
}

// =============================================================================
// STREAMING GENERATION
// =============================================================================

// Generate starts an asynchronous streaming generation. Each event's
// Response field carries the cumulative text so far; the channel closes
// after a terminal event.
func (c *Client) Generate(ctx context.Context, h *Handle, requestID uint64, prompt string) (<-chan ResponseEvent, error) {
	if h == nil {
		return nil, &ClientError{Type: ErrTypeUnknown, Message: "nil model handle"}
	}

	body, err := json.Marshal(generateRequest{
		Model:   h.Model,
		Prompt:  prompt,
		Stream:  true,
		Options: optionsFromParams(h.Params),
	})
	if err != nil {
		return nil, &ClientError{Type: ErrTypeInvalidResponse, Message: "failed to marshal request", Cause: err}
	}

	genCtx, cancel := context.WithCancel(ctx)

	c.mu.Lock()
	c.requests[requestID] = cancel
	c.mu.Unlock()

	clearRequest := func() {
		c.mu.Lock()
		delete(c.requests, requestID)
		c.mu.Unlock()
		cancel()
	}

	req, err := http.NewRequestWithContext(genCtx, http.MethodPost, c.config.BaseURL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		clearRequest()
		return nil, &ClientError{Type: ErrTypeConnection, Message: "failed to create request", Cause: err}
	}
	req.Header.Set("Content-Type", "application/json")

	// Streaming requests manage their deadline via genCtx, not the
	// shared client timeout.
	streamClient := &http.Client{}
	resp, err := streamClient.Do(req)
	if err != nil {
		clearRequest()
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return nil, ErrTimeout
		}
		return nil, ErrNotRunning
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		clearRequest()
		if resp.StatusCode == http.StatusNotFound {
			return nil, ErrModelNotFound
		}
		var derr daemonError
		if err := json.NewDecoder(resp.Body).Decode(&derr); err == nil && derr.Error != "" {
			return nil, &ClientError{Type: ErrTypeInvalidResponse, Message: derr.Error}
		}
		return nil, &ClientError{
			Type:    ErrTypeInvalidResponse,
			Message: "generate request failed: " + resp.Status,
		}
	}

	events := make(chan ResponseEvent, 16)
	go c.readGenerateStream(genCtx, resp.Body, requestID, clearRequest, events)
	return events, nil
}

// readGenerateStream parses NDJSON generation lines and forwards
// cumulative response events. Exactly one terminal event is emitted.
func (c *Client) readGenerateStream(ctx context.Context, body io.ReadCloser, requestID uint64, clearRequest func(), events chan<- ResponseEvent) {
	defer close(events)
	defer body.Close()
	defer clearRequest()

	// Cumulative text avoids making every consumer re-assemble deltas.
	var accumulator strings.Builder
	reader := bufio.NewReader(body)

	for {
		line, err := reader.ReadBytes('\n')
		if err != nil && len(bytes.TrimSpace(line)) == 0 {
			if ctx.Err() != nil {
				// Cancelled: settle with what was accumulated.
				events <- ResponseEvent{RequestID: requestID, Response: accumulator.String(), Done: true}
				return
			}
			if err == io.EOF {
				// Stream ended without an explicit done line; report
				// what arrived as the final text.
				events <- ResponseEvent{RequestID: requestID, Response: accumulator.String(), Done: true}
				return
			}
			events <- ResponseEvent{RequestID: requestID, Err: "generation stream read failed"}
			return
		}

		if len(bytes.TrimSpace(line)) > 0 {
			var gl generateLine
			if jsonErr := json.Unmarshal(line, &gl); jsonErr == nil {
				if gl.Error != "" {
					events <- ResponseEvent{RequestID: requestID, Err: gl.Error}
					return
				}
				if gl.Response != "" {
					accumulator.WriteString(gl.Response)
					events <- ResponseEvent{RequestID: requestID, Response: accumulator.String()}
				}
				if gl.Done {
					events <- ResponseEvent{RequestID: requestID, Response: accumulator.String(), Done: true}
					return
				}
			}
		}

		if err == io.EOF {
			events <- ResponseEvent{RequestID: requestID, Response: accumulator.String(), Done: true}
			return
		}
	}
}

// CancelGenerate requests cancellation of the identified request. The
// event channel still settles with a terminal event.
func (c *Client) CancelGenerate(ctx context.Context, h *Handle, requestID uint64) error {
	c.mu.Lock()
	cancel, ok := c.requests[requestID]
	c.mu.Unlock()

	if ok {
		cancel()
	}
	return nil
}

// Release asks the daemon to unload the model behind the handle.
// Releasing an already-released handle is a no-op.
func (c *Client) Release(ctx context.Context, h *Handle) error {
	if h == nil {
		return nil
	}

	zero := 0
	body, err := json.Marshal(generateRequest{
		Model:     h.Model,
		Stream:    false,
		KeepAlive: &zero,
	})
	if err != nil {
		return &ClientError{Type: ErrTypeInvalidResponse, Message: "failed to marshal request", Cause: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.BaseURL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return &ClientError{Type: ErrTypeConnection, Message: "failed to create request", Cause: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return ErrTimeout
		}
		return ErrNotRunning
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusNotFound {
		return nil
	}
	return &ClientError{
		Type:    ErrTypeInvalidResponse,
		Message: "model release failed: " + resp.Status,
	}
}
