// Copyright 2026 Tidewell
// SPDX-License-Identifier: Apache-2.0

package tidesqlite

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/tidewell/tidesync/tidesync"
)

// Caller is the remote endpoint interface the orchestrator drains against.
// Implementations return an envelope for any response the server produced;
// errors are reserved for transport-level failures and HTTP faults that
// carried no envelope.
type Caller interface {
	Push(ctx context.Context, action tidesync.SyncAction, data json.RawMessage) (*tidesync.Envelope, error)
	PushBatch(ctx context.Context, items []tidesync.BatchItem) (*tidesync.Envelope, error)
}

// TokenFunc supplies the bearer credential for each request. Kept as a
// function so token refresh stays the auth collaborator's problem.
type TokenFunc func(ctx context.Context) (string, error)

// HTTPCaller talks JSON over HTTP to the sync endpoint.
type HTTPCaller struct {
	baseURL string
	client  *http.Client
	token   TokenFunc
	logger  *slog.Logger
}

// NewHTTPCaller creates a caller for the endpoint at baseURL (no trailing
// slash). client may be nil for http.DefaultClient.
func NewHTTPCaller(baseURL string, client *http.Client, token TokenFunc, logger *slog.Logger) *HTTPCaller {
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPCaller{baseURL: baseURL, client: client, token: token, logger: logger}
}

// Push sends a single mutation to POST /sync/push.
func (c *HTTPCaller) Push(ctx context.Context, action tidesync.SyncAction, data json.RawMessage) (*tidesync.Envelope, error) {
	return c.post(ctx, "/sync/push", tidesync.PushRequest{Action: action, Data: data})
}

// PushBatch sends several mutations to POST /sync/batch.
func (c *HTTPCaller) PushBatch(ctx context.Context, items []tidesync.BatchItem) (*tidesync.Envelope, error) {
	return c.post(ctx, "/sync/batch", tidesync.BatchRequest{Items: items})
}

func (c *HTTPCaller) post(ctx context.Context, path string, payload any) (*tidesync.Envelope, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	if c.token != nil {
		token, err := c.token(ctx)
		if err != nil {
			// Token refresh usually fails for the same reason the network
			// does; keep the item queued rather than rejecting it.
			return nil, &TransportError{Err: fmt.Errorf("failed to obtain token: %w", err)}
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, &TransportError{Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransportError{Err: err}
	}

	var env tidesync.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		// No envelope; classify by HTTP status alone.
		switch {
		case resp.StatusCode >= 500:
			return nil, &RemoteServerError{Code: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			return nil, &RemoteAuthError{Code: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
		case resp.StatusCode >= 400:
			return nil, &RemoteValidationError{Code: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
		}
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return &env, nil
}

// ClassifyEnvelope maps a non-success envelope code onto the error taxonomy.
// Returns nil for success and for conflict, which is not an error but a
// signal to run conflict resolution.
func ClassifyEnvelope(env *tidesync.Envelope) error {
	switch {
	case env.Code == tidesync.CodeOK || env.Code == tidesync.CodeConflict:
		return nil
	case env.Code == tidesync.CodeUnauthorized:
		// An expired credential is not a payload defect.
		return &RemoteAuthError{Code: env.Code, Message: env.Message}
	case env.Code >= tidesync.CodeInternal:
		return &RemoteServerError{Code: env.Code, Message: env.Message}
	default:
		return &RemoteValidationError{Code: env.Code, Message: env.Message}
	}
}
