// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package offline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/AleutianAI/ResearchLocal/services/research/resilience"
)

// Sender delivers a single queued action to the backend. A nil error means
// the item is done and may be removed from the queue.
type Sender interface {
	Send(ctx context.Context, item QueueItem) error
}

// SenderFunc adapts a function to the Sender interface.
type SenderFunc func(ctx context.Context, item QueueItem) error

func (f SenderFunc) Send(ctx context.Context, item QueueItem) error {
	return f(ctx, item)
}

// Endpoint paths by item kind.
const (
	kickoffPath = "/api/research/kickoff"
	actionPath  = "/api/research/action"
)

// HTTPSender replays actions as JSON POSTs against the research backend.
//
// Description:
//
//	A send succeeds only when the response is 2xx AND its body decodes
//	to {"success": true}; a 200 carrying a failure body still counts as
//	a failed delivery and the item stays queued. Each request runs
//	under its own timeout, independent of how long the whole flush
//	pass takes.
type HTTPSender struct {
	// BaseURL of the backend, without trailing slash.
	BaseURL string

	// Client defaults to http.DefaultClient.
	Client *http.Client

	// RequestTimeout per item. Default: 10s.
	RequestTimeout time.Duration
}

type sendResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// Send implements Sender.
func (s *HTTPSender) Send(ctx context.Context, item QueueItem) error {
	timeout := s.RequestTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	_, err := resilience.WithTimeout(ctx, func(opCtx context.Context) (struct{}, error) {
		return struct{}{}, s.post(opCtx, item)
	}, resilience.TimeoutOptions{
		Timeout: timeout,
		Message: fmt.Sprintf("replay of %s item %s timed out", item.Kind, item.ID),
	})
	return err
}

func (s *HTTPSender) post(ctx context.Context, item QueueItem) error {
	path := actionPath
	if item.Kind == KindSessionKickoff {
		path = kickoffPath
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		s.BaseURL+path, bytes.NewReader(item.Payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("backend returned %d for %s", resp.StatusCode, path)
	}

	var parsed sendResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return fmt.Errorf("undecodable backend response for %s: %w", path, err)
	}
	if !parsed.Success {
		if parsed.Error != "" {
			return fmt.Errorf("backend rejected %s item: %s", item.Kind, parsed.Error)
		}
		return fmt.Errorf("backend rejected %s item", item.Kind)
	}
	return nil
}
