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
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/ResearchLocal/services/research/resilience"
)

func testItem(kind string) QueueItem {
	return QueueItem{
		ID:      "item-1",
		Kind:    kind,
		Payload: json.RawMessage(`{"sessionId":"s1"}`),
	}
}

func TestHTTPSender_RoutesByKind(t *testing.T) {
	var paths []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		body, _ := io.ReadAll(r.Body)
		assert.JSONEq(t, `{"sessionId":"s1"}`, string(body))
		w.Write([]byte(`{"success":true}`))
	}))
	defer srv.Close()

	sender := &HTTPSender{BaseURL: srv.URL}
	require.NoError(t, sender.Send(context.Background(), testItem(KindSessionKickoff)))
	require.NoError(t, sender.Send(context.Background(), testItem(KindSessionAction)))

	assert.Equal(t, []string{"/api/research/kickoff", "/api/research/action"}, paths)
}

func TestHTTPSender_SuccessFalseIsFailure(t *testing.T) {
	// A 200 with success:false is still a failed delivery.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"success":false,"error":"session already concluded"}`))
	}))
	defer srv.Close()

	sender := &HTTPSender{BaseURL: srv.URL}
	err := sender.Send(context.Background(), testItem(KindSessionAction))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "session already concluded")
}

func TestHTTPSender_Non2xxIsFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "backend down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	sender := &HTTPSender{BaseURL: srv.URL}
	err := sender.Send(context.Background(), testItem(KindSessionAction))
	assert.Error(t, err)
}

func TestHTTPSender_UndecodableBodyIsFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`<html>gateway error</html>`))
	}))
	defer srv.Close()

	sender := &HTTPSender{BaseURL: srv.URL}
	err := sender.Send(context.Background(), testItem(KindSessionAction))
	assert.Error(t, err)
}

func TestHTTPSender_SlowBackendTimesOut(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Drain the body so the server watches for client disconnect;
		// otherwise r.Context() is never cancelled and Close deadlocks.
		io.Copy(io.Discard, r.Body)
		<-r.Context().Done()
	}))
	defer srv.Close()

	sender := &HTTPSender{BaseURL: srv.URL, RequestTimeout: 50 * time.Millisecond}
	err := sender.Send(context.Background(), testItem(KindSessionAction))
	assert.ErrorIs(t, err, resilience.ErrTimeout)
}
