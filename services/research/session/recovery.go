// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package session

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
)

// RecoverSessions rebuilds the index from the session blobs.
//
// Description:
//
//	Scans every key under the session prefix, keeps blobs that decode
//	into a session carrying its mandatory fields (id, phase) and a
//	CreatedAt, and writes a fresh index sorted newest-first. Blobs that
//	fail to parse are logged and skipped, never deleted; their bytes may
//	still be salvageable by hand.
//
// Outputs:
//
//	int - Number of sessions recovered into the index.
//	error - nil, or a StorageError if the scan or index write failed.
func (s *Store) RecoverSessions(ctx context.Context) (int, error) {
	ctx, span := storeTracer.Start(ctx, "session.Store.RecoverSessions")
	defer span.End()

	s.mu.Lock()
	defer s.mu.Unlock()

	keys, err := s.kv.Keys(ctx, SessionKeyPrefix)
	if err != nil {
		storeOpsTotal.WithLabelValues("recover", "error").Inc()
		span.RecordError(err)
		return 0, newError(CodeUnknown, "recover", err)
	}

	index := &StorageIndex{Version: IndexVersion}
	skipped := 0
	for _, key := range keys {
		data, err := s.kv.Get(ctx, key)
		if err != nil {
			s.logger.Warn("skipping unreadable session blob",
				slog.String("key", key),
				slog.String("error", err.Error()))
			skipped++
			continue
		}

		var sess Session
		if err := json.Unmarshal(data, &sess); err != nil {
			s.logger.Warn("skipping undecodable session blob",
				slog.String("key", key),
				slog.String("error", err.Error()))
			skipped++
			continue
		}
		if sess.ID == "" || sess.Phase == "" || sess.CreatedAt.IsZero() {
			s.logger.Warn("skipping session blob missing mandatory fields",
				slog.String("key", key))
			skipped++
			continue
		}

		index.Summaries = append(index.Summaries, SummaryOf(&sess))
	}

	sortSummaries(index.Summaries)
	if len(index.Summaries) > s.cfg.MaxSessions {
		// Recovery does not delete blobs; it only bounds the index.
		index.Summaries = index.Summaries[:s.cfg.MaxSessions]
	}

	if err := s.writeIndex(ctx, index); err != nil {
		storeOpsTotal.WithLabelValues("recover", "error").Inc()
		span.RecordError(err)
		return 0, err
	}

	recovered := len(index.Summaries)
	storeOpsTotal.WithLabelValues("recover", "success").Inc()
	span.SetAttributes(
		attribute.Int("recovered", recovered),
		attribute.Int("skipped", skipped),
	)
	s.logger.Info("session index rebuilt",
		slog.Int("recovered", recovered),
		slog.Int("skipped", skipped))
	return recovered, nil
}

// RecoveryResult is the structured outcome of a recovering load. It is a
// value, not an error: callers render "no session available" from it
// instead of failing.
type RecoveryResult struct {
	// Session is the loaded session, nil when none is available.
	Session *Session

	// Recovered reports whether a recovery scan ran and restored the
	// session.
	Recovered bool

	// Err is the failure that could not be recovered from, if any.
	Err error
}

// LoadWithRecovery loads a session, attempting an index rebuild when the
// blob is corrupted.
//
// Description:
//
//	On a CORRUPTED_DATA failure the store runs a full recovery scan. If
//	the scan recovered at least one session the load is retried once.
//	A second corruption failure, or a scan that recovered nothing,
//	yields {nil, false, original error} — a structured result, so
//	callers show an empty state rather than crashing. All other
//	failures pass through in Err untouched.
func (s *Store) LoadWithRecovery(ctx context.Context, id string) RecoveryResult {
	sess, err := s.Load(ctx, id)
	if err == nil {
		return RecoveryResult{Session: sess}
	}

	var se *StorageError
	if !errors.As(err, &se) || se.Code != CodeCorruptedData {
		return RecoveryResult{Err: err}
	}

	s.logger.Warn("corrupted session detected, attempting recovery",
		slog.String("session_id", id))

	recovered, recErr := s.RecoverSessions(ctx)
	if recErr != nil || recovered == 0 {
		return RecoveryResult{Err: err}
	}

	sess, retryErr := s.Load(ctx, id)
	if retryErr != nil {
		return RecoveryResult{Err: err}
	}
	return RecoveryResult{Session: sess, Recovered: true}
}
