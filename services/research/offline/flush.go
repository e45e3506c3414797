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
	"log/slog"
)

// FlushResult summarizes one replay pass.
type FlushResult struct {
	// Sent is the number of items delivered and removed.
	Sent int `json:"sent"`

	// Failed is the number of items whose send failed this pass. They
	// remain queued (unless the attempt cap dropped them).
	Failed int `json:"failed"`

	// Remaining is the queue depth after the pass.
	Remaining int `json:"remaining"`
}

// Flush replays queued actions against the backend.
//
// Description:
//
//	A no-op returning {0, 0, depth} while offline. Items are sent
//	oldest-first, one at a time; a failed item stays queued with its
//	attempt count bumped and the pass moves on to the next item, so one
//	poisoned action cannot block the rest. Items that exhaust
//	MaxItemAttempts are dropped with a log line. Items still inside
//	their retry backoff window are skipped without an attempt. The
//	stored array is rewritten once, after the pass.
//
//	Concurrent calls coalesce: while a flush is in flight, additional
//	callers wait for it and share its result rather than starting
//	another replay. Subscribers are notified once per pass, not once
//	per caller.
//
// Outputs:
//
//	FlushResult - Counts for the pass (shared by coalesced callers).
//	error - nil, or the storage error that aborted the pass.
func (q *Queue) Flush(ctx context.Context) (FlushResult, error) {
	v, err, _ := q.flights.Do(QueueKey, func() (any, error) {
		result, err := q.flushOnce(ctx)
		if err != nil {
			return nil, err
		}
		q.notify(result)
		return result, nil
	})
	if err != nil {
		return FlushResult{}, err
	}
	return v.(FlushResult), nil
}

func (q *Queue) flushOnce(ctx context.Context) (FlushResult, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	items, err := q.readItems(ctx)
	if err != nil {
		return FlushResult{}, err
	}

	if q.connectivity != nil && !q.connectivity.Online() {
		q.logger.Debug("offline, skipping flush",
			slog.Int("depth", len(items)))
		return FlushResult{Remaining: len(items)}, nil
	}

	var result FlushResult
	kept := items[:0]
	for i := range items {
		item := &items[i]

		if !q.attemptDue(item) {
			kept = append(kept, *item)
			continue
		}

		if q.limiter != nil {
			if err := q.limiter.Wait(ctx); err != nil {
				// Context expired mid-pass; keep this and all later
				// items for the next flush.
				kept = append(kept, items[i:]...)
				break
			}
		}

		if err := q.sender.Send(ctx, *item); err != nil {
			item.AttemptCount++
			item.LastAttemptAt = q.now()
			result.Failed++
			queueFlushTotal.WithLabelValues("failed").Inc()

			if item.AttemptCount >= q.cfg.MaxItemAttempts {
				queueDroppedTotal.Inc()
				q.logger.Warn("dropping queue item over attempt cap",
					slog.String("item_id", item.ID),
					slog.String("kind", item.Kind),
					slog.Int("attempts", item.AttemptCount),
					slog.String("error", err.Error()))
				continue
			}

			q.logger.Warn("queue item send failed, keeping",
				slog.String("item_id", item.ID),
				slog.Int("attempts", item.AttemptCount),
				slog.String("error", err.Error()))
			kept = append(kept, *item)
			continue
		}

		result.Sent++
		queueFlushTotal.WithLabelValues("sent").Inc()
	}

	if err := q.writeItems(ctx, kept); err != nil {
		return FlushResult{}, err
	}

	result.Remaining = len(kept)
	if result.Sent > 0 || result.Failed > 0 {
		q.logger.Info("queue flush complete",
			slog.Int("sent", result.Sent),
			slog.Int("failed", result.Failed),
			slog.Int("remaining", result.Remaining))
	}
	return result, nil
}

// attemptDue reports whether the item is outside its backoff window.
func (q *Queue) attemptDue(item *QueueItem) bool {
	if item.AttemptCount == 0 || item.LastAttemptAt.IsZero() {
		return true
	}
	return q.now().Sub(item.LastAttemptAt) >= q.cfg.RetryBackoff
}
