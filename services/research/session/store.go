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
	"sort"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/AleutianAI/ResearchLocal/services/research/storage"
)

// -----------------------------------------------------------------------------
// Metrics
// -----------------------------------------------------------------------------

var (
	storeOpsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "research_session_store_operations_total",
		Help: "Session store operations by operation and status",
	}, []string{"operation", "status"})

	saveBytesHistogram = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "research_session_save_bytes",
		Help:    "Serialized size of saved sessions",
		Buckets: prometheus.ExponentialBuckets(256, 4, 8),
	})

	evictionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "research_session_evictions_total",
		Help: "Sessions evicted by the max-session policy",
	})
)

// -----------------------------------------------------------------------------
// Tracer
// -----------------------------------------------------------------------------

var storeTracer = otel.Tracer("research.session")

// -----------------------------------------------------------------------------
// Configuration
// -----------------------------------------------------------------------------

// Config configures the session store.
type Config struct {
	// MaxSessions bounds the index; the oldest sessions beyond it are
	// evicted (blobs deleted). Default: 50.
	MaxSessions int `validate:"gte=0"`

	// SoftSessionLimit is the per-session serialized size above which
	// Save logs a warning. Non-fatal. Default: 500KB.
	SoftSessionLimit int64 `validate:"gte=0"`

	// TypicalQuota is the capacity estimate Stats measures usage
	// against. Default: 5MB.
	TypicalQuota int64 `validate:"gte=0"`

	// Logger for store operations. Default: slog.Default().
	Logger *slog.Logger

	// Now overrides the clock, for tests. Default: time.Now.
	Now func() time.Time
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		MaxSessions:      50,
		SoftSessionLimit: 500 * 1024,
		TypicalQuota:     5 * 1024 * 1024,
	}
}

// -----------------------------------------------------------------------------
// Store
// -----------------------------------------------------------------------------

// Store is the durable session store over a storage capability.
//
// # Description
//
// Persists Session blobs and maintains the derived summary index. A failed
// blob write never updates the index; quota and serialization failures
// propagate unchanged to the caller as StorageErrors. The store assumes it
// is the only writer in this process; writers in other processes are
// reconciled eventually through the notify package, last write wins.
//
// # Thread Safety
//
// Safe for concurrent use. Index mutations are serialized internally.
type Store struct {
	kv       storage.Store
	cfg      Config
	logger   *slog.Logger
	validate *validator.Validate
	now      func() time.Time

	// mu serializes read-modify-write cycles on the index.
	mu sync.Mutex
}

// New creates a session store over the given storage capability.
func New(kv storage.Store, cfg Config) *Store {
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = 50
	}
	if cfg.SoftSessionLimit <= 0 {
		cfg.SoftSessionLimit = 500 * 1024
	}
	if cfg.TypicalQuota <= 0 {
		cfg.TypicalQuota = 5 * 1024 * 1024
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	return &Store{
		kv:       kv,
		cfg:      cfg,
		logger:   logger.With(slog.String("component", "session_store")),
		validate: validator.New(),
		now:      now,
	}
}

// Save persists a session and updates the index.
//
// Description:
//
//	Stamps UpdatedAt (and CreatedAt on first save), serializes the
//	session, and writes the blob. Only after a successful blob write is
//	the summary upserted into the index, re-sorted newest-first, and
//	the oldest entries evicted past MaxSessions. Quota failures leave
//	the index untouched.
//
// Outputs:
//
//	error - nil, or a StorageError with code SERIALIZATION_ERROR,
//	QUOTA_EXCEEDED, or UNKNOWN_ERROR.
func (s *Store) Save(ctx context.Context, sess *Session) error {
	ctx, span := storeTracer.Start(ctx, "session.Store.Save")
	defer span.End()

	if sess == nil {
		storeOpsTotal.WithLabelValues("save", "error").Inc()
		return newError(CodeSerializationError, "save", errors.New("session must not be nil"))
	}
	span.SetAttributes(attribute.String("session_id", sess.ID))

	now := s.now()
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = now
	}
	sess.UpdatedAt = now

	if err := s.validate.Struct(sess); err != nil {
		storeOpsTotal.WithLabelValues("save", "error").Inc()
		span.SetStatus(codes.Error, "invalid session")
		return newError(CodeSerializationError, "save", err)
	}

	data, err := json.Marshal(sess)
	if err != nil {
		storeOpsTotal.WithLabelValues("save", "error").Inc()
		span.SetStatus(codes.Error, "marshal failed")
		return newError(CodeSerializationError, "save", err)
	}
	saveBytesHistogram.Observe(float64(len(data)))

	if int64(len(data)) > s.cfg.SoftSessionLimit {
		s.logger.Warn("session exceeds soft size limit",
			slog.String("session_id", sess.ID),
			slog.Int("bytes", len(data)),
			slog.Int64("soft_limit", s.cfg.SoftSessionLimit))
	}

	if err := s.kv.Set(ctx, SessionKey(sess.ID), data); err != nil {
		storeOpsTotal.WithLabelValues("save", "error").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "blob write failed")
		if errors.Is(err, storage.ErrQuotaExceeded) {
			// The index is deliberately not touched: no partial write.
			return newError(CodeQuotaExceeded, "save", err)
		}
		return newError(CodeUnknown, "save", err)
	}

	if err := s.updateIndex(ctx, SummaryOf(sess)); err != nil {
		storeOpsTotal.WithLabelValues("save", "error").Inc()
		span.RecordError(err)
		return err
	}

	storeOpsTotal.WithLabelValues("save", "success").Inc()
	s.logger.Debug("session saved",
		slog.String("session_id", sess.ID),
		slog.Int("bytes", len(data)))
	return nil
}

// Load reads a session blob.
//
// Outputs:
//
//	*Session - The session, or nil if no blob exists for the id.
//	error - nil, or a StorageError with code CORRUPTED_DATA when the
//	blob exists but cannot be decoded into a session with its mandatory
//	fields (id, phase), or UNKNOWN_ERROR on backend failure.
func (s *Store) Load(ctx context.Context, id string) (*Session, error) {
	ctx, span := storeTracer.Start(ctx, "session.Store.Load")
	defer span.End()
	span.SetAttributes(attribute.String("session_id", id))

	data, err := s.kv.Get(ctx, SessionKey(id))
	if errors.Is(err, storage.ErrKeyNotFound) {
		storeOpsTotal.WithLabelValues("load", "not_found").Inc()
		return nil, nil
	}
	if err != nil {
		storeOpsTotal.WithLabelValues("load", "error").Inc()
		span.RecordError(err)
		return nil, newError(CodeUnknown, "load", err)
	}

	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		storeOpsTotal.WithLabelValues("load", "corrupted").Inc()
		span.SetStatus(codes.Error, "undecodable blob")
		return nil, newError(CodeCorruptedData, "load", err)
	}
	if sess.ID == "" || sess.Phase == "" {
		storeOpsTotal.WithLabelValues("load", "corrupted").Inc()
		span.SetStatus(codes.Error, "missing mandatory fields")
		return nil, newError(CodeCorruptedData, "load",
			errors.New("blob missing mandatory fields (id, phase)"))
	}

	storeOpsTotal.WithLabelValues("load", "success").Inc()
	return &sess, nil
}

// List returns the index summaries, self-healing orphaned entries.
//
// Description:
//
//	Reads the index and drops summaries whose session blob no longer
//	exists. If anything was dropped the corrected index is persisted
//	(best-effort). The result keeps the stored order, UpdatedAt
//	descending.
func (s *Store) List(ctx context.Context) ([]SessionSummary, error) {
	ctx, span := storeTracer.Start(ctx, "session.Store.List")
	defer span.End()

	s.mu.Lock()
	defer s.mu.Unlock()

	index, err := s.loadIndex(ctx)
	if err != nil {
		storeOpsTotal.WithLabelValues("list", "error").Inc()
		span.RecordError(err)
		return nil, err
	}

	keys, err := s.kv.Keys(ctx, SessionKeyPrefix)
	if err != nil {
		storeOpsTotal.WithLabelValues("list", "error").Inc()
		span.RecordError(err)
		return nil, newError(CodeUnknown, "list", err)
	}
	exists := make(map[string]bool, len(keys))
	for _, k := range keys {
		exists[k] = true
	}

	healed := index.Summaries[:0]
	orphans := 0
	for _, summary := range index.Summaries {
		if exists[SessionKey(summary.ID)] {
			healed = append(healed, summary)
		} else {
			orphans++
		}
	}

	if orphans > 0 {
		index.Summaries = healed
		s.logger.Info("removed orphaned index entries",
			slog.Int("count", orphans))
		if err := s.writeIndex(ctx, index); err != nil {
			// The healed view is still returned; persistence of the
			// correction is best-effort.
			s.logger.Warn("failed to persist healed index",
				slog.String("error", err.Error()))
		}
	}

	storeOpsTotal.WithLabelValues("list", "success").Inc()
	span.SetAttributes(attribute.Int("summaries", len(index.Summaries)))
	return index.Summaries, nil
}

// Delete removes a session blob (best-effort) and its index entry.
func (s *Store) Delete(ctx context.Context, id string) error {
	ctx, span := storeTracer.Start(ctx, "session.Store.Delete")
	defer span.End()
	span.SetAttributes(attribute.String("session_id", id))

	if err := s.kv.Remove(ctx, SessionKey(id)); err != nil {
		// Blob removal failures are logged, not raised; the index entry
		// must go regardless so the session stops appearing in lists.
		s.logger.Warn("failed to remove session blob",
			slog.String("session_id", id),
			slog.String("error", err.Error()))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	index, err := s.loadIndex(ctx)
	if err != nil {
		storeOpsTotal.WithLabelValues("delete", "error").Inc()
		return err
	}

	kept := index.Summaries[:0]
	for _, summary := range index.Summaries {
		if summary.ID != id {
			kept = append(kept, summary)
		}
	}
	index.Summaries = kept

	if err := s.writeIndex(ctx, index); err != nil {
		storeOpsTotal.WithLabelValues("delete", "error").Inc()
		span.RecordError(err)
		return err
	}

	storeOpsTotal.WithLabelValues("delete", "success").Inc()
	return nil
}

// Clear removes every indexed session blob and empties the index.
func (s *Store) Clear(ctx context.Context) error {
	ctx, span := storeTracer.Start(ctx, "session.Store.Clear")
	defer span.End()

	s.mu.Lock()
	defer s.mu.Unlock()

	index, err := s.loadIndex(ctx)
	if err != nil {
		storeOpsTotal.WithLabelValues("clear", "error").Inc()
		return err
	}

	for _, summary := range index.Summaries {
		if err := s.kv.Remove(ctx, SessionKey(summary.ID)); err != nil {
			s.logger.Warn("failed to remove session blob during clear",
				slog.String("session_id", summary.ID),
				slog.String("error", err.Error()))
		}
	}

	if err := s.writeIndex(ctx, &StorageIndex{Version: IndexVersion}); err != nil {
		storeOpsTotal.WithLabelValues("clear", "error").Inc()
		span.RecordError(err)
		return err
	}

	storeOpsTotal.WithLabelValues("clear", "success").Inc()
	return nil
}

// StorageStats reports store usage.
type StorageStats struct {
	// SessionCount is the number of session blobs present.
	SessionCount int

	// UsedBytes is the serialized size of all blobs plus the index.
	UsedBytes int64

	// IndexBytes is the serialized size of the index alone.
	IndexBytes int64

	// AvailableBytes estimates remaining capacity against TypicalQuota.
	// Never negative.
	AvailableBytes int64

	// OldestCreatedAt / NewestCreatedAt span the CreatedAt range across
	// sessions. Zero when no sessions exist.
	OldestCreatedAt time.Time
	NewestCreatedAt time.Time
}

// Stats sums blob and index sizes and estimates remaining capacity.
func (s *Store) Stats(ctx context.Context) (*StorageStats, error) {
	ctx, span := storeTracer.Start(ctx, "session.Store.Stats")
	defer span.End()

	keys, err := s.kv.Keys(ctx, SessionKeyPrefix)
	if err != nil {
		return nil, newError(CodeUnknown, "stats", err)
	}

	stats := &StorageStats{}
	for _, key := range keys {
		data, err := s.kv.Get(ctx, key)
		if err != nil {
			continue
		}
		stats.SessionCount++
		stats.UsedBytes += int64(len(data))

		var sess Session
		if err := json.Unmarshal(data, &sess); err != nil || sess.CreatedAt.IsZero() {
			continue
		}
		if stats.OldestCreatedAt.IsZero() || sess.CreatedAt.Before(stats.OldestCreatedAt) {
			stats.OldestCreatedAt = sess.CreatedAt
		}
		if sess.CreatedAt.After(stats.NewestCreatedAt) {
			stats.NewestCreatedAt = sess.CreatedAt
		}
	}

	if data, err := s.kv.Get(ctx, IndexKey); err == nil {
		stats.IndexBytes = int64(len(data))
		stats.UsedBytes += int64(len(data))
	}

	if remaining := s.cfg.TypicalQuota - stats.UsedBytes; remaining > 0 {
		stats.AvailableBytes = remaining
	}

	span.SetAttributes(
		attribute.Int("session_count", stats.SessionCount),
		attribute.Int64("used_bytes", stats.UsedBytes),
	)
	return stats, nil
}

// -----------------------------------------------------------------------------
// Index helpers
// -----------------------------------------------------------------------------

// updateIndex upserts a summary, re-sorts, evicts, and persists.
func (s *Store) updateIndex(ctx context.Context, summary SessionSummary) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	index, err := s.loadIndex(ctx)
	if err != nil {
		return err
	}

	replaced := false
	for i := range index.Summaries {
		if index.Summaries[i].ID == summary.ID {
			index.Summaries[i] = summary
			replaced = true
			break
		}
	}
	if !replaced {
		index.Summaries = append(index.Summaries, summary)
	}

	sortSummaries(index.Summaries)

	if len(index.Summaries) > s.cfg.MaxSessions {
		evicted := index.Summaries[s.cfg.MaxSessions:]
		index.Summaries = index.Summaries[:s.cfg.MaxSessions]
		for _, old := range evicted {
			evictionsTotal.Inc()
			s.logger.Info("evicting session over max-session limit",
				slog.String("session_id", old.ID))
			if err := s.kv.Remove(ctx, SessionKey(old.ID)); err != nil {
				s.logger.Warn("failed to remove evicted session blob",
					slog.String("session_id", old.ID),
					slog.String("error", err.Error()))
			}
		}
	}

	return s.writeIndex(ctx, index)
}

// loadIndex reads the index, tolerating absence and corruption.
//
// Missing index -> empty index. Undecodable index -> empty index with a
// warning; the recovery scanner rebuilds it from blobs when asked. Version
// mismatches are logged and tolerated.
func (s *Store) loadIndex(ctx context.Context) (*StorageIndex, error) {
	data, err := s.kv.Get(ctx, IndexKey)
	if errors.Is(err, storage.ErrKeyNotFound) {
		return &StorageIndex{Version: IndexVersion}, nil
	}
	if err != nil {
		return nil, newError(CodeUnknown, "index", err)
	}

	var index StorageIndex
	if err := json.Unmarshal(data, &index); err != nil {
		s.logger.Warn("index is undecodable, starting fresh",
			slog.String("error", err.Error()))
		return &StorageIndex{Version: IndexVersion}, nil
	}
	if index.Version != IndexVersion {
		s.logger.Warn("index version mismatch",
			slog.Int("found", index.Version),
			slog.Int("expected", IndexVersion))
		index.Version = IndexVersion
	}
	return &index, nil
}

// writeIndex persists the index.
func (s *Store) writeIndex(ctx context.Context, index *StorageIndex) error {
	data, err := json.Marshal(index)
	if err != nil {
		return newError(CodeSerializationError, "index", err)
	}
	if err := s.kv.Set(ctx, IndexKey, data); err != nil {
		if errors.Is(err, storage.ErrQuotaExceeded) {
			return newError(CodeQuotaExceeded, "index", err)
		}
		return newError(CodeUnknown, "index", err)
	}
	return nil
}

// sortSummaries orders by UpdatedAt descending, id as tiebreak.
func sortSummaries(summaries []SessionSummary) {
	sort.SliceStable(summaries, func(i, j int) bool {
		if summaries[i].UpdatedAt.Equal(summaries[j].UpdatedAt) {
			return summaries[i].ID < summaries[j].ID
		}
		return summaries[i].UpdatedAt.After(summaries[j].UpdatedAt)
	})
}
