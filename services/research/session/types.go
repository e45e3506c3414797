// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package session implements the durable research session store: key-value
// persistence of session blobs plus a derived summary index, quota and
// eviction policy, and corruption recovery.
//
// Persistence model:
//
//	research_session_<id>  -> JSON Session blob
//	research_index         -> JSON StorageIndex{version, summaries}
//
// The index is a pure derivation of the blobs. Every mutation keeps it
// sorted by UpdatedAt descending and bounded by MaxSessions; List removes
// summaries whose blob has vanished (self-healing read); the recovery
// scanner can rebuild it from blobs alone.
package session

import (
	"time"
)

// Storage keys and limits.
const (
	// SessionKeyPrefix scopes session blobs in the underlying store.
	SessionKeyPrefix = "research_session_"

	// IndexKey is the fixed key of the summary index. It must not share
	// SessionKeyPrefix: prefix scans over the blobs (List, Stats, the
	// recovery scanner) would otherwise pick up the index itself, and a
	// session literally named "index" would overwrite it.
	IndexKey = "research_index"

	// IndexVersion is the current index schema version. A mismatch on
	// load is logged but tolerated; there is no migration logic yet.
	IndexVersion = 1

	// PreviewMaxLen bounds the hypothesis preview in a summary.
	PreviewMaxLen = 100

	// DefaultConfidence is used when a session has no primary hypothesis.
	DefaultConfidence = 50
)

// SessionKey returns the blob key for a session id.
func SessionKey(id string) string {
	return SessionKeyPrefix + id
}

// Phase is the enumerated workflow state of a research session.
type Phase string

const (
	PhaseExploring     Phase = "exploring"
	PhaseHypothesizing Phase = "hypothesizing"
	PhaseValidating    Phase = "validating"
	PhaseConcluding    Phase = "concluding"
)

// Valid reports whether p is a known phase.
func (p Phase) Valid() bool {
	switch p {
	case PhaseExploring, PhaseHypothesizing, PhaseValidating, PhaseConcluding:
		return true
	default:
		return false
	}
}

// HypothesisCard is a single hypothesis tracked within a session.
type HypothesisCard struct {
	ID         string    `json:"id"`
	Statement  string    `json:"statement"`
	Confidence int       `json:"confidence"`
	Evidence   []string  `json:"evidence,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// Session is the full persisted research record.
//
// Description:
//
//	Owned exclusively by the store. Mutated only through Save, which
//	always stamps a fresh UpdatedAt. ID and Phase are mandatory; a blob
//	missing either is treated as corrupted on load.
type Session struct {
	ID                  string                     `json:"id" validate:"required"`
	Phase               Phase                      `json:"phase" validate:"required"`
	Hypotheses          map[string]*HypothesisCard `json:"hypotheses,omitempty"`
	PrimaryHypothesisID string                     `json:"primaryHypothesisId,omitempty"`
	ResearchQuestion    string                     `json:"researchQuestion,omitempty"`
	Theme               string                     `json:"theme,omitempty"`
	CreatedAt           time.Time                  `json:"createdAt"`
	UpdatedAt           time.Time                  `json:"updatedAt"`
}

// PrimaryHypothesis returns the designated primary card, or nil.
func (s *Session) PrimaryHypothesis() *HypothesisCard {
	if s.PrimaryHypothesisID == "" {
		return nil
	}
	return s.Hypotheses[s.PrimaryHypothesisID]
}

// SessionSummary is the derived, size-bounded projection of a Session kept
// in the index for list views. Computed deterministically by SummaryOf,
// never hand-edited.
type SessionSummary struct {
	ID                string    `json:"id"`
	HypothesisPreview string    `json:"hypothesisPreview"`
	Phase             Phase     `json:"phase"`
	Confidence        int       `json:"confidence"`
	ResearchQuestion  string    `json:"researchQuestion,omitempty"`
	Theme             string    `json:"theme,omitempty"`
	CreatedAt         time.Time `json:"createdAt"`
	UpdatedAt         time.Time `json:"updatedAt"`
}

// StorageIndex is the single record listing all summaries.
type StorageIndex struct {
	Version   int              `json:"version"`
	Summaries []SessionSummary `json:"summaries"`
}

// SummaryOf derives the list-view projection of a session.
//
// Description:
//
//	The preview and confidence come from the primary hypothesis; a
//	session without one gets an empty preview and DefaultConfidence.
//	Previews longer than PreviewMaxLen characters are truncated with an
//	ellipsis.
func SummaryOf(s *Session) SessionSummary {
	summary := SessionSummary{
		ID:               s.ID,
		Phase:            s.Phase,
		Confidence:       DefaultConfidence,
		ResearchQuestion: s.ResearchQuestion,
		Theme:            s.Theme,
		CreatedAt:        s.CreatedAt,
		UpdatedAt:        s.UpdatedAt,
	}
	if primary := s.PrimaryHypothesis(); primary != nil {
		summary.HypothesisPreview = truncate(primary.Statement, PreviewMaxLen)
		summary.Confidence = primary.Confidence
	}
	return summary
}

// truncate shortens s to at most max characters, ellipsized.
func truncate(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max-3]) + "..."
}
