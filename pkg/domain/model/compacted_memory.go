package model

import (
	"strconv"

	"github.com/google/uuid"
	"github.com/m-mizutani/goerr/v2"
	"github.com/secmon-lab/mnemosyne/pkg/domain/types"
)

// CompactedMemoryID is a UUID-based identifier for CompactedMemory
type CompactedMemoryID string

// NewCompactedMemoryID generates a new UUID v4 CompactedMemoryID
func NewCompactedMemoryID() CompactedMemoryID {
	return CompactedMemoryID(uuid.New().String())
}

// CompactedMemory is an LLM-produced summary of a batch of raw memories.
// Created by the compactor; mutated by consolidation (merge) and by the
// sync engine (SyncStatus). Summary text is immutable once synced unless
// the record is merged.
type CompactedMemory struct {
	ID               string             `json:"id"`
	Summary          string             `json:"summary"`
	SourceSessionIDs []string           `json:"source_session_ids"`
	SourceCount      int                `json:"source_count"`
	TimestampMs      int64              `json:"timestamp_ms"`
	TimeRangeStartMs int64              `json:"time_range_start_ms"`
	TimeRangeEndMs   int64              `json:"time_range_end_ms"`
	Domain           types.MemoryDomain `json:"domain"`
	KeyEntities      []string           `json:"key_entities,omitempty"`
	KeyDecisions     []string           `json:"key_decisions,omitempty"`
	KeyFacts         []string           `json:"key_facts,omitempty"`
	ActionItems      []string           `json:"action_items,omitempty"`
	Tone             string             `json:"tone,omitempty"`
	ImportanceScore  float64            `json:"importance_score"`
	CompactionModel  string             `json:"compaction_model,omitempty"`
	Version          int                `json:"version"`
	SyncStatus       types.SyncStatus   `json:"sync_status"`
	Checksum         string             `json:"checksum"`
}

// Kind implements Payload
func (m *CompactedMemory) Kind() types.EntityKind { return types.KindCompactedMemory }

// DocID implements Payload
func (m *CompactedMemory) DocID() string { return m.ID }

// Document returns the text to embed and index
func (m *CompactedMemory) Document() string { return m.Summary }

// Meta returns the filterable metadata for the vector store
func (m *CompactedMemory) Meta() map[string]string {
	return map[string]string{
		MetaKind:        m.Kind().String(),
		MetaDomain:      m.Domain.String(),
		MetaTimestampMs: strconv.FormatInt(m.TimestampMs, 10),
		MetaImportance:  strconv.FormatFloat(m.ImportanceScore, 'f', -1, 64),
		MetaChecksum:    m.Checksum,
		MetaSyncStatus:  string(m.SyncStatus),
	}
}

// Validate checks the record at the store boundary
func (m *CompactedMemory) Validate() error {
	if m.ID == "" {
		return goerr.Wrap(ErrInvalidPayload, "compacted memory ID is required")
	}
	if m.Summary == "" {
		return goerr.Wrap(ErrInvalidPayload, "summary is required", goerr.V("id", m.ID))
	}
	if !m.Domain.IsValid() {
		return goerr.Wrap(ErrInvalidPayload, "invalid compacted memory domain",
			goerr.V("id", m.ID), goerr.V("domain", m.Domain))
	}
	if m.Version < 1 {
		return goerr.Wrap(ErrInvalidPayload, "version must be >= 1", goerr.V("id", m.ID))
	}
	if m.SyncStatus != "" && !m.SyncStatus.IsValid() {
		return goerr.Wrap(ErrInvalidPayload, "invalid sync status",
			goerr.V("id", m.ID), goerr.V("syncStatus", m.SyncStatus))
	}
	return nil
}
