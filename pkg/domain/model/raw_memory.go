package model

import (
	"strconv"

	"github.com/google/uuid"
	"github.com/m-mizutani/goerr/v2"
	"github.com/secmon-lab/mnemosyne/pkg/domain/types"
)

// RawMemoryID is a UUID-based identifier for RawMemory
type RawMemoryID string

// NewRawMemoryID generates a new UUID v4 RawMemoryID
func NewRawMemoryID() RawMemoryID {
	return RawMemoryID(uuid.New().String())
}

// RawMemory is verbatim captured text, the smallest persisted memory
// record. Created on every substantive exchange; mutated only to flip
// Compacted after a compaction pass folds it in; deleted only by decay.
type RawMemory struct {
	ID              string             `json:"id"`
	Text            string             `json:"text"`
	SessionID       string             `json:"session_id"`
	TimestampMs     int64              `json:"timestamp_ms"`
	Source          types.MemorySource `json:"source"`
	Domain          types.MemoryDomain `json:"domain"`
	Entities        []string           `json:"entities,omitempty"`
	ImportanceScore float64            `json:"importance_score"`
	Compacted       bool               `json:"compacted"`
	Version         int                `json:"version"`
	Checksum        string             `json:"checksum"`
}

// Kind implements Payload
func (m *RawMemory) Kind() types.EntityKind { return types.KindRawMemory }

// DocID implements Payload
func (m *RawMemory) DocID() string { return m.ID }

// Document returns the text to embed and index
func (m *RawMemory) Document() string { return m.Text }

// Meta returns the filterable metadata for the vector store
func (m *RawMemory) Meta() map[string]string {
	return map[string]string{
		MetaKind:        m.Kind().String(),
		MetaDomain:      m.Domain.String(),
		MetaSessionID:   m.SessionID,
		MetaSource:      m.Source.String(),
		MetaTimestampMs: strconv.FormatInt(m.TimestampMs, 10),
		MetaImportance:  strconv.FormatFloat(m.ImportanceScore, 'f', -1, 64),
		MetaChecksum:    m.Checksum,
		MetaCompacted:   strconv.FormatBool(m.Compacted),
	}
}

// Validate checks the record at the store boundary
func (m *RawMemory) Validate() error {
	if m.ID == "" {
		return goerr.Wrap(ErrInvalidPayload, "raw memory ID is required")
	}
	if m.Text == "" {
		return goerr.Wrap(ErrInvalidPayload, "raw memory text is required", goerr.V("id", m.ID))
	}
	if !m.Domain.IsValid() {
		return goerr.Wrap(ErrInvalidPayload, "invalid raw memory domain",
			goerr.V("id", m.ID), goerr.V("domain", m.Domain))
	}
	if m.ImportanceScore < 0 || m.ImportanceScore > 1 {
		return goerr.Wrap(ErrInvalidPayload, "importance score out of range",
			goerr.V("id", m.ID), goerr.V("importance", m.ImportanceScore))
	}
	if m.Version < 1 {
		return goerr.Wrap(ErrInvalidPayload, "version must be >= 1", goerr.V("id", m.ID))
	}
	return nil
}
