package model

import (
	"strconv"

	"github.com/google/uuid"
	"github.com/m-mizutani/goerr/v2"
	"github.com/secmon-lab/mnemosyne/pkg/domain/types"
)

// DecisionRecordID is a UUID-based identifier for DecisionRecord
type DecisionRecordID string

// NewDecisionRecordID generates a new UUID v4 DecisionRecordID
func NewDecisionRecordID() DecisionRecordID {
	return DecisionRecordID(uuid.New().String())
}

// DecisionRecord captures a completed task or explicit decision. Pushed to
// the cloud mirror immediately on task:completed, best effort.
type DecisionRecord struct {
	ID              string             `json:"id"`
	Text            string             `json:"text"`
	SessionID       string             `json:"session_id,omitempty"`
	Domain          types.MemoryDomain `json:"domain"`
	TimestampMs     int64              `json:"timestamp_ms"`
	ImportanceScore float64            `json:"importance_score"`
	Version         int                `json:"version"`
	Checksum        string             `json:"checksum"`
}

// Kind implements Payload
func (d *DecisionRecord) Kind() types.EntityKind { return types.KindDecision }

// DocID implements Payload
func (d *DecisionRecord) DocID() string { return d.ID }

// Document returns the text to embed and index
func (d *DecisionRecord) Document() string { return d.Text }

// Meta returns the filterable metadata for the vector store
func (d *DecisionRecord) Meta() map[string]string {
	return map[string]string{
		MetaKind:        d.Kind().String(),
		MetaDomain:      d.Domain.String(),
		MetaSessionID:   d.SessionID,
		MetaTimestampMs: strconv.FormatInt(d.TimestampMs, 10),
		MetaImportance:  strconv.FormatFloat(d.ImportanceScore, 'f', -1, 64),
		MetaChecksum:    d.Checksum,
	}
}

// Validate checks the record at the store boundary
func (d *DecisionRecord) Validate() error {
	if d.ID == "" {
		return goerr.Wrap(ErrInvalidPayload, "decision record ID is required")
	}
	if d.Text == "" {
		return goerr.Wrap(ErrInvalidPayload, "decision text is required", goerr.V("id", d.ID))
	}
	if d.Version < 1 {
		return goerr.Wrap(ErrInvalidPayload, "version must be >= 1", goerr.V("id", d.ID))
	}
	return nil
}
