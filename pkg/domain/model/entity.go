package model

import (
	"strconv"

	"github.com/google/uuid"
	"github.com/m-mizutani/goerr/v2"
	"github.com/secmon-lab/mnemosyne/pkg/domain/types"
)

// EntityID is a UUID-based identifier for Entity
type EntityID string

// NewEntityID generates a new UUID v4 EntityID
func NewEntityID() EntityID {
	return EntityID(uuid.New().String())
}

// Entity is a recognized named thing (person, organization, project,
// concept or location) tracked across mentions. Name is the natural key
// for lookup. Entities are never hard-deleted.
type Entity struct {
	ID             string               `json:"id"`
	Name           string               `json:"name"`
	Type           types.EntityType     `json:"type"`
	Description    string               `json:"description,omitempty"`
	FirstSeenMs    int64                `json:"first_seen_ms"`
	LastSeenMs     int64                `json:"last_seen_ms"`
	MentionCount   int                  `json:"mention_count"`
	RelatedDomains []types.MemoryDomain `json:"related_domains,omitempty"`
	Attributes     map[string]any       `json:"attributes,omitempty"`
	Version        int                  `json:"version"`
	Checksum       string               `json:"checksum"`
}

// RecordMention applies the re-mention update rules: mention count
// increments (monotonically non-decreasing), last seen advances, the
// domain set unions, and a non-empty description refreshes the old one.
func (e *Entity) RecordMention(timestampMs int64, domain types.MemoryDomain, description string) {
	e.MentionCount++
	if timestampMs > e.LastSeenMs {
		e.LastSeenMs = timestampMs
	}
	if domain.IsValid() && !e.HasDomain(domain) {
		e.RelatedDomains = append(e.RelatedDomains, domain)
	}
	if description != "" {
		e.Description = description
	}
	e.Checksum = Checksum(e.Name + "\n" + e.Description)
}

// HasDomain reports whether the entity is already associated with domain
func (e *Entity) HasDomain(domain types.MemoryDomain) bool {
	for _, d := range e.RelatedDomains {
		if d == domain {
			return true
		}
	}
	return false
}

// Kind implements Payload
func (e *Entity) Kind() types.EntityKind { return types.KindEntity }

// DocID implements Payload
func (e *Entity) DocID() string { return e.ID }

// Document returns the text to embed and index
func (e *Entity) Document() string {
	if e.Description == "" {
		return e.Name
	}
	return e.Name + ": " + e.Description
}

// Meta returns the filterable metadata for the vector store
func (e *Entity) Meta() map[string]string {
	m := map[string]string{
		MetaKind:        e.Kind().String(),
		MetaEntityType:  e.Type.String(),
		MetaName:        e.Name,
		MetaTimestampMs: strconv.FormatInt(e.LastSeenMs, 10),
		MetaChecksum:    e.Checksum,
	}
	if len(e.RelatedDomains) > 0 {
		m[MetaDomain] = e.RelatedDomains[0].String()
	}
	return m
}

// Validate checks the record at the store boundary
func (e *Entity) Validate() error {
	if e.ID == "" {
		return goerr.Wrap(ErrInvalidPayload, "entity ID is required")
	}
	if e.Name == "" {
		return goerr.Wrap(ErrInvalidPayload, "entity name is required", goerr.V("id", e.ID))
	}
	if !e.Type.IsValid() {
		return goerr.Wrap(ErrInvalidPayload, "invalid entity type",
			goerr.V("id", e.ID), goerr.V("type", e.Type))
	}
	if e.MentionCount < 0 {
		return goerr.Wrap(ErrInvalidPayload, "mention count must not be negative", goerr.V("id", e.ID))
	}
	if e.Version < 1 {
		return goerr.Wrap(ErrInvalidPayload, "version must be >= 1", goerr.V("id", e.ID))
	}
	return nil
}
