package model

import (
	"encoding/json"

	"github.com/m-mizutani/goerr/v2"
	"github.com/secmon-lab/mnemosyne/pkg/domain/types"
)

// Metadata keys shared between the local index and the cloud mirror.
// Values are strings so they can be pushed down as equality filters.
const (
	MetaKind        = "kind"
	MetaDomain      = "domain"
	MetaSessionID   = "session_id"
	MetaSource      = "source"
	MetaTimestampMs = "timestamp_ms"
	MetaImportance  = "importance"
	MetaChecksum    = "checksum"
	MetaCompacted   = "compacted"
	MetaSyncStatus  = "sync_status"
	MetaEntityType  = "entity_type"
	MetaName        = "name"
)

// Payload is the tagged union of records stored in vector collections.
// Each collection holds exactly one kind, validated at the store boundary.
type Payload interface {
	Kind() types.EntityKind
	DocID() string

	// Document returns the text representation used for embedding and
	// context formatting.
	Document() string

	// Meta returns string metadata pushed down as pre-filters.
	Meta() map[string]string

	Validate() error
}

// EncodePayload serializes a payload for storage after validating it
func EncodePayload(p Payload) ([]byte, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to marshal payload",
			goerr.V("kind", p.Kind()), goerr.V("id", p.DocID()))
	}
	return data, nil
}

// DecodePayload deserializes and validates a stored payload. The kind is
// derived from the collection, never trusted from the data itself.
func DecodePayload(kind types.EntityKind, data []byte) (Payload, error) {
	var p Payload
	switch kind {
	case types.KindRawMemory:
		p = &RawMemory{}
	case types.KindCompactedMemory:
		p = &CompactedMemory{}
	case types.KindEntity:
		p = &Entity{}
	case types.KindDecision:
		p = &DecisionRecord{}
	default:
		return nil, goerr.Wrap(ErrInvalidPayload, "unknown entity kind", goerr.V("kind", kind))
	}

	if err := json.Unmarshal(data, p); err != nil {
		return nil, goerr.Wrap(err, "failed to unmarshal payload", goerr.V("kind", kind))
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// PayloadToMap converts a payload to a generic map, the form the conflict
// resolver and the cloud mirror operate on.
func PayloadToMap(p Payload) (map[string]any, error) {
	data, err := EncodePayload(p)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, goerr.Wrap(err, "failed to convert payload to map", goerr.V("kind", p.Kind()))
	}
	return m, nil
}

// PayloadFromMap rebuilds a typed payload from its generic map form
func PayloadFromMap(kind types.EntityKind, m map[string]any) (Payload, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to marshal payload map", goerr.V("kind", kind))
	}
	return DecodePayload(kind, data)
}
