package types

import "fmt"

// EntityKind identifies which class of record a ledger entry or vector
// payload describes. Each kind maps to exactly one collection.
type EntityKind string

const (
	KindRawMemory       EntityKind = "raw_memory"
	KindCompactedMemory EntityKind = "compacted_memory"
	KindEntity          EntityKind = "entity"
	KindDecision        EntityKind = "decision"
)

// AllEntityKinds returns all valid entity kinds
func AllEntityKinds() []EntityKind {
	return []EntityKind{
		KindRawMemory,
		KindCompactedMemory,
		KindEntity,
		KindDecision,
	}
}

// IsValid checks if the entity kind is valid
func (k EntityKind) IsValid() bool {
	switch k {
	case KindRawMemory, KindCompactedMemory, KindEntity, KindDecision:
		return true
	default:
		return false
	}
}

// Collection returns the vector store collection holding this kind
func (k EntityKind) Collection() Collection {
	switch k {
	case KindRawMemory:
		return CollectionRawMemories
	case KindCompactedMemory:
		return CollectionCompactedMemories
	case KindEntity:
		return CollectionEntities
	case KindDecision:
		return CollectionDecisions
	default:
		return Collection(k)
	}
}

// String returns the string representation of the entity kind
func (k EntityKind) String() string {
	return string(k)
}

// ParseEntityKind parses a string into an EntityKind
func ParseEntityKind(s string) (EntityKind, error) {
	k := EntityKind(s)
	if !k.IsValid() {
		return "", fmt.Errorf("invalid entity kind: %s", s)
	}
	return k, nil
}
