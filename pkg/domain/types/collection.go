package types

// Collection names a vector store collection. One collection per memory
// kind, both in the local index and in the cloud mirror.
type Collection string

const (
	CollectionRawMemories       Collection = "raw_memories"
	CollectionCompactedMemories Collection = "compacted_memories"
	CollectionEntities          Collection = "entities"
	CollectionDecisions         Collection = "decisions"
)

// AllCollections returns all collections managed by the local index
func AllCollections() []Collection {
	return []Collection{
		CollectionRawMemories,
		CollectionCompactedMemories,
		CollectionEntities,
		CollectionDecisions,
	}
}

// MirrorCollections returns the subset of collections replicated to the
// cloud mirror. Raw memories stay local only.
func MirrorCollections() []Collection {
	return []Collection{
		CollectionCompactedMemories,
		CollectionEntities,
		CollectionDecisions,
	}
}

// Kind returns the entity kind stored in this collection
func (c Collection) Kind() EntityKind {
	switch c {
	case CollectionRawMemories:
		return KindRawMemory
	case CollectionCompactedMemories:
		return KindCompactedMemory
	case CollectionEntities:
		return KindEntity
	case CollectionDecisions:
		return KindDecision
	default:
		return EntityKind(c)
	}
}

// String returns the string representation of the collection
func (c Collection) String() string {
	return string(c)
}
