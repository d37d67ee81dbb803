package model

import "github.com/secmon-lab/mnemosyne/pkg/domain/types"

// SyncEvent is a transient domain notification. Not persisted: either
// dispatched immediately or held in the event bus offline buffer.
type SyncEvent struct {
	Type        types.EventType
	EntityID    string
	Kind        types.EntityKind
	TimestampMs int64
	Payload     Payload
}
