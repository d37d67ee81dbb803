package types

// EventType names the domain events flowing through the event bus
type EventType string

const (
	EventMemoryCompacted      EventType = "memory:compacted"
	EventEntityUpdated        EventType = "memory:entity_updated"
	EventTaskCompleted        EventType = "task:completed"
	EventConnectivityRestored EventType = "sync:connectivity_restored"
)

// String returns the string representation of the event type
func (t EventType) String() string {
	return string(t)
}
