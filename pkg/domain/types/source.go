package types

// MemorySource identifies where a memory entered the system
type MemorySource string

const (
	SourceConversation MemorySource = "conversation"
	SourceObservation  MemorySource = "observation"
	SourceMobileInput  MemorySource = "mobile_input"

	// SourceMerged marks records produced by the conflict resolver's
	// shallow-merge rule for mobile-originated cloud edits.
	SourceMerged MemorySource = "merged"
)

// IsValid checks if the memory source is valid
func (s MemorySource) IsValid() bool {
	switch s {
	case SourceConversation, SourceObservation, SourceMobileInput, SourceMerged:
		return true
	default:
		return false
	}
}

// String returns the string representation of the memory source
func (s MemorySource) String() string {
	return string(s)
}
