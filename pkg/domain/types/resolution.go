package types

// ResolutionAction is the outcome of conflict resolution. Every detected
// conflict resolves to exactly one of these; there is no unresolved state.
type ResolutionAction string

const (
	ResolutionKeepLocal      ResolutionAction = "keep_local"
	ResolutionKeepCloud      ResolutionAction = "keep_cloud"
	ResolutionMerge          ResolutionAction = "merge"
	ResolutionOverwriteCloud ResolutionAction = "overwrite_cloud"
)

// IsValid checks if the resolution action is valid
func (a ResolutionAction) IsValid() bool {
	switch a {
	case ResolutionKeepLocal, ResolutionKeepCloud, ResolutionMerge, ResolutionOverwriteCloud:
		return true
	default:
		return false
	}
}
