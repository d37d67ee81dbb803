package types

// RescueKind names the independent extraction passes run before compaction
type RescueKind string

const (
	RescueFact     RescueKind = "fact"
	RescueDecision RescueKind = "decision"
	RescueSkill    RescueKind = "skill"
)

// AllRescueKinds returns the extraction passes in execution order
func AllRescueKinds() []RescueKind {
	return []RescueKind{RescueFact, RescueDecision, RescueSkill}
}

// Tag returns the text prefix applied to rescued raw memories
func (k RescueKind) Tag() string {
	switch k {
	case RescueFact:
		return "RESCUED:FACT"
	case RescueDecision:
		return "RESCUED:DECISION"
	case RescueSkill:
		return "RESCUED:SKILL"
	default:
		return "RESCUED"
	}
}
