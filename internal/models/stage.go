package models

// Stage is a SPIN sales-funnel phase.
//
// Any stage may follow any other: the stored stage always reflects the most recent
// classification and no progression order is enforced.
type Stage string

const (
	// StageSituation covers situational questions.
	StageSituation Stage = "S"
	// StageProblem covers problem questions.
	StageProblem Stage = "P"
	// StageImplication covers implication questions.
	StageImplication Stage = "I"
	// StageNeedPayoff covers need-payoff questions.
	StageNeedPayoff Stage = "N"
)

// DefaultStage is assumed for clients without a stored stage.
const DefaultStage = StageSituation

// IsValidStage checks if the given stage is one of S, P, I, N.
func IsValidStage(s Stage) bool {
	switch s {
	case StageSituation, StageProblem, StageImplication, StageNeedPayoff:
		return true
	default:
		return false
	}
}

// ParseStage converts a stored or user-supplied letter into a Stage.
func ParseStage(s string) (Stage, error) {
	st := Stage(s)
	if !IsValidStage(st) {
		return "", ErrInvalidStage
	}
	return st, nil
}

// Label returns the human-readable description of the stage.
// Unknown values are described as the default stage.
func (s Stage) Label() string {
	switch s {
	case StageProblem:
		return "P - Problem (problem questions)"
	case StageImplication:
		return "I - Implication (implication questions)"
	case StageNeedPayoff:
		return "N - Need-Payoff (value questions)"
	default:
		return "S - Situation (situational questions)"
	}
}
