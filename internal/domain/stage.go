package domain

import "fmt"

// Stage is one step of the fixed audit pipeline
type Stage string

const (
	StagePlanning      Stage = "planning"
	StageNavigating    Stage = "navigating"
	StageInvestigating Stage = "investigating"
	StageJudging       Stage = "judging"
	StageRemediating   Stage = "remediating"
	StageDone          Stage = "done"
)

// StageOrder is the fixed execution order. StageDone is not a stage that runs.
var StageOrder = []Stage{
	StagePlanning,
	StageNavigating,
	StageInvestigating,
	StageJudging,
	StageRemediating,
}

// Index returns the position of s in StageOrder, or -1.
func (s Stage) Index() int {
	for i, st := range StageOrder {
		if st == s {
			return i
		}
	}
	if s == StageDone {
		return len(StageOrder)
	}
	return -1
}

// ParseStage converts a stored value into a Stage
func ParseStage(v string) (Stage, error) {
	s := Stage(v)
	if s.Index() < 0 {
		return "", fmt.Errorf("%w: %s", ErrInvalidStage, v)
	}
	return s, nil
}

// NextStage returns the stage following a completed prefix, or StageDone.
func NextStage(completed []Stage) Stage {
	if len(completed) >= len(StageOrder) {
		return StageDone
	}
	return StageOrder[len(completed)]
}

// ValidateStepsPrefix checks that steps is a prefix of StageOrder.
func ValidateStepsPrefix(steps []Stage) error {
	if len(steps) > len(StageOrder) {
		return fmt.Errorf("%w: %d steps completed, pipeline has %d", ErrStageOutOfOrder, len(steps), len(StageOrder))
	}
	for i, s := range steps {
		if StageOrder[i] != s {
			return fmt.Errorf("%w: position %d is %s, expected %s", ErrStageOutOfOrder, i, s, StageOrder[i])
		}
	}
	return nil
}
