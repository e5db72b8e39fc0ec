package procurement

import (
	"fmt"
)

// Transition names an operation that mutates a purchase order.
type Transition string

const (
	TransitionCreate   Transition = "create"
	TransitionUpdate   Transition = "update"
	TransitionApprove  Transition = "approve"
	TransitionDispatch Transition = "dispatch"
	TransitionReceive  Transition = "receive"
	TransitionDelete   Transition = "delete"
	TransitionPay      Transition = "pay"
)

// requiredStage is the single transition table. Create has no source stage.
var requiredStage = map[Transition]Stage{
	TransitionUpdate:   StagePending,
	TransitionApprove:  StagePending,
	TransitionDispatch: StageApproved,
	TransitionReceive:  StageDispatched,
	TransitionDelete:   StagePending,
	TransitionPay:      StageReceived,
}

// StageViolationError reports a transition attempted from the wrong stage.
type StageViolationError struct {
	Transition Transition
	Current    Stage
	Required   Stage
}

func (e *StageViolationError) Error() string {
	return fmt.Sprintf("procurement: cannot %s purchase order in stage %s; it must be %s", e.Transition, e.Current, e.Required)
}

// Is matches ErrStageViolation.
func (e *StageViolationError) Is(target error) bool {
	return target == ErrStageViolation
}

// Guard rejects transition unless current is the stage it requires.
func Guard(transition Transition, current Stage) error {
	if transition == TransitionCreate {
		return nil
	}
	required, ok := requiredStage[transition]
	if !ok {
		return fmt.Errorf("procurement: unknown transition %q", transition)
	}
	if current != required {
		return &StageViolationError{Transition: transition, Current: current, Required: required}
	}
	return nil
}
