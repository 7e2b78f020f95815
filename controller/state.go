package controller

import (
	"errors"
	"fmt"
)

var ErrInvalidTransition = errors.New("invalid state transition")

// State is the position of the controller within a timestep
type State int

const (
	Idle State = iota
	BoundarySet
	Assembled
	Solved
	Integrated
	StrainUpdated
	Dispatched
	StressAbsorbed
	Converged
	NotConverged
	StepClosed
)

var stateNames = [...]string{
	Idle:           "idle",
	BoundarySet:    "boundary-set",
	Assembled:      "assembled",
	Solved:         "solved",
	Integrated:     "integrated",
	StrainUpdated:  "strain-updated",
	Dispatched:     "dispatched",
	StressAbsorbed: "stress-absorbed",
	Converged:      "converged",
	NotConverged:   "not-converged",
	StepClosed:     "step-closed",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int(s))
	}
	return stateNames[s]
}

// expect fails with ErrInvalidTransition unless the controller is in one
// of the allowed states
func (c *Controller) expect(op string, allowed ...State) error {
	for _, s := range allowed {
		if c.state == s {
			return nil
		}
	}
	return fmt.Errorf("%s in state %s (want %v): %w", op, c.state, allowed, ErrInvalidTransition)
}
