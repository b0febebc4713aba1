package batch

import (
	"errors"
	"fmt"
)

// State is a coordinator lifecycle state.
type State int

const (
	Idle State = iota
	Dispatching
	WaitingForItem
	Converting
	Staged
	Finalizing
	Compressing
	Done
	Errored
)

var stateNames = [...]string{
	Idle:           "idle",
	Dispatching:    "dispatching",
	WaitingForItem: "waiting_for_item",
	Converting:     "converting",
	Staged:         "staged",
	Finalizing:     "finalizing",
	Compressing:    "compressing",
	Done:           "done",
	Errored:        "errored",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int(s))
	}
	return stateNames[s]
}

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool {
	return s == Done || s == Errored
}

// ErrInvalidTransition is returned for a transition the lifecycle forbids.
var ErrInvalidTransition = errors.New("batch: invalid state transition")

// transitions lists the legal successors of each state.
//
//	Idle → Dispatching → (WaitingForItem → Converting → Staged)* → Finalizing → Compressing → Done
//
// Errored is reachable from every non-terminal state past Idle. Finalizing is
// entered from Dispatching when the batch is empty.
var transitions = map[State][]State{
	Idle:           {Dispatching},
	Dispatching:    {WaitingForItem, Finalizing, Errored},
	WaitingForItem: {Converting, Errored},
	Converting:     {Staged, Errored},
	Staged:         {WaitingForItem, Finalizing, Errored},
	Finalizing:     {Compressing, Errored},
	Compressing:    {Done, Errored},
}

// CanTransition reports whether from → to is legal.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// TransitionError records a rejected transition.
type TransitionError struct {
	From, To State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("batch: cannot move from %s to %s", e.From, e.To)
}

func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}
