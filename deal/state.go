package deal

import "fmt"

// State is the phase of a deal. The numeric values are part of the external
// interface and must not be reordered.
type State uint8

const (
	StateInit State = iota
	StatePhaseOneOpened
	StatePhaseOneCompleted
	StatePhaseTwoOpened
	StatePhaseTwoCompleted
	StateRepoHalted
)

var stateNames = [...]string{
	StateInit:              "Init",
	StatePhaseOneOpened:    "PhaseOneOpened",
	StatePhaseOneCompleted: "PhaseOneCompleted",
	StatePhaseTwoOpened:    "PhaseTwoOpened",
	StatePhaseTwoCompleted: "PhaseTwoCompleted",
	StateRepoHalted:        "RepoHalted",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", uint8(s))
}

func (s State) Valid() bool {
	return int(s) < len(stateNames)
}

// ParseState accepts a state name as produced by String.
func ParseState(name string) (State, error) {
	for i, n := range stateNames {
		if n == name {
			return State(i), nil
		}
	}
	return 0, fmt.Errorf("deal: unknown state %q", name)
}

// transitions lists every legal edge of the state machine.
var transitions = map[State][]State{
	StateInit:              {StatePhaseOneOpened},
	StatePhaseOneOpened:    {StatePhaseOneCompleted, StateRepoHalted},
	StatePhaseOneCompleted: {StatePhaseTwoOpened},
	StatePhaseTwoOpened:    {StatePhaseTwoCompleted, StateRepoHalted},
}

func (s State) CanTransition(to State) bool {
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return len(transitions[s]) == 0
}

// Polling reports whether PollTimeout is legal in s.
func (s State) Polling() bool {
	switch s {
	case StatePhaseOneOpened, StatePhaseOneCompleted, StatePhaseTwoOpened:
		return true
	default:
		return false
	}
}

// Terminable reports whether Terminate is legal in s.
func (s State) Terminable() bool {
	switch s {
	case StateInit, StatePhaseTwoCompleted, StateRepoHalted:
		return true
	default:
		return false
	}
}

// AcceptsFunds reports whether the receive handler takes value in s.
func (s State) AcceptsFunds() bool {
	return s == StateInit || s == StatePhaseTwoOpened
}
