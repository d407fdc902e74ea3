package shell

import (
	"errors"
	"fmt"
)

// State is the lifecycle state of a shell session.
type State int

const (
	StateConnecting State = iota
	StateReady
	StateShellOpen
	StateClosed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	case StateShellOpen:
		return "shell_open"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Terminal reports whether no further operations are valid.
func (s State) Terminal() bool {
	return s == StateClosed || s == StateFailed
}

// ErrInvalidTransition is returned when a state change is not in the
// transition table.
var ErrInvalidTransition = errors.New("invalid state transition")

var transitions = map[State][]State{
	StateConnecting: {StateReady, StateFailed, StateClosed},
	StateReady:      {StateShellOpen, StateFailed, StateClosed},
	StateShellOpen:  {StateClosed},
}

// CanTransition reports whether from -> to is allowed.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func transition(from, to State) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}
