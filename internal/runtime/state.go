package runtime

import (
	"errors"
	"fmt"
)

// State is the lifecycle state of a pea.
type State string

const (
	StateSpawning State = "SPAWNING"
	StateReady    State = "READY"
	StateServing  State = "SERVING"
	StateClosing  State = "CLOSING"
	StateClosed   State = "CLOSED"
	StateFailed   State = "FAILED"
)

var ErrInvalidTransition = errors.New("invalid state transition")

// transitions lists the states reachable from each state. FAILED and
// CLOSED are absorbing.
var transitions = map[State][]State{
	StateSpawning: {StateReady, StateClosing, StateFailed},
	StateReady:    {StateServing, StateClosing, StateFailed},
	StateServing:  {StateClosing, StateFailed},
	StateClosing:  {StateClosed, StateFailed},
}

// CanTransition reports whether from -> to is a valid lifecycle step.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func transitionErr(from, to State) error {
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}

// Live reports whether a pea in state s answers probes successfully.
func (s State) Live() bool {
	return s == StateReady || s == StateServing
}
