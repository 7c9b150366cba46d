package kdag

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for common failure cases.
var (
	ErrDuplicateStage   = errors.New("duplicate stage")
	ErrUnresolvedNeed   = errors.New("unresolved need")
	ErrCyclicTopology   = errors.New("cyclic topology")
	ErrUnknownStageKind = errors.New("unknown stage kind")
	ErrInvalidNodeID    = errors.New("invalid node ID")
	ErrInvalidSpec      = errors.New("invalid stage spec")
	ErrInvalidTopology  = errors.New("invalid topology")
)

// TopologyError is returned for any topology that fails validation.
type TopologyError struct {
	// Stage is the offending stage, empty when the error concerns the whole
	// graph.
	Stage string
	Err   error
}

func (e *TopologyError) Error() string {
	if e.Stage == "" {
		return "topology: " + e.Err.Error()
	}
	return fmt.Sprintf("topology: stage %q: %v", e.Stage, e.Err)
}

func (e *TopologyError) Unwrap() error {
	return e.Err
}

// CycleError names the offending cycle. It matches ErrCyclicTopology.
type CycleError struct {
	Cycle []NodeID
}

func (e *CycleError) Error() string {
	parts := make([]string, len(e.Cycle))
	for i, id := range e.Cycle {
		parts[i] = string(id)
	}
	return fmt.Sprintf("%v: %s", ErrCyclicTopology, strings.Join(parts, " -> "))
}

func (e *CycleError) Unwrap() error {
	return ErrCyclicTopology
}

func topologyErr(stage NodeID, err error) error {
	return &TopologyError{Stage: string(stage), Err: err}
}
