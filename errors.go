package kflow

import (
	"errors"
	"fmt"

	"github.com/birdayz/kflow/internal/execution"
	"github.com/birdayz/kflow/kdag"
	"github.com/birdayz/kflow/kdoc"
	"github.com/birdayz/kflow/kprobe"
)

var (
	// ErrTimeout is returned when a call or probe exceeded its bound. A unit
	// that times out may still be alive, see ErrUnreachable for the other
	// case.
	ErrTimeout = errors.New("kflow: timed out")
	// ErrUnreachable is returned by DryRun for units that did not answer.
	ErrUnreachable = kprobe.ErrUnreachable

	ErrNotBuilt     = errors.New("kflow: flow is not built")
	ErrAlreadyBuilt = errors.New("kflow: flow is already built")
)

// TopologyError is returned for graphs that fail validation.
type TopologyError = kdag.TopologyError

// SpawnError reports a unit that could not be started. Build tears down
// everything it started before returning it.
type SpawnError = execution.SpawnError

// StageError is a stage implementation that failed while processing a call.
type StageError struct {
	Stage string
	Unit  string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s (%s): %v", e.Stage, e.Unit, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// RoutingError is a hop that could not be delivered during a call.
type RoutingError struct {
	Stage string
	Unit  string
	Err   error
}

func (e *RoutingError) Error() string {
	return fmt.Sprintf("routing from %s (%s): %v", e.Stage, e.Unit, e.Err)
}

func (e *RoutingError) Unwrap() error {
	return e.Err
}

// ReductionError carries a failed merge of shard results back to the caller.
type ReductionError struct {
	Stage string
	Unit  string
	Err   error
}

func (e *ReductionError) Error() string {
	return fmt.Sprintf("reduce %s (%s): %v", e.Stage, e.Unit, e.Err)
}

func (e *ReductionError) Unwrap() error {
	return e.Err
}

// DryRunError names the first unit that is not able to take traffic.
type DryRunError struct {
	Unit  string
	State string
	Err   error
}

func (e *DryRunError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("dry run: %s is %s", e.Unit, e.State)
	}
	return fmt.Sprintf("dry run: %s is %s: %v", e.Unit, e.State, e.Err)
}

func (e *DryRunError) Unwrap() error {
	return e.Err
}

// Is lets a probe timeout match ErrTimeout.
func (e *DryRunError) Is(target error) bool {
	return target == ErrTimeout && errors.Is(e.Err, kprobe.ErrTimeout)
}

// failureErr converts a failure carried by a response envelope.
func failureErr(f *kdoc.Failure) error {
	err := errors.New(f.Message)
	switch f.Kind {
	case kdoc.FailureRouting:
		return &RoutingError{Stage: f.Stage, Unit: f.Unit, Err: err}
	case kdoc.FailureReduction:
		return &ReductionError{Stage: f.Stage, Unit: f.Unit, Err: err}
	default:
		return &StageError{Stage: f.Stage, Unit: f.Unit, Err: err}
	}
}
