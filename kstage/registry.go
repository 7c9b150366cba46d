package kstage

import (
	"errors"
	"fmt"
	"slices"
	"sync"
)

var (
	ErrUnknownKind    = errors.New("unknown kind")
	ErrKindRegistered = errors.New("kind already registered")
)

// StageFactory creates a stage instance from its parameters.
type StageFactory func(Params) (Stage, error)

// ReducerFactory creates a reducer instance from its parameters.
type ReducerFactory func(Params) (Reducer, error)

// Registry maps stage and reducer kinds to their factories. It is safe for
// concurrent use.
type Registry struct {
	mu       sync.RWMutex
	stages   map[string]StageFactory
	reducers map[string]ReducerFactory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		stages:   make(map[string]StageFactory),
		reducers: make(map[string]ReducerFactory),
	}
}

// DefaultRegistry returns a new registry holding the built-in kinds.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.MustRegisterStage(KindForward, newForward)
	r.MustRegisterStage(KindMerge, newForward)
	r.MustRegisterStage(KindSegmenter, newSegmenter)
	r.MustRegisterStage(KindEncoder, newEncoder)
	r.MustRegisterStage(KindIndexer, newIndexer)
	r.MustRegisterStage(KindCompound, compoundFactory(r))
	r.MustRegisterReducer(KindMergeTopK, newMergeTopK)
	return r
}

func (r *Registry) RegisterStage(kind string, f StageFactory) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.stages[kind]; ok {
		return fmt.Errorf("%w: stage %q", ErrKindRegistered, kind)
	}
	r.stages[kind] = f
	return nil
}

func (r *Registry) MustRegisterStage(kind string, f StageFactory) {
	if err := r.RegisterStage(kind, f); err != nil {
		panic(err)
	}
}

func (r *Registry) RegisterReducer(kind string, f ReducerFactory) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.reducers[kind]; ok {
		return fmt.Errorf("%w: reducer %q", ErrKindRegistered, kind)
	}
	r.reducers[kind] = f
	return nil
}

func (r *Registry) MustRegisterReducer(kind string, f ReducerFactory) {
	if err := r.RegisterReducer(kind, f); err != nil {
		panic(err)
	}
}

func (r *Registry) HasStage(kind string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.stages[kind]
	return ok
}

func (r *Registry) HasReducer(kind string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.reducers[kind]
	return ok
}

// NewStage instantiates a stage of kind.
func (r *Registry) NewStage(kind string, p Params) (Stage, error) {
	r.mu.RLock()
	f, ok := r.stages[kind]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: stage %q", ErrUnknownKind, kind)
	}
	s, err := f(p)
	if err != nil {
		return nil, fmt.Errorf("create stage %q: %w", kind, err)
	}
	return s, nil
}

// NewReducer instantiates a reducer of kind.
func (r *Registry) NewReducer(kind string, p Params) (Reducer, error) {
	r.mu.RLock()
	f, ok := r.reducers[kind]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: reducer %q", ErrUnknownKind, kind)
	}
	red, err := f(p)
	if err != nil {
		return nil, fmt.Errorf("create reducer %q: %w", kind, err)
	}
	return red, nil
}

// StageKinds returns the registered stage kinds, sorted.
func (r *Registry) StageKinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.stages))
	for k := range r.stages {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}
