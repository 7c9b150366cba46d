// Package kstage defines the contract between the orchestrator and the
// document processing it schedules, plus the built-in stage kinds.
//
// A Stage turns a batch of documents into a batch of documents. The
// orchestrator never looks inside the batch except to reduce sharded search
// results (see Reducer). Stages are constructed per runtime unit from a
// Registry and receive their environment through an explicit Context.
package kstage

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/birdayz/kflow/kdoc"
)

// Call describes the client call a batch belongs to.
type Call struct {
	Kind      kdoc.CallKind
	TopK      int
	RequestID string
}

// Stage processes one batch. Implementations are invoked sequentially by
// their runtime unit and need not be safe for concurrent use.
type Stage interface {
	Process(ctx context.Context, call Call, docs []*kdoc.Document) ([]*kdoc.Document, error)
}

// Initializer is implemented by stages that acquire resources when their
// unit starts, such as the shard state in the workspace.
type Initializer interface {
	Init(*Context) error
}

// Context is the environment of one stage instance.
type Context struct {
	Stage   string
	Unit    string
	Replica int
	// Shard is the shard index when the stage's replicas own separate state.
	Shard int
	// Workspace is the unit's state directory. Empty means in-memory state.
	Workspace string
	// Root and Namespace are the parts Workspace was built from.
	Root      string
	Namespace string

	Params Params
	Logger *slog.Logger
}

// Init calls s.Init if s is an Initializer.
func Init(s Stage, c *Context) error {
	if i, ok := s.(Initializer); ok {
		return i.Init(c)
	}
	return nil
}

// Close calls s.Close if s has one.
func Close(s Stage) error {
	if c, ok := s.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}

// PartialResult is one shard's response to a search.
type PartialResult struct {
	Shard int
	Docs  []*kdoc.Document
}

// MergedResult is the reducer output.
type MergedResult struct {
	Docs []*kdoc.Document
}

// Reducer merges the partial results of all shards of a stage.
type Reducer interface {
	Merge(partials []PartialResult, k int) (MergedResult, error)
}

// ReducerFunc adapts a function to Reducer.
type ReducerFunc func(partials []PartialResult, k int) (MergedResult, error)

func (f ReducerFunc) Merge(partials []PartialResult, k int) (MergedResult, error) {
	return f(partials, k)
}

// StageFunc adapts a function to Stage.
type StageFunc func(ctx context.Context, call Call, docs []*kdoc.Document) ([]*kdoc.Document, error)

func (f StageFunc) Process(ctx context.Context, call Call, docs []*kdoc.Document) ([]*kdoc.Document, error) {
	return f(ctx, call, docs)
}

// ReductionError reports partial results that cannot be merged.
type ReductionError struct {
	Shard  int
	Reason string
}

func (e *ReductionError) Error() string {
	return fmt.Sprintf("reduction: shard %d: %s", e.Shard, e.Reason)
}
