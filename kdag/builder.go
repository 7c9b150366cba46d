package kdag

import (
	"fmt"
	"slices"
)

// MergeStageKind is the stage kind Join inserts. The merge itself is done by
// the router; the stage forwards the joined batch.
const MergeStageKind = "merge"

// Catalog reports which stage and reducer kinds can be instantiated.
// kstage.Registry implements it.
type Catalog interface {
	HasStage(kind string) bool
	HasReducer(kind string) bool
}

// Builder constructs a topology graph.
//
// IMPORTANT: Builder is NOT safe for concurrent use. The resulting Graph is
// immutable and safe to use concurrently.
type Builder struct {
	graph *Graph
	last  NodeID
	err   error
}

// NewBuilder creates a new graph builder.
func NewBuilder() *Builder {
	return &Builder{
		graph: NewGraph(),
	}
}

// Add appends a stage. A stage without needs depends on the previously added
// stage, or on the gateway if it is the first one.
func (b *Builder) Add(spec StageSpec) error {
	id := NodeID(spec.Name)
	if err := id.Validate(); err != nil {
		return topologyErr(id, err)
	}
	if id == GatewayName {
		return topologyErr(id, fmt.Errorf("%w: %q is reserved", ErrInvalidNodeID, GatewayName))
	}
	if _, exists := b.graph.Nodes[id]; exists {
		return topologyErr(id, ErrDuplicateStage)
	}

	spec.Needs = slices.Clone(spec.Needs)
	if len(spec.Needs) == 0 {
		if b.last == "" {
			spec.Needs = Needs{GatewayName}
		} else {
			spec.Needs = Needs{string(b.last)}
		}
	}
	spec.With = cloneParams(spec.With)

	b.graph.Nodes[id] = &Node{ID: id, Spec: spec}
	b.graph.NodeOrder = append(b.graph.NodeOrder, id)
	b.last = id
	return nil
}

// Join adds a merge stage that waits for one envelope from each of needs.
func (b *Builder) Join(name string, needs ...string) error {
	if len(needs) < 2 {
		return topologyErr(NodeID(name), fmt.Errorf("%w: a join needs at least two stages", ErrInvalidSpec))
	}
	return b.Add(StageSpec{Name: name, Uses: MergeStageKind, Needs: needs})
}

// MustAdd is like Add but records the first error for Build. It allows
// chaining.
func (b *Builder) MustAdd(spec StageSpec) *Builder {
	if b.err == nil {
		b.err = b.Add(spec)
	}
	return b
}

// MustJoin is the chaining form of Join.
func (b *Builder) MustJoin(name string, needs ...string) *Builder {
	if b.err == nil {
		b.err = b.Join(name, needs...)
	}
	return b
}

// BuildOption configures validation in Build.
type BuildOption func(*buildOptions)

type buildOptions struct {
	catalog Catalog
}

// WithCatalog checks every stage and reducer kind against c.
func WithCatalog(c Catalog) BuildOption {
	return func(o *buildOptions) {
		o.catalog = c
	}
}

// Build validates and finalizes the graph.
func (b *Builder) Build(opts ...BuildOption) (*Graph, error) {
	if b.err != nil {
		return nil, b.err
	}
	var o buildOptions
	for _, opt := range opts {
		opt(&o)
	}
	if err := b.graph.Validate(o.catalog); err != nil {
		return nil, err
	}
	return b.graph.Clone(), nil
}

// MustBuild is like Build but panics on error.
func (b *Builder) MustBuild(opts ...BuildOption) *Graph {
	g, err := b.Build(opts...)
	if err != nil {
		panic(err)
	}
	return g
}

// GetGraph returns the underlying graph for read-only access.
func (b *Builder) GetGraph() *Graph {
	return b.graph
}

// FromSpecs builds a graph from specs in declaration order.
func FromSpecs(specs []StageSpec, opts ...BuildOption) (*Graph, error) {
	b := NewBuilder()
	for _, s := range specs {
		if err := b.Add(s); err != nil {
			return nil, err
		}
	}
	return b.Build(opts...)
}

func cloneParams(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
