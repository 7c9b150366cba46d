package kdag

import (
	"fmt"
	"slices"
	"strings"
)

// NodeID is a strongly-typed identifier for graph nodes.
// NodeIDs must be non-empty and cannot contain whitespace or a slash.
type NodeID string

// Validate checks if the NodeID is valid.
// Returns ErrInvalidNodeID if the ID is empty or contains whitespace.
func (id NodeID) Validate() error {
	if id == "" {
		return fmt.Errorf("%w: NodeID cannot be empty", ErrInvalidNodeID)
	}
	if strings.ContainsAny(string(id), " \t\n\r/") {
		return fmt.Errorf("%w: NodeID %q cannot contain whitespace or '/'", ErrInvalidNodeID, id)
	}
	return nil
}

// Node is the build-time representation of one stage.
type Node struct {
	ID   NodeID
	Spec StageSpec

	// Parent edges (incoming). May contain GatewayName.
	Parents []NodeID

	// Child edges (outgoing)
	Children []NodeID
}

// IsSource reports whether the gateway feeds the node.
func (n *Node) IsSource() bool {
	return slices.Contains(n.Parents, GatewayName)
}

// IsSink reports whether the node's output goes back to the gateway.
func (n *Node) IsSink() bool {
	return len(n.Children) == 0
}

// Edge is a dependency edge, dependency to dependent.
type Edge struct {
	From NodeID
	To   NodeID
}

func (e Edge) String() string {
	return string(e.From) + " -> " + string(e.To)
}

// Graph is the build-time topology: stage specs keyed by name plus the
// derived edge set. A Graph returned by Builder.Build is immutable.
type Graph struct {
	Nodes map[NodeID]*Node

	// Deterministic node ordering (insertion order)
	NodeOrder []NodeID
}

// NewGraph creates a new empty graph.
func NewGraph() *Graph {
	return &Graph{
		Nodes:     make(map[NodeID]*Node),
		NodeOrder: make([]NodeID, 0),
	}
}

// Clone returns a deep copy of g.
func (g *Graph) Clone() *Graph {
	c := &Graph{
		Nodes:     make(map[NodeID]*Node, len(g.Nodes)),
		NodeOrder: slices.Clone(g.NodeOrder),
	}
	for id, n := range g.Nodes {
		spec := n.Spec
		spec.Needs = slices.Clone(spec.Needs)
		spec.With = cloneParams(spec.With)
		c.Nodes[id] = &Node{
			ID:       n.ID,
			Spec:     spec,
			Parents:  slices.Clone(n.Parents),
			Children: slices.Clone(n.Children),
		}
	}
	return c
}

// Specs returns the stage specs in declaration order.
func (g *Graph) Specs() []StageSpec {
	out := make([]StageSpec, 0, len(g.NodeOrder))
	for _, id := range g.NodeOrder {
		out = append(out, g.Nodes[id].Spec)
	}
	return out
}

// Spec returns the spec of a stage.
func (g *Graph) Spec(name string) (StageSpec, bool) {
	n, ok := g.Nodes[NodeID(name)]
	if !ok {
		return StageSpec{}, false
	}
	return n.Spec, true
}

// Edges returns the edge set sorted by (From, To). Edges leaving the gateway
// are included.
func (g *Graph) Edges() []Edge {
	var edges []Edge
	for _, n := range g.Nodes {
		for _, p := range n.Parents {
			edges = append(edges, Edge{From: p, To: n.ID})
		}
	}
	slices.SortFunc(edges, func(a, b Edge) int {
		if c := strings.Compare(string(a.From), string(b.From)); c != 0 {
			return c
		}
		return strings.Compare(string(a.To), string(b.To))
	})
	return edges
}

// Sources returns the nodes fed by the gateway, sorted.
func (g *Graph) Sources() []NodeID {
	var out []NodeID
	for id, n := range g.Nodes {
		if n.IsSource() {
			out = append(out, id)
		}
	}
	slices.Sort(out)
	return out
}

// Sinks returns the nodes without dependents, sorted.
func (g *Graph) Sinks() []NodeID {
	var out []NodeID
	for id, n := range g.Nodes {
		if n.IsSink() {
			out = append(out, id)
		}
	}
	slices.Sort(out)
	return out
}

// Equal reports structural equality: same spec set and same edge set,
// regardless of the order stages were added in.
func (g *Graph) Equal(o *Graph) bool {
	if g == nil || o == nil {
		return g == o
	}
	if len(g.Nodes) != len(o.Nodes) {
		return false
	}
	for id, n := range g.Nodes {
		on, ok := o.Nodes[id]
		if !ok || !n.Spec.equal(on.Spec) {
			return false
		}
	}
	return slices.Equal(g.Edges(), o.Edges())
}

// link derives Parents and Children from the specs' needs. Needs must already
// be resolved.
func (g *Graph) link() {
	for _, n := range g.Nodes {
		n.Parents = n.Parents[:0]
		n.Children = n.Children[:0]
	}
	for _, id := range g.NodeOrder {
		n := g.Nodes[id]
		for _, need := range n.Spec.normalized().Needs {
			parent := NodeID(need)
			n.Parents = append(n.Parents, parent)
			if p, ok := g.Nodes[parent]; ok {
				p.Children = append(p.Children, id)
			}
		}
	}
	for _, n := range g.Nodes {
		slices.Sort(n.Children)
	}
}

// ReverseTopologicalSort returns nodes in reverse topological order.
// This means children come before parents - useful for bottom-up construction.
func (g *Graph) ReverseTopologicalSort() ([]NodeID, error) {
	order, err := g.TopologicalSort()
	if err != nil {
		return nil, err
	}
	slices.Reverse(order)
	return order, nil
}
