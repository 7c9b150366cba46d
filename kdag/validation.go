package kdag

import (
	"fmt"
	"slices"
	"sort"
)

// Validation limits to prevent pathological cases
const (
	MaxStagesPerGraph = 10000
	MaxReplicas       = 1024
)

// Validate performs all topology validations and derives the edge set.
// Returns early on first error for better UX. catalog may be nil, in which
// case stage kinds are not checked.
func (g *Graph) Validate(catalog Catalog) error {
	if len(g.Nodes) == 0 {
		return topologyErr("", fmt.Errorf("%w: no stages", ErrInvalidTopology))
	}
	if len(g.Nodes) > MaxStagesPerGraph {
		return topologyErr("", fmt.Errorf("%w: stage count %d exceeds maximum %d",
			ErrInvalidTopology, len(g.Nodes), MaxStagesPerGraph))
	}

	// 1. Per-stage settings
	for _, id := range g.NodeOrder {
		if err := validateSpec(g.Nodes[id].Spec); err != nil {
			return topologyErr(id, err)
		}
	}

	// 2. Every need resolves
	for _, id := range g.NodeOrder {
		for _, need := range g.Nodes[id].Spec.Needs {
			if need == GatewayName {
				continue
			}
			if _, ok := g.Nodes[NodeID(need)]; !ok {
				return topologyErr(id, fmt.Errorf("%w: %q", ErrUnresolvedNeed, need))
			}
		}
	}

	g.link()

	// 3. Cycle detection using DFS
	if err := g.detectCycles(); err != nil {
		return topologyErr("", err)
	}

	// 4. Registered kinds
	if catalog != nil {
		for _, id := range g.NodeOrder {
			spec := g.Nodes[id].Spec.normalized()
			if !catalog.HasStage(spec.Uses) {
				return topologyErr(id, fmt.Errorf("%w: %q", ErrUnknownStageKind, spec.Uses))
			}
			if spec.ReducingUses != "" && !catalog.HasReducer(spec.ReducingUses) {
				return topologyErr(id, fmt.Errorf("%w: reducer %q", ErrUnknownStageKind, spec.ReducingUses))
			}
		}
	}

	return nil
}

func validateSpec(s StageSpec) error {
	if s.Replicas < 0 || s.Replicas > MaxReplicas {
		return fmt.Errorf("%w: replicas %d out of range [1, %d]", ErrInvalidSpec, s.Replicas, MaxReplicas)
	}
	if s.Polling != "" {
		if err := s.Polling.Validate(); err != nil {
			return err
		}
	}
	if s.Port < 0 || s.Port > 65535 {
		return fmt.Errorf("%w: port %d out of range", ErrInvalidSpec, s.Port)
	}
	if s.IsRemote() && s.Port == 0 {
		return fmt.Errorf("%w: remote stage on %q needs a port", ErrInvalidSpec, s.Host)
	}
	for _, need := range s.Needs {
		if err := NodeID(need).Validate(); err != nil {
			return fmt.Errorf("%w: need %q", ErrInvalidSpec, need)
		}
	}
	return nil
}

// detectCycles uses Depth-First Search (DFS) to find cycles in the graph.
// Returns a *CycleError naming the path if any cycle is found.
// Time complexity: O(V + E) where V is vertices and E is edges.
func (g *Graph) detectCycles() error {
	visited := make(map[NodeID]bool, len(g.Nodes))
	recStack := make(map[NodeID]bool, len(g.Nodes))

	var dfs func(NodeID, []NodeID) error
	dfs = func(nodeID NodeID, path []NodeID) error {
		visited[nodeID] = true
		recStack[nodeID] = true
		path = append(path, nodeID)

		for _, childID := range g.Nodes[nodeID].Children {
			if !visited[childID] {
				if err := dfs(childID, path); err != nil {
					return err
				}
			} else if recStack[childID] {
				start := slices.Index(path, childID)
				cycle := append(slices.Clone(path[start:]), childID)
				return &CycleError{Cycle: cycle}
			}
		}

		recStack[nodeID] = false
		return nil
	}

	// Declaration order keeps the reported cycle stable.
	for _, nodeID := range g.NodeOrder {
		if !visited[nodeID] {
			if err := dfs(nodeID, nil); err != nil {
				return err
			}
		}
	}

	return nil
}

// insertSorted inserts an item into a sorted slice maintaining sort order.
func insertSorted(slice []NodeID, item NodeID) []NodeID {
	idx := sort.Search(len(slice), func(i int) bool {
		return slice[i] >= item
	})
	return slices.Insert(slice, idx, item)
}

// TopologicalSort creates a deterministic topological ordering using Kahn's
// algorithm. Ties are broken by name.
func (g *Graph) TopologicalSort() ([]NodeID, error) {
	inDegree := make(map[NodeID]int, len(g.Nodes))
	for nodeID := range g.Nodes {
		inDegree[nodeID] = 0
	}
	for _, node := range g.Nodes {
		for _, childID := range node.Children {
			inDegree[childID]++
		}
	}

	queue := make([]NodeID, 0, len(g.Nodes))
	for nodeID, degree := range inDegree {
		if degree == 0 {
			queue = append(queue, nodeID)
		}
	}
	slices.Sort(queue)

	result := make([]NodeID, 0, len(g.Nodes))
	for len(queue) > 0 {
		nodeID := queue[0]
		queue = queue[1:]
		result = append(result, nodeID)

		for _, childID := range g.Nodes[nodeID].Children {
			inDegree[childID]--
			if inDegree[childID] == 0 {
				queue = insertSorted(queue, childID)
			}
		}
	}

	if len(result) != len(g.Nodes) {
		return nil, fmt.Errorf("%w: topological sort failed", ErrCyclicTopology)
	}

	return result, nil
}
