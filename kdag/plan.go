package kdag

import (
	"fmt"
	"slices"
	"strconv"
)

// Role is the job of a runtime unit inside its stage group.
type Role string

const (
	RoleGateway Role = "gateway"
	RoleWorker  Role = "worker"
	RoleHead    Role = "head"
	RoleTail    Role = "tail"
)

// UnitPlan identifies one planned runtime unit.
type UnitPlan struct {
	// Name is unique within a plan: "gateway", "<stage>/head", "<stage>/tail"
	// or "<stage>/<replica>".
	Name    string
	Stage   NodeID
	Role    Role
	Replica int
	// Workspace is the namespace of the unit's persistent state, relative to
	// the flow workspace. Separated workspaces get "<stage>-<replica+1>".
	Workspace string

	// Host and Port are set for units that are already running elsewhere.
	Host string
	Port int
}

// Remote reports whether the unit is placed on a remote host.
func (u UnitPlan) Remote() bool {
	return u.Host != ""
}

// Addr returns host:port of a remote unit.
func (u UnitPlan) Addr() string {
	return u.Host + ":" + strconv.Itoa(u.Port)
}

// PlanNode is a compiled stage: its neighbours and the units of its group.
type PlanNode struct {
	ID   NodeID
	Spec StageSpec

	// Predecessors may contain GatewayName.
	Predecessors []NodeID
	Successors   []NodeID

	Head    *UnitPlan
	Workers []UnitPlan
	Tail    *UnitPlan
}

// Entry is the unit receiving envelopes sent to the stage.
func (n *PlanNode) Entry() UnitPlan {
	if n.Head != nil {
		return *n.Head
	}
	return n.Workers[0]
}

// Exit is the unit forwarding the stage's output.
func (n *PlanNode) Exit() UnitPlan {
	if n.Tail != nil {
		return *n.Tail
	}
	return n.Workers[0]
}

// IsJoin reports whether the entry waits for more than one predecessor.
func (n *PlanNode) IsJoin() bool {
	return len(n.Predecessors) > 1
}

func (n *PlanNode) IsSource() bool {
	return slices.Contains(n.Predecessors, GatewayName)
}

func (n *PlanNode) IsSink() bool {
	return len(n.Successors) == 0
}

// Units returns the group's units: head, workers, tail.
func (n *PlanNode) Units() []UnitPlan {
	var out []UnitPlan
	if n.Head != nil {
		out = append(out, *n.Head)
	}
	out = append(out, n.Workers...)
	if n.Tail != nil {
		out = append(out, *n.Tail)
	}
	return out
}

// Plan is the physical layout of a validated graph.
type Plan struct {
	Graph *Graph
	Level OptimizeLevel

	// Order is a topological order of the stages.
	Order []NodeID
	Nodes map[NodeID]*PlanNode

	Sources []NodeID
	Sinks   []NodeID

	// Gateway is nil when the gateway is embedded in the client.
	Gateway *UnitPlan
}

// Compile lays out g. OptimizeFull compiles like OptimizeIgnoreGateway.
func (g *Graph) Compile(level OptimizeLevel) (*Plan, error) {
	switch level {
	case OptimizeNone, OptimizeIgnoreGateway, OptimizeFull:
	default:
		return nil, topologyErr("", fmt.Errorf("%w: unknown optimize level %d", ErrInvalidTopology, level))
	}

	order, err := g.TopologicalSort()
	if err != nil {
		return nil, topologyErr("", err)
	}

	p := &Plan{
		Graph:   g,
		Level:   level,
		Order:   order,
		Nodes:   make(map[NodeID]*PlanNode, len(order)),
		Sources: g.Sources(),
		Sinks:   g.Sinks(),
	}
	if level == OptimizeNone {
		p.Gateway = &UnitPlan{Name: GatewayName, Stage: GatewayName, Role: RoleGateway}
	}

	for _, id := range order {
		n := g.Nodes[id]
		spec := n.Spec.normalized()
		pn := &PlanNode{
			ID:           id,
			Spec:         spec,
			Predecessors: slices.Clone(n.Parents),
			Successors:   slices.Clone(n.Children),
		}
		for i := range spec.Replicas {
			u := UnitPlan{
				Name:      string(id) + "/" + strconv.Itoa(i),
				Stage:     id,
				Role:      RoleWorker,
				Replica:   i,
				Workspace: string(id),
			}
			if spec.SeparatedWorkspace {
				u.Workspace = string(id) + "-" + strconv.Itoa(i+1)
			}
			if spec.IsRemote() {
				u.Host = spec.Host
				u.Port = spec.Port + i
			}
			pn.Workers = append(pn.Workers, u)
		}
		if spec.Replicas > 1 {
			pn.Head = &UnitPlan{Name: string(id) + "/head", Stage: id, Role: RoleHead}
			pn.Tail = &UnitPlan{Name: string(id) + "/tail", Stage: id, Role: RoleTail}
		}
		p.Nodes[id] = pn
	}
	return p, nil
}

// NumPeas is the number of runtime units the plan spawns, including a
// gateway unit when there is one.
func (p *Plan) NumPeas() int {
	n := 0
	if p.Gateway != nil {
		n++
	}
	for _, pn := range p.Nodes {
		n += len(pn.Units())
	}
	return n
}

// Units returns every planned unit: the gateway first, then each group in
// topological order.
func (p *Plan) Units() []UnitPlan {
	var out []UnitPlan
	if p.Gateway != nil {
		out = append(out, *p.Gateway)
	}
	for _, id := range p.Order {
		out = append(out, p.Nodes[id].Units()...)
	}
	return out
}

// ReverseOrder returns the stages with dependents before their dependencies.
func (p *Plan) ReverseOrder() []NodeID {
	out := slices.Clone(p.Order)
	slices.Reverse(out)
	return out
}

// Node returns the compiled stage id.
func (p *Plan) Node(id NodeID) (*PlanNode, bool) {
	n, ok := p.Nodes[id]
	return n, ok
}
