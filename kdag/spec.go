package kdag

import (
	"bytes"
	"fmt"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// GatewayName is the reserved name of the topology's entry/exit. A stage that
// needs it is fed directly by the gateway.
const GatewayName = "gateway"

// DefaultStageKind is used when a StageSpec does not name a stage kind.
const DefaultStageKind = "forward"

// PollPolicy decides whether a search on a sharded stage is answered by one
// shard or by all shards with a merge.
type PollPolicy string

const (
	PollAny PollPolicy = "any"
	PollAll PollPolicy = "all"
)

func (p PollPolicy) Validate() error {
	switch p {
	case PollAny, PollAll:
		return nil
	default:
		return fmt.Errorf("%w: unknown polling %q", ErrInvalidSpec, string(p))
	}
}

// OptimizeLevel controls how the compiled topology is laid out.
type OptimizeLevel int

const (
	// OptimizeNone keeps the graph verbatim, including a gateway pea.
	OptimizeNone OptimizeLevel = iota
	// OptimizeIgnoreGateway runs the gateway inside the client process.
	OptimizeIgnoreGateway
	// OptimizeFull is accepted but compiles like OptimizeIgnoreGateway.
	OptimizeFull
)

func (l OptimizeLevel) String() string {
	switch l {
	case OptimizeNone:
		return "none"
	case OptimizeIgnoreGateway:
		return "ignore_gateway"
	case OptimizeFull:
		return "full"
	default:
		return "unknown"
	}
}

// ParseOptimizeLevel accepts the names printed by String and the numeric values.
func ParseOptimizeLevel(s string) (OptimizeLevel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none", "0":
		return OptimizeNone, nil
	case "ignore_gateway", "ignore-gateway", "1":
		return OptimizeIgnoreGateway, nil
	case "full", "2":
		return OptimizeFull, nil
	default:
		return 0, fmt.Errorf("unknown optimize level %q", s)
	}
}

func (l OptimizeLevel) MarshalYAML() (any, error) {
	return l.String(), nil
}

func (l *OptimizeLevel) UnmarshalYAML(n *yaml.Node) error {
	parsed, err := ParseOptimizeLevel(n.Value)
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}

// Needs is the dependency set of a stage. In YAML it may be written as a
// single name or as a list.
type Needs []string

func (n *Needs) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		if node.Value == "" {
			*n = nil
			return nil
		}
		*n = Needs{node.Value}
		return nil
	case yaml.SequenceNode:
		var list []string
		if err := node.Decode(&list); err != nil {
			return err
		}
		*n = list
		return nil
	default:
		return fmt.Errorf("%w: needs must be a name or a list of names", ErrInvalidSpec)
	}
}

// StageSpec declares one logical stage of a topology. It is immutable once
// the graph it belongs to is built.
type StageSpec struct {
	Name string `yaml:"name"`
	// Uses names a registered stage kind.
	Uses string         `yaml:"uses,omitempty"`
	With map[string]any `yaml:"with,omitempty"`

	Replicas           int        `yaml:"replicas,omitempty"`
	SeparatedWorkspace bool       `yaml:"separated_workspace,omitempty"`
	Polling            PollPolicy `yaml:"polling,omitempty"`
	// ReducingUses names a registered reducer kind.
	ReducingUses string `yaml:"reducing_uses,omitempty"`

	// Host and Port place the stage's workers on a remote machine. Worker i
	// is expected at Host:Port+i.
	Host string `yaml:"host,omitempty"`
	Port int    `yaml:"port,omitempty"`

	Needs Needs `yaml:"needs,omitempty"`
}

// IsRemote reports whether the stage's workers run outside this process tree.
func (s StageSpec) IsRemote() bool {
	return s.Host != ""
}

// Sharded reports whether replicas own separate state.
func (s StageSpec) Sharded() bool {
	return s.SeparatedWorkspace && s.Replicas > 1
}

// Reduces reports whether the stage merges shard results with a reducer.
func (s StageSpec) Reduces() bool {
	return s.Polling == PollAll && s.ReducingUses != "" && s.Replicas > 1
}

// normalized returns a copy with defaults applied and needs sorted, the form
// used for equality and dumping.
func (s StageSpec) normalized() StageSpec {
	out := s
	if out.Uses == "" {
		out.Uses = DefaultStageKind
	}
	if out.Replicas <= 0 {
		out.Replicas = 1
	}
	if out.Polling == "" {
		out.Polling = PollAny
	}
	out.Needs = slices.Clone(s.Needs)
	slices.Sort(out.Needs)
	out.Needs = slices.Compact(out.Needs)
	if len(out.With) == 0 {
		out.With = nil
	}
	return out
}

func (s StageSpec) equal(o StageSpec) bool {
	a, b := s.normalized(), o.normalized()
	if a.Name != b.Name || a.Uses != b.Uses || a.Replicas != b.Replicas ||
		a.SeparatedWorkspace != b.SeparatedWorkspace || a.Polling != b.Polling ||
		a.ReducingUses != b.ReducingUses || a.Host != b.Host || a.Port != b.Port {
		return false
	}
	if !slices.Equal(a.Needs, b.Needs) {
		return false
	}
	return paramsEqual(a.With, b.With)
}

// paramsEqual compares stage parameters by their canonical YAML form, so a
// map built in Go compares equal to the same map decoded from a file.
func paramsEqual(a, b map[string]any) bool {
	if len(a) == 0 && len(b) == 0 {
		return true
	}
	ab, err1 := yaml.Marshal(a)
	bb, err2 := yaml.Marshal(b)
	if err1 != nil || err2 != nil {
		return false
	}
	return bytes.Equal(ab, bb)
}
