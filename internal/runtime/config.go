package runtime

import (
	"errors"
	"fmt"
	"time"

	"github.com/birdayz/kflow/internal/coordination"
	"github.com/birdayz/kflow/kdag"
)

// DefaultHost is the interface peas bind to when no host is configured.
const DefaultHost = "127.0.0.1"

var ErrInvalidConfig = errors.New("invalid pea config")

// Config is everything a pea needs to start. It is JSON encoded when a pea
// runs as a subprocess.
type Config struct {
	Name    string    `json:"name"`
	Stage   string    `json:"stage"`
	Role    kdag.Role `json:"role"`
	Replica int       `json:"replica"`
	// Replicas is the size of the pea's stage group.
	Replicas int `json:"replicas"`

	Uses string         `json:"uses,omitempty"`
	With map[string]any `json:"with,omitempty"`

	Polling      kdag.PollPolicy       `json:"polling,omitempty"`
	Sharded      bool                  `json:"sharded,omitempty"`
	ReducingUses string                `json:"reducing_uses,omitempty"`
	Balancing    coordination.Strategy `json:"balancing,omitempty"`

	// WorkspaceRoot is the flow workspace. Empty keeps state in memory.
	WorkspaceRoot string `json:"workspace_root,omitempty"`
	Namespace     string `json:"namespace,omitempty"`

	Host        string `json:"host,omitempty"`
	ControlPort int    `json:"control_port,omitempty"`
	DataPort    int    `json:"data_port,omitempty"`

	JoinTTL time.Duration `json:"join_ttl,omitempty"`
	// Timeout bounds forwarding a single envelope.
	Timeout time.Duration `json:"timeout,omitempty"`
}

// UnitConfig builds the config of planned unit u of stage n.
func UnitConfig(n *kdag.PlanNode, u kdag.UnitPlan, workspace string) Config {
	return Config{
		Name:          u.Name,
		Stage:         string(n.ID),
		Role:          u.Role,
		Replica:       u.Replica,
		Replicas:      n.Spec.Replicas,
		Uses:          n.Spec.Uses,
		With:          n.Spec.With,
		Polling:       n.Spec.Polling,
		Sharded:       n.Spec.Sharded(),
		ReducingUses:  n.Spec.ReducingUses,
		WorkspaceRoot: workspace,
		Namespace:     u.Workspace,
	}
}

// GatewayConfig is the config of a dedicated gateway pea.
func GatewayConfig() Config {
	return Config{Name: kdag.GatewayName, Stage: kdag.GatewayName, Role: kdag.RoleGateway, Replicas: 1}
}

func (c Config) withDefaults() Config {
	if c.Host == "" {
		c.Host = DefaultHost
	}
	if c.Replicas <= 0 {
		c.Replicas = 1
	}
	if c.Uses == "" {
		c.Uses = kdag.DefaultStageKind
	}
	if c.Polling == "" {
		c.Polling = kdag.PollAny
	}
	if c.Balancing == "" {
		c.Balancing = coordination.StrategyRoundRobin
	}
	return c
}

func (c Config) validate() error {
	if c.Name == "" {
		return fmt.Errorf("%w: missing name", ErrInvalidConfig)
	}
	switch c.Role {
	case kdag.RoleGateway, kdag.RoleWorker, kdag.RoleHead, kdag.RoleTail:
	default:
		return fmt.Errorf("%w: unknown role %q", ErrInvalidConfig, c.Role)
	}
	if c.Replica < 0 || c.Replica >= c.Replicas {
		return fmt.Errorf("%w: replica %d out of range [0, %d)", ErrInvalidConfig, c.Replica, c.Replicas)
	}
	return c.Polling.Validate()
}

// broadcasts reports whether a search entering the group goes to every
// replica. Only sharded groups broadcast; plain replicas all hold the same
// state, so one of them answers.
func (c Config) broadcasts() bool {
	return c.Sharded && c.Polling == kdag.PollAll
}
