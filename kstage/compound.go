package kstage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"

	"github.com/birdayz/kflow/kdoc"
)

var (
	ErrNoRoute          = errors.New("no route")
	ErrUnknownComponent = errors.New("unknown component")
)

const routesFile = "routes.yaml"

// Component is one named member of a compound stage.
type Component struct {
	Name string `yaml:"name"`
	Uses string `yaml:"uses"`
	With Params `yaml:"with,omitempty"`
}

// Route sends a call kind to one component, invoked with Kind.
type Route struct {
	Component string        `yaml:"component"`
	Kind      kdoc.CallKind `yaml:"kind"`
}

type compoundConfig struct {
	Components []Component             `yaml:"components"`
	Routes     map[kdoc.CallKind]Route `yaml:"routes,omitempty"`
	// Strict rejects calls without a route instead of running every
	// component in order.
	Strict bool `yaml:"strict,omitempty"`
}

// Compound bundles several stages behind one stage. Calls are dispatched
// through a route table; a call kind without a route runs every component
// in declaration order. Routes added at runtime are kept in the workspace.
type Compound struct {
	names      []string
	components map[string]Stage
	strict     bool

	mu        sync.RWMutex
	routes    map[kdoc.CallKind]Route
	workspace string
}

// NewCompound assembles a compound stage from already built components.
func NewCompound(names []string, components map[string]Stage) (*Compound, error) {
	for _, n := range names {
		if _, ok := components[n]; !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownComponent, n)
		}
	}
	return &Compound{
		names:      names,
		components: components,
		routes:     make(map[kdoc.CallKind]Route),
	}, nil
}

func compoundFactory(r *Registry) StageFactory {
	return func(p Params) (Stage, error) {
		var cfg compoundConfig
		if err := p.Decode(&cfg); err != nil {
			return nil, fmt.Errorf("compound config: %w", err)
		}
		if len(cfg.Components) == 0 {
			return nil, fmt.Errorf("compound needs at least one component")
		}

		names := make([]string, 0, len(cfg.Components))
		components := make(map[string]Stage, len(cfg.Components))
		for _, c := range cfg.Components {
			if _, dup := components[c.Name]; dup || c.Name == "" {
				return nil, fmt.Errorf("invalid component name %q", c.Name)
			}
			s, err := r.NewStage(c.Uses, c.With)
			if err != nil {
				return nil, fmt.Errorf("component %q: %w", c.Name, err)
			}
			names = append(names, c.Name)
			components[c.Name] = s
		}

		cs, err := NewCompound(names, components)
		if err != nil {
			return nil, err
		}
		cs.strict = cfg.Strict
		for kind, route := range cfg.Routes {
			if err := cs.AddRoute(kind, route); err != nil {
				return nil, err
			}
		}
		return cs, nil
	}
}

// AddRoute routes calls of kind to a component.
func (c *Compound) AddRoute(kind kdoc.CallKind, r Route) error {
	if err := kind.Validate(); err != nil {
		return err
	}
	if _, ok := c.components[r.Component]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownComponent, r.Component)
	}
	if r.Kind == "" {
		r.Kind = kind
	}
	c.mu.Lock()
	c.routes[kind] = r
	c.mu.Unlock()
	return nil
}

// Route looks up the route of kind.
func (c *Compound) Route(kind kdoc.CallKind) (Route, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.routes[kind]
	return r, ok
}

// Component returns a member by name.
func (c *Compound) Component(name string) (Stage, bool) {
	s, ok := c.components[name]
	return s, ok
}

func (c *Compound) Process(ctx context.Context, call Call, docs []*kdoc.Document) ([]*kdoc.Document, error) {
	r, ok := c.Route(call.Kind)
	if !ok {
		if c.strict {
			return nil, fmt.Errorf("%w for %s", ErrNoRoute, call.Kind)
		}
		return c.ProcessAll(ctx, call, docs)
	}
	routed := call
	routed.Kind = r.Kind
	return c.components[r.Component].Process(ctx, routed, docs)
}

// ProcessAll runs every component in order, each on the previous output.
func (c *Compound) ProcessAll(ctx context.Context, call Call, docs []*kdoc.Document) ([]*kdoc.Document, error) {
	var err error
	for _, n := range c.names {
		docs, err = c.components[n].Process(ctx, call, docs)
		if err != nil {
			return nil, fmt.Errorf("component %q: %w", n, err)
		}
	}
	return docs, nil
}

// Init initializes every component in its own sub-namespace and restores
// persisted routes.
func (c *Compound) Init(ctx *Context) error {
	for i, n := range c.names {
		sub := *ctx
		sub.Namespace = filepath.Join(ctx.Namespace, n)
		if ctx.Workspace != "" {
			sub.Workspace = filepath.Join(ctx.Workspace, n)
		}
		if ctx.Logger != nil {
			sub.Logger = ctx.Logger.With("component", n)
		}
		if err := Init(c.components[n], &sub); err != nil {
			for _, prev := range c.names[:i] {
				Close(c.components[prev])
			}
			return fmt.Errorf("component %q: %w", n, err)
		}
	}

	c.workspace = ctx.Workspace
	if c.workspace == "" {
		return nil
	}
	data, err := os.ReadFile(filepath.Join(c.workspace, routesFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	var saved map[kdoc.CallKind]Route
	if err := yaml.Unmarshal(data, &saved); err != nil {
		return fmt.Errorf("load routes: %w", err)
	}
	for kind, r := range saved {
		if err := c.AddRoute(kind, r); err != nil {
			return fmt.Errorf("load routes: %w", err)
		}
	}
	return nil
}

// Close persists the route table and closes every component.
func (c *Compound) Close() error {
	var err error
	if c.workspace != "" {
		err = c.saveRoutes()
	}
	for _, n := range c.names {
		err = multierr.Append(err, Close(c.components[n]))
	}
	return err
}

func (c *Compound) saveRoutes() error {
	c.mu.RLock()
	data, err := yaml.Marshal(c.routes)
	c.mu.RUnlock()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(c.workspace, 0o755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(c.workspace, routesFile), data, 0o644)
}
