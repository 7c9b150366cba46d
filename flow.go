// Package kflow runs document pipelines. A pipeline is a graph of stages
// (segmenters, encoders, indexers or any registered kind), each stage
// possibly replicated or sharded. Building a Flow compiles the graph and
// starts one runtime unit per replica; calls then travel hop by hop through
// the units and come back as one response.
//
//	g := kdag.NewBuilder().
//		MustAdd(kdag.StageSpec{Name: "seg", Uses: kstage.KindSegmenter}).
//		MustAdd(kdag.StageSpec{Name: "enc", Uses: kstage.KindEncoder}).
//		MustAdd(kdag.StageSpec{Name: "idx", Uses: kstage.KindIndexer, Replicas: 2, SeparatedWorkspace: true,
//			Polling: kdag.PollAll, ReducingUses: kstage.KindMergeTopK}).
//		MustBuild()
//	f, err := kflow.New(g, kflow.WithWorkspace(dir))
//	...
//	err = f.Run(ctx, func(ctx context.Context, f *kflow.Flow) error {
//		_, err := f.Index(ctx, docs)
//		return err
//	})
package kflow

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"time"

	"go.uber.org/multierr"

	"github.com/birdayz/kflow/internal/execution"
	"github.com/birdayz/kflow/internal/transport"
	"github.com/birdayz/kflow/kdag"
	"github.com/birdayz/kflow/kprobe"
	"github.com/birdayz/kflow/kstage"
)

// UnitStatus is the observed state of one runtime unit.
type UnitStatus = execution.UnitStatus

// CloseReport lists the units Close had to kill.
type CloseReport = execution.CloseReport

// StateDown is reported for units that failed to start or stopped answering.
const StateDown = execution.StateDown

type Flow struct {
	graph    *kdag.Graph
	settings kdag.Settings

	log          *slog.Logger
	registry     *kstage.Registry
	interceptors []kstage.Interceptor
	spawner      execution.Spawner
	client       *transport.Client
	partial      bool
	probeTimeout time.Duration
	grace        time.Duration

	mu         sync.Mutex
	deployment *execution.Deployment
}

// New creates a flow running g. Stage kinds are checked against the flow's
// registry.
func New(g *kdag.Graph, opts ...Option) (*Flow, error) {
	f := configure(kdag.Settings{}, opts)
	if err := g.Validate(f.registry); err != nil {
		return nil, err
	}
	f.graph = g
	return f, nil
}

// MustNew is like New but panics on error.
func MustNew(g *kdag.Graph, opts ...Option) *Flow {
	f, err := New(g, opts...)
	if err != nil {
		panic(err)
	}
	return f
}

// LoadConfig creates a flow from a file written by SaveConfig or by hand.
// The flow settings stored in the file apply unless opts override them.
func LoadConfig(path string, opts ...Option) (*Flow, error) {
	c, err := kdag.LoadFile(path)
	if err != nil {
		return nil, err
	}
	f := configure(c.With, opts)
	g, err := c.Graph(kdag.WithCatalog(f.registry))
	if err != nil {
		return nil, err
	}
	f.graph = g
	return f, nil
}

func configure(s kdag.Settings, opts []Option) *Flow {
	f := &Flow{
		settings:     s,
		log:          NullLogger(),
		registry:     kstage.DefaultRegistry(),
		client:       transport.Default,
		probeTimeout: kprobe.DefaultTimeout,
		grace:        DefaultShutdownGrace,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// SaveConfig writes the graph and the flow settings to path.
func (f *Flow) SaveConfig(path string) error {
	data, err := kdag.NewConfig(f.graph, f.settings).Marshal()
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func (f *Flow) Graph() *kdag.Graph {
	return f.graph
}

func (f *Flow) Settings() kdag.Settings {
	return f.settings
}

// Plan compiles the graph with the flow's optimize level.
func (f *Flow) Plan() (*kdag.Plan, error) {
	f.mu.Lock()
	d := f.deployment
	f.mu.Unlock()
	if d != nil {
		return d.Plan(), nil
	}
	return f.graph.Compile(f.settings.Optimize)
}

// NumPeas is the number of runtime units the flow starts, a dedicated
// gateway included.
func (f *Flow) NumPeas() int {
	p, err := f.Plan()
	if err != nil {
		return 0
	}
	return p.NumPeas()
}

// Build compiles the graph and starts every unit. If any unit fails to
// start, everything started so far is stopped before the error is returned.
func (f *Flow) Build(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deployment != nil {
		return ErrAlreadyBuilt
	}

	plan, err := f.graph.Compile(f.settings.Optimize)
	if err != nil {
		return err
	}

	start := time.Now()
	f.log.Info("Building flow", "stages", len(plan.Order), "peas", plan.NumPeas(), "optimize", plan.Level)
	d, err := execution.Deploy(ctx, plan, execution.Options{
		Workspace:    f.settings.Workspace,
		Spawner:      f.newSpawner(),
		Client:       f.client,
		Log:          f.log,
		ProbeTimeout: f.probeTimeout,
		JoinTTL:      f.joinTTL(),
		Timeout:      f.timeout(),
		Partial:      f.partial,
	})
	if err != nil {
		f.log.Error("Flow build failed", "error", err)
		return err
	}
	f.deployment = d
	f.log.Info("Flow is ready", "took", time.Since(start), "gateway", d.GatewayAddr())
	return nil
}

func (f *Flow) newSpawner() execution.Spawner {
	switch s := f.spawner.(type) {
	case nil:
		return &execution.LocalSpawner{
			Log:          f.log,
			Registry:     f.registry,
			Client:       f.client,
			Interceptors: f.interceptors,
		}
	case *execution.ProcessSpawner:
		ps := *s
		ps.Client, ps.Log = f.client, f.log
		return &ps
	default:
		return s
	}
}

// Close stops every unit, the gateway first. Units that do not stop within
// the shutdown grace are killed and listed in the report. Closing a flow
// that is not built does nothing.
func (f *Flow) Close(ctx context.Context) (CloseReport, error) {
	f.mu.Lock()
	d := f.deployment
	f.deployment = nil
	f.mu.Unlock()
	if d == nil {
		return CloseReport{}, nil
	}

	report, err := d.Close(ctx, f.grace)
	if len(report.ForceKilled) > 0 {
		f.log.Warn("Units were killed", "units", report.ForceKilled)
	}
	f.log.Info("Flow closed")
	return report, err
}

// Run builds the flow, calls fn and closes the flow on every exit path.
func (f *Flow) Run(ctx context.Context, fn func(context.Context, *Flow) error) (err error) {
	if err := f.Build(ctx); err != nil {
		return err
	}
	defer func() {
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), f.grace+time.Second)
		defer cancel()
		_, cerr := f.Close(cctx)
		err = multierr.Append(err, cerr)
	}()
	return fn(ctx, f)
}

// GatewayAddr is the data address clients of the flow call.
func (f *Flow) GatewayAddr() (string, error) {
	d, err := f.built()
	if err != nil {
		return "", err
	}
	return d.GatewayAddr(), nil
}

// Status probes every unit of the flow, the gateway first. A unit that
// failed to start is reported as StateDown.
func (f *Flow) Status(ctx context.Context) ([]UnitStatus, error) {
	d, err := f.built()
	if err != nil {
		return nil, err
	}
	return d.Status(ctx), nil
}

// DryRun probes every unit and fails with a *DryRunError naming the first
// unit that is not READY or SERVING.
func (f *Flow) DryRun(ctx context.Context) error {
	statuses, err := f.Status(ctx)
	if err != nil {
		return err
	}
	if s, down := execution.FirstDown(statuses); down {
		return &DryRunError{Unit: s.Name, State: s.State, Err: s.Err}
	}
	return nil
}

func (f *Flow) built() (*execution.Deployment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deployment == nil {
		return nil, ErrNotBuilt
	}
	return f.deployment, nil
}

func (f *Flow) timeout() time.Duration {
	if f.settings.Timeout > 0 {
		return f.settings.Timeout
	}
	return DefaultTimeout
}

func (f *Flow) joinTTL() time.Duration {
	if f.settings.JoinTTL > 0 {
		return f.settings.JoinTTL
	}
	return DefaultJoinTTL
}
