package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/birdayz/kflow/internal/runtime"
	"github.com/birdayz/kflow/internal/transport"
	"github.com/birdayz/kflow/kdag"
	"github.com/birdayz/kflow/kprobe"
)

// StateDown is reported for units that failed to start or stopped
// answering.
const StateDown = "DOWN"

// SpawnError reports a unit that could not be started.
type SpawnError struct {
	Unit string
	Err  error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn %s: %v", e.Unit, e.Err)
}

func (e *SpawnError) Unwrap() error {
	return e.Err
}

// UnitStatus is the observed state of one planned unit.
type UnitStatus struct {
	Name    string
	Stage   kdag.NodeID
	Role    kdag.Role
	Replica int
	Control string
	Data    string
	// State is the unit's lifecycle state, or StateDown.
	State string
	Err   error
}

// CloseReport lists the units that had to be killed.
type CloseReport struct {
	ForceKilled []string
}

// Options configure how a pod starts its units.
type Options struct {
	// Workspace is the root of persistent unit state. Empty keeps state in
	// memory.
	Workspace string
	Spawner   Spawner
	// Remote attaches to units placed on another host.
	Remote       Spawner
	Client       *transport.Client
	Log          *slog.Logger
	ProbeTimeout time.Duration
	JoinTTL      time.Duration
	// Timeout bounds forwarding one envelope between units.
	Timeout time.Duration
	// Partial keeps a pod running when some of its workers failed to start.
	Partial bool
}

func (o Options) withDefaults() Options {
	if o.Client == nil {
		o.Client = transport.Default
	}
	if o.Log == nil {
		o.Log = slog.New(slog.DiscardHandler)
	}
	if o.Spawner == nil {
		o.Spawner = &LocalSpawner{Log: o.Log, Client: o.Client}
	}
	if o.Remote == nil {
		o.Remote = &RemoteSpawner{Client: o.Client}
	}
	if o.ProbeTimeout <= 0 {
		o.ProbeTimeout = kprobe.DefaultTimeout
	}
	return o
}

// Pod is the stage group of one compiled node.
type Pod struct {
	node   *kdag.PlanNode
	opts   Options
	log    *slog.Logger
	prober *kprobe.Prober

	mu     sync.Mutex
	units  map[string]Unit
	failed map[string]error
}

func NewPod(node *kdag.PlanNode, opts Options) *Pod {
	opts = opts.withDefaults()
	return &Pod{
		node:   node,
		opts:   opts,
		log:    opts.Log.With("stage", node.ID),
		prober: kprobe.New(opts.Client),
		units:  make(map[string]Unit),
		failed: make(map[string]error),
	}
}

func (p *Pod) ID() kdag.NodeID {
	return p.node.ID
}

// Build starts the tail, then the workers, then the head, probing each
// unit. On failure everything started so far is torn down, unless partial
// availability was requested and at least one worker is up.
func (p *Pod) Build(ctx context.Context) error {
	if t := p.node.Tail; t != nil {
		if err := p.spawn(ctx, *t); err != nil {
			p.teardown()
			return err
		}
	}

	// Without Partial the first failure cancels the replicas still starting.
	// With it every replica gets its full chance to come up.
	g, gctx := &errgroup.Group{}, ctx
	if !p.opts.Partial {
		g, gctx = errgroup.WithContext(ctx)
	}
	for _, w := range p.node.Workers {
		g.Go(func() error {
			return p.spawn(gctx, w)
		})
	}
	if err := g.Wait(); err != nil {
		if !p.opts.Partial || len(p.liveWorkers()) == 0 {
			p.teardown()
			return err
		}
		p.log.Warn("Stage group running with missing replicas", "error", err, "live", len(p.liveWorkers()), "replicas", len(p.node.Workers))
	}

	if h := p.node.Head; h != nil {
		if err := p.spawn(ctx, *h); err != nil {
			p.teardown()
			return err
		}
	}
	return nil
}

func (p *Pod) spawn(ctx context.Context, u kdag.UnitPlan) error {
	cfg := runtime.UnitConfig(p.node, u, p.opts.Workspace)
	cfg.JoinTTL = p.opts.JoinTTL
	cfg.Timeout = p.opts.Timeout

	spawner := p.opts.Spawner
	if u.Remote() {
		spawner = p.opts.Remote
	}
	unit, err := spawner.Spawn(ctx, UnitSpec{Plan: u, Config: cfg})
	if err == nil {
		r := p.prober.Probe(ctx, unit.ControlAddr(), p.opts.ProbeTimeout)
		if !r.OK() {
			unit.Kill()
			err = r.Err
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if err != nil {
		p.failed[u.Name] = err
		p.log.Error("Unit failed to start", "unit", u.Name, "error", err)
		return &SpawnError{Unit: u.Name, Err: err}
	}
	p.units[u.Name] = unit
	p.log.Debug("Unit started", "unit", u.Name, "control", unit.ControlAddr(), "data", unit.DataAddr())
	return nil
}

func (p *Pod) unit(name string) (Unit, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	u, ok := p.units[name]
	return u, ok
}

func (p *Pod) liveWorkers() []transport.Target {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []transport.Target
	for _, w := range p.node.Workers {
		if u, ok := p.units[w.Name]; ok {
			out = append(out, transport.Target{Node: string(p.node.ID), Addr: u.DataAddr(), Shard: w.Replica})
		}
	}
	return out
}

// Entry is where predecessors send envelopes.
func (p *Pod) Entry() (transport.Target, error) {
	return p.target(p.node.Entry())
}

// Exit is the unit forwarding the pod's output.
func (p *Pod) Exit() (transport.Target, error) {
	return p.target(p.node.Exit())
}

func (p *Pod) target(u kdag.UnitPlan) (transport.Target, error) {
	unit, ok := p.unit(u.Name)
	if !ok {
		return transport.Target{}, fmt.Errorf("%s is not running", u.Name)
	}
	return transport.Target{Node: string(p.node.ID), Addr: unit.DataAddr(), Shard: u.Replica}, nil
}

// Wire activates the pod's units, downstream first. successors are the
// entries the pod's output goes to, none for a sink. expect names the
// predecessors the entry waits for.
func (p *Pod) Wire(ctx context.Context, successors []transport.Target, expect []string) error {
	serve := func(name string, w transport.Wiring) error {
		u, ok := p.unit(name)
		if !ok {
			return nil
		}
		if err := p.opts.Client.Serve(ctx, u.ControlAddr(), w); err != nil {
			return fmt.Errorf("activate %s: %w", name, err)
		}
		return nil
	}

	if p.node.Head == nil {
		return serve(p.node.Workers[0].Name, transport.Wiring{Targets: successors, Expect: expect})
	}

	tail, err := p.Exit()
	if err != nil {
		return err
	}
	if err := serve(p.node.Tail.Name, transport.Wiring{Targets: successors}); err != nil {
		return err
	}
	for _, w := range p.node.Workers {
		if err := serve(w.Name, transport.Wiring{Targets: []transport.Target{tail}}); err != nil {
			return err
		}
	}
	return serve(p.node.Head.Name, transport.Wiring{Targets: p.liveWorkers(), Expect: expect})
}

// Status returns one record per planned unit, in head, workers, tail order.
func (p *Pod) Status(ctx context.Context) []UnitStatus {
	planned := p.node.Units()
	out := make([]UnitStatus, len(planned))
	var wg sync.WaitGroup
	for i, u := range planned {
		out[i] = UnitStatus{Name: u.Name, Stage: u.Stage, Role: u.Role, Replica: u.Replica, State: StateDown}
		unit, ok := p.unit(u.Name)
		if !ok {
			p.mu.Lock()
			out[i].Err = p.failed[u.Name]
			p.mu.Unlock()
			continue
		}
		out[i].Control, out[i].Data = unit.ControlAddr(), unit.DataAddr()
		wg.Add(1)
		go func() {
			defer wg.Done()
			r := p.prober.Probe(ctx, unit.ControlAddr(), p.opts.ProbeTimeout)
			if !r.Reachable {
				out[i].Err = r.Err
				return
			}
			out[i].State = r.State
		}()
	}
	wg.Wait()
	return out
}

// Close stops every unit concurrently, killing those that do not stop
// within grace.
func (p *Pod) Close(ctx context.Context, grace time.Duration) (CloseReport, error) {
	p.mu.Lock()
	units := make([]Unit, 0, len(p.units))
	for _, u := range p.units {
		units = append(units, u)
	}
	p.units = make(map[string]Unit)
	p.mu.Unlock()
	return stopAll(ctx, units, grace, p.log)
}

func (p *Pod) teardown() {
	p.mu.Lock()
	units := p.units
	p.units = make(map[string]Unit)
	p.mu.Unlock()
	for _, u := range units {
		u.Kill()
	}
}

func stopAll(ctx context.Context, units []Unit, grace time.Duration, log *slog.Logger) (CloseReport, error) {
	var (
		mu     sync.Mutex
		report CloseReport
		errs   error
		wg     sync.WaitGroup
	)
	for _, u := range units {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sctx := ctx
			if grace > 0 {
				var cancel context.CancelFunc
				sctx, cancel = context.WithTimeout(ctx, grace)
				defer cancel()
			}
			err := u.Stop(sctx, grace)
			if err == nil {
				return
			}
			log.Warn("Unit did not stop in time, killing", "unit", u.Name(), "error", err)
			u.Kill()
			mu.Lock()
			defer mu.Unlock()
			report.ForceKilled = append(report.ForceKilled, u.Name())
			if !errors.Is(err, context.DeadlineExceeded) {
				errs = multierr.Append(errs, fmt.Errorf("stop %s: %w", u.Name(), err))
			}
		}()
	}
	wg.Wait()
	slices.Sort(report.ForceKilled)
	return report, errs
}
