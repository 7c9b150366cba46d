package execution

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"go.uber.org/multierr"

	"github.com/birdayz/kflow/internal/runtime"
	"github.com/birdayz/kflow/internal/transport"
	"github.com/birdayz/kflow/kdag"
	"github.com/birdayz/kflow/kdoc"
)

// Deployment is a running plan: a pod per node and a gateway.
type Deployment struct {
	plan *kdag.Plan
	opts Options
	log  *slog.Logger

	pods map[kdag.NodeID]*Pod
	// gateway is a planned gateway unit, embedded is the gateway living in
	// the caller when the plan has none.
	gateway  Unit
	embedded *runtime.Pea
}

// Deploy starts every unit of plan, downstream stages first, then wires
// them and moves them to SERVING. On failure nothing is left running.
func Deploy(ctx context.Context, plan *kdag.Plan, opts Options) (*Deployment, error) {
	opts = opts.withDefaults()
	d := &Deployment{
		plan: plan,
		opts: opts,
		log:  opts.Log,
		pods: make(map[kdag.NodeID]*Pod, len(plan.Nodes)),
	}

	if err := d.build(ctx); err != nil {
		d.kill()
		return nil, err
	}
	if err := d.activate(ctx); err != nil {
		d.kill()
		return nil, err
	}
	return d, nil
}

func (d *Deployment) build(ctx context.Context) error {
	for _, id := range d.plan.ReverseOrder() {
		pod := NewPod(d.plan.Nodes[id], d.opts)
		if err := pod.Build(ctx); err != nil {
			return err
		}
		d.pods[id] = pod
	}

	cfg := runtime.GatewayConfig()
	cfg.JoinTTL = d.opts.JoinTTL
	cfg.Timeout = d.opts.Timeout
	if d.plan.Gateway != nil {
		u, err := d.opts.Spawner.Spawn(ctx, UnitSpec{Plan: *d.plan.Gateway, Config: cfg})
		if err != nil {
			return &SpawnError{Unit: kdag.GatewayName, Err: err}
		}
		d.gateway = u
		return nil
	}

	p, err := runtime.New(cfg, runtime.WithLogger(d.log), runtime.WithClient(d.opts.Client))
	if err == nil {
		err = p.Start()
	}
	if err != nil {
		return &SpawnError{Unit: kdag.GatewayName, Err: err}
	}
	d.embedded = p
	return nil
}

func (d *Deployment) activate(ctx context.Context) error {
	for _, id := range d.plan.ReverseOrder() {
		n := d.plan.Nodes[id]
		var succ []transport.Target
		for _, s := range n.Successors {
			t, err := d.pods[s].Entry()
			if err != nil {
				return err
			}
			succ = append(succ, t)
		}
		expect := make([]string, len(n.Predecessors))
		for i, p := range n.Predecessors {
			expect[i] = string(p)
		}
		if err := d.pods[id].Wire(ctx, succ, expect); err != nil {
			return err
		}
	}

	w, err := d.gatewayWiring()
	if err != nil {
		return err
	}
	if d.embedded != nil {
		return d.embedded.Activate(w)
	}
	if err := d.opts.Client.Serve(ctx, d.gateway.ControlAddr(), w); err != nil {
		return fmt.Errorf("activate %s: %w", kdag.GatewayName, err)
	}
	return nil
}

func (d *Deployment) gatewayWiring() (transport.Wiring, error) {
	var w transport.Wiring
	for _, id := range d.plan.Sources {
		t, err := d.pods[id].Entry()
		if err != nil {
			return w, err
		}
		w.Targets = append(w.Targets, t)
	}
	for _, id := range d.plan.Sinks {
		w.Expect = append(w.Expect, string(id))
	}
	return w, nil
}

// Call sends env through the topology and waits for the response.
func (d *Deployment) Call(ctx context.Context, env *kdoc.Envelope) (*kdoc.Envelope, error) {
	if d.embedded != nil {
		return d.embedded.Call(ctx, env)
	}
	return d.opts.Client.Call(ctx, d.gateway.DataAddr(), env)
}

// GatewayAddr is the data address clients call.
func (d *Deployment) GatewayAddr() string {
	if d.embedded != nil {
		return d.embedded.DataAddr()
	}
	return d.gateway.DataAddr()
}

func (d *Deployment) Plan() *kdag.Plan {
	return d.plan
}

// Status reports every planned unit, the gateway first, then each stage
// group in topological order.
func (d *Deployment) Status(ctx context.Context) []UnitStatus {
	var out []UnitStatus
	if g := d.plan.Gateway; g != nil {
		st := UnitStatus{Name: g.Name, Stage: g.Stage, Role: g.Role, State: StateDown}
		if d.gateway != nil {
			st.Control, st.Data = d.gateway.ControlAddr(), d.gateway.DataAddr()
			s, err := d.opts.Client.Status(ctx, st.Control)
			if err != nil {
				st.Err = err
			} else {
				st.State = s.State
			}
		}
		out = append(out, st)
	}
	for _, id := range d.plan.Order {
		if pod, ok := d.pods[id]; ok {
			out = append(out, pod.Status(ctx)...)
		}
	}
	return out
}

// Close stops the gateway first, then the stage groups concurrently.
func (d *Deployment) Close(ctx context.Context, grace time.Duration) (CloseReport, error) {
	var (
		report CloseReport
		errs   error
	)
	if d.embedded != nil {
		if err := d.embedded.Shutdown(ctx); err != nil {
			d.embedded.Kill()
			errs = multierr.Append(errs, err)
		}
	}
	if d.gateway != nil {
		r, err := stopAll(ctx, []Unit{d.gateway}, grace, d.log)
		report.ForceKilled = append(report.ForceKilled, r.ForceKilled...)
		errs = multierr.Append(errs, err)
	}

	type result struct {
		report CloseReport
		err    error
	}
	results := make(chan result, len(d.pods))
	for _, pod := range d.pods {
		go func() {
			r, err := pod.Close(ctx, grace)
			results <- result{r, err}
		}()
	}
	for range d.pods {
		r := <-results
		report.ForceKilled = append(report.ForceKilled, r.report.ForceKilled...)
		errs = multierr.Append(errs, r.err)
	}
	slices.Sort(report.ForceKilled)
	return report, errs
}

func (d *Deployment) kill() {
	if d.embedded != nil {
		d.embedded.Kill()
	}
	if d.gateway != nil {
		d.gateway.Kill()
	}
	for _, pod := range d.pods {
		pod.teardown()
	}
}

// FirstDown returns the first unit of statuses that is not live.
func FirstDown(statuses []UnitStatus) (UnitStatus, bool) {
	for _, s := range statuses {
		if !runtime.State(s.State).Live() {
			return s, true
		}
	}
	return UnitStatus{}, false
}
