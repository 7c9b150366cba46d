// Package runtime runs a single unit of a stage group: a worker executing the
// stage, the head or tail of a replicated group, or a dedicated gateway.
//
// A Pea binds two listeners. The control listener answers status, serve and
// shutdown requests and exposes the pea's metrics. The data listener accepts
// envelopes, but only while the pea is SERVING.
package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/multierr"

	"github.com/birdayz/kflow/internal/coordination"
	"github.com/birdayz/kflow/internal/gateway"
	"github.com/birdayz/kflow/internal/transport"
	"github.com/birdayz/kflow/kdag"
	"github.com/birdayz/kflow/kdoc"
	"github.com/birdayz/kflow/kstage"
)

type Option func(*Pea)

var WithLogger = func(log *slog.Logger) Option {
	return func(p *Pea) {
		p.log = log
	}
}

var WithRegistry = func(r *kstage.Registry) Option {
	return func(p *Pea) {
		p.registry = r
	}
}

var WithClient = func(c *transport.Client) Option {
	return func(p *Pea) {
		p.client = c
	}
}

// WithInterceptors wraps the stage of worker peas. They run inside the
// logging and metrics interceptors.
var WithInterceptors = func(interceptors ...kstage.Interceptor) Option {
	return func(p *Pea) {
		p.interceptors = append(p.interceptors, interceptors...)
	}
}

type Pea struct {
	cfg          Config
	log          *slog.Logger
	registry     *kstage.Registry
	client       *transport.Client
	interceptors []kstage.Interceptor
	metrics      *metrics

	mu     sync.Mutex
	state  State
	err    error
	wiring transport.Wiring

	// stageMu serializes stage invocations.
	stageMu sync.Mutex
	stage   kstage.Stage

	reducer  kstage.Reducer
	balancer coordination.Balancer
	splitter *coordination.Splitter
	gateway  *gateway.Gateway

	// joins buffers predecessors at the group entry, parts buffers
	// replica outputs at the tail.
	joins *coordination.JoinBuffer
	parts *coordination.JoinBuffer

	control *server
	data    *server

	inflight  sync.WaitGroup
	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// New validates cfg and returns a pea in SPAWNING state.
func New(cfg Config, opts ...Option) (*Pea, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	p := &Pea{
		cfg:      cfg,
		log:      slog.New(slog.DiscardHandler),
		registry: kstage.DefaultRegistry(),
		client:   transport.Default,
		state:    StateSpawning,
		joins:    coordination.NewJoinBuffer(cfg.JoinTTL),
		parts:    coordination.NewJoinBuffer(cfg.JoinTTL),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.log = p.log.With("pea", cfg.Name)
	p.metrics = newMetrics(cfg, func() float64 {
		return float64(p.joins.Len() + p.parts.Len())
	})
	return p, nil
}

func (p *Pea) Name() string {
	return p.cfg.Name
}

func (p *Pea) Config() Config {
	return p.cfg
}

func (p *Pea) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Err returns the error that moved the pea to FAILED.
func (p *Pea) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func (p *Pea) ControlAddr() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.control == nil {
		return ""
	}
	return p.control.Addr()
}

func (p *Pea) DataAddr() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.data == nil {
		return ""
	}
	return p.data.Addr()
}

// Done is closed once the pea reached CLOSED or FAILED and released its
// resources.
func (p *Pea) Done() <-chan struct{} {
	return p.done
}

func (p *Pea) Status() transport.Status {
	return transport.Status{
		Name:  p.cfg.Name,
		Stage: p.cfg.Stage,
		Role:  p.cfg.Role,
		State: string(p.State()),
		Data:  p.DataAddr(),
	}
}

// changeState must be called with p.mu held.
func (p *Pea) changeState(to State) error {
	if !CanTransition(p.state, to) {
		return transitionErr(p.state, to)
	}
	p.log.Info("Change state", "from", p.state, "to", to)
	p.state = to
	return nil
}

// Start builds the role's collaborators, binds both listeners and moves the
// pea to READY. A failed start leaves the pea FAILED with nothing bound.
func (p *Pea) Start() error {
	if err := p.setup(); err != nil {
		p.fail(err)
		return err
	}

	control, err := listen(p.cfg.Host, p.cfg.ControlPort, p.controlEngine(), p.log)
	if err != nil {
		err = fmt.Errorf("bind control listener: %w", err)
		p.fail(err)
		return err
	}
	data, err := listen(p.cfg.Host, p.cfg.DataPort, p.dataEngine(), p.log)
	if err != nil {
		control.kill()
		err = fmt.Errorf("bind data listener: %w", err)
		p.fail(err)
		return err
	}
	if p.gateway != nil {
		p.gateway.SetAddr(data.Addr())
	}

	p.mu.Lock()
	p.control, p.data = control, data
	err = p.changeState(StateReady)
	p.mu.Unlock()
	if err != nil {
		return err
	}

	if p.cfg.JoinTTL > 0 {
		go p.janitor()
	}
	p.log.Info("Pea ready", "control", control.Addr(), "data", data.Addr())
	return nil
}

func (p *Pea) setup() error {
	switch p.cfg.Role {
	case kdag.RoleGateway:
		p.gateway = gateway.New(p.client, p.log, p.cfg.JoinTTL)
	case kdag.RoleHead:
		b, err := coordination.NewBalancer(p.cfg.Balancing, p.cfg.Replicas)
		if err != nil {
			return err
		}
		p.balancer = b
		p.splitter = coordination.NewSplitter(p.cfg.Replicas)
	case kdag.RoleTail:
		switch {
		case p.cfg.ReducingUses != "":
			r, err := p.registry.NewReducer(p.cfg.ReducingUses, nil)
			if err != nil {
				return err
			}
			p.reducer = r
		case p.cfg.broadcasts():
			// Broadcast searches always need merging, even without an
			// explicit reducer.
			p.reducer = kstage.ReducerFunc(kstage.MergeTopK)
		}
	case kdag.RoleWorker:
		return p.setupStage()
	}
	return nil
}

func (p *Pea) setupStage() error {
	params := kstage.Params(p.cfg.With)
	s, err := p.registry.NewStage(p.cfg.Uses, params)
	if err != nil {
		return err
	}
	interceptors := append([]kstage.Interceptor{
		kstage.LoggingInterceptor(p.log),
		p.metrics.interceptor(),
	}, p.interceptors...)
	s = kstage.Intercept(s, interceptors...)

	c := &kstage.Context{
		Stage:     p.cfg.Stage,
		Unit:      p.cfg.Name,
		Replica:   p.cfg.Replica,
		Root:      p.cfg.WorkspaceRoot,
		Namespace: p.cfg.Namespace,
		Params:    params,
		Logger:    p.log,
	}
	if p.cfg.Sharded {
		c.Shard = p.cfg.Replica
	}
	if p.cfg.WorkspaceRoot != "" {
		c.Workspace = filepath.Join(p.cfg.WorkspaceRoot, p.cfg.Namespace)
	}
	if err := kstage.Init(s, c); err != nil {
		_ = kstage.Close(s)
		return fmt.Errorf("init stage %s: %w", p.cfg.Uses, err)
	}
	p.stage = s
	return nil
}

// Activate installs the wiring and moves a READY pea to SERVING.
func (p *Pea) Activate(w transport.Wiring) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != StateReady {
		return transitionErr(p.state, StateServing)
	}
	p.wiring = w
	if p.gateway != nil {
		p.gateway.Wire(w.Targets, w.Expect)
	}
	return p.changeState(StateServing)
}

func (p *Pea) currentWiring() transport.Wiring {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.wiring
}

// acquire registers an in-flight envelope. It fails unless SERVING.
func (p *Pea) acquire() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != StateServing {
		return false
	}
	p.inflight.Add(1)
	return true
}

func (p *Pea) janitor() {
	interval := max(p.cfg.JoinTTL/2, 10*time.Millisecond)
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-p.stop:
			return
		case <-t.C:
			evicted := append(p.joins.Expire(), p.parts.Expire()...)
			if p.gateway != nil {
				evicted = append(evicted, p.gateway.Expire()...)
			}
			for _, id := range evicted {
				p.log.Warn("Evicted incomplete request", "request", id, "ttl", p.cfg.JoinTTL)
			}
		}
	}
}

// Shutdown stops accepting envelopes, waits for in-flight envelopes until
// ctx is done, and releases the stage and both listeners.
func (p *Pea) Shutdown(ctx context.Context) error {
	p.closeOnce.Do(func() {
		p.closeErr = p.close(ctx, false)
	})
	select {
	case <-p.done:
		return p.closeErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Kill releases everything without waiting for in-flight envelopes.
func (p *Pea) Kill() {
	p.closeOnce.Do(func() {
		p.closeErr = p.close(context.Background(), true)
	})
	<-p.done
}

func (p *Pea) close(ctx context.Context, force bool) error {
	defer close(p.done)

	p.mu.Lock()
	failed := p.state == StateFailed
	if !failed {
		if err := p.changeState(StateClosing); err != nil {
			p.mu.Unlock()
			return err
		}
	}
	control, data := p.control, p.data
	p.mu.Unlock()
	close(p.stop)

	// Pending calls cannot complete once responses are refused.
	if p.gateway != nil {
		p.gateway.Close()
	}

	var errs error
	if !force {
		drained := make(chan struct{})
		go func() {
			p.inflight.Wait()
			close(drained)
		}()
		select {
		case <-drained:
		case <-ctx.Done():
			errs = multierr.Append(errs, fmt.Errorf("waiting for in-flight envelopes: %w", ctx.Err()))
			force = true
		}
	}

	for _, s := range []*server{data, control} {
		if s == nil {
			continue
		}
		if force {
			s.kill()
		} else if err := s.shutdown(ctx); err != nil {
			errs = multierr.Append(errs, err)
		}
	}
	if p.stage != nil {
		p.stageMu.Lock()
		if err := kstage.Close(p.stage); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("close stage: %w", err))
		}
		p.stageMu.Unlock()
	}

	if !failed {
		p.mu.Lock()
		_ = p.changeState(StateClosed)
		p.mu.Unlock()
	}
	return errs
}

// fail moves the pea to FAILED and releases what was acquired.
func (p *Pea) fail(err error) {
	p.mu.Lock()
	if p.state == StateFailed || p.state == StateClosed {
		p.mu.Unlock()
		return
	}
	p.log.Error("Pea failed", "error", err)
	p.err = err
	_ = p.changeState(StateFailed)
	p.mu.Unlock()
	p.closeOnce.Do(func() {
		p.closeErr = p.close(context.Background(), true)
	})
}

// Call runs a client call through the pea's gateway without an HTTP hop.
// It is only valid on gateway peas.
func (p *Pea) Call(ctx context.Context, env *kdoc.Envelope) (*kdoc.Envelope, error) {
	if p.gateway == nil {
		return nil, fmt.Errorf("%s is not a gateway", p.cfg.Name)
	}
	if !p.acquire() {
		return nil, fmt.Errorf("%w: %s is %s", transport.ErrNotServing, p.cfg.Name, p.State())
	}
	defer p.inflight.Done()
	return p.gateway.Call(ctx, env)
}
