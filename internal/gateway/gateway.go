// Package gateway turns client calls into envelopes travelling through a
// topology and collects the responses.
//
// The gateway forwards every call to the entry of each source stage with
// itself as ReplyTo, then acts as a join over the sink stages: the call
// completes once every sink has answered, or as soon as any envelope
// carrying a failure arrives.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/birdayz/kflow/internal/coordination"
	"github.com/birdayz/kflow/internal/transport"
	"github.com/birdayz/kflow/kdag"
	"github.com/birdayz/kflow/kdoc"
)

var (
	ErrNotWired        = errors.New("gateway: not wired")
	ErrDuplicateCall   = errors.New("gateway: request id already in flight")
	ErrForwardFailed   = errors.New("gateway: forward failed")
	ErrGatewayShutdown = errors.New("gateway: shut down")
)

type Gateway struct {
	log    *slog.Logger
	client *transport.Client

	mu      sync.Mutex
	self    string
	sources []transport.Target
	sinks   []string
	pending map[string]chan *kdoc.Envelope
	closed  bool

	joins *coordination.JoinBuffer
}

// New returns an unwired gateway. Responses older than joinTTL are dropped.
func New(client *transport.Client, log *slog.Logger, joinTTL time.Duration) *Gateway {
	return &Gateway{
		log:     log,
		client:  client,
		pending: make(map[string]chan *kdoc.Envelope),
		joins:   coordination.NewJoinBuffer(joinTTL),
	}
}

// SetAddr sets the data address responses are sent to.
func (g *Gateway) SetAddr(addr string) {
	g.mu.Lock()
	g.self = addr
	g.mu.Unlock()
}

// Wire sets the source entries calls are sent to and the sink stages whose
// responses complete a call.
func (g *Gateway) Wire(sources []transport.Target, sinks []string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sources = slices.Clone(sources)
	g.sinks = slices.Clone(sinks)
	slices.Sort(g.sinks)
}

// Call sends env into the topology and waits for the response. A response
// carrying a failure is returned as is, the caller decides how to surface
// it. env.RequestID must be set.
func (g *Gateway) Call(ctx context.Context, env *kdoc.Envelope) (*kdoc.Envelope, error) {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil, ErrGatewayShutdown
	}
	if len(g.sources) == 0 || g.self == "" {
		g.mu.Unlock()
		return nil, ErrNotWired
	}
	if _, dup := g.pending[env.RequestID]; dup {
		g.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrDuplicateCall, env.RequestID)
	}
	done := make(chan *kdoc.Envelope, 1)
	g.pending[env.RequestID] = done
	sources := g.sources
	env.ReplyTo = g.self
	g.mu.Unlock()

	defer g.forget(env.RequestID)

	env.From = kdag.GatewayName
	for _, src := range sources {
		if err := g.client.Send(ctx, src.Addr, env); err != nil {
			return nil, fmt.Errorf("%w to %s (%s): %w", ErrForwardFailed, src.Node, src.Addr, err)
		}
	}

	select {
	case resp, ok := <-done:
		if !ok {
			return nil, ErrGatewayShutdown
		}
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (g *Gateway) forget(id string) {
	g.mu.Lock()
	delete(g.pending, id)
	g.mu.Unlock()
	g.joins.Discard(id)
}

// Deliver hands a response from a sink stage to the waiting call.
func (g *Gateway) Deliver(env *kdoc.Envelope) {
	g.mu.Lock()
	_, ok := g.pending[env.RequestID]
	sinks := g.sinks
	g.mu.Unlock()
	if !ok {
		g.log.Debug("Dropping response without pending call", "request", env.RequestID, "from", env.From)
		return
	}

	if env.Failed() || len(sinks) <= 1 {
		g.resolve(env.RequestID, env)
		return
	}

	if !slices.Contains(sinks, env.From) {
		g.log.Warn("Dropping response from unexpected stage", "request", env.RequestID, "from", env.From)
		return
	}
	slots, complete := g.joins.Add(env.RequestID, env.From, env, len(sinks))
	if !complete {
		return
	}
	parts := make([]*kdoc.Envelope, 0, len(sinks))
	for _, s := range sinks {
		if p, ok := slots[s]; ok {
			parts = append(parts, p)
		}
	}
	merged := parts[0].Derive(nil)
	for _, p := range parts {
		merged.Docs = append(merged.Docs, p.Docs...)
	}
	merged.Trail = kdoc.MergeTrails(parts...)
	g.resolve(env.RequestID, merged)
}

func (g *Gateway) resolve(id string, env *kdoc.Envelope) {
	g.joins.Discard(id)
	g.mu.Lock()
	defer g.mu.Unlock()
	done, ok := g.pending[id]
	if !ok {
		return
	}
	select {
	case done <- env:
	default:
		// Already resolved, e.g. by an earlier failure.
	}
}

// Expire evicts partial responses of calls that never completed.
func (g *Gateway) Expire() []string {
	return g.joins.Expire()
}

// Close fails every pending call.
func (g *Gateway) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return
	}
	g.closed = true
	for id, done := range g.pending {
		close(done)
		delete(g.pending, id)
	}
}
