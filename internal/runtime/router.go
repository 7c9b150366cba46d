package runtime

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/birdayz/kflow/internal/coordination"
	"github.com/birdayz/kflow/internal/transport"
	"github.com/birdayz/kflow/kdag"
	"github.com/birdayz/kflow/kdoc"
	"github.com/birdayz/kflow/kstage"
)

// route handles one accepted envelope according to the pea's role.
func (p *Pea) route(ctx context.Context, env *kdoc.Envelope) {
	p.metrics.envelopes.WithLabelValues("in").Inc()

	ctx, span := tracer.Start(ctx, p.cfg.Name,
		trace.WithAttributes(
			attribute.String("kflow.stage", p.cfg.Stage),
			attribute.String("kflow.role", string(p.cfg.Role)),
			attribute.String("kflow.request", env.RequestID),
			attribute.String("kflow.kind", string(env.Kind)),
			attribute.Int("kflow.docs", len(env.Docs)),
		),
	)
	defer span.End()
	if env.Failed() {
		span.SetStatus(codes.Error, env.Err.Error())
	}

	switch p.cfg.Role {
	case kdag.RoleGateway:
		p.gateway.Deliver(env)
	case kdag.RoleHead:
		p.fanOut(ctx, env)
	case kdag.RoleTail:
		p.collect(ctx, env)
	default:
		p.work(ctx, env)
	}
}

// join buffers env until every expected predecessor delivered and returns
// the merged envelope. Documents are concatenated in predecessor order.
func (p *Pea) join(env *kdoc.Envelope) (*kdoc.Envelope, bool) {
	expect := p.currentWiring().Expect
	if len(expect) <= 1 {
		return env, true
	}
	if !slices.Contains(expect, env.From) {
		p.log.Warn("Dropping envelope from unexpected predecessor", "request", env.RequestID, "from", env.From, "expect", expect)
		return nil, false
	}

	slots, complete := p.joins.Add(env.RequestID, env.From, env, len(expect))
	if !complete {
		return nil, false
	}
	parts := make([]*kdoc.Envelope, 0, len(expect))
	for _, name := range expect {
		parts = append(parts, slots[name])
	}
	merged := parts[0].Derive(nil)
	for _, e := range parts {
		merged.Docs = append(merged.Docs, e.Docs...)
	}
	merged.Trail = kdoc.MergeTrails(parts...)
	return merged, true
}

func (p *Pea) work(ctx context.Context, env *kdoc.Envelope) {
	// Replicas of a group are fed by the head, which did the joining.
	if p.cfg.Replicas == 1 {
		joined, ok := p.join(env)
		if !ok {
			return
		}
		env = joined
	}

	env.Visit(p.cfg.Stage, p.cfg.Name)
	call := kstage.Call{Kind: env.Kind, TopK: env.TopK, RequestID: env.RequestID}

	p.stageMu.Lock()
	docs, err := p.stage.Process(ctx, call, env.Docs)
	p.stageMu.Unlock()

	var out *kdoc.Envelope
	if err != nil {
		trace.SpanFromContext(ctx).SetStatus(codes.Error, err.Error())
		out = env.Fail(kdoc.FailureStage, p.cfg.Stage, p.cfg.Name, err)
	} else {
		out = env.Derive(docs)
	}

	if p.cfg.Replicas > 1 {
		out.Part, out.Parts, out.Shard, out.Slots = env.Part, env.Parts, env.Shard, env.Slots
		p.sendAll(ctx, out, p.currentWiring().Targets)
		return
	}
	if out.Failed() {
		p.reply(ctx, out)
		return
	}
	p.emit(ctx, out)
}

// emit forwards the stage's output to every successor entry, or back to the
// gateway when the stage is a sink.
func (p *Pea) emit(ctx context.Context, env *kdoc.Envelope) {
	env.From = p.cfg.Stage
	targets := p.currentWiring().Targets
	if len(targets) == 0 {
		p.reply(ctx, env)
		return
	}
	p.sendAll(ctx, env, targets)
}

func (p *Pea) sendAll(ctx context.Context, env *kdoc.Envelope, targets []transport.Target) {
	for _, t := range targets {
		if err := p.send(ctx, t, env); err != nil {
			p.reply(ctx, env.Fail(kdoc.FailureRouting, p.cfg.Stage, p.cfg.Name, fmt.Errorf("forward to %s: %w", t.Node, err)))
			return
		}
	}
}

func (p *Pea) send(ctx context.Context, t transport.Target, env *kdoc.Envelope) error {
	if p.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.Timeout)
		defer cancel()
	}
	if err := p.client.Send(ctx, t.Addr, env); err != nil {
		p.log.Warn("Forward failed", "request", env.RequestID, "to", t.Node, "addr", t.Addr, "error", err)
		return err
	}
	p.metrics.envelopes.WithLabelValues("out").Inc()
	return nil
}

// reply sends env straight to the gateway that issued the request.
func (p *Pea) reply(ctx context.Context, env *kdoc.Envelope) {
	if env.Failed() {
		p.metrics.failures.WithLabelValues(string(env.Err.Kind)).Inc()
	}
	if env.ReplyTo == "" {
		p.log.Error("Dropping response without reply address", "request", env.RequestID)
		return
	}
	if err := p.send(ctx, transport.Target{Node: kdag.GatewayName, Addr: env.ReplyTo}, env); err != nil {
		p.log.Error("Reply to gateway failed", "request", env.RequestID, "error", err)
	}
}

// fanOut distributes an envelope entering a replicated group.
func (p *Pea) fanOut(ctx context.Context, env *kdoc.Envelope) {
	joined, ok := p.join(env)
	if !ok {
		return
	}
	env = joined
	workers := p.currentWiring().Targets

	switch {
	case p.cfg.Sharded && env.Kind == kdoc.CallIndex:
		parts := p.splitter.Split(env.Docs)
		if len(parts) == 0 {
			parts = []coordination.Part{{Shard: p.balancer.Pick(0)}}
		}
		for i, part := range parts {
			out := env.Derive(part.Docs)
			out.Part, out.Parts, out.Shard, out.Slots = i, len(parts), part.Shard, part.Slots
			if err := p.sendShard(ctx, workers, part.Shard, out); err != nil {
				return
			}
		}
	case env.Kind != kdoc.CallIndex && p.cfg.broadcasts():
		for i, w := range workers {
			out := env.Derive(kdoc.CloneAll(env.Docs))
			out.Part, out.Parts, out.Shard = i, len(workers), w.Shard
			if err := p.sendShard(ctx, workers, w.Shard, out); err != nil {
				return
			}
		}
	default:
		p.pickOne(ctx, env, workers)
	}
}

func (p *Pea) sendShard(ctx context.Context, workers []transport.Target, shard int, env *kdoc.Envelope) error {
	i := slices.IndexFunc(workers, func(t transport.Target) bool { return t.Shard == shard })
	if i < 0 {
		err := fmt.Errorf("no replica wired for shard %d", shard)
		p.reply(ctx, env.Fail(kdoc.FailureRouting, p.cfg.Stage, p.cfg.Name, err))
		return err
	}
	if err := p.send(ctx, workers[i], env); err != nil {
		p.reply(ctx, env.Fail(kdoc.FailureRouting, p.cfg.Stage, p.cfg.Name, fmt.Errorf("forward to shard %d: %w", shard, err)))
		return err
	}
	return nil
}

// pickOne sends env to a single replica chosen by the balancer, moving on to
// the next replica while sending fails.
func (p *Pea) pickOne(ctx context.Context, env *kdoc.Envelope, workers []transport.Target) {
	if len(workers) == 0 {
		p.reply(ctx, env.Fail(kdoc.FailureRouting, p.cfg.Stage, p.cfg.Name, errors.New("no replicas wired")))
		return
	}
	start := p.balancer.Pick(len(env.Docs))
	var lastErr error
	for attempt := range len(workers) {
		t := workers[(start+attempt)%len(workers)]
		out := env.Derive(env.Docs)
		out.Parts, out.Shard = 1, t.Shard
		if lastErr = p.send(ctx, t, out); lastErr == nil {
			return
		}
	}
	p.reply(ctx, env.Fail(kdoc.FailureRouting, p.cfg.Stage, p.cfg.Name, fmt.Errorf("no live replica: %w", lastErr)))
}

// collect gathers the parts of a request at the tail of a group.
func (p *Pea) collect(ctx context.Context, env *kdoc.Envelope) {
	if env.Failed() {
		p.parts.Discard(env.RequestID)
		p.reply(ctx, env)
		return
	}

	need := max(env.Parts, 1)
	slots, complete := p.parts.Add(env.RequestID, strconv.Itoa(env.Part), env, need)
	if !complete {
		return
	}
	parts := make([]*kdoc.Envelope, 0, need)
	for _, e := range slots {
		parts = append(parts, e)
	}
	slices.SortFunc(parts, func(a, b *kdoc.Envelope) int {
		return cmp.Or(cmp.Compare(a.Shard, b.Shard), cmp.Compare(a.Part, b.Part))
	})

	out, err := p.combine(parts)
	if err != nil {
		p.reply(ctx, env.Fail(kdoc.FailureReduction, p.cfg.Stage, p.cfg.Name, err))
		return
	}
	p.emit(ctx, out)
}

// combine turns the parts of one request, ordered by shard, into the
// group's output.
func (p *Pea) combine(parts []*kdoc.Envelope) (*kdoc.Envelope, error) {
	out := parts[0].Derive(nil)
	out.Trail = kdoc.MergeTrails(parts...)

	switch {
	case len(parts) == 1:
		out.Docs = parts[0].Docs
	case parts[0].Slots != nil:
		split := make([]coordination.Part, len(parts))
		for i, e := range parts {
			split[i] = coordination.Part{Shard: e.Shard, Docs: e.Docs, Slots: e.Slots}
		}
		out.Docs = coordination.Reassemble(split)
	case p.reducer != nil && out.Kind == kdoc.CallSearch:
		partials := make([]kstage.PartialResult, len(parts))
		for i, e := range parts {
			partials[i] = kstage.PartialResult{Shard: e.Shard, Docs: e.Docs}
		}
		merged, err := p.reducer.Merge(partials, out.TopK)
		if err != nil {
			return nil, err
		}
		out.Docs = merged.Docs
	default:
		for _, e := range parts {
			out.Docs = append(out.Docs, e.Docs...)
		}
	}
	return out, nil
}
