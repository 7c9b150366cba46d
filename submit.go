package kflow

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/birdayz/kflow/internal/execution"
	"github.com/birdayz/kflow/kdag"
	"github.com/birdayz/kflow/kdoc"
	"github.com/birdayz/kflow/kstage"
)

// Batch is the response to one batch of a submission.
type Batch struct {
	RequestID string
	// Index is the batch's position in the submission.
	Index int
	Docs  []*kdoc.Document
	Trail []kdoc.Hop
}

// Response holds every batch of a submission in submission order.
type Response struct {
	Kind    kdoc.CallKind
	Docs    []*kdoc.Document
	Batches []*Batch
}

// Index stores docs in the flow's indexers.
func (f *Flow) Index(ctx context.Context, docs []*kdoc.Document, opts ...CallOption) (*Response, error) {
	return f.Submit(ctx, kdoc.CallIndex, docs, opts...)
}

// Search sets the matches of every query unit of docs.
func (f *Flow) Search(ctx context.Context, docs []*kdoc.Document, opts ...CallOption) (*Response, error) {
	return f.Submit(ctx, kdoc.CallSearch, docs, opts...)
}

// Submit sends docs through the flow and waits for every batch. Documents
// without an ID get a random one. The first failing batch fails the call;
// batches still in flight are abandoned.
func (f *Flow) Submit(ctx context.Context, kind kdoc.CallKind, docs []*kdoc.Document, opts ...CallOption) (*Response, error) {
	if err := kind.Validate(); err != nil {
		return nil, err
	}
	d, err := f.built()
	if err != nil {
		return nil, err
	}
	o := f.callOptions(kind, opts)

	assignIDs(docs)
	batches := split(docs, o.batchSize)
	out := make([]*Batch, len(batches))

	var cbMu sync.Mutex
	sem := semaphore.NewWeighted(int64(o.prefetch))
	g, gctx := errgroup.WithContext(ctx)
	for i, batch := range batches {
		if err := sem.Acquire(gctx, 1); err != nil {
			break
		}
		id := o.requestID
		switch {
		case id == "":
			id = uuid.NewString()
		case len(batches) > 1:
			id = fmt.Sprintf("%s-%d", id, i)
		}
		g.Go(func() error {
			defer sem.Release(1)
			env := &kdoc.Envelope{RequestID: id, Kind: kind, TopK: o.topK, Docs: batch}
			b, err := f.call(gctx, d, env, o.timeout)
			if err != nil {
				return err
			}
			b.Index = i
			out[i] = b
			if o.callback != nil {
				cbMu.Lock()
				defer cbMu.Unlock()
				o.callback(b)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	resp := &Response{Kind: kind, Batches: out}
	for _, b := range out {
		resp.Docs = append(resp.Docs, b.Docs...)
	}
	return resp, nil
}

func (f *Flow) call(ctx context.Context, d *execution.Deployment, env *kdoc.Envelope, timeout time.Duration) (*Batch, error) {
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resp, err := d.Call(cctx, env)
	switch {
	case err == nil:
	case ctx.Err() != nil:
		return nil, ctx.Err()
	case errors.Is(err, context.DeadlineExceeded):
		return nil, fmt.Errorf("%w: request %s after %s", ErrTimeout, env.RequestID, timeout)
	default:
		return nil, &RoutingError{Stage: kdag.GatewayName, Unit: kdag.GatewayName, Err: err}
	}
	if resp.Failed() {
		f.log.Debug("Call failed", "request", env.RequestID, "error", resp.Err)
		return nil, failureErr(resp.Err)
	}
	return &Batch{RequestID: resp.RequestID, Docs: resp.Docs, Trail: resp.Trail}, nil
}

func (f *Flow) callOptions(kind kdoc.CallKind, opts []CallOption) callOptions {
	o := callOptions{
		topK:      f.settings.TopK,
		batchSize: f.settings.BatchSize,
		prefetch:  f.settings.Prefetch,
		timeout:   f.timeout(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	if kind == kdoc.CallSearch && o.topK <= 0 {
		o.topK = kstage.DefaultTopK
	}
	if o.prefetch <= 0 {
		o.prefetch = DefaultPrefetch
	}
	if o.timeout <= 0 {
		o.timeout = DefaultTimeout
	}
	return o
}

// split cuts docs into batches of n. An empty submission is one empty batch.
func split(docs []*kdoc.Document, n int) [][]*kdoc.Document {
	if n <= 0 || len(docs) <= n {
		return [][]*kdoc.Document{docs}
	}
	var out [][]*kdoc.Document
	for len(docs) > n {
		out = append(out, docs[:n:n])
		docs = docs[n:]
	}
	return append(out, docs)
}

func assignIDs(docs []*kdoc.Document) {
	for _, d := range docs {
		if d.ID == 0 {
			u := uuid.New()
			d.ID = binary.BigEndian.Uint64(u[:8])
		}
	}
}
