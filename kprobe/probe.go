// Package kprobe checks whether a runtime unit is reachable and able to take
// traffic, using only its control address.
package kprobe

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/birdayz/kflow/internal/transport"
)

var (
	// ErrTimeout means the unit did not answer within the bound. It may be
	// alive but slow.
	ErrTimeout = errors.New("probe timed out")
	// ErrUnreachable means nothing answered at the address.
	ErrUnreachable = errors.New("unit unreachable")
	// ErrNotLive means the unit answered but is neither READY nor SERVING.
	ErrNotLive = errors.New("unit not live")
)

// DefaultTimeout bounds a probe when the caller passes none.
const DefaultTimeout = 3 * time.Second

// Result is the outcome of one probe.
type Result struct {
	Addr      string
	Reachable bool
	// State is the state the unit reported, empty when unreachable.
	State   string
	Status  transport.Status
	Latency time.Duration
	Err     error
}

// OK reports whether the unit is reachable and READY or SERVING.
func (r Result) OK() bool {
	return r.Reachable && r.Err == nil && live(r.State)
}

func live(state string) bool {
	return state == "READY" || state == "SERVING"
}

func (r Result) String() string {
	if r.Reachable {
		return fmt.Sprintf("%s: %s (%s) in %s", r.Addr, r.Status.Name, r.State, r.Latency)
	}
	return fmt.Sprintf("%s: %v after %s", r.Addr, r.Err, r.Latency)
}

// Prober probes control addresses.
type Prober struct {
	client *transport.Client
}

func New(client *transport.Client) *Prober {
	return &Prober{client: client}
}

var Default = New(transport.Default)

// Probe queries the unit at addr once.
func Probe(ctx context.Context, addr string, timeout time.Duration) Result {
	return Default.Probe(ctx, addr, timeout)
}

func (p *Prober) Probe(ctx context.Context, addr string, timeout time.Duration) Result {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	st, err := p.client.Status(ctx, addr)
	r := Result{Addr: addr, Latency: time.Since(start)}
	if err != nil {
		r.Err = classify(ctx, err)
		return r
	}
	r.Reachable = true
	r.State = st.State
	r.Status = st
	if !live(st.State) {
		r.Err = fmt.Errorf("%w: %s is %s", ErrNotLive, addr, st.State)
	}
	return r
}

// Retry probes until the unit is OK or attempts are used up, waiting
// interval between attempts. It returns the last result.
func (p *Prober) Retry(ctx context.Context, addr string, timeout time.Duration, attempts int, interval time.Duration) Result {
	var r Result
	for i := range max(attempts, 1) {
		if i > 0 {
			select {
			case <-ctx.Done():
				r.Err = classify(ctx, ctx.Err())
				return r
			case <-time.After(interval):
			}
		}
		r = p.Probe(ctx, addr, timeout)
		if r.OK() {
			return r
		}
	}
	return r
}

func classify(ctx context.Context, err error) error {
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(ctx.Err(), context.DeadlineExceeded):
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	case errors.As(err, &netErr) && netErr.Timeout():
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	default:
		return fmt.Errorf("%w: %w", ErrUnreachable, err)
	}
}
