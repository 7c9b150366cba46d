package kflow

import (
	"log/slog"
	"time"

	"github.com/go-logr/logr"

	"github.com/birdayz/kflow/internal/execution"
	"github.com/birdayz/kflow/kdag"
	"github.com/birdayz/kflow/kstage"
)

const (
	// DefaultTimeout bounds one client call.
	DefaultTimeout = 60 * time.Second
	// DefaultShutdownGrace is how long Close waits for a unit before killing
	// it.
	DefaultShutdownGrace = 10 * time.Second
	DefaultJoinTTL       = 5 * time.Minute
	DefaultPrefetch      = 4
)

// Option is a function that configures a Flow
type Option func(*Flow)

// WithLog sets the logger for the flow and every in-process unit
var WithLog = func(log *slog.Logger) Option {
	return func(f *Flow) {
		f.log = log
	}
}

// WithLogr routes the flow's logs to a logr sink
var WithLogr = func(l logr.Logger) Option {
	return func(f *Flow) {
		f.log = slog.New(logr.ToSlogHandler(l))
	}
}

// WithRegistry sets the stage and reducer kinds available to the flow.
// Stage kinds are checked against it when the flow is created.
var WithRegistry = func(r *kstage.Registry) Option {
	return func(f *Flow) {
		f.registry = r
	}
}

// WithInterceptors wraps every in-process stage with the given interceptors
var WithInterceptors = func(interceptors ...kstage.Interceptor) Option {
	return func(f *Flow) {
		f.interceptors = append(f.interceptors, interceptors...)
	}
}

// WithSubprocesses runs every unit as a separate process. command must
// accept the `pea` subcommand of cmd/kflow; empty uses the running
// executable. Subprocesses only know the stage kinds compiled into command.
var WithSubprocesses = func(command string, args ...string) Option {
	return func(f *Flow) {
		f.spawner = &execution.ProcessSpawner{Command: command, Args: args}
	}
}

// WithOptimize sets how the topology is laid out
var WithOptimize = func(level kdag.OptimizeLevel) Option {
	return func(f *Flow) {
		f.settings.Optimize = level
	}
}

// WithWorkspace sets the root directory of persistent stage state. Without
// it state is kept in memory.
var WithWorkspace = func(dir string) Option {
	return func(f *Flow) {
		f.settings.Workspace = dir
	}
}

// WithTimeout bounds every client call
var WithTimeout = func(timeout time.Duration) Option {
	return func(f *Flow) {
		f.settings.Timeout = timeout
	}
}

// WithBatchSize splits submitted documents into batches of n. 0 sends every
// submission as one batch.
var WithBatchSize = func(n int) Option {
	return func(f *Flow) {
		f.settings.BatchSize = n
	}
}

// WithPrefetch bounds the number of batches in flight per submission
var WithPrefetch = func(n int) Option {
	return func(f *Flow) {
		f.settings.Prefetch = n
	}
}

// WithTopK sets the default number of matches returned by searches
var WithTopK = func(k int) Option {
	return func(f *Flow) {
		f.settings.TopK = k
	}
}

// WithJoinTTL sets how long join points keep partial envelopes
var WithJoinTTL = func(ttl time.Duration) Option {
	return func(f *Flow) {
		f.settings.JoinTTL = ttl
	}
}

// WithPartial keeps a replicated stage running when some of its replicas
// fail to start
var WithPartial = func(partial bool) Option {
	return func(f *Flow) {
		f.partial = partial
	}
}

// WithProbeTimeout bounds every readiness probe
var WithProbeTimeout = func(timeout time.Duration) Option {
	return func(f *Flow) {
		f.probeTimeout = timeout
	}
}

// WithShutdownGrace sets how long Close waits for units to stop
var WithShutdownGrace = func(grace time.Duration) Option {
	return func(f *Flow) {
		f.grace = grace
	}
}

// NullLogger creates a logger that discards all output
func NullLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// CallOption configures a single Submit.
type CallOption func(*callOptions)

type callOptions struct {
	requestID string
	topK      int
	batchSize int
	prefetch  int
	timeout   time.Duration
	callback  func(*Batch)
}

// RequestID sets the request id of the call. Batches are suffixed with
// their index when a submission is split.
func RequestID(id string) CallOption {
	return func(o *callOptions) {
		o.requestID = id
	}
}

// TopK overrides the flow's top-k for one search.
func TopK(k int) CallOption {
	return func(o *callOptions) {
		o.topK = k
	}
}

// BatchSize overrides the flow's batch size for one submission.
func BatchSize(n int) CallOption {
	return func(o *callOptions) {
		o.batchSize = n
	}
}

// Prefetch overrides the flow's prefetch for one submission.
func Prefetch(n int) CallOption {
	return func(o *callOptions) {
		o.prefetch = n
	}
}

// Timeout overrides the flow's per-call timeout for one submission.
func Timeout(d time.Duration) CallOption {
	return func(o *callOptions) {
		o.timeout = d
	}
}

// OnBatch calls fn with every batch response as it arrives. Calls are never
// concurrent.
func OnBatch(fn func(*Batch)) CallOption {
	return func(o *callOptions) {
		o.callback = fn
	}
}
