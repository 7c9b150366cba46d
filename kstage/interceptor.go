package kstage

import (
	"context"
	"log/slog"
	"time"

	"github.com/birdayz/kflow/kdoc"
)

// Handler is the processing function an interceptor wraps.
type Handler func(ctx context.Context, call Call, docs []*kdoc.Document) ([]*kdoc.Document, error)

// Interceptor wraps stage execution with custom logic.
// Signature matches gRPC's interceptor pattern: (ctx, req, handler) -> resp.
type Interceptor func(ctx context.Context, call Call, docs []*kdoc.Document, next Handler) ([]*kdoc.Document, error)

type intercepted struct {
	Stage
	handler Handler
}

func (s *intercepted) Process(ctx context.Context, call Call, docs []*kdoc.Document) ([]*kdoc.Document, error) {
	return s.handler(ctx, call, docs)
}

func (s *intercepted) Init(c *Context) error {
	return Init(s.Stage, c)
}

func (s *intercepted) Close() error {
	return Close(s.Stage)
}

// Intercept wraps s. Interceptors execute outer-to-inner (the first one
// wraps all others).
func Intercept(s Stage, interceptors ...Interceptor) Stage {
	if len(interceptors) == 0 {
		return s
	}
	handler := Handler(s.Process)
	for i := len(interceptors) - 1; i >= 0; i-- {
		interceptor := interceptors[i]
		next := handler
		handler = func(ctx context.Context, call Call, docs []*kdoc.Document) ([]*kdoc.Document, error) {
			return interceptor(ctx, call, docs, next)
		}
	}
	return &intercepted{Stage: s, handler: handler}
}

// LoggingInterceptor logs every batch at debug level and failures at error
// level.
func LoggingInterceptor(logger *slog.Logger) Interceptor {
	return func(ctx context.Context, call Call, docs []*kdoc.Document, next Handler) ([]*kdoc.Document, error) {
		start := time.Now()
		out, err := next(ctx, call, docs)
		if err != nil {
			logger.Error("Processing failed", "request", call.RequestID, "kind", call.Kind, "error", err)
			return out, err
		}
		logger.Debug("Processed batch",
			"request", call.RequestID,
			"kind", call.Kind,
			"in", len(docs),
			"out", len(out),
			"took", time.Since(start),
		)
		return out, nil
	}
}
