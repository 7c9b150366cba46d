package runtime

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"

	"github.com/birdayz/kflow/kdoc"
	"github.com/birdayz/kflow/kstage"
)

var tracer = otel.Tracer("kflow.runtime")

// metrics are registered on a registry owned by the pea, so several peas in
// one process do not collide.
type metrics struct {
	registry *prometheus.Registry

	envelopes     *prometheus.CounterVec
	failures      *prometheus.CounterVec
	stageDuration *prometheus.HistogramVec
	documents     prometheus.Counter
	joinsPending  prometheus.GaugeFunc
}

func newMetrics(cfg Config, pending func() float64) *metrics {
	reg := prometheus.NewRegistry()
	labels := prometheus.Labels{"pea": cfg.Name, "stage": cfg.Stage, "role": string(cfg.Role)}
	f := promauto.With(reg)

	return &metrics{
		registry: reg,
		// envelopes counts envelopes by direction: in, out.
		envelopes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "kflow",
			Subsystem:   "pea",
			Name:        "envelopes_total",
			Help:        "Envelopes received and sent by the pea",
			ConstLabels: labels,
		}, []string{"direction"}),
		// failures counts failure envelopes produced here by kind.
		failures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "kflow",
			Subsystem:   "pea",
			Name:        "failures_total",
			Help:        "Failure envelopes produced by the pea",
			ConstLabels: labels,
		}, []string{"kind"}),
		stageDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   "kflow",
			Subsystem:   "stage",
			Name:        "process_duration_seconds",
			Help:        "Duration of stage invocations",
			ConstLabels: labels,
			Buckets:     []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}, []string{"kind", "status"}),
		documents: f.NewCounter(prometheus.CounterOpts{
			Namespace:   "kflow",
			Subsystem:   "stage",
			Name:        "documents_total",
			Help:        "Documents handed to the stage",
			ConstLabels: labels,
		}),
		joinsPending: f.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace:   "kflow",
			Subsystem:   "pea",
			Name:        "joins_pending",
			Help:        "Requests waiting for more parts or predecessors",
			ConstLabels: labels,
		}, pending),
	}
}

// interceptor records stage invocations.
func (m *metrics) interceptor() kstage.Interceptor {
	return func(ctx context.Context, call kstage.Call, docs []*kdoc.Document, next kstage.Handler) ([]*kdoc.Document, error) {
		start := time.Now()
		out, err := next(ctx, call, docs)
		status := "ok"
		if err != nil {
			status = "error"
		}
		m.stageDuration.WithLabelValues(string(call.Kind), status).Observe(time.Since(start).Seconds())
		m.documents.Add(float64(len(docs)))
		return out, err
	}
}
