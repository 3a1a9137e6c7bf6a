package kvrepo

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Metrics holds the Prometheus collectors updated by repository operations.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	ops       *prometheus.CounterVec
	duration  *prometheus.HistogramVec
	conflicts *prometheus.CounterVec
	changes   *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg, if non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kvrepo_operations_total",
			Help: "Repository operations by collection, operation and outcome",
		}, []string{"collection", "op", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "kvrepo_operation_duration_seconds",
			Help:    "Repository operation latency",
			Buckets: prometheus.ExponentialBuckets(0.0001, 4, 10),
		}, []string{"collection", "op"}),
		conflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kvrepo_write_conflicts_total",
			Help: "Optimistic concurrency conflicts that caused a write retry",
		}, []string{"collection"}),
		changes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kvrepo_changes_total",
			Help: "Committed record changes",
		}, []string{"collection", "op"}),
	}
	if reg != nil {
		reg.MustRegister(m.ops, m.duration, m.conflicts, m.changes)
	}
	return m
}

func (m *Metrics) observe(coll, op string, err error, elapsed time.Duration) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = string(KindOf(err))
	}
	m.ops.WithLabelValues(coll, op, outcome).Inc()
	m.duration.WithLabelValues(coll, op).Observe(elapsed.Seconds())
}

func (m *Metrics) conflict(coll string) {
	if m == nil {
		return
	}
	m.conflicts.WithLabelValues(coll).Inc()
}

func (m *Metrics) change(coll string, op ChangeOp) {
	if m == nil {
		return
	}
	m.changes.WithLabelValues(coll, op.String()).Inc()
}

// observe wraps a repository operation in a span and records its outcome.
func (db *DB) observe(ctx context.Context, coll *Collection, op, tenant string, f func(ctx context.Context) error) error {
	ctx, span := db.tracer.Start(ctx, "kvrepo."+op, trace.WithAttributes(
		attribute.String("kvrepo.collection", coll.name),
		attribute.String("kvrepo.tenant", tenant),
	))
	defer span.End()

	start := time.Now()
	err := f(ctx)
	db.metrics.observe(coll.name, op, err, time.Since(start))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(KindOf(err)))
	} else {
		span.SetStatus(codes.Ok, "")
	}
	return err
}
