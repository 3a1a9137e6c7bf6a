package kvrepo

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestMetrics(t *testing.T) {
	reg := prometheus.NewPedanticRegistry()
	m := NewMetrics(reg)
	env := setup(t, "memory", Options{Metrics: m})
	ctx := context.Background()

	saveAll(t, env.users, "acme", &User{ID: "u1", Email: "a@x"})
	assert.ErrorIs(t, env.users.FindByID(ctx, "acme", "nope").Err(), ErrNotFound)
	assert.ErrorIs(t, env.users.Save(ctx, "acme", &User{ID: "u2", Email: "a@x"}).Err(), ErrConflict)
	require.NoError(t, env.users.Delete(ctx, "acme", "u1").Err())

	assert.Equal(t, 1.0, testutil.ToFloat64(m.ops.WithLabelValues("users", "save", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ops.WithLabelValues("users", "save", string(KindConflict))))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ops.WithLabelValues("users", "find_by_id", string(KindNotFound))))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.changes.WithLabelValues("users", "put")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.changes.WithLabelValues("users", "delete")))
	assert.Equal(t, 3, testutil.CollectAndCount(m.duration))

	// unique violations are not retried
	assert.Equal(t, 0, testutil.CollectAndCount(m.conflicts))

	n, err := testutil.GatherAndCount(reg, "kvrepo_operations_total")
	require.NoError(t, err)
	assert.Equal(t, 4, n)
}

func TestMetrics_Nil(t *testing.T) {
	var m *Metrics
	m.observe("users", "save", nil, 0)
	m.conflict("users")
	m.change("users", OpPut)
}

func TestTracing(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	env := setup(t, "memory", Options{Tracer: tp.Tracer("kvrepo-test")})
	ctx := context.Background()

	saveAll(t, env.users, "acme", &User{ID: "u1", Email: "a@x"})
	assert.ErrorIs(t, env.users.FindByID(ctx, "globex", "u1").Err(), ErrNotFound)

	spans := sr.Ended()
	require.Len(t, spans, 2)

	assert.Equal(t, "kvrepo.save", spans[0].Name())
	assert.Equal(t, codes.Ok, spans[0].Status().Code)
	assert.Contains(t, spans[0].Attributes(), attribute.String("kvrepo.collection", "users"))
	assert.Contains(t, spans[0].Attributes(), attribute.String("kvrepo.tenant", "acme"))

	assert.Equal(t, "kvrepo.find_by_id", spans[1].Name())
	assert.Equal(t, codes.Error, spans[1].Status().Code)
	assert.Equal(t, string(KindNotFound), spans[1].Status().Description)
	assert.Contains(t, spans[1].Attributes(), attribute.String("kvrepo.tenant", "globex"))
	require.Len(t, spans[1].Events(), 1)
	assert.Equal(t, "exception", spans[1].Events()[0].Name)
}
