package telemetry

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

func TestMetricsWithNoopProviders(t *testing.T) {
	m, err := NewWith(metricnoop.NewMeterProvider(), tracenoop.NewTracerProvider())
	require.NoError(t, err)
	ctx := context.Background()
	m.Transition(ctx, "received", "analyzing")
	m.Failure(ctx, "infer", "transient")
	m.Escalation(ctx, "engine")
	m.Dispatch(ctx, "sent")
	vctx, end := m.StartVisit(ctx, "p1")
	assert.NotNil(t, vctx)
	end("advanced", errors.New("boom"))
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	ctx := context.Background()
	m.Transition(ctx, "a", "b")
	m.Failure(ctx, "x", "y")
	_, end := m.StartVisit(ctx, "p1")
	end("noop", nil)
	_, span := m.Span(ctx, "call")
	span.End()
}
