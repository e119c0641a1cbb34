// Package telemetry records engine metrics and spans through the OpenTelemetry
// API. Without a configured provider every call is a no-op.
package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentation = "proposalflow"

type Metrics struct {
	tracer        trace.Tracer
	transitions   metric.Int64Counter
	failures      metric.Int64Counter
	escalations   metric.Int64Counter
	dispatches    metric.Int64Counter
	visitDuration metric.Float64Histogram
}

// New uses the global providers.
func New() (*Metrics, error) {
	return NewWith(otel.GetMeterProvider(), otel.GetTracerProvider())
}

func NewWith(mp metric.MeterProvider, tp trace.TracerProvider) (*Metrics, error) {
	meter := mp.Meter(instrumentation)
	m := &Metrics{tracer: tp.Tracer(instrumentation)}
	var err error
	if m.transitions, err = meter.Int64Counter("proposalflow.transitions",
		metric.WithDescription("Committed status transitions")); err != nil {
		return nil, fmt.Errorf("transitions counter: %w", err)
	}
	if m.failures, err = meter.Int64Counter("proposalflow.collaborator.failures",
		metric.WithDescription("Failed collaborator calls by kind")); err != nil {
		return nil, fmt.Errorf("failures counter: %w", err)
	}
	if m.escalations, err = meter.Int64Counter("proposalflow.escalations",
		metric.WithDescription("Projects escalated to a human")); err != nil {
		return nil, fmt.Errorf("escalations counter: %w", err)
	}
	if m.dispatches, err = meter.Int64Counter("proposalflow.validation.dispatches",
		metric.WithDescription("Validation dispatch outcomes")); err != nil {
		return nil, fmt.Errorf("dispatches counter: %w", err)
	}
	if m.visitDuration, err = meter.Float64Histogram("proposalflow.visit.duration",
		metric.WithDescription("Time spent per project visit"), metric.WithUnit("s")); err != nil {
		return nil, fmt.Errorf("visit histogram: %w", err)
	}
	return m, nil
}

func (m *Metrics) Transition(ctx context.Context, from, to string) {
	if m == nil {
		return
	}
	m.transitions.Add(ctx, 1, metric.WithAttributes(attribute.String("from", from), attribute.String("to", to)))
}

func (m *Metrics) Failure(ctx context.Context, op, kind string) {
	if m == nil {
		return
	}
	m.failures.Add(ctx, 1, metric.WithAttributes(attribute.String("op", op), attribute.String("kind", kind)))
}

func (m *Metrics) Escalation(ctx context.Context, source string) {
	if m == nil {
		return
	}
	m.escalations.Add(ctx, 1, metric.WithAttributes(attribute.String("source", source)))
}

func (m *Metrics) Dispatch(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.dispatches.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// StartVisit opens a span for one project visit. The returned func ends it.
func (m *Metrics) StartVisit(ctx context.Context, projectID string) (context.Context, func(outcome string, err error)) {
	if m == nil {
		return ctx, func(string, error) {}
	}
	start := time.Now()
	ctx, span := m.tracer.Start(ctx, "project.visit", trace.WithAttributes(attribute.String("project.id", projectID)))
	return ctx, func(outcome string, err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.SetAttributes(attribute.String("outcome", outcome))
		span.End()
		m.visitDuration.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(attribute.String("outcome", outcome)))
	}
}

// Span opens a child span for a collaborator call.
func (m *Metrics) Span(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if m == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return m.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}
