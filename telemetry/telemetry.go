// Package telemetry provides an OpenTelemetry-backed span and metric
// adapter and a no-op variant. No other package in this module calls it.
package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Span is a narrow span interface so components can depend on it
// instead of the otel SDK directly.
type Span interface {
	End()
	SetAttribute(key string, value interface{})
	RecordError(err error)
}

// Telemetry starts spans and records metrics.
type Telemetry interface {
	StartSpan(ctx context.Context, name string) (context.Context, Span)
	RecordMetric(name string, value float64, labels map[string]string)
}

type otelSpan struct{ span trace.Span }

func (s *otelSpan) End() { s.span.End() }

func (s *otelSpan) SetAttribute(key string, value interface{}) {
	switch v := value.(type) {
	case string:
		s.span.SetAttributes(attribute.String(key, v))
	case int:
		s.span.SetAttributes(attribute.Int(key, v))
	case int64:
		s.span.SetAttributes(attribute.Int64(key, v))
	case float64:
		s.span.SetAttributes(attribute.Float64(key, v))
	case bool:
		s.span.SetAttributes(attribute.Bool(key, v))
	default:
		s.span.SetAttributes(attribute.String(key, toString(v)))
	}
}

func (s *otelSpan) RecordError(err error) {
	if err != nil {
		s.span.RecordError(err)
	}
}

func toString(v interface{}) string {
	type stringer interface{ String() string }
	if sv, ok := v.(stringer); ok {
		return sv.String()
	}
	return ""
}

// OtelTelemetry is the Telemetry backed by the globally registered otel
// TracerProvider/MeterProvider; cmd/tentackl registers none.
type OtelTelemetry struct {
	tracer  trace.Tracer
	meter   metric.Meter
	counter metric.Float64Counter
}

// NewOtelTelemetry builds a Telemetry using the global otel providers.
func NewOtelTelemetry(serviceName string) *OtelTelemetry {
	tracer := otel.Tracer(serviceName)
	meter := otel.Meter(serviceName)
	counter, _ := meter.Float64Counter(serviceName + ".events")
	return &OtelTelemetry{tracer: tracer, meter: meter, counter: counter}
}

func (t *OtelTelemetry) StartSpan(ctx context.Context, name string) (context.Context, Span) {
	ctx, span := t.tracer.Start(ctx, name)
	return ctx, &otelSpan{span: span}
}

func (t *OtelTelemetry) RecordMetric(name string, value float64, labels map[string]string) {
	attrs := make([]attribute.KeyValue, 0, len(labels))
	for k, v := range labels {
		attrs = append(attrs, attribute.String(k, v))
	}
	t.counter.Add(context.Background(), value, metric.WithAttributes(attrs...))
}

// NoOp is a Telemetry that does nothing; used in tests and when telemetry
// export is disabled.
type NoOp struct{}

type noopSpan struct{}

func (noopSpan) End()                                {}
func (noopSpan) SetAttribute(string, interface{})    {}
func (noopSpan) RecordError(error)                   {}

func (NoOp) StartSpan(ctx context.Context, _ string) (context.Context, Span) { return ctx, noopSpan{} }
func (NoOp) RecordMetric(string, float64, map[string]string)                {}
