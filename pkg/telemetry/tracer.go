package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/xorca/xorca/pkg/envelope"
)

// EndFunc closes a span; pass the activation error (or nil) so the span
// status reflects the outcome.
type EndFunc func(error)

// Tracer starts one span per activation phase. The router calls it around
// init, continuation, and system-error handling.
type Tracer interface {
	StartSpan(ctx context.Context, phase string, env *envelope.Envelope) (context.Context, EndFunc)
}

// NopTracer starts nothing. The router uses it when tracing is off.
type NopTracer struct{}

func (NopTracer) StartSpan(ctx context.Context, _ string, _ *envelope.Envelope) (context.Context, EndFunc) {
	return ctx, func(error) {}
}

// OTelTracer emits OpenTelemetry spans, continuing the trace carried in the
// envelope's traceparent/tracestate headers.
type OTelTracer struct {
	tracer trace.Tracer
	prop   propagation.TextMapPropagator
}

// NewOTelTracer builds a tracer against the globally configured provider.
func NewOTelTracer(name string) *OTelTracer {
	return &OTelTracer{
		tracer: otel.Tracer(name),
		prop:   propagation.TraceContext{},
	}
}

// StartSpan opens a span named xorca.<phase> as a child of the envelope's
// remote trace context, when one is present.
func (t *OTelTracer) StartSpan(ctx context.Context, phase string, env *envelope.Envelope) (context.Context, EndFunc) {
	var attrs []attribute.KeyValue
	if env != nil {
		ctx = t.prop.Extract(ctx, carrier{env})
		attrs = append(attrs,
			attribute.String("xorca.event.type", env.Type),
			attribute.String("xorca.event.id", env.ID),
		)
		if env.Subject != "" {
			attrs = append(attrs, attribute.String("xorca.subject", env.Subject))
		}
	}

	ctx, span := t.tracer.Start(ctx, "xorca."+phase, trace.WithAttributes(attrs...))
	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}
}

var (
	_ Tracer = NopTracer{}
	_ Tracer = (*OTelTracer)(nil)
)

// carrier adapts an envelope's trace headers to the propagator's
// TextMapCarrier so TraceContext can read and write them in place.
type carrier struct {
	env *envelope.Envelope
}

func (c carrier) Get(key string) string {
	switch key {
	case "traceparent":
		return c.env.TraceParent
	case "tracestate":
		return c.env.TraceState
	}
	return ""
}

func (c carrier) Set(key, value string) {
	switch key {
	case "traceparent":
		c.env.TraceParent = value
	case "tracestate":
		c.env.TraceState = value
	}
}

func (c carrier) Keys() []string {
	keys := make([]string, 0, 2)
	if c.env.TraceParent != "" {
		keys = append(keys, "traceparent")
	}
	if c.env.TraceState != "" {
		keys = append(keys, "tracestate")
	}
	return keys
}

var _ propagation.TextMapCarrier = carrier{}
