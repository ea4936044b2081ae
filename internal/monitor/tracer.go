package monitor

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "agent-key-broker"

// Tracer wraps OpenTelemetry tracing for the key broker.
type Tracer struct {
	tracer trace.Tracer
}

// NewTracer creates a new Tracer using the global TracerProvider.
func NewTracer() *Tracer {
	return &Tracer{
		tracer: otel.Tracer(tracerName),
	}
}

// StartSpan creates a new span and returns the updated context.
func (t *Tracer) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	ctx, span := t.tracer.Start(ctx, fmt.Sprintf("broker.%s", name),
		trace.WithAttributes(attrs...),
	)
	return ctx, span
}

// Common attribute keys for broker tracing.
var (
	AttrTaskID   = attribute.Key("broker.task.id")
	AttrKeyName  = attribute.Key("broker.key.name")
	AttrRuntime  = attribute.Key("broker.runtime")
	AttrTokens   = attribute.Key("broker.tokens")
	AttrExitCode = attribute.Key("broker.exit_code")
)
