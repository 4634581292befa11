// Package telemetry wraps OpenTelemetry spans for sync operations and sets
// up the process tracer provider.
package telemetry

import (
	"context"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// TracerName is the instrumentation scope for every span this module emits.
const TracerName = "github.com/brandon-relentnet/scrollr-sub001"

// Attribute keys.
const (
	KeyIntentKind  = "scrollr.intent.kind"
	KeyContext     = "scrollr.context"
	KeyOrigin      = "scrollr.origin"
	KeyRevision    = "scrollr.revision"
	KeyMessageType = "scrollr.message.type"
)

// Tracer returns the module tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(TracerName)
}

// Operation is one traced unit of work.
type Operation struct {
	ctx  context.Context
	span trace.Span
}

// Start opens a span named name. A nil tracer uses Tracer().
func Start(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) *Operation {
	if tracer == nil {
		tracer = Tracer()
	}
	spanCtx, span := tracer.Start(ctx, name, trace.WithAttributes(attrs...))
	return &Operation{ctx: spanCtx, span: span}
}

func (o *Operation) Context() context.Context {
	if o == nil {
		return context.Background()
	}
	return o.ctx
}

// Annotate adds attributes known only after the operation started.
func (o *Operation) Annotate(attrs ...attribute.KeyValue) {
	if o == nil || o.span == nil {
		return
	}
	o.span.SetAttributes(attrs...)
}

// End closes the span, marking it failed when err is non-nil.
func (o *Operation) End(err error) {
	if o == nil || o.span == nil {
		return
	}
	if err != nil {
		o.span.RecordError(err)
		o.span.SetStatus(codes.Error, strings.TrimSpace(err.Error()))
	}
	o.span.End()
}
