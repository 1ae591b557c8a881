// OpenTelemetry tracing support for synced value writes and external changes.
package telemetry

import (
	"context"
	"strconv"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Span names.
const (
	SpanWrite    = "kvsync.write"
	SpanClear    = "kvsync.clear"
	SpanExternal = "kvsync.external"
)

// Tracer wraps OpenTelemetry tracing with synced-value helpers.
type Tracer struct {
	tracer trace.Tracer
	debug  bool // When true, include encoded values in span attributes
}

var (
	globalTracer *Tracer
	tracerMu     sync.RWMutex
)

// SetGlobalTracer sets the global tracer instance.
func SetGlobalTracer(t *Tracer) {
	tracerMu.Lock()
	defer tracerMu.Unlock()
	globalTracer = t
}

// GetTracer returns the global tracer, or a no-op tracer if not set.
func GetTracer() *Tracer {
	tracerMu.RLock()
	defer tracerMu.RUnlock()
	if globalTracer == nil {
		return &Tracer{tracer: noop.NewTracerProvider().Tracer("")}
	}
	return globalTracer
}

// NewTracer creates a tracer from the global provider.
func NewTracer(name string, debug bool) *Tracer {
	return &Tracer{
		tracer: otel.Tracer(name),
		debug:  debug,
	}
}

// NewTracerFromProvider creates a tracer from an explicit provider.
func NewTracerFromProvider(tp trace.TracerProvider, name string, debug bool) *Tracer {
	return &Tracer{
		tracer: tp.Tracer(name),
		debug:  debug,
	}
}

// SetDebug enables or disables debug mode (values in spans).
func (t *Tracer) SetDebug(debug bool) {
	t.debug = debug
}

// Debug returns whether debug mode is enabled.
func (t *Tracer) Debug() bool {
	return t.debug
}

// StartSpan starts a new span with the given name.
func (t *Tracer) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, name, opts...)
}

// --- Write Spans ---

// WriteSpanOptions contains options for local write spans.
type WriteSpanOptions struct {
	StoreID  string
	Revision uint64
	Value    string // Only included if debug=true
}

// StartWriteSpan starts a span for a local write or clear of key.
func (t *Tracer) StartWriteSpan(ctx context.Context, name, key string) (context.Context, trace.Span) {
	ctx, span := t.tracer.Start(ctx, name, trace.WithSpanKind(trace.SpanKindClient))
	span.SetAttributes(attribute.String("kvsync.key", key))
	return ctx, span
}

// EndWriteSpan ends a write span with attributes.
func (t *Tracer) EndWriteSpan(span trace.Span, opts WriteSpanOptions, err error) {
	attrs := []attribute.KeyValue{
		attribute.String("kvsync.store", opts.StoreID),
		attribute.String("kvsync.revision", strconv.FormatUint(opts.Revision, 10)),
	}
	if t.debug && opts.Value != "" {
		attrs = append(attrs, attribute.String("kvsync.value", truncate(opts.Value, 2000)))
	}
	span.SetAttributes(attrs...)
	finish(span, err)
}

// --- External Change Spans ---

// ExternalSpanOptions contains options for external change spans.
type ExternalSpanOptions struct {
	Revision uint64
	Outcome  string // applied, absent, rejected, duplicate, stale
}

// StartExternalSpan starts a span for an external change to key.
func (t *Tracer) StartExternalSpan(ctx context.Context, key string) (context.Context, trace.Span) {
	ctx, span := t.tracer.Start(ctx, SpanExternal, trace.WithSpanKind(trace.SpanKindConsumer))
	span.SetAttributes(attribute.String("kvsync.key", key))
	return ctx, span
}

// EndExternalSpan ends an external change span with attributes.
func (t *Tracer) EndExternalSpan(span trace.Span, opts ExternalSpanOptions, err error) {
	span.SetAttributes(
		attribute.String("kvsync.revision", strconv.FormatUint(opts.Revision, 10)),
		attribute.String("kvsync.outcome", opts.Outcome),
	)
	finish(span, err)
}

// --- Helpers ---

func finish(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
