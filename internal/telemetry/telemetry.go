// Package telemetry provides OpenTelemetry tracing for runs and worker calls.
//
// Every run has a root trace derived from its run id, so a resumed run keeps
// correlating with the events written before the interruption. Telemetry
// failures never fail the caller; they degrade to a no-op span.
package telemetry

import (
	"context"
	"crypto/sha256"
	"fmt"
	"sync/atomic"

	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const instrumentationName = "github.com/jorge-barreto/docpipe"

// Config controls tracing.
type Config struct {
	Enabled     bool   `koanf:"enabled" json:"-"`
	ServiceName string `koanf:"service_name" json:"-"`
}

// DefaultConfig enables in-process tracing.
func DefaultConfig() Config {
	return Config{Enabled: true, ServiceName: "docpipe"}
}

// Telemetry owns the tracer provider for one process.
type Telemetry struct {
	provider oteltrace.TracerProvider
	sdk      *sdktrace.TracerProvider
	degraded atomic.Bool
}

// New creates a Telemetry instance. When disabled, spans are no-ops that
// still carry the run's root trace id.
func New(cfg Config, opts ...sdktrace.TracerProviderOption) *Telemetry {
	t := &Telemetry{}
	if !cfg.Enabled {
		t.provider = noop.NewTracerProvider()
		return t
	}
	tp := sdktrace.NewTracerProvider(opts...)
	t.sdk = tp
	t.provider = tp
	return t
}

// Tracer returns the docpipe tracer.
func (t *Telemetry) Tracer() oteltrace.Tracer {
	if t == nil || t.provider == nil {
		return noop.NewTracerProvider().Tracer(instrumentationName)
	}
	return t.provider.Tracer(instrumentationName)
}

// Degraded reports whether a span start ever failed.
func (t *Telemetry) Degraded() bool {
	return t != nil && t.degraded.Load()
}

// Shutdown flushes the provider.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t == nil || t.sdk == nil {
		return nil
	}
	if err := t.sdk.Shutdown(ctx); err != nil {
		return fmt.Errorf("trace provider shutdown: %w", err)
	}
	return nil
}

// RootSpanContext derives the deterministic root span context of a run.
func RootSpanContext(runID string) oteltrace.SpanContext {
	sum := sha256.Sum256([]byte(runID))
	var tid oteltrace.TraceID
	var sid oteltrace.SpanID
	copy(tid[:], sum[:16])
	copy(sid[:], sum[16:24])
	return oteltrace.NewSpanContext(oteltrace.SpanContextConfig{
		TraceID:    tid,
		SpanID:     sid,
		TraceFlags: oteltrace.FlagsSampled,
		Remote:     true,
	})
}

// WithRunRoot returns ctx parented on the run's root trace.
func WithRunRoot(ctx context.Context, runID string) context.Context {
	return oteltrace.ContextWithRemoteSpanContext(ctx, RootSpanContext(runID))
}

// StartSpan starts a child span. A panic inside the tracer is recovered and
// a non-recording span on the parent's context is returned instead.
func (t *Telemetry) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (out context.Context, span oteltrace.Span) {
	defer func() {
		if r := recover(); r != nil {
			if t != nil {
				t.degraded.Store(true)
			}
			out, span = noop.NewTracerProvider().Tracer(instrumentationName).Start(ctx, name)
		}
	}()
	return t.Tracer().Start(ctx, name, oteltrace.WithAttributes(attrs...))
}

// IDs returns the hex trace and span ids in ctx, or empty strings.
func IDs(ctx context.Context) (traceID, spanID string) {
	sc := oteltrace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return "", ""
	}
	return sc.TraceID().String(), sc.SpanID().String()
}
