package logging

import (
	"context"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type runIDCtxKey struct{}
type workerCtxKey struct{}

// WithRunID attaches the run id to ctx.
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runIDCtxKey{}, runID)
}

// WithWorker attaches the current worker id to ctx.
func WithWorker(ctx context.Context, worker string) context.Context {
	return context.WithValue(ctx, workerCtxKey{}, worker)
}

// RunIDFromContext returns the run id in ctx, or "".
func RunIDFromContext(ctx context.Context) string {
	v, _ := ctx.Value(runIDCtxKey{}).(string)
	return v
}

// WorkerFromContext returns the worker id in ctx, or "".
func WorkerFromContext(ctx context.Context) string {
	v, _ := ctx.Value(workerCtxKey{}).(string)
	return v
}

// ContextFields extracts correlation data from ctx.
func ContextFields(ctx context.Context) []zap.Field {
	if ctx == nil {
		return nil
	}
	fields := make([]zap.Field, 0, 4)
	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		sc := span.SpanContext()
		fields = append(fields,
			zap.String("trace_id", sc.TraceID().String()),
			zap.String("span_id", sc.SpanID().String()),
		)
	}
	if id := RunIDFromContext(ctx); id != "" {
		fields = append(fields, zap.String("run_id", id))
	}
	if w := WorkerFromContext(ctx); w != "" {
		fields = append(fields, zap.String("worker", w))
	}
	return fields
}
