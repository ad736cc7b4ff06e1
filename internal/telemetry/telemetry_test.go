package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
)

func TestRootSpanContext_Deterministic(t *testing.T) {
	a := RootSpanContext("p-123")
	b := RootSpanContext("p-123")
	assert.Equal(t, a.TraceID(), b.TraceID())
	assert.Equal(t, a.SpanID(), b.SpanID())
	assert.True(t, a.IsValid())
	assert.NotEqual(t, a.TraceID(), RootSpanContext("p-456").TraceID())
}

func TestStartSpan_ChildOfRunRoot(t *testing.T) {
	tt := NewTestTelemetry()
	ctx := WithRunRoot(context.Background(), "p-123")

	ctx, span := tt.StartSpan(ctx, "worker.repo_scout", attribute.String("worker", "repo_scout"))
	traceID, spanID := IDs(ctx)
	span.End()

	root := RootSpanContext("p-123")
	assert.Equal(t, root.TraceID().String(), traceID)
	assert.NotEqual(t, root.SpanID().String(), spanID)
	tt.AssertSpanExists(t, "worker.repo_scout")

	rec := tt.SpanByName("worker.repo_scout")
	require.NotNil(t, rec)
	assert.Equal(t, root.SpanID(), rec.Parent().SpanID())
}

func TestDisabled_KeepsRootTrace(t *testing.T) {
	tel := New(Config{Enabled: false})
	ctx := WithRunRoot(context.Background(), "p-123")
	ctx, span := tel.StartSpan(ctx, "noop")
	defer span.End()

	traceID, _ := IDs(ctx)
	assert.Equal(t, RootSpanContext("p-123").TraceID().String(), traceID)
	assert.NoError(t, tel.Shutdown(context.Background()))
}

func TestNilTelemetry_StartSpan(t *testing.T) {
	var tel *Telemetry
	_, span := tel.StartSpan(context.Background(), "nil")
	span.End()
	assert.False(t, tel.Degraded())
}

func TestIDs_Empty(t *testing.T) {
	traceID, spanID := IDs(context.Background())
	assert.Empty(t, traceID)
	assert.Empty(t, spanID)
}
