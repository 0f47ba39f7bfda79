package otel

import (
	"context"

	"go.opentelemetry.io/otel/trace"
)

const (
	emptyTraceID = "00000000000000000000000000000000"
	emptySpanID  = "0000000000000000"
)

// GetTraceID returns the trace id of the span in ctx, or an all-zero id.
// It matches the logger's trace id hook.
func GetTraceID(ctx context.Context) string {
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return emptyTraceID
}

// GetSpanID returns the span id of the span in ctx, or an all-zero id.
func GetSpanID(ctx context.Context) string {
	if sc := trace.SpanContextFromContext(ctx); sc.HasSpanID() {
		return sc.SpanID().String()
	}
	return emptySpanID
}
