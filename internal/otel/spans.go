package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for lobwife spans.
var (
	AttrTaskID     = attribute.Key("lobwife.task.id")
	AttrJobName    = attribute.Key("lobwife.job.name")
	AttrJobStatus  = attribute.Key("lobwife.job.status")
	AttrWorker     = attribute.Key("lobwife.worker")
	AttrRepoCount  = attribute.Key("lobwife.broker.repos")
	AttrSyncFiles  = attribute.Key("lobwife.vault.files")
	AttrHTTPRoute  = attribute.Key("lobwife.http.route")
	AttrRecoveries = attribute.Key("lobwife.monitor.recoveries")
)

// StartSpan is a convenience wrapper that starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartServerSpan starts a span for an inbound API request.
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}

// StartClientSpan starts a span for an outbound call (GitHub, Docker, git).
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}
