package shared

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
)

type traceKey struct{}
type taskIDKey struct{}
type actorKey struct{}

// WithTraceID attaches a trace_id to the context.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceKey{}, traceID)
}

// TraceID extracts trace_id from context. Returns "-" if absent.
func TraceID(ctx context.Context) string {
	if v, ok := ctx.Value(traceKey{}).(string); ok && v != "" {
		return v
	}
	return "-"
}

// NewTraceID generates a new trace_id.
func NewTraceID() string {
	return uuid.NewString()
}

// WithTaskID attaches a display task id (T42) to the context.
func WithTaskID(ctx context.Context, taskID string) context.Context {
	return context.WithValue(ctx, taskIDKey{}, taskID)
}

// TaskID extracts the task id from context. Returns "" if absent.
func TaskID(ctx context.Context) string {
	if v, ok := ctx.Value(taskIDKey{}).(string); ok {
		return v
	}
	return ""
}

// WithActor records who is acting (api, task-manager, a worker id).
func WithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

// Actor extracts the actor from context, defaulting to "system".
func Actor(ctx context.Context) string {
	if v, ok := ctx.Value(actorKey{}).(string); ok && v != "" {
		return v
	}
	return ActorSystem
}

// LogAttrs returns the trace id, task id and actor carried by ctx, skipping
// any that were never set.
func LogAttrs(ctx context.Context) []slog.Attr {
	var attrs []slog.Attr
	if id := TraceID(ctx); id != "-" {
		attrs = append(attrs, slog.String("trace_id", id))
	}
	if id := TaskID(ctx); id != "" {
		attrs = append(attrs, slog.String("task_id", id))
	}
	if a, ok := ctx.Value(actorKey{}).(string); ok && a != "" {
		attrs = append(attrs, slog.String("actor", a))
	}
	return attrs
}

const (
	ActorSystem      = "system"
	ActorAPI         = "api"
	ActorTaskManager = "task-manager"
	ActorTaskPoller  = "task-poller"
	ActorBroker      = "broker"
)
