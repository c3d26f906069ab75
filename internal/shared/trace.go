package shared

import (
	"context"
	"strings"

	"github.com/google/uuid"
)

type traceKey struct{}
type actorKey struct{}
type taskIDKey struct{}
type correlationKey struct{}

// Actor values recorded on task events.
const (
	ActorInternal     = "internal"
	ActorOrchestrator = "orchestrator"
	humanActorPrefix  = "human:"
)

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

// WithActor attaches the resolved caller identity to the context.
func WithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

// Actor extracts the caller identity. Returns ActorInternal if absent.
func Actor(ctx context.Context) string {
	if v, ok := ctx.Value(actorKey{}).(string); ok && v != "" {
		return v
	}
	return ActorInternal
}

// HumanActor formats the actor string for an authenticated user.
func HumanActor(user string) string {
	return humanActorPrefix + strings.TrimSpace(user)
}

// IsHumanActor reports whether actor names an authenticated user.
func IsHumanActor(actor string) bool {
	return strings.HasPrefix(actor, humanActorPrefix)
}

// WithTaskID attaches a task_id to the context.
func WithTaskID(ctx context.Context, taskID string) context.Context {
	return context.WithValue(ctx, taskIDKey{}, taskID)
}

// TaskID extracts task_id from context. Returns "" if absent.
func TaskID(ctx context.Context) string {
	if v, ok := ctx.Value(taskIDKey{}).(string); ok {
		return v
	}
	return ""
}

// WithCorrelationID attaches a caller-supplied correlation id to the context.
func WithCorrelationID(ctx context.Context, correlationID string) context.Context {
	return context.WithValue(ctx, correlationKey{}, correlationID)
}

// CorrelationID extracts the correlation id. Returns "" if absent.
func CorrelationID(ctx context.Context) string {
	if v, ok := ctx.Value(correlationKey{}).(string); ok {
		return v
	}
	return ""
}
