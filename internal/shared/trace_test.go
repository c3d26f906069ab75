package shared

import (
	"context"
	"testing"
)

func TestTraceID_DefaultDash(t *testing.T) {
	ctx := context.Background()
	if got := TraceID(ctx); got != "-" {
		t.Fatalf("expected '-', got %q", got)
	}
	ctx = WithTraceID(ctx, "trace-1")
	if got := TraceID(ctx); got != "trace-1" {
		t.Fatalf("expected trace-1, got %q", got)
	}
}

func TestActor_DefaultInternal(t *testing.T) {
	ctx := context.Background()
	if got := Actor(ctx); got != ActorInternal {
		t.Fatalf("expected %q, got %q", ActorInternal, got)
	}
	ctx = WithActor(ctx, HumanActor("alice"))
	if got := Actor(ctx); got != "human:alice" {
		t.Fatalf("expected human:alice, got %q", got)
	}
	if !IsHumanActor(Actor(ctx)) {
		t.Fatal("expected human actor")
	}
}

func TestTaskAndCorrelation_RoundTrip(t *testing.T) {
	ctx := context.Background()
	if TaskID(ctx) != "" || CorrelationID(ctx) != "" {
		t.Fatal("expected empty defaults")
	}
	ctx = WithCorrelationID(WithTaskID(ctx, "t1"), "c1")
	if TaskID(ctx) != "t1" {
		t.Fatalf("task id = %q", TaskID(ctx))
	}
	if CorrelationID(ctx) != "c1" {
		t.Fatalf("correlation id = %q", CorrelationID(ctx))
	}
}

func TestNewTraceID_Unique(t *testing.T) {
	a, b := NewTraceID(), NewTraceID()
	if a == "" || a == b {
		t.Fatalf("expected distinct ids, got %q and %q", a, b)
	}
}
