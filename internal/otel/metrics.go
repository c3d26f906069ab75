package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds all taskd metrics instruments. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	RequestDuration  metric.Float64Histogram
	TaskDuration     metric.Float64Histogram
	DispatchDuration metric.Float64Histogram
	DispatchErrors   metric.Int64Counter
	Transitions      metric.Int64Counter
	Conflicts        metric.Int64Counter
	BroadcastDrops   metric.Int64Counter
	BusDrops         metric.Int64Counter
	WSClients        metric.Int64UpDownCounter
	RateLimitRejects metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.RequestDuration, err = meter.Float64Histogram("taskd.request.duration",
		metric.WithDescription("HTTP request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.TaskDuration, err = meter.Float64Histogram("taskd.task.duration",
		metric.WithDescription("Task processing duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.DispatchDuration, err = meter.Float64Histogram("taskd.dispatch.duration",
		metric.WithDescription("External agent dispatch duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.DispatchErrors, err = meter.Int64Counter("taskd.dispatch.errors",
		metric.WithDescription("Dispatch calls that failed or returned non-2xx"),
	)
	if err != nil {
		return nil, err
	}

	m.Transitions, err = meter.Int64Counter("taskd.task.transitions",
		metric.WithDescription("Successful task patches by resulting status"),
	)
	if err != nil {
		return nil, err
	}

	m.Conflicts, err = meter.Int64Counter("taskd.task.conflicts",
		metric.WithDescription("Patches rejected by the version check"),
	)
	if err != nil {
		return nil, err
	}

	m.BroadcastDrops, err = meter.Int64Counter("taskd.hub.drops",
		metric.WithDescription("Broadcast frames dropped for slow websocket clients"),
	)
	if err != nil {
		return nil, err
	}

	m.BusDrops, err = meter.Int64Counter("taskd.bus.drops",
		metric.WithDescription("Bus events dropped because a subscriber buffer was full"),
	)
	if err != nil {
		return nil, err
	}

	m.WSClients, err = meter.Int64UpDownCounter("taskd.hub.clients",
		metric.WithDescription("Connected websocket clients"),
	)
	if err != nil {
		return nil, err
	}

	m.RateLimitRejects, err = meter.Int64Counter("taskd.ratelimit.rejects",
		metric.WithDescription("Requests rejected by rate limiter"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

func (m *Metrics) RecordTransition(ctx context.Context, status string) {
	if m == nil {
		return
	}
	m.Transitions.Add(ctx, 1, metric.WithAttributes(AttrTaskStatus.String(status)))
}

func (m *Metrics) RecordConflict(ctx context.Context, origin string) {
	if m == nil {
		return
	}
	m.Conflicts.Add(ctx, 1, metric.WithAttributes(attribute.String("origin", origin)))
}

func (m *Metrics) RecordTaskDuration(ctx context.Context, seconds float64, taskType, outcome string) {
	if m == nil {
		return
	}
	m.TaskDuration.Record(ctx, seconds, metric.WithAttributes(AttrTaskType.String(taskType), attribute.String("outcome", outcome)))
}

func (m *Metrics) RecordDispatch(ctx context.Context, seconds float64, slug string, failed bool) {
	if m == nil {
		return
	}
	m.DispatchDuration.Record(ctx, seconds, metric.WithAttributes(AttrAgentSlug.String(slug)))
	if failed {
		m.DispatchErrors.Add(ctx, 1, metric.WithAttributes(AttrAgentSlug.String(slug)))
	}
}

func (m *Metrics) RecordBroadcastDrop(ctx context.Context) {
	if m == nil {
		return
	}
	m.BroadcastDrops.Add(ctx, 1)
}

func (m *Metrics) RecordBusDrop(ctx context.Context, topic string) {
	if m == nil {
		return
	}
	m.BusDrops.Add(ctx, 1, metric.WithAttributes(attribute.String("topic", topic)))
}

func (m *Metrics) AddWSClients(ctx context.Context, delta int64) {
	if m == nil {
		return
	}
	m.WSClients.Add(ctx, delta)
}

func (m *Metrics) RecordRateLimitReject(ctx context.Context) {
	if m == nil {
		return
	}
	m.RateLimitRejects.Add(ctx, 1)
}

func (m *Metrics) RecordRequest(ctx context.Context, seconds float64, route string, status int) {
	if m == nil {
		return
	}
	m.RequestDuration.Record(ctx, seconds, metric.WithAttributes(
		attribute.String("http.route", route),
		attribute.Int("http.status_code", status),
	))
}
