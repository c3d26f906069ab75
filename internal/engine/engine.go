package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/taskd/internal/bus"
	"github.com/basket/taskd/internal/otel"
	"github.com/basket/taskd/internal/persistence"
	"github.com/basket/taskd/internal/registry"
	"github.com/basket/taskd/internal/shared"
)

const (
	defaultHandlerTimeout = 5 * time.Minute
	terminalWriteTimeout  = 10 * time.Second
	maxStartAttempts      = 3
)

// Store is the subset of persistence the engine drives.
type Store interface {
	CreateTask(ctx context.Context, in persistence.NewTask) (*persistence.Created, error)
	GetTask(ctx context.Context, id string) (*persistence.Task, error)
	ApplyPatch(ctx context.Context, id string, ifVersion int64, p persistence.Patch, ev *persistence.EventInput) (*persistence.Patched, error)
	AppendEvent(ctx context.Context, taskID string, in persistence.EventInput) (*persistence.TaskEvent, error)
	DeleteTask(ctx context.Context, id string) error
}

type Config struct {
	Store          Store
	Registry       *registry.Holder
	Bus            *bus.Bus
	Logger         *slog.Logger
	Tracer         trace.Tracer
	Metrics        *otel.Metrics
	HandlerTimeout time.Duration
}

type Status struct {
	ActiveTasks int32  `json:"active_tasks"`
	LastError   string `json:"last_error,omitempty"`
}

// Engine drives tasks through queued -> running -> done|error. All writes go
// through optimistic version checks; the engine holds no lock of its own.
type Engine struct {
	store          Store
	registry       *registry.Holder
	bus            *bus.Bus
	logger         *slog.Logger
	tracer         trace.Tracer
	metrics        *otel.Metrics
	handlerTimeout time.Duration

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	activeTasks atomic.Int32
	lastError   atomic.Pointer[string]
}

func New(cfg Config) *Engine {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = nooptrace.NewTracerProvider().Tracer(otel.TracerName)
	}
	if cfg.HandlerTimeout <= 0 {
		cfg.HandlerTimeout = defaultHandlerTimeout
	}
	if cfg.Registry == nil {
		cfg.Registry = registry.NewHolder(nil)
	}
	if cfg.Bus == nil {
		cfg.Bus = bus.New()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		store:          cfg.Store,
		registry:       cfg.Registry,
		bus:            cfg.Bus,
		logger:         cfg.Logger.With("component", "engine"),
		tracer:         cfg.Tracer,
		metrics:        cfg.Metrics,
		handlerTimeout: cfg.HandlerTimeout,
		baseCtx:        ctx,
		cancel:         cancel,
	}
}

type SubmitRequest struct {
	Type          string
	Source        string
	Payload       json.RawMessage
	CorrelationID *string
	// AgentSlug pins the task to one handler instead of resolving by type.
	AgentSlug string
	Actor     string
}

// Submit validates and persists a new task bound to its handler. It does not
// start processing; callers hand the returned task to Go once the submitter
// has been answered.
func (e *Engine) Submit(ctx context.Context, req SubmitRequest) (*persistence.Created, error) {
	req.Type = strings.TrimSpace(req.Type)
	req.Source = strings.TrimSpace(req.Source)
	if req.Type == "" {
		return nil, &ValidationError{Field: "type", Message: "is required"}
	}
	if req.Source == "" {
		return nil, &ValidationError{Field: "source", Message: "is required"}
	}
	if len(req.Payload) == 0 {
		req.Payload = json.RawMessage(`{}`)
	}
	if !json.Valid(req.Payload) {
		return nil, &ValidationError{Field: "payload", Message: "must be valid JSON"}
	}

	reg := e.registry.Current()
	var def *registry.Definition
	if slug := strings.TrimSpace(req.AgentSlug); slug != "" {
		def = reg.BySlug(slug)
		if !def.Accepts(req.Type) {
			return nil, &UnsupportedTypeError{TaskType: req.Type, AgentSlug: slug}
		}
	} else if def = reg.Resolve(req.Type); def == nil {
		return nil, &UnsupportedTypeError{TaskType: req.Type}
	}
	if err := def.Schema.Validate(req.Payload); err != nil {
		return nil, &ValidationError{Field: "payload", Message: err.Error()}
	}

	actor := req.Actor
	if actor == "" {
		actor = shared.Actor(ctx)
	}
	created, err := e.store.CreateTask(ctx, persistence.NewTask{
		Type:          req.Type,
		Source:        req.Source,
		Payload:       req.Payload,
		CorrelationID: req.CorrelationID,
		TraceID:       shared.NewTraceID(),
		Actor:         actor,
		Agent:         def.Assignment(),
	})
	if err != nil {
		e.setLastError(err)
		return nil, err
	}

	e.bus.Publish(bus.TopicTaskUpdated, bus.TaskUpdated{Task: *created.Task})
	for _, ev := range []*persistence.TaskEvent{created.CreatedEvent, created.AssignmentEvent} {
		if ev != nil {
			e.bus.Publish(bus.TopicTaskEvent, bus.TaskEventAppended{Event: *ev})
		}
	}
	e.metrics.RecordTransition(ctx, string(created.Task.Status))
	e.logger.Info("task submitted",
		"task_id", created.Task.ID,
		"trace_id", created.Task.TraceID,
		"task_type", created.Task.Type,
		"agent", def.Slug,
	)
	return created, nil
}

// Go processes task on a detached goroutine tracked for Drain.
func (e *Engine) Go(task persistence.Task) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.Process(e.baseCtx, task)
	}()
}

// Drain waits for detached processing to finish. After timeout the remaining
// runs are cancelled and Drain reports false.
func (e *Engine) Drain(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		e.logger.Info("engine drained cleanly")
		return true
	case <-time.After(timeout):
		e.logger.Warn("engine drain timeout; cancelling in-flight tasks", "timeout", timeout, "active", e.activeTasks.Load())
		e.cancel()
		return false
	}
}

func (e *Engine) Status() Status {
	st := Status{ActiveTasks: e.activeTasks.Load()}
	if ptr := e.lastError.Load(); ptr != nil {
		st.LastError = *ptr
	}
	return st
}

// Process runs one task to an outcome. It never returns an error: failures
// are recorded on the task, and losing a version race means another writer
// already advanced it.
func (e *Engine) Process(ctx context.Context, task persistence.Task) {
	ctx = shared.WithTraceID(ctx, task.TraceID)
	ctx = shared.WithTaskID(ctx, task.ID)
	ctx = shared.WithActor(ctx, shared.ActorOrchestrator)
	if task.CorrelationID != nil {
		ctx = shared.WithCorrelationID(ctx, *task.CorrelationID)
	}
	ctx, span := otel.StartSpan(ctx, e.tracer, "engine.process",
		otel.AttrTaskID.String(task.ID),
		otel.AttrTaskType.String(task.Type),
		otel.AttrTraceID.String(task.TraceID),
	)
	defer span.End()

	e.activeTasks.Add(1)
	defer e.activeTasks.Add(-1)

	logger := e.logger.With("task_id", task.ID, "trace_id", task.TraceID, "task_type", task.Type)
	start := time.Now()
	outcome := "skipped"
	defer func() {
		e.metrics.RecordTaskDuration(ctx, time.Since(start).Seconds(), task.Type, outcome)
	}()

	current, ok := e.markRunning(ctx, logger, &task)
	if !ok {
		return
	}
	outcome = "error"

	def, err := e.resolve(current)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		e.fail(ctx, logger, current, err)
		return
	}
	span.SetAttributes(otel.AttrAgentSlug.String(def.Slug), otel.AttrAgentMode.String(def.Mode.Name()))
	logger = logger.With("agent", def.Slug)
	logger.Info("task processing", "mode", def.Mode.Name())

	out, err := e.invoke(ctx, def, *current)
	if err == nil {
		var res Outcome
		if res, err = Normalize(out); err == nil {
			if res.Kind == OutcomeDeferred {
				outcome = string(OutcomeDeferred)
				e.deferTask(ctx, logger, def, current, res)
			} else {
				outcome = string(OutcomeCompleted)
				e.complete(ctx, logger, def, current, res)
			}
			return
		}
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	e.fail(ctx, logger, current, err)
}

// markRunning moves the task to running. On a version conflict it re-reads
// the row and continues from there: a queued row is retried with its fresh
// version, a running row is taken as already started, a terminal row ends
// processing.
func (e *Engine) markRunning(ctx context.Context, logger *slog.Logger, task *persistence.Task) (*persistence.Task, bool) {
	running := persistence.StatusRunning
	current := task
	for attempt := 0; attempt < maxStartAttempts; attempt++ {
		switch current.Status {
		case persistence.StatusQueued:
		case persistence.StatusRunning:
			return current, true
		default:
			logger.Info("task already finished; skipping", "status", current.Status)
			return nil, false
		}

		patched, err := e.store.ApplyPatch(ctx, current.ID, current.Version, persistence.Patch{Status: &running}, nil)
		if err == nil {
			e.published(ctx, patched, true)
			return patched.Task, true
		}
		switch {
		case errors.Is(err, ErrConflict):
			e.metrics.RecordConflict(ctx, "engine")
			fresh, gerr := e.store.GetTask(ctx, current.ID)
			if gerr != nil {
				e.setLastError(gerr)
				logger.Error("reload task after conflict failed", "error", gerr)
				return nil, false
			}
			if fresh == nil {
				logger.Info("task deleted before processing")
				return nil, false
			}
			current = fresh
		case errors.Is(err, ErrNotFound):
			logger.Info("task deleted before processing")
			return nil, false
		default:
			e.fail(ctx, logger, current, fmt.Errorf("mark running: %w", err))
			return nil, false
		}
	}
	logger.Warn("task kept changing under the engine; giving up", "attempts", maxStartAttempts)
	return nil, false
}

// resolve prefers the handler the task was bound to at submission, then the
// current owner of the task type.
func (e *Engine) resolve(task *persistence.Task) (*registry.Definition, error) {
	reg := e.registry.Current()
	if task.Agent != nil && task.Agent.Slug != "" {
		if def := reg.BySlug(task.Agent.Slug); def.Accepts(task.Type) {
			return def, nil
		}
	}
	if def := reg.Resolve(task.Type); def != nil {
		return def, nil
	}
	slug := ""
	if task.Agent != nil {
		slug = task.Agent.Slug
	}
	return nil, &UnsupportedTypeError{TaskType: task.Type, AgentSlug: slug}
}

func (e *Engine) invoke(ctx context.Context, def *registry.Definition, task persistence.Task) (out any, err error) {
	ctx, cancel := context.WithTimeout(ctx, e.handlerTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler %s panicked: %v", def.Slug, r)
		}
	}()
	return def.Invoke(ctx, registry.Invocation{Task: task, Emit: e.emitter(def.Slug, task.ID)})
}

// emitter records handler progress as task events without bumping the
// task version.
func (e *Engine) emitter(actor, taskID string) registry.EmitFunc {
	return func(ctx context.Context, kind persistence.EventKind, data any) error {
		raw, err := marshalData(data)
		if err != nil {
			return err
		}
		ev, err := e.store.AppendEvent(ctx, taskID, persistence.EventInput{Kind: kind, Actor: actor, Data: raw})
		if err != nil {
			return err
		}
		e.bus.Publish(bus.TopicTaskEvent, bus.TaskEventAppended{Event: *ev})
		return nil
	}
}

type agentRef struct {
	Slug    string `json:"slug"`
	Channel string `json:"channel"`
}

// resultSnapshot is the stored result of a handler run.
type resultSnapshot struct {
	Agent    agentRef        `json:"agent"`
	Status   string          `json:"status"`
	Output   json.RawMessage `json:"output,omitempty"`
	Ack      json.RawMessage `json:"ack,omitempty"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
}

func (e *Engine) complete(ctx context.Context, logger *slog.Logger, def *registry.Definition, task *persistence.Task, res Outcome) {
	result, err := json.Marshal(resultSnapshot{
		Agent:    agentRef{Slug: def.Slug, Channel: def.Channel},
		Status:   "completed",
		Output:   orNull(res.Result),
		Metadata: res.Metadata,
	})
	if err != nil {
		e.fail(ctx, logger, task, fmt.Errorf("encode result: %w", err))
		return
	}
	done := persistence.StatusDone
	data, _ := json.Marshal(map[string]any{"status": done, "result": json.RawMessage(result)})
	patched, err := e.store.ApplyPatch(ctx, task.ID, task.Version,
		persistence.Patch{Status: &done, Result: result},
		&persistence.EventInput{Kind: persistence.EventStatusChange, Actor: def.Slug, Data: data},
	)
	if err != nil {
		if e.lostRace(ctx, logger, err) {
			return
		}
		e.fail(ctx, logger, task, fmt.Errorf("record result: %w", err))
		return
	}
	e.published(ctx, patched, true)
	logger.Info("task completed", "version", patched.Task.Version)
}

// deferTask records an acknowledged hand-off. The task stays running until
// an external PATCH reports the final outcome.
func (e *Engine) deferTask(ctx context.Context, logger *slog.Logger, def *registry.Definition, task *persistence.Task, res Outcome) {
	ack := orNull(res.Ack)
	result, err := json.Marshal(resultSnapshot{
		Agent:    agentRef{Slug: def.Slug, Channel: def.Channel},
		Status:   "pending",
		Ack:      ack,
		Metadata: res.Metadata,
	})
	if err != nil {
		e.fail(ctx, logger, task, fmt.Errorf("encode ack: %w", err))
		return
	}
	data, _ := json.Marshal(map[string]any{"agent": def.Slug, "ack": ack})
	patched, err := e.store.ApplyPatch(ctx, task.ID, task.Version,
		persistence.Patch{Result: result},
		&persistence.EventInput{Kind: persistence.EventDispatchAck, Actor: def.Slug, Data: data},
	)
	if err != nil {
		if e.lostRace(ctx, logger, err) {
			return
		}
		e.fail(ctx, logger, task, fmt.Errorf("record ack: %w", err))
		return
	}
	e.published(ctx, patched, false)
	logger.Info("task deferred to agent", "version", patched.Task.Version)
}

func (e *Engine) lostRace(ctx context.Context, logger *slog.Logger, err error) bool {
	switch {
	case errors.Is(err, ErrConflict):
		e.metrics.RecordConflict(ctx, "engine")
		logger.Info("task advanced by another writer; stopping", "error", err)
		return true
	case errors.Is(err, ErrNotFound):
		logger.Info("task deleted during processing")
		return true
	}
	return false
}

// fail moves the task to error using the freshest version available. The
// write is attempted once; if it fails the task stays where it is and the
// failure is only logged.
func (e *Engine) fail(ctx context.Context, logger *slog.Logger, task *persistence.Task, cause error) {
	e.setLastError(cause)
	logger.Warn("task failed", "error", cause, "class", ClassifyError(cause))

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), terminalWriteTimeout)
	defer cancel()

	version := task.Version
	fresh, err := e.store.GetTask(ctx, task.ID)
	switch {
	case err != nil:
		logger.Warn("reload before error patch failed; using last known version", "error", err)
	case fresh == nil:
		logger.Info("task deleted; error not recorded")
		return
	case fresh.Status.Terminal():
		logger.Info("task already finished; error not recorded", "status", fresh.Status)
		return
	default:
		version = fresh.Version
	}

	msg, _ := json.Marshal(map[string]string{"message": cause.Error()})
	status := persistence.StatusError
	data, _ := json.Marshal(map[string]any{"status": status, "error": json.RawMessage(msg)})
	patched, err := e.store.ApplyPatch(ctx, task.ID, version,
		persistence.Patch{Status: &status, Error: msg},
		&persistence.EventInput{Kind: persistence.EventError, Data: data},
	)
	if err != nil {
		e.setLastError(err)
		logger.Error("record task error failed; task left as is", "error", err)
		return
	}
	e.published(ctx, patched, true)
}

// Patch applies an external update guarded by ifVersion.
func (e *Engine) Patch(ctx context.Context, id string, ifVersion int64, p persistence.Patch, ev *persistence.EventInput) (*persistence.Patched, error) {
	patched, err := e.store.ApplyPatch(ctx, id, ifVersion, p, ev)
	if err != nil {
		if errors.Is(err, ErrConflict) {
			e.metrics.RecordConflict(ctx, "api")
		}
		return nil, err
	}
	e.published(ctx, patched, p.Status != nil)
	return patched, nil
}

// Delete removes a task and its events.
func (e *Engine) Delete(ctx context.Context, id string) error {
	if err := e.store.DeleteTask(ctx, id); err != nil {
		return err
	}
	e.logger.Info("task deleted", "task_id", id, "actor", shared.Actor(ctx))
	return nil
}

func (e *Engine) published(ctx context.Context, p *persistence.Patched, statusChanged bool) {
	e.bus.Publish(bus.TopicTaskUpdated, bus.TaskUpdated{Task: *p.Task})
	if p.Event != nil {
		e.bus.Publish(bus.TopicTaskEvent, bus.TaskEventAppended{Event: *p.Event})
	}
	if statusChanged {
		e.metrics.RecordTransition(ctx, string(p.Task.Status))
	}
}

func (e *Engine) setLastError(err error) {
	if err == nil {
		return
	}
	msg := err.Error()
	e.lastError.Store(&msg)
}

func marshalData(data any) (json.RawMessage, error) {
	switch v := data.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return v, nil
	case []byte:
		return json.RawMessage(v), nil
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode event data: %w", err)
		}
		return b, nil
	}
}
