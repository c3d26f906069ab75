package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/basket/taskd/internal/shared"
	"github.com/google/uuid"
)

type TaskStatus string

const (
	StatusQueued  TaskStatus = "queued"
	StatusRunning TaskStatus = "running"
	StatusDone    TaskStatus = "done"
	StatusError   TaskStatus = "error"
)

func (s TaskStatus) Valid() bool {
	switch s {
	case StatusQueued, StatusRunning, StatusDone, StatusError:
		return true
	}
	return false
}

func (s TaskStatus) Terminal() bool {
	return s == StatusDone || s == StatusError
}

type EventKind string

const (
	EventCreated       EventKind = "created"
	EventAgentAssigned EventKind = "agent_assigned"
	EventStatusChange  EventKind = "status_change"
	EventResult        EventKind = "result"
	EventError         EventKind = "error"
	EventDispatchAck   EventKind = "dispatch_ack"
	EventLog           EventKind = "log"
)

func (k EventKind) Valid() bool {
	switch k {
	case EventCreated, EventAgentAssigned, EventStatusChange, EventResult, EventError, EventDispatchAck, EventLog:
		return true
	}
	return false
}

const (
	DefaultListLimit = 50
	MaxListLimit     = 200
)

// AgentAssignment records which handler a task was bound to.
type AgentAssignment struct {
	ID          string `json:"id"`
	Slug        string `json:"slug"`
	DisplayName string `json:"displayName"`
	Channel     string `json:"channel"`
}

type Task struct {
	ID            string           `json:"id"`
	Type          string           `json:"type"`
	Status        TaskStatus       `json:"status"`
	Source        string           `json:"source"`
	Payload       json.RawMessage  `json:"payload"`
	Result        json.RawMessage  `json:"result"`
	Error         json.RawMessage  `json:"error"`
	CorrelationID *string          `json:"correlationId"`
	TraceID       string           `json:"traceId"`
	Version       int64            `json:"version"`
	Agent         *AgentAssignment `json:"agent,omitempty"`
	CreatedAt     time.Time        `json:"createdAt"`
	UpdatedAt     time.Time        `json:"updatedAt"`
}

type TaskEvent struct {
	ID            string          `json:"id"`
	TaskID        string          `json:"taskId"`
	TS            time.Time       `json:"ts"`
	Actor         string          `json:"actor"`
	Kind          EventKind       `json:"kind"`
	Data          json.RawMessage `json:"data"`
	CorrelationID *string         `json:"correlationId"`
	TraceID       string          `json:"traceId"`
}

type NewTask struct {
	Type          string
	Source        string
	Payload       json.RawMessage
	CorrelationID *string
	TraceID       string
	Actor         string
	Agent         *AgentAssignment
}

type Created struct {
	Task            *Task
	CreatedEvent    *TaskEvent
	AssignmentEvent *TaskEvent
}

// Patch carries the fields to overwrite. A nil field is left untouched; a
// JSON null literal clears result or error.
type Patch struct {
	Status        *TaskStatus
	Result        json.RawMessage
	Error         json.RawMessage
	Payload       json.RawMessage
	CorrelationID *string
	Agent         *AgentAssignment
}

func (p Patch) Empty() bool {
	return p.Status == nil && p.Result == nil && p.Error == nil &&
		p.Payload == nil && p.CorrelationID == nil && p.Agent == nil
}

// EventInput describes an event to append. Actor defaults to the actor
// carried by the context.
type EventInput struct {
	Kind  EventKind
	Actor string
	Data  json.RawMessage
}

type Patched struct {
	Task  *Task
	Event *TaskEvent
}

type ListFilter struct {
	Status        TaskStatus
	Since         *time.Time
	CorrelationID string
	Limit         int
}

const taskColumns = `id, type, status, source, payload, result, error, correlation_id, trace_id, version,
	agent_id, agent_slug, agent_display_name, agent_channel, created_at, updated_at`

func scanTask(scanFn func(dest ...any) error, task *Task) error {
	var (
		payload                                string
		result, errv, corr                     sql.NullString
		agentID, agentSlug, agentName, agentCh sql.NullString
		created, updated                       dbTime
	)
	if err := scanFn(
		&task.ID,
		&task.Type,
		&task.Status,
		&task.Source,
		&payload,
		&result,
		&errv,
		&corr,
		&task.TraceID,
		&task.Version,
		&agentID,
		&agentSlug,
		&agentName,
		&agentCh,
		&created,
		&updated,
	); err != nil {
		return err
	}
	task.Payload = json.RawMessage(payload)
	task.Result = rawOrNil(result)
	task.Error = rawOrNil(errv)
	task.CorrelationID = stringOrNil(corr)
	task.CreatedAt = created.Time
	task.UpdatedAt = updated.Time
	task.Agent = nil
	if agentSlug.Valid && agentSlug.String != "" {
		task.Agent = &AgentAssignment{
			ID:          agentID.String,
			Slug:        agentSlug.String,
			DisplayName: agentName.String,
			Channel:     agentCh.String,
		}
	}
	return nil
}

func scanEvent(scanFn func(dest ...any) error, ev *TaskEvent) error {
	var (
		data, corr sql.NullString
		ts         dbTime
	)
	if err := scanFn(&ev.ID, &ev.TaskID, &ts, &ev.Actor, &ev.Kind, &data, &corr, &ev.TraceID); err != nil {
		return err
	}
	ev.TS = ts.Time
	ev.Data = rawOrNil(data)
	ev.CorrelationID = stringOrNil(corr)
	return nil
}

func (s *Store) insertEventTx(ctx context.Context, tx *sql.Tx, ev *TaskEvent) error {
	_, err := tx.ExecContext(ctx, s.rebind(`
		INSERT INTO task_events (id, task_id, ts, actor, kind, data, correlation_id, trace_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?);
	`), ev.ID, ev.TaskID, ev.TS, ev.Actor, string(ev.Kind), nullableJSON(ev.Data), nullableString(ev.CorrelationID), ev.TraceID)
	if err != nil {
		return fmt.Errorf("insert task_event: %w", err)
	}
	return nil
}

// CreateTask inserts the task row, its created event and, when an agent is
// bound, the agent_assigned event in one transaction.
func (s *Store) CreateTask(ctx context.Context, in NewTask) (*Created, error) {
	in.Type = strings.TrimSpace(in.Type)
	in.Source = strings.TrimSpace(in.Source)
	if in.Type == "" {
		return nil, invalid("type", "is required")
	}
	if in.Source == "" {
		return nil, invalid("source", "is required")
	}
	payload := in.Payload
	if len(payload) == 0 || string(payload) == "null" {
		payload = json.RawMessage(`{}`)
	}
	if !json.Valid(payload) {
		return nil, invalid("payload", "must be valid JSON")
	}
	if in.TraceID == "" {
		in.TraceID = shared.NewTraceID()
	}
	if in.Actor == "" {
		in.Actor = shared.Actor(ctx)
	}

	ts := now()
	task := &Task{
		ID:            uuid.NewString(),
		Type:          in.Type,
		Status:        StatusQueued,
		Source:        in.Source,
		Payload:       payload,
		CorrelationID: in.CorrelationID,
		TraceID:       in.TraceID,
		Version:       0,
		Agent:         in.Agent,
		CreatedAt:     ts,
		UpdatedAt:     ts,
	}
	createdData, _ := json.Marshal(map[string]any{"type": task.Type, "source": task.Source, "payload": task.Payload})
	out := &Created{
		Task: task,
		CreatedEvent: &TaskEvent{
			ID:            uuid.NewString(),
			TaskID:        task.ID,
			TS:            ts,
			Actor:         in.Actor,
			Kind:          EventCreated,
			Data:          createdData,
			CorrelationID: task.CorrelationID,
			TraceID:       task.TraceID,
		},
	}
	if in.Agent != nil {
		agentData, _ := json.Marshal(in.Agent)
		out.AssignmentEvent = &TaskEvent{
			ID:            uuid.NewString(),
			TaskID:        task.ID,
			TS:            ts,
			Actor:         in.Actor,
			Kind:          EventAgentAssigned,
			Data:          agentData,
			CorrelationID: task.CorrelationID,
			TraceID:       task.TraceID,
		}
	}

	var agentID, agentSlug, agentName, agentCh any
	if a := in.Agent; a != nil {
		agentID, agentSlug, agentName, agentCh = a.ID, a.Slug, a.DisplayName, a.Channel
	}

	err := retryOnBusy(ctx, busyRetries, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, s.rebind(`
			INSERT INTO tasks (id, type, status, source, payload, result, error, correlation_id, trace_id, version,
				agent_id, agent_slug, agent_display_name, agent_channel, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, NULL, NULL, ?, ?, 0, ?, ?, ?, ?, ?, ?);
		`), task.ID, task.Type, string(task.Status), task.Source, string(task.Payload),
			nullableString(task.CorrelationID), task.TraceID,
			agentID, agentSlug, agentName, agentCh, ts, ts); err != nil {
			return fmt.Errorf("insert task: %w", err)
		}
		if err := s.insertEventTx(ctx, tx, out.CreatedEvent); err != nil {
			return err
		}
		if out.AssignmentEvent != nil {
			if err := s.insertEventTx(ctx, tx, out.AssignmentEvent); err != nil {
				return err
			}
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, wrap("create task", err)
	}
	return out, nil
}

// GetTask returns nil, nil when the task does not exist.
func (s *Store) GetTask(ctx context.Context, id string) (*Task, error) {
	var task Task
	err := scanTask(s.db.QueryRowContext(ctx, s.rebind(`SELECT `+taskColumns+` FROM tasks WHERE id = ?;`), id).Scan, &task)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrap("get task", err)
	}
	return &task, nil
}

// GetTaskWithEvents returns the task and its events in append order, or nil
// values when the task does not exist.
func (s *Store) GetTaskWithEvents(ctx context.Context, id string) (*Task, []TaskEvent, error) {
	task, err := s.GetTask(ctx, id)
	if err != nil || task == nil {
		return nil, nil, err
	}
	events, err := s.ListEvents(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	return task, events, nil
}

func (s *Store) ListEvents(ctx context.Context, taskID string) ([]TaskEvent, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT id, task_id, ts, actor, kind, data, correlation_id, trace_id
		FROM task_events
		WHERE task_id = ?
		ORDER BY ts ASC, seq ASC;
	`), taskID)
	if err != nil {
		return nil, wrap("list events", err)
	}
	defer rows.Close()

	events := make([]TaskEvent, 0, 8)
	for rows.Next() {
		var ev TaskEvent
		if err := scanEvent(rows.Scan, &ev); err != nil {
			return nil, wrap("scan event", err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap("list events", err)
	}
	return events, nil
}

// ClampLimit applies the default and upper bound used by ListTasks.
func ClampLimit(limit int) int {
	if limit <= 0 {
		return DefaultListLimit
	}
	if limit > MaxListLimit {
		return MaxListLimit
	}
	return limit
}

// ListTasks returns tasks ordered by updated_at, newest first.
func (s *Store) ListTasks(ctx context.Context, f ListFilter) ([]Task, error) {
	var (
		where []string
		args  []any
	)
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.Since != nil {
		where = append(where, "updated_at >= ?")
		args = append(args, f.Since.UTC())
	}
	if f.CorrelationID != "" {
		where = append(where, "correlation_id = ?")
		args = append(args, f.CorrelationID)
	}
	q := `SELECT ` + taskColumns + ` FROM tasks`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	q += ` ORDER BY updated_at DESC, id ASC LIMIT ?;`
	args = append(args, ClampLimit(f.Limit))

	rows, err := s.db.QueryContext(ctx, s.rebind(q), args...)
	if err != nil {
		return nil, wrap("list tasks", err)
	}
	defer rows.Close()

	tasks := make([]Task, 0, 16)
	for rows.Next() {
		var task Task
		if err := scanTask(rows.Scan, &task); err != nil {
			return nil, wrap("scan task", err)
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap("list tasks", err)
	}
	return tasks, nil
}

// ApplyPatch is the only mutation path for tasks. The update is guarded by
// id AND version=ifVersion; on success the version advances by exactly one
// and the event is inserted in the same transaction. When ev is nil the
// event kind follows the patch: status_change, then result, then error,
// otherwise log.
func (s *Store) ApplyPatch(ctx context.Context, id string, ifVersion int64, p Patch, ev *EventInput) (*Patched, error) {
	if p.Empty() {
		return nil, invalid("patch", "no patchable field present")
	}
	if p.Status != nil && !p.Status.Valid() {
		return nil, invalid("status", fmt.Sprintf("unknown status %q", *p.Status))
	}
	for name, raw := range map[string]json.RawMessage{"result": p.Result, "error": p.Error, "payload": p.Payload} {
		if raw != nil && !json.Valid(raw) {
			return nil, invalid(name, "must be valid JSON")
		}
	}
	if p.Payload != nil && string(p.Payload) == "null" {
		return nil, invalid("payload", "must not be null")
	}

	event, err := deriveEvent(ctx, p, ev)
	if err != nil {
		return nil, err
	}

	ts := now()
	var (
		sets []string
		args []any
	)
	if p.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*p.Status))
	}
	if p.Result != nil {
		sets = append(sets, "result = ?")
		args = append(args, nullableJSON(p.Result))
	}
	if p.Error != nil {
		sets = append(sets, "error = ?")
		args = append(args, nullableJSON(p.Error))
	}
	if p.Payload != nil {
		sets = append(sets, "payload = ?")
		args = append(args, string(p.Payload))
	}
	if p.CorrelationID != nil {
		sets = append(sets, "correlation_id = ?")
		args = append(args, nullableString(p.CorrelationID))
	}
	if a := p.Agent; a != nil {
		sets = append(sets, "agent_id = ?", "agent_slug = ?", "agent_display_name = ?", "agent_channel = ?")
		args = append(args, a.ID, a.Slug, a.DisplayName, a.Channel)
	}
	sets = append(sets, "version = version + 1", "updated_at = ?")
	args = append(args, ts, id, ifVersion)
	query := s.rebind(`UPDATE tasks SET ` + strings.Join(sets, ", ") +
		` WHERE id = ? AND version = ? RETURNING ` + taskColumns + `;`)

	var out *Patched
	err = retryOnBusy(ctx, busyRetries, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var task Task
		err = scanTask(tx.QueryRowContext(ctx, query, args...).Scan, &task)
		if errors.Is(err, sql.ErrNoRows) {
			var exists int
			err := tx.QueryRowContext(ctx, s.rebind(`SELECT 1 FROM tasks WHERE id = ?;`), id).Scan(&exists)
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			if err != nil {
				return fmt.Errorf("check task exists: %w", err)
			}
			return &ConflictError{TaskID: id, Expected: ifVersion}
		}
		if err != nil {
			return fmt.Errorf("update task: %w", err)
		}

		rec := &TaskEvent{
			ID:            uuid.NewString(),
			TaskID:        task.ID,
			TS:            ts,
			Actor:         event.Actor,
			Kind:          event.Kind,
			Data:          event.Data,
			CorrelationID: task.CorrelationID,
			TraceID:       task.TraceID,
		}
		if err := s.insertEventTx(ctx, tx, rec); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit patch: %w", err)
		}
		out = &Patched{Task: &task, Event: rec}
		return nil
	})
	if err != nil {
		return nil, wrap("apply patch", err)
	}
	return out, nil
}

func deriveEvent(ctx context.Context, p Patch, ev *EventInput) (EventInput, error) {
	var out EventInput
	if ev != nil {
		out = *ev
		if !out.Kind.Valid() {
			return out, invalid("event.kind", fmt.Sprintf("unknown kind %q", out.Kind))
		}
	} else {
		switch {
		case p.Status != nil:
			out.Kind = EventStatusChange
			data := map[string]any{"status": *p.Status}
			if p.Result != nil {
				data["result"] = p.Result
			}
			if p.Error != nil {
				data["error"] = p.Error
			}
			out.Data, _ = json.Marshal(data)
		case p.Result != nil:
			out.Kind = EventResult
			out.Data = p.Result
		case p.Error != nil:
			out.Kind = EventError
			out.Data = p.Error
		default:
			out.Kind = EventLog
			fields := make([]string, 0, 3)
			if p.Payload != nil {
				fields = append(fields, "payload")
			}
			if p.CorrelationID != nil {
				fields = append(fields, "correlationId")
			}
			if p.Agent != nil {
				fields = append(fields, "agent")
			}
			out.Data, _ = json.Marshal(map[string]any{"patched": fields})
		}
	}
	if out.Actor == "" {
		out.Actor = shared.Actor(ctx)
	}
	return out, nil
}

// AppendEvent records an event without touching the task row or its version.
func (s *Store) AppendEvent(ctx context.Context, taskID string, in EventInput) (*TaskEvent, error) {
	if !in.Kind.Valid() {
		return nil, invalid("kind", fmt.Sprintf("unknown kind %q", in.Kind))
	}
	if in.Data != nil && !json.Valid(in.Data) {
		return nil, invalid("data", "must be valid JSON")
	}
	if in.Actor == "" {
		in.Actor = shared.Actor(ctx)
	}

	var out *TaskEvent
	err := retryOnBusy(ctx, busyRetries, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var (
			corr    sql.NullString
			traceID string
		)
		err = tx.QueryRowContext(ctx, s.rebind(`SELECT correlation_id, trace_id FROM tasks WHERE id = ?;`), taskID).Scan(&corr, &traceID)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("read task for event: %w", err)
		}
		ev := &TaskEvent{
			ID:            uuid.NewString(),
			TaskID:        taskID,
			TS:            now(),
			Actor:         in.Actor,
			Kind:          in.Kind,
			Data:          in.Data,
			CorrelationID: stringOrNil(corr),
			TraceID:       traceID,
		}
		if err := s.insertEventTx(ctx, tx, ev); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit event: %w", err)
		}
		out = ev
		return nil
	})
	if err != nil {
		return nil, wrap("append event", err)
	}
	return out, nil
}

// DeleteTask removes a task and, by cascade, all of its events.
func (s *Store) DeleteTask(ctx context.Context, id string) error {
	var affected int64
	err := retryOnBusy(ctx, busyRetries, func() error {
		res, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM tasks WHERE id = ?;`), id)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return wrap("delete task", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}
