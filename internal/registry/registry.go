package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"strings"

	"github.com/basket/taskd/internal/persistence"
)

// Provenance records where a handler definition came from.
type Provenance string

const (
	ProvenanceBuiltin   Provenance = "builtin"
	ProvenanceEnv       Provenance = "env"
	ProvenancePersisted Provenance = "persisted"
)

// EmitFunc lets a handler record an intermediate event on its task without
// touching storage directly.
type EmitFunc func(ctx context.Context, kind persistence.EventKind, data any) error

// Invocation is the input to a handler: a snapshot of the task at the time
// it entered running, plus the event callback.
type Invocation struct {
	Task persistence.Task
	Emit EmitFunc
}

// ExecuteFunc runs task logic in process.
type ExecuteFunc func(ctx context.Context, inv Invocation) (any, error)

// DispatchFunc hands a task to an external agent and returns its reply.
type DispatchFunc func(ctx context.Context, inv Invocation) (any, error)

// Mode is either Inline or Dispatch.
type Mode interface {
	Name() string
	isMode()
}

type Inline struct {
	Execute ExecuteFunc
}

func (Inline) Name() string { return string(persistence.ModeInline) }
func (Inline) isMode()      {}

type Dispatch struct {
	Dispatch DispatchFunc
	// URL is informational and shown in registry listings.
	URL string
}

func (Dispatch) Name() string { return string(persistence.ModeDispatch) }
func (Dispatch) isMode()      {}

// Definition is one handler in a registry snapshot. Definitions are built
// once and never mutated after registration.
type Definition struct {
	ID          string
	Slug        string
	DisplayName string
	Channel     string
	Mode        Mode
	TaskTypes   []string
	Metadata    map[string]any
	Provenance  Provenance
	Schema      *Schema
}

// Accepts reports whether the definition declares taskType.
func (d *Definition) Accepts(taskType string) bool {
	return d != nil && slices.Contains(d.TaskTypes, taskType)
}

// Invoke runs the handler according to its mode.
func (d *Definition) Invoke(ctx context.Context, inv Invocation) (any, error) {
	switch m := d.Mode.(type) {
	case Inline:
		if m.Execute == nil {
			return nil, fmt.Errorf("handler %s has no execute function", d.Slug)
		}
		return m.Execute(ctx, inv)
	case Dispatch:
		if m.Dispatch == nil {
			return nil, fmt.Errorf("handler %s has no dispatch function", d.Slug)
		}
		return m.Dispatch(ctx, inv)
	default:
		return nil, fmt.Errorf("handler %s has unknown mode %T", d.Slug, d.Mode)
	}
}

// Assignment is the agent descriptor stored on tasks bound to d.
func (d *Definition) Assignment() *persistence.AgentAssignment {
	return &persistence.AgentAssignment{
		ID:          d.ID,
		Slug:        d.Slug,
		DisplayName: d.DisplayName,
		Channel:     d.Channel,
	}
}

var ErrNoTaskTypes = errors.New("handler declares no task types")

// Registry maps task types to exactly one handler. It is populated by a
// Builder and then treated as read-only once installed in a Holder.
type Registry struct {
	logger *slog.Logger
	bySlug map[string]*Definition
	byType map[string]*Definition
	order  []*Definition // registration order of live definitions
}

func New(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		logger: logger,
		bySlug: make(map[string]*Definition),
		byType: make(map[string]*Definition),
	}
}

// Register indexes every declared type to def. A type already owned by
// another handler is taken over with a warning; re-registering a slug
// replaces the earlier definition entirely.
func (r *Registry) Register(def *Definition) error {
	if def == nil {
		return errors.New("nil handler definition")
	}
	def.Slug = strings.TrimSpace(def.Slug)
	if def.Slug == "" {
		return errors.New("handler slug is required")
	}
	if len(def.TaskTypes) == 0 {
		return fmt.Errorf("register %s: %w", def.Slug, ErrNoTaskTypes)
	}
	if def.Mode == nil {
		return fmt.Errorf("register %s: mode is required", def.Slug)
	}
	if def.DisplayName == "" {
		def.DisplayName = def.Slug
	}
	if def.ID == "" {
		def.ID = string(def.Provenance) + ":" + def.Slug
	}

	if prev, ok := r.bySlug[def.Slug]; ok {
		r.logger.Warn("handler slug re-registered",
			"slug", def.Slug, "previous", prev.Provenance, "provenance", def.Provenance)
		r.drop(prev)
	}
	r.bySlug[def.Slug] = def
	r.order = append(r.order, def)

	for _, t := range def.TaskTypes {
		if owner, ok := r.byType[t]; ok && owner != def {
			r.logger.Warn("task type handler overridden",
				"task_type", t, "previous", owner.Slug, "slug", def.Slug)
		}
		r.byType[t] = def
	}
	return nil
}

// drop removes prev and re-derives type ownership from the remaining
// definitions, so a type prev had taken over returns to its earlier owner.
func (r *Registry) drop(prev *Definition) {
	live := r.order[:0]
	for _, d := range r.order {
		if d != prev {
			live = append(live, d)
		}
	}
	r.order = live
	clear(r.byType)
	for _, d := range r.order {
		for _, t := range d.TaskTypes {
			r.byType[t] = d
		}
	}
}

// Resolve returns the handler owning taskType, or nil.
func (r *Registry) Resolve(taskType string) *Definition {
	if r == nil {
		return nil
	}
	return r.byType[taskType]
}

// BySlug returns the handler with slug, or nil.
func (r *Registry) BySlug(slug string) *Definition {
	if r == nil {
		return nil
	}
	return r.bySlug[slug]
}

// Definitions returns every registered handler ordered by slug.
func (r *Registry) Definitions() []*Definition {
	if r == nil {
		return nil
	}
	out := make([]*Definition, 0, len(r.bySlug))
	for _, d := range r.bySlug {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slug < out[j].Slug })
	return out
}

// TypeCount returns the number of routable task types.
func (r *Registry) TypeCount() int {
	if r == nil {
		return 0
	}
	return len(r.byType)
}

// Owner returns the slug that currently owns taskType, or "".
func (r *Registry) Owner(taskType string) string {
	if d := r.Resolve(taskType); d != nil {
		return d.Slug
	}
	return ""
}
