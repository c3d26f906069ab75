package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/basket/taskd/internal/config"
	"github.com/basket/taskd/internal/otel"
	"github.com/basket/taskd/internal/persistence"
)

// AgentSource lists persisted agent definitions.
type AgentSource interface {
	ListAgents(ctx context.Context, enabledOnly bool) ([]persistence.AgentRecord, error)
}

// Builder assembles a registry from its three sources. Later sources win:
// built-ins, then configured dispatch targets, then persisted agents.
type Builder struct {
	Builtins           []string
	Targets            []config.DispatchTarget
	Agents             AgentSource
	SharedSecretHeader string
	SharedSecret       string
	HTTPClient         *http.Client
	Logger             *slog.Logger
	Tracer             trace.Tracer
	Metrics            *otel.Metrics
}

// NewBuilder derives a Builder from loaded configuration.
func NewBuilder(cfg config.Config, agents AgentSource, logger *slog.Logger) *Builder {
	return &Builder{
		Builtins:           cfg.Builtins,
		Targets:            cfg.DispatchTargets,
		Agents:             agents,
		SharedSecretHeader: cfg.Auth.SharedSecretHeader,
		SharedSecret:       cfg.Auth.SharedSecret,
		Logger:             logger,
	}
}

func (b *Builder) logger() *slog.Logger {
	if b.Logger == nil {
		return slog.Default()
	}
	return b.Logger
}

func (b *Builder) client() *http.Client {
	if b.HTTPClient == nil {
		return &http.Client{Timeout: 60 * time.Second}
	}
	return b.HTTPClient
}

// Build returns a new registry. Invalid individual entries are skipped with a
// warning; only a failure to read persisted agents fails the build.
func (b *Builder) Build(ctx context.Context) (*Registry, error) {
	logger := b.logger()
	reg := New(logger)

	for _, name := range b.Builtins {
		def, ok := BuiltinDefinition(name)
		if !ok {
			logger.Warn("unknown builtin handler", "name", name)
			continue
		}
		if err := reg.Register(def); err != nil {
			logger.Warn("skip builtin handler", "name", name, "error", err)
		}
	}

	for _, t := range b.Targets {
		def, err := b.fromTarget(t)
		if err != nil {
			logger.Warn("skip dispatch target", "slug", t.Slug, "error", err)
			continue
		}
		if err := reg.Register(def); err != nil {
			logger.Warn("skip dispatch target", "slug", t.Slug, "error", err)
		}
	}

	if b.Agents != nil {
		records, err := b.Agents.ListAgents(ctx, true)
		if err != nil {
			return nil, fmt.Errorf("list persisted agents: %w", err)
		}
		for _, rec := range records {
			def, err := b.fromRecord(rec)
			if err != nil {
				logger.Warn("skip persisted agent", "slug", rec.Slug, "error", err)
				continue
			}
			if err := reg.Register(def); err != nil {
				logger.Warn("skip persisted agent", "slug", rec.Slug, "error", err)
			}
		}
	}
	return reg, nil
}

func (b *Builder) fromTarget(t config.DispatchTarget) (*Definition, error) {
	var schema *Schema
	if t.PayloadSchema != "" {
		s, err := CompileSchema(t.Slug, json.RawMessage(t.PayloadSchema))
		if err != nil {
			return nil, err
		}
		schema = s
	}
	var static json.RawMessage
	if t.StaticBody != "" {
		if !json.Valid([]byte(t.StaticBody)) {
			return nil, fmt.Errorf("static_body is not valid JSON")
		}
		static = json.RawMessage(t.StaticBody)
	}
	d := NewDispatcher(Target{
		Slug:               t.Slug,
		URL:                t.URL,
		Method:             t.Method,
		Headers:            t.Headers,
		SharedSecretHeader: b.SharedSecretHeader,
		SharedSecret:       b.SharedSecret,
		BasicUserEnv:       t.BasicUserEnv,
		BasicPassEnv:       t.BasicPassEnv,
		BearerEnv:          t.BearerEnv,
		ForwardTask:        config.BoolOr(t.ForwardTask, true),
		StaticBody:         static,
		ExpectJSON:         config.BoolOr(t.ExpectJSON, true),
		Timeout:            time.Duration(t.TimeoutSeconds) * time.Second,
	}, b.client()).WithTelemetry(b.Tracer, b.Metrics)

	return &Definition{
		ID:          string(ProvenanceEnv) + ":" + t.Slug,
		Slug:        t.Slug,
		DisplayName: t.DisplayName,
		Channel:     t.Channel,
		Mode:        Dispatch{Dispatch: d.Dispatch, URL: t.URL},
		TaskTypes:   append([]string(nil), t.TaskTypes...),
		Provenance:  ProvenanceEnv,
		Schema:      schema,
	}, nil
}

// fromRecord maps a persisted agent to a definition. Persisted inline agents
// bind to a built-in implementation named by metadata.builtin, or by slug.
func (b *Builder) fromRecord(rec persistence.AgentRecord) (*Definition, error) {
	var schema *Schema
	if len(rec.PayloadSchema) > 0 {
		s, err := CompileSchema(rec.Slug, rec.PayloadSchema)
		if err != nil {
			return nil, err
		}
		schema = s
	}
	var meta map[string]any
	if len(rec.Metadata) > 0 {
		if err := json.Unmarshal(rec.Metadata, &meta); err != nil {
			return nil, fmt.Errorf("decode metadata: %w", err)
		}
	}

	def := &Definition{
		ID:          rec.ID,
		Slug:        rec.Slug,
		DisplayName: rec.DisplayName,
		Channel:     rec.Channel,
		TaskTypes:   append([]string(nil), rec.TaskTypes...),
		Metadata:    meta,
		Provenance:  ProvenancePersisted,
		Schema:      schema,
	}

	switch rec.Mode {
	case persistence.ModeInline:
		name := rec.Slug
		if s, ok := meta["builtin"].(string); ok && s != "" {
			name = s
		}
		exec, ok := BuiltinExecute(name)
		if !ok {
			return nil, fmt.Errorf("inline agent references unknown builtin %q", name)
		}
		def.Mode = Inline{Execute: exec}
	case persistence.ModeDispatch:
		d := NewDispatcher(Target{
			Slug:               rec.Slug,
			URL:                rec.URL,
			Method:             rec.Method,
			Headers:            rec.Headers,
			SharedSecretHeader: b.SharedSecretHeader,
			SharedSecret:       b.SharedSecret,
			BasicUserEnv:       rec.BasicUserEnv,
			BasicPassEnv:       rec.BasicPassEnv,
			BearerEnv:          rec.BearerEnv,
			ForwardTask:        rec.ForwardTask,
			StaticBody:         rec.StaticBody,
			ExpectJSON:         rec.ExpectJSON,
			Timeout:            time.Duration(rec.TimeoutSeconds) * time.Second,
		}, b.client()).WithTelemetry(b.Tracer, b.Metrics)
		def.Mode = Dispatch{Dispatch: d.Dispatch, URL: rec.URL}
	default:
		return nil, fmt.Errorf("unknown mode %q", rec.Mode)
	}
	return def, nil
}

// Holder owns the active registry snapshot. Readers call Current and never
// observe a partially built registry; Rebuild installs a new snapshot
// atomically.
type Holder struct {
	current atomic.Pointer[Registry]
	builder atomic.Pointer[Builder]
	mu      sync.Mutex // serialises rebuilds
}

// NewHolder installs an empty registry until the first Rebuild.
func NewHolder(b *Builder) *Holder {
	h := &Holder{}
	if b != nil {
		h.builder.Store(b)
	}
	h.current.Store(New(nil))
	return h
}

func (h *Holder) Current() *Registry {
	return h.current.Load()
}

// Install replaces the active snapshot. reg must not be mutated afterwards.
func (h *Holder) Install(reg *Registry) {
	if reg == nil {
		return
	}
	h.current.Store(reg)
}

// SetBuilder swaps the builder used by subsequent rebuilds, e.g. after a
// config reload.
func (h *Holder) SetBuilder(b *Builder) {
	h.builder.Store(b)
}

// Rebuild builds and installs a new snapshot. On error the previous snapshot
// stays active.
func (h *Holder) Rebuild(ctx context.Context) (*Registry, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	b := h.builder.Load()
	if b == nil {
		return nil, fmt.Errorf("registry builder not configured")
	}
	reg, err := b.Build(ctx)
	if err != nil {
		return nil, err
	}
	h.current.Store(reg)
	return reg, nil
}
