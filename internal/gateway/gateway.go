// Package gateway is the HTTP surface of taskd: task submission, lookup,
// patching, the registry admin endpoints and the websocket feed.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/taskd/internal/config"
	"github.com/basket/taskd/internal/engine"
	"github.com/basket/taskd/internal/hub"
	"github.com/basket/taskd/internal/otel"
	"github.com/basket/taskd/internal/persistence"
	"github.com/basket/taskd/internal/refresh"
	"github.com/basket/taskd/internal/registry"
)

const (
	scopeHTTP  = "http"
	scopeWS    = "ws"
	scopeAdmin = "admin"

	healthTimeout = 2 * time.Second
)

type Config struct {
	Engine   *engine.Engine
	Store    *persistence.Store
	Registry *registry.Holder
	Reloader *refresh.Reloader
	Hub      *hub.Hub
	Auth     Authenticator

	RateLimit    config.RateLimitConfig
	MaxBodyBytes int64

	// AllowOrigins is shared by CORS and the websocket origin check.
	AllowOrigins       []string
	SharedSecretHeader string

	// ConfigFingerprint is reported by /healthz.
	ConfigFingerprint string

	Logger  *slog.Logger
	Tracer  trace.Tracer
	Metrics *otel.Metrics
}

type Server struct {
	cfg       Config
	logger    *slog.Logger
	tracer    trace.Tracer
	metrics   *otel.Metrics
	ratelimit *RateLimitMiddleware
	started   time.Time
}

func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("taskd/gateway")
	}
	return &Server{
		cfg:       cfg,
		logger:    logger.With("component", "gateway"),
		tracer:    tracer,
		metrics:   cfg.Metrics,
		ratelimit: NewRateLimitMiddleware(cfg.RateLimit, cfg.Metrics),
		started:   time.Now(),
	}
}

// StartEviction drops idle rate limit buckets until ctx is done.
func (s *Server) StartEviction(ctx context.Context) {
	s.ratelimit.StartEviction(ctx, 5*time.Minute, 10*time.Minute)
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.instrument)
	r.Use(NewCORSMiddleware(s.cfg.AllowOrigins, s.cfg.SharedSecretHeader))

	r.Get("/healthz", s.handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(RequestSizeLimitMiddleware(s.cfg.MaxBodyBytes))
		r.Use(RequireAuth(s.cfg.Auth, scopeHTTP))

		r.With(s.ratelimit.Wrap).Post("/task", s.handleSubmit)
		r.Get("/task/{id}", s.handleGetTask)
		r.Get("/tasks", s.handleListTasks)
		r.Patch("/task/{id}", s.handlePatchTask)
	})

	r.Group(func(r chi.Router) {
		r.Use(RequireAuth(s.cfg.Auth, scopeAdmin))
		r.Delete("/task/{id}", s.handleDeleteTask)
		r.Get("/agents", s.handleListAgents)
		r.Post("/agents/reload", s.handleReloadAgents)
	})

	r.With(QueryAuth, s.originGuard, RequireAuth(s.cfg.Auth, scopeWS)).Get("/ws", s.cfg.Hub.ServeWS)

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		respondError(w, http.StatusNotFound, "NOT_FOUND", "no such route")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		respondError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
	})
	return r
}

// originGuard rejects disallowed browser origins before credentials are
// looked at, so a foreign page learns nothing about auth.
func (s *Server) originGuard(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.cfg.Hub.OriginAllowed(r) {
			respondError(w, http.StatusForbidden, "FORBIDDEN", "origin not allowed")
			return
		}
		next.ServeHTTP(w, r)
	})
}

type submitRequest struct {
	Type          string          `json:"type"`
	Source        string          `json:"source"`
	Payload       json.RawMessage `json:"payload"`
	CorrelationID *string         `json:"correlationId"`
	AgentSlug     string          `json:"agentSlug"`
}

type submitResponse struct {
	ID      string                       `json:"id"`
	TraceID string                       `json:"traceId"`
	Status  persistence.TaskStatus       `json:"status"`
	Agent   *persistence.AgentAssignment `json:"agent,omitempty"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if !decodeBody(w, r, &req) {
		return
	}
	created, err := s.cfg.Engine.Submit(r.Context(), engine.SubmitRequest{
		Type:          req.Type,
		Source:        req.Source,
		Payload:       req.Payload,
		CorrelationID: req.CorrelationID,
		AgentSlug:     req.AgentSlug,
	})
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	task := created.Task
	respondJSON(w, http.StatusAccepted, submitResponse{
		ID:      task.ID,
		TraceID: task.TraceID,
		Status:  task.Status,
		Agent:   task.Agent,
	})
	// The submitter has its answer before processing starts.
	_ = http.NewResponseController(w).Flush()
	s.cfg.Engine.Go(*task)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	task, events, err := s.cfg.Store.GetTaskWithEvents(r.Context(), id)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	if task == nil {
		respondError(w, http.StatusNotFound, string(engine.ErrorClassNotFound), "task not found")
		return
	}
	if events == nil {
		events = []persistence.TaskEvent{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"task": task, "events": events})
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := persistence.ListFilter{
		Status:        persistence.TaskStatus(strings.TrimSpace(q.Get("status"))),
		CorrelationID: strings.TrimSpace(q.Get("corrId")),
		Limit:         persistence.DefaultListLimit,
	}
	if f.Status != "" && !f.Status.Valid() {
		respondError(w, http.StatusBadRequest, string(engine.ErrorClassValidation), "status: unknown status")
		return
	}
	if raw := strings.TrimSpace(q.Get("since")); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			respondError(w, http.StatusBadRequest, string(engine.ErrorClassValidation), "since: must be an RFC3339 timestamp")
			return
		}
		f.Since = &since
	}
	if raw := strings.TrimSpace(q.Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > persistence.MaxListLimit {
			respondError(w, http.StatusBadRequest, string(engine.ErrorClassValidation), "limit: must be an integer between 1 and 200")
			return
		}
		f.Limit = n
	}
	tasks, err := s.cfg.Store.ListTasks(r.Context(), f)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	if tasks == nil {
		tasks = []persistence.Task{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

func (s *Server) handlePatchTask(w http.ResponseWriter, r *http.Request) {
	var body map[string]json.RawMessage
	if !decodeBody(w, r, &body) {
		return
	}
	ifVersion, patch, err := parsePatch(body)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	patched, err := s.cfg.Engine.Patch(r.Context(), chi.URLParam(r, "id"), ifVersion, patch, nil)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"task": patched.Task})
}

// parsePatch reads a PATCH body. Absent keys are left untouched; an explicit
// null result or error clears the field, and a null correlationId removes it.
func parsePatch(body map[string]json.RawMessage) (int64, persistence.Patch, error) {
	var p persistence.Patch
	rawVersion, ok := body["ifVersion"]
	if !ok || isNull(rawVersion) {
		return 0, p, &engine.ValidationError{Field: "ifVersion", Message: "is required"}
	}
	var ifVersion int64
	if err := json.Unmarshal(rawVersion, &ifVersion); err != nil {
		return 0, p, &engine.ValidationError{Field: "ifVersion", Message: "must be an integer"}
	}

	if raw, ok := body["status"]; ok {
		var st string
		if err := json.Unmarshal(raw, &st); err != nil {
			return 0, p, &engine.ValidationError{Field: "status", Message: "must be a string"}
		}
		status := persistence.TaskStatus(st)
		p.Status = &status
	}
	if raw, ok := body["result"]; ok {
		p.Result = raw
	}
	if raw, ok := body["error"]; ok {
		p.Error = raw
	}
	if raw, ok := body["payload"]; ok {
		p.Payload = raw
	}
	if raw, ok := body["correlationId"]; ok {
		corr := ""
		if !isNull(raw) {
			if err := json.Unmarshal(raw, &corr); err != nil {
				return 0, p, &engine.ValidationError{Field: "correlationId", Message: "must be a string or null"}
			}
		}
		p.CorrelationID = &corr
	}
	if p.Empty() {
		return 0, p, &engine.ValidationError{Field: "patch", Message: "no patchable field present"}
	}
	return ifVersion, p, nil
}

func isNull(raw json.RawMessage) bool {
	return strings.TrimSpace(string(raw)) == "null"
}

func (s *Server) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	if err := s.cfg.Engine.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type agentSummary struct {
	ID          string   `json:"id"`
	Slug        string   `json:"slug"`
	DisplayName string   `json:"displayName"`
	Channel     string   `json:"channel"`
	Mode        string   `json:"mode"`
	TaskTypes   []string `json:"taskTypes"`
	Provenance  string   `json:"provenance"`
	HasSchema   bool     `json:"hasSchema"`
}

func (s *Server) handleListAgents(w http.ResponseWriter, _ *http.Request) {
	reg := s.cfg.Registry.Current()
	defs := reg.Definitions()
	agents := make([]agentSummary, 0, len(defs))
	for _, d := range defs {
		agents = append(agents, agentSummary{
			ID:          d.ID,
			Slug:        d.Slug,
			DisplayName: d.DisplayName,
			Channel:     d.Channel,
			Mode:        d.Mode.Name(),
			TaskTypes:   d.TaskTypes,
			Provenance:  string(d.Provenance),
			HasSchema:   d.Schema != nil,
		})
	}
	resp := map[string]any{"agents": agents, "types": reg.TypeCount()}
	if s.cfg.Reloader != nil {
		if t := s.cfg.Reloader.LastReload(); !t.IsZero() {
			resp["rebuiltAt"] = t
		}
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleReloadAgents(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Reloader == nil {
		respondError(w, http.StatusServiceUnavailable, "UNAVAILABLE", "registry reload not configured")
		return
	}
	reg, err := s.cfg.Reloader.Reload(r.Context(), "api")
	if err != nil {
		s.logger.Error("registry reload via api failed", "error", err)
		respondError(w, http.StatusInternalServerError, "RELOAD_FAILED", "registry rebuild failed; previous snapshot kept")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"handlers": len(reg.Definitions()), "types": reg.TypeCount()})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()

	status := "ok"
	code := http.StatusOK
	dbStatus := "ok"
	if err := s.cfg.Store.DB().PingContext(ctx); err != nil {
		s.logger.Warn("health: database ping failed", "error", err)
		status, dbStatus, code = "degraded", "unreachable", http.StatusServiceUnavailable
	}
	eng := s.cfg.Engine.Status()
	respondJSON(w, code, map[string]any{
		"status":            status,
		"database":          dbStatus,
		"driver":            s.cfg.Store.Driver(),
		"activeTasks":       eng.ActiveTasks,
		"lastError":         eng.LastError,
		"wsClients":         s.cfg.Hub.ClientCount(),
		"handlers":          len(s.cfg.Registry.Current().Definitions()),
		"configFingerprint": s.cfg.ConfigFingerprint,
		"uptimeSeconds":     int64(time.Since(s.started).Seconds()),
	})
}

// decodeBody decodes a JSON request body into dst, answering 400 or 413
// itself when it cannot.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			respondError(w, http.StatusRequestEntityTooLarge, "TOO_LARGE", "request body too large")
			return false
		}
		respondError(w, http.StatusBadRequest, string(engine.ErrorClassValidation), "body: invalid JSON")
		return false
	}
	return true
}

func (s *Server) writeEngineError(w http.ResponseWriter, r *http.Request, err error) {
	code := engine.HTTPStatus(err)
	class := engine.ClassifyError(err)
	if code >= http.StatusInternalServerError {
		s.logger.Error("request failed", "route", r.URL.Path, "class", class, "error", err)
	}
	respondError(w, code, string(class), engine.PublicMessage(err))
}

func respondJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, map[string]string{"error": code, "message": message})
}
