package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

type AgentMode string

const (
	ModeInline   AgentMode = "inline"
	ModeDispatch AgentMode = "dispatch"
)

// AgentRecord is a persisted handler definition. Persisted agents take
// precedence over configured dispatch targets and built-ins when the registry
// is rebuilt.
type AgentRecord struct {
	ID          string            `json:"id"`
	Slug        string            `json:"slug"`
	DisplayName string            `json:"displayName"`
	Channel     string            `json:"channel"`
	Mode        AgentMode         `json:"mode"`
	TaskTypes   []string          `json:"taskTypes"`
	URL         string            `json:"url,omitempty"`
	Method      string            `json:"method,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`

	BasicUserEnv string `json:"basicUserEnv,omitempty"`
	BasicPassEnv string `json:"basicPassEnv,omitempty"`
	BearerEnv    string `json:"bearerEnv,omitempty"`

	ForwardTask    bool            `json:"forwardTask"`
	StaticBody     json.RawMessage `json:"staticBody,omitempty"`
	ExpectJSON     bool            `json:"expectJson"`
	TimeoutSeconds int             `json:"timeoutSeconds,omitempty"`
	PayloadSchema  json.RawMessage `json:"payloadSchema,omitempty"`
	Enabled        bool            `json:"enabled"`
	Metadata       json.RawMessage `json:"metadata,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

const agentColumns = `id, slug, display_name, channel, mode, task_types, url, method, headers,
	basic_user_env, basic_pass_env, bearer_env, forward_task, static_body, expect_json,
	timeout_seconds, payload_schema, enabled, metadata, created_at, updated_at`

func scanAgent(scanFn func(dest ...any) error, rec *AgentRecord) error {
	var (
		taskTypes                         string
		headers, staticBody, schema, meta sql.NullString
		created, updated                  dbTime
	)
	if err := scanFn(
		&rec.ID, &rec.Slug, &rec.DisplayName, &rec.Channel, &rec.Mode, &taskTypes,
		&rec.URL, &rec.Method, &headers,
		&rec.BasicUserEnv, &rec.BasicPassEnv, &rec.BearerEnv,
		&rec.ForwardTask, &staticBody, &rec.ExpectJSON,
		&rec.TimeoutSeconds, &schema, &rec.Enabled, &meta, &created, &updated,
	); err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(taskTypes), &rec.TaskTypes); err != nil {
		return fmt.Errorf("decode task_types for %s: %w", rec.Slug, err)
	}
	rec.Headers = nil
	if headers.Valid && headers.String != "" {
		if err := json.Unmarshal([]byte(headers.String), &rec.Headers); err != nil {
			return fmt.Errorf("decode headers for %s: %w", rec.Slug, err)
		}
	}
	rec.StaticBody = rawOrNil(staticBody)
	rec.PayloadSchema = rawOrNil(schema)
	rec.Metadata = rawOrNil(meta)
	rec.CreatedAt = created.Time
	rec.UpdatedAt = updated.Time
	return nil
}

func validateAgent(rec *AgentRecord) error {
	rec.Slug = strings.TrimSpace(rec.Slug)
	if rec.Slug == "" {
		return invalid("slug", "is required")
	}
	if len(rec.TaskTypes) == 0 {
		return invalid("taskTypes", "must not be empty")
	}
	switch rec.Mode {
	case ModeDispatch:
		if rec.URL == "" {
			return invalid("url", "is required for dispatch agents")
		}
	case ModeInline:
	default:
		return invalid("mode", fmt.Sprintf("unknown mode %q", rec.Mode))
	}
	if rec.DisplayName == "" {
		rec.DisplayName = rec.Slug
	}
	if rec.Channel == "" {
		rec.Channel = "http"
	}
	if rec.Method == "" {
		rec.Method = "POST"
	}
	rec.Method = strings.ToUpper(rec.Method)
	for name, raw := range map[string]json.RawMessage{"staticBody": rec.StaticBody, "payloadSchema": rec.PayloadSchema, "metadata": rec.Metadata} {
		if raw != nil && !json.Valid(raw) {
			return invalid(name, "must be valid JSON")
		}
	}
	return nil
}

// UpsertAgent inserts or replaces the agent with rec.Slug. The agent id and
// created_at of an existing row are preserved.
func (s *Store) UpsertAgent(ctx context.Context, rec AgentRecord) (*AgentRecord, error) {
	if err := validateAgent(&rec); err != nil {
		return nil, err
	}
	taskTypes, _ := json.Marshal(rec.TaskTypes)
	var headers any
	if len(rec.Headers) > 0 {
		b, _ := json.Marshal(rec.Headers)
		headers = string(b)
	}
	ts := now()

	err := retryOnBusy(ctx, busyRetries, func() error {
		_, err := s.db.ExecContext(ctx, s.rebind(`
			INSERT INTO agents (`+agentColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (slug) DO UPDATE SET
				display_name = excluded.display_name,
				channel = excluded.channel,
				mode = excluded.mode,
				task_types = excluded.task_types,
				url = excluded.url,
				method = excluded.method,
				headers = excluded.headers,
				basic_user_env = excluded.basic_user_env,
				basic_pass_env = excluded.basic_pass_env,
				bearer_env = excluded.bearer_env,
				forward_task = excluded.forward_task,
				static_body = excluded.static_body,
				expect_json = excluded.expect_json,
				timeout_seconds = excluded.timeout_seconds,
				payload_schema = excluded.payload_schema,
				enabled = excluded.enabled,
				metadata = excluded.metadata,
				updated_at = excluded.updated_at;
		`), uuid.NewString(), rec.Slug, rec.DisplayName, rec.Channel, string(rec.Mode), string(taskTypes),
			rec.URL, rec.Method, headers,
			rec.BasicUserEnv, rec.BasicPassEnv, rec.BearerEnv,
			rec.ForwardTask, nullableJSON(rec.StaticBody), rec.ExpectJSON,
			rec.TimeoutSeconds, nullableJSON(rec.PayloadSchema), rec.Enabled, nullableJSON(rec.Metadata), ts, ts)
		return err
	})
	if err != nil {
		return nil, wrap("upsert agent", err)
	}
	return s.GetAgent(ctx, rec.Slug)
}

// GetAgent returns nil, nil when no agent has the slug.
func (s *Store) GetAgent(ctx context.Context, slug string) (*AgentRecord, error) {
	var rec AgentRecord
	err := scanAgent(s.db.QueryRowContext(ctx, s.rebind(`SELECT `+agentColumns+` FROM agents WHERE slug = ?;`), slug).Scan, &rec)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrap("get agent", err)
	}
	return &rec, nil
}

func (s *Store) ListAgents(ctx context.Context, enabledOnly bool) ([]AgentRecord, error) {
	q := `SELECT ` + agentColumns + ` FROM agents`
	var args []any
	if enabledOnly {
		q += ` WHERE enabled = ?`
		args = append(args, true)
	}
	q += ` ORDER BY slug ASC;`
	rows, err := s.db.QueryContext(ctx, s.rebind(q), args...)
	if err != nil {
		return nil, wrap("list agents", err)
	}
	defer rows.Close()

	var out []AgentRecord
	for rows.Next() {
		var rec AgentRecord
		if err := scanAgent(rows.Scan, &rec); err != nil {
			return nil, wrap("scan agent", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap("list agents", err)
	}
	return out, nil
}

// DeleteAgent reports whether a row was removed.
func (s *Store) DeleteAgent(ctx context.Context, slug string) (bool, error) {
	var affected int64
	err := retryOnBusy(ctx, busyRetries, func() error {
		res, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM agents WHERE slug = ?;`), slug)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return false, wrap("delete agent", err)
	}
	return affected > 0, nil
}
