package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/taskd/internal/otel"
)

const (
	maxDispatchResponseBytes = 1 << 20
	maxDispatchErrorBody     = 1024
)

// Target describes how to reach one external agent.
type Target struct {
	Slug    string
	URL     string
	Method  string
	Headers map[string]string

	SharedSecretHeader string
	SharedSecret       string

	// Names of environment variables read on every call. Bearer wins when
	// both Bearer and Basic credentials resolve.
	BasicUserEnv string
	BasicPassEnv string
	BearerEnv    string

	// ForwardTask sends the full task as the body; otherwise StaticBody is sent.
	ForwardTask bool
	StaticBody  json.RawMessage
	// ExpectJSON parses 2xx replies as JSON; otherwise the reply is returned as text.
	ExpectJSON bool
	Timeout    time.Duration
}

// DispatchError is a failed call to an external agent: a transport error or
// a non-2xx reply.
type DispatchError struct {
	Slug   string
	Status int
	Body   string
	Err    error
}

func (e *DispatchError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("dispatch %s: agent returned %d: %s", e.Slug, e.Status, e.Body)
	}
	return fmt.Sprintf("dispatch %s: %v", e.Slug, e.Err)
}

func (e *DispatchError) Unwrap() error { return e.Err }

// Dispatcher performs HTTP calls for one Target.
type Dispatcher struct {
	target  Target
	client  *http.Client
	tracer  trace.Tracer
	metrics *otel.Metrics
}

func NewDispatcher(t Target, client *http.Client) *Dispatcher {
	if client == nil {
		client = &http.Client{}
	}
	if t.Method == "" {
		t.Method = http.MethodPost
	}
	t.Method = strings.ToUpper(t.Method)
	return &Dispatcher{
		target: t,
		client: client,
		tracer: nooptrace.NewTracerProvider().Tracer(otel.TracerName),
	}
}

// WithTelemetry attaches a tracer and metrics. Either may be nil.
func (d *Dispatcher) WithTelemetry(tracer trace.Tracer, metrics *otel.Metrics) *Dispatcher {
	if tracer != nil {
		d.tracer = tracer
	}
	d.metrics = metrics
	return d
}

func (d *Dispatcher) Target() Target { return d.target }

// Dispatch sends the task to the agent and returns its reply: a
// json.RawMessage when ExpectJSON is set, otherwise a string.
func (d *Dispatcher) Dispatch(ctx context.Context, inv Invocation) (any, error) {
	t := d.target
	if t.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.Timeout)
		defer cancel()
	}
	ctx, span := otel.StartClientSpan(ctx, d.tracer, "registry.dispatch",
		otel.AttrAgentSlug.String(t.Slug),
		otel.AttrTaskID.String(inv.Task.ID),
		otel.AttrTaskType.String(inv.Task.Type),
	)
	defer span.End()

	start := time.Now()
	out, err := d.do(ctx, inv)
	d.metrics.RecordDispatch(ctx, time.Since(start).Seconds(), t.Slug, err != nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return out, err
}

func (d *Dispatcher) do(ctx context.Context, inv Invocation) (any, error) {
	t := d.target

	var body []byte
	if t.ForwardTask {
		b, err := json.Marshal(inv.Task)
		if err != nil {
			return nil, &DispatchError{Slug: t.Slug, Err: fmt.Errorf("marshal task: %w", err)}
		}
		body = b
	} else if len(t.StaticBody) > 0 {
		body = t.StaticBody
	}

	var reader io.Reader
	if body != nil && t.Method != http.MethodGet && t.Method != http.MethodHead {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, t.Method, t.URL, reader)
	if err != nil {
		return nil, &DispatchError{Slug: t.Slug, Err: err}
	}
	if reader != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if t.ExpectJSON {
		req.Header.Set("Accept", "application/json")
	}
	req.Header.Set("X-Task-Id", inv.Task.ID)
	req.Header.Set("X-Trace-Id", inv.Task.TraceID)
	for k, v := range t.Headers {
		req.Header.Set(k, v)
	}
	if t.SharedSecretHeader != "" && t.SharedSecret != "" {
		req.Header.Set(t.SharedSecretHeader, t.SharedSecret)
	}
	applyCredentials(req, t)

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, &DispatchError{Slug: t.Slug, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxDispatchErrorBody))
		return nil, &DispatchError{Slug: t.Slug, Status: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxDispatchResponseBytes))
	if err != nil {
		return nil, &DispatchError{Slug: t.Slug, Status: resp.StatusCode, Err: fmt.Errorf("read reply: %w", err)}
	}
	if !t.ExpectJSON {
		return string(raw), nil
	}
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, nil
	}
	if !json.Valid(raw) {
		return nil, &DispatchError{Slug: t.Slug, Status: resp.StatusCode, Err: fmt.Errorf("reply is not valid JSON")}
	}
	return json.RawMessage(raw), nil
}

func applyCredentials(req *http.Request, t Target) {
	if t.BasicUserEnv != "" && t.BasicPassEnv != "" {
		user, pass := os.Getenv(t.BasicUserEnv), os.Getenv(t.BasicPassEnv)
		if user != "" && pass != "" {
			req.SetBasicAuth(user, pass)
		}
	}
	if t.BearerEnv != "" {
		if token := os.Getenv(t.BearerEnv); token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}
}
