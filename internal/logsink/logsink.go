// Package logsink mirrors task activity to the external logging service.
// Delivery is best effort: failures are returned to the caller, which logs
// them and moves on.
package logsink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/basket/taskd/internal/bus"
	"github.com/basket/taskd/internal/persistence"
)

const (
	defaultTimeout = 5 * time.Second
	maxErrorBody   = 512
	forwardBuffer  = 512
)

// Entry is one free-form log line sent to POST /log.
type Entry struct {
	TS      time.Time      `json:"ts"`
	Level   string         `json:"level"`
	Source  string         `json:"source"`
	Message string         `json:"message"`
	TraceID string         `json:"traceId,omitempty"`
	TaskID  string         `json:"taskId,omitempty"`
	Fields  map[string]any `json:"fields,omitempty"`
}

type Client struct {
	baseURL      string
	secretHeader string
	secret       string
	http         *http.Client
}

type Options struct {
	BaseURL            string
	SharedSecretHeader string
	SharedSecret       string
	Timeout            time.Duration
	HTTPClient         *http.Client
}

// New returns nil when no base URL is configured; a nil Client discards
// everything.
func New(opts Options) *Client {
	base := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if base == "" {
		return nil
	}
	hc := opts.HTTPClient
	if hc == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		hc = &http.Client{Timeout: timeout}
	}
	return &Client{
		baseURL:      base,
		secretHeader: opts.SharedSecretHeader,
		secret:       opts.SharedSecret,
		http:         hc,
	}
}

func (c *Client) Log(ctx context.Context, e Entry) error {
	if c == nil {
		return nil
	}
	if e.TS.IsZero() {
		e.TS = time.Now().UTC()
	}
	if e.Source == "" {
		e.Source = "taskd"
	}
	return c.post(ctx, "/log", e)
}

func (c *Client) TaskEvent(ctx context.Context, ev persistence.TaskEvent) error {
	if c == nil {
		return nil
	}
	return c.post(ctx, "/task/event", ev)
}

func (c *Client) post(ctx context.Context, path string, body any) error {
	b, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("logsink: encode %s: %w", path, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(b))
	if err != nil {
		return fmt.Errorf("logsink: build %s: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.secretHeader != "" && c.secret != "" {
		req.Header.Set(c.secretHeader, c.secret)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("logsink: post %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return fmt.Errorf("logsink: post %s: status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// Forwarder relays bus traffic to a Client off the transition path.
type Forwarder struct {
	client *Client
	logger *slog.Logger
}

func NewForwarder(client *Client, logger *slog.Logger) *Forwarder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Forwarder{client: client, logger: logger.With("component", "logsink")}
}

// Run forwards task events and registry rebuilds until ctx is done. It
// returns immediately when no client is configured.
func (f *Forwarder) Run(ctx context.Context, b *bus.Bus) {
	if f.client == nil {
		return
	}
	sub := b.SubscribeBuffered("", forwardBuffer)
	defer b.Unsubscribe(sub)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			var err error
			switch p := ev.Payload.(type) {
			case bus.TaskEventAppended:
				err = f.client.TaskEvent(ctx, p.Event)
			case bus.RegistryRebuilt:
				err = f.client.Log(ctx, Entry{
					Level:   "info",
					Message: "handler registry rebuilt",
					Fields:  map[string]any{"handlers": p.Handlers, "types": p.Types, "reason": p.Reason},
				})
			default:
				continue
			}
			if err != nil && ctx.Err() == nil {
				f.logger.Warn("logsink delivery failed", "topic", ev.Topic, "error", err)
			}
		}
	}
}
