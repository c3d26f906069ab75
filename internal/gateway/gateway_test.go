package gateway_test

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/google/go-cmp/cmp"

	"github.com/basket/taskd/internal/bus"
	"github.com/basket/taskd/internal/config"
	"github.com/basket/taskd/internal/engine"
	"github.com/basket/taskd/internal/gateway"
	"github.com/basket/taskd/internal/hub"
	"github.com/basket/taskd/internal/persistence"
	"github.com/basket/taskd/internal/refresh"
	"github.com/basket/taskd/internal/registry"
)

const (
	testSecretHeader = "X-Shared-Secret"
	testSecret       = "s3cret"
)

type env struct {
	t      *testing.T
	srv    *httptest.Server
	store  *persistence.Store
	engine *engine.Engine
	hub    *hub.Hub
}

type envOptions struct {
	targets      []config.DispatchTarget
	allowOrigins []string
}

func newEnv(t *testing.T, opts envOptions) *env {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())

	store, err := persistence.Open(ctx, persistence.Options{
		Driver: persistence.DriverSQLite,
		DSN:    filepath.Join(t.TempDir(), "taskd.db"),
	})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}

	b := bus.New()
	holder := registry.NewHolder(&registry.Builder{
		Builtins: []string{"echo", "noop"},
		Targets:  opts.targets,
		Agents:   store,
	})
	reloader := refresh.NewReloader(holder, b, nil)
	if _, err := reloader.Reload(ctx, "test"); err != nil {
		t.Fatalf("initial reload: %v", err)
	}

	eng := engine.New(engine.Config{Store: store, Registry: holder, Bus: b, HandlerTimeout: 5 * time.Second})
	h := hub.New(hub.Options{AllowOrigins: opts.allowOrigins})
	go h.Run(ctx, b)

	auth := gateway.NewSecretOrBasic(config.AuthConfig{
		SharedSecretHeader: testSecretHeader,
		SharedSecret:       testSecret,
		Users:              []config.BasicUser{{Username: "ops", Password: "pw"}},
	})
	gw := gateway.New(gateway.Config{
		Engine:             eng,
		Store:              store,
		Registry:           holder,
		Reloader:           reloader,
		Hub:                h,
		Auth:               auth,
		AllowOrigins:       opts.allowOrigins,
		SharedSecretHeader: testSecretHeader,
		ConfigFingerprint:  "abc123",
	})
	srv := httptest.NewServer(gw.Handler())

	t.Cleanup(func() {
		h.Close()
		srv.Close()
		eng.Drain(5 * time.Second)
		cancel()
		_ = store.Close()
	})
	return &env{t: t, srv: srv, store: store, engine: eng, hub: h}
}

func (e *env) do(method, path string, body any) (*http.Response, []byte) {
	e.t.Helper()
	var rdr io.Reader
	if body != nil {
		switch v := body.(type) {
		case string:
			rdr = strings.NewReader(v)
		default:
			b, err := json.Marshal(v)
			if err != nil {
				e.t.Fatalf("marshal: %v", err)
			}
			rdr = bytes.NewReader(b)
		}
	}
	req, err := http.NewRequest(method, e.srv.URL+path, rdr)
	if err != nil {
		e.t.Fatalf("new request: %v", err)
	}
	req.Header.Set(testSecretHeader, testSecret)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		e.t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	out, _ := io.ReadAll(resp.Body)
	return resp, out
}

func (e *env) submit(body map[string]any) map[string]any {
	e.t.Helper()
	resp, raw := e.do(http.MethodPost, "/task", body)
	if resp.StatusCode != http.StatusAccepted {
		e.t.Fatalf("POST /task status = %d body = %s", resp.StatusCode, raw)
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		e.t.Fatalf("decode: %v", err)
	}
	return out
}

type taskView struct {
	Task   persistence.Task        `json:"task"`
	Events []persistence.TaskEvent `json:"events"`
}

func (e *env) get(id string) taskView {
	e.t.Helper()
	resp, raw := e.do(http.MethodGet, "/task/"+id, nil)
	if resp.StatusCode != http.StatusOK {
		e.t.Fatalf("GET /task/%s status = %d body = %s", id, resp.StatusCode, raw)
	}
	var v taskView
	if err := json.Unmarshal(raw, &v); err != nil {
		e.t.Fatalf("decode: %v", err)
	}
	return v
}

func (e *env) waitFor(id string, cond func(taskView) bool) taskView {
	e.t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		v := e.get(id)
		if cond(v) {
			return v
		}
		if time.Now().After(deadline) {
			e.t.Fatalf("task %s never reached expected state; last = %+v", id, v.Task)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func errorCode(t *testing.T, raw []byte) string {
	t.Helper()
	var body map[string]string
	if err := json.Unmarshal(raw, &body); err != nil {
		t.Fatalf("decode error body %s: %v", raw, err)
	}
	return body["error"]
}

func TestSubmit_InlineEchoReachesDone(t *testing.T) {
	e := newEnv(t, envOptions{})

	out := e.submit(map[string]any{"type": "echo", "source": "test", "payload": map[string]any{"x": 1}})
	if out["status"] != "queued" {
		t.Fatalf("status = %v, want queued", out["status"])
	}
	if out["id"] == "" || out["traceId"] == "" {
		t.Fatalf("missing id/traceId: %v", out)
	}
	agent, _ := out["agent"].(map[string]any)
	if agent["slug"] != "echo" {
		t.Fatalf("agent = %v", out["agent"])
	}

	v := e.waitFor(out["id"].(string), func(v taskView) bool { return v.Task.Status == persistence.StatusDone })
	var result struct {
		Status string         `json:"status"`
		Output map[string]any `json:"output"`
	}
	if err := json.Unmarshal(v.Task.Result, &result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if result.Status != "completed" || result.Output["x"] != float64(1) {
		t.Fatalf("result = %s", v.Task.Result)
	}
	if v.Task.Version != 2 {
		t.Fatalf("version = %d, want 2", v.Task.Version)
	}

	var kinds []persistence.EventKind
	for _, ev := range v.Events {
		kinds = append(kinds, ev.Kind)
	}
	want := []persistence.EventKind{
		persistence.EventCreated,
		persistence.EventAgentAssigned,
		persistence.EventStatusChange,
		persistence.EventStatusChange,
	}
	if diff := cmp.Diff(want, kinds); diff != "" {
		t.Fatalf("event kinds (-want +got):\n%s", diff)
	}
}

func TestSubmit_ValidationAndUnsupported(t *testing.T) {
	e := newEnv(t, envOptions{})

	cases := []struct {
		name string
		body any
		code int
		err  string
	}{
		{"missing type", map[string]any{"source": "test"}, http.StatusBadRequest, "VALIDATION"},
		{"missing source", map[string]any{"type": "echo"}, http.StatusBadRequest, "VALIDATION"},
		{"bad json", "{not json", http.StatusBadRequest, "VALIDATION"},
		{"unknown type", map[string]any{"type": "nope", "source": "test"}, http.StatusUnprocessableEntity, "UNSUPPORTED_TYPE"},
		{"agent does not accept type", map[string]any{"type": "echo", "source": "test", "agentSlug": "noop"}, http.StatusUnprocessableEntity, "UNSUPPORTED_TYPE"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp, raw := e.do(http.MethodPost, "/task", tc.body)
			if resp.StatusCode != tc.code {
				t.Fatalf("status = %d, want %d (body %s)", resp.StatusCode, tc.code, raw)
			}
			if got := errorCode(t, raw); got != tc.err {
				t.Fatalf("error = %q, want %q", got, tc.err)
			}
		})
	}

	resp, raw := e.do(http.MethodGet, "/tasks", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list status = %d", resp.StatusCode)
	}
	var list struct {
		Tasks []persistence.Task `json:"tasks"`
	}
	_ = json.Unmarshal(raw, &list)
	if len(list.Tasks) != 0 {
		t.Fatalf("rejected submissions persisted %d tasks", len(list.Tasks))
	}
}

func TestGetTask_NotFound(t *testing.T) {
	e := newEnv(t, envOptions{})
	resp, raw := e.do(http.MethodGet, "/task/does-not-exist", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if got := errorCode(t, raw); got != "NOT_FOUND" {
		t.Fatalf("error = %q", got)
	}
}

func TestListTasks_FiltersAndBadParams(t *testing.T) {
	e := newEnv(t, envOptions{})
	a := e.submit(map[string]any{"type": "noop", "source": "test", "correlationId": "c-1"})
	e.submit(map[string]any{"type": "noop", "source": "test", "correlationId": "c-2"})
	e.waitFor(a["id"].(string), func(v taskView) bool { return v.Task.Status.Terminal() })

	resp, raw := e.do(http.MethodGet, "/tasks?corrId=c-1", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var list struct {
		Tasks []persistence.Task `json:"tasks"`
	}
	if err := json.Unmarshal(raw, &list); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(list.Tasks) != 1 || list.Tasks[0].ID != a["id"] {
		t.Fatalf("corrId filter returned %d tasks", len(list.Tasks))
	}

	for _, q := range []string{"since=yesterday", "limit=0", "limit=201", "limit=abc", "status=paused"} {
		resp, raw := e.do(http.MethodGet, "/tasks?"+q, nil)
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("%s: status = %d body = %s", q, resp.StatusCode, raw)
		}
	}

	resp, _ = e.do(http.MethodGet, "/tasks?since="+time.Now().Add(-time.Hour).UTC().Format(time.RFC3339)+"&limit=200", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("valid since/limit: status = %d", resp.StatusCode)
	}
}

func TestDeferredDispatch_CompletedByPatch(t *testing.T) {
	agent := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"status":"deferred","ack":{"ref":"abc"}}`)
	}))
	t.Cleanup(agent.Close)

	e := newEnv(t, envOptions{targets: []config.DispatchTarget{{
		Slug:      "voice",
		Channel:   "voice",
		TaskTypes: []string{"call"},
		URL:       agent.URL,
	}}})

	out := e.submit(map[string]any{"type": "call", "source": "test"})
	id := out["id"].(string)
	type deferredResult struct {
		Status string `json:"status"`
		Ack    struct {
			Ref string `json:"ref"`
		} `json:"ack"`
	}
	// An unset result reads back as the literal null, so wait on its content.
	v := e.waitFor(id, func(v taskView) bool {
		var r deferredResult
		return json.Unmarshal(v.Task.Result, &r) == nil && r.Status == "pending"
	})
	if v.Task.Status != persistence.StatusRunning || v.Task.Version < 2 {
		t.Fatalf("task = %+v, want running at v2+", v.Task)
	}
	var result deferredResult
	if err := json.Unmarshal(v.Task.Result, &result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if result.Status != "pending" || result.Ack.Ref != "abc" {
		t.Fatalf("result = %s", v.Task.Result)
	}

	stale := map[string]any{"ifVersion": v.Task.Version - 1, "status": "done"}
	resp, raw := e.do(http.MethodPatch, "/task/"+id, stale)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("stale patch status = %d body = %s", resp.StatusCode, raw)
	}
	if after := e.get(id); after.Task.Version != v.Task.Version || after.Task.Status != persistence.StatusRunning {
		t.Fatalf("stale patch changed the row: %+v", after.Task)
	}

	resp, raw = e.do(http.MethodPatch, "/task/"+id, map[string]any{
		"ifVersion": v.Task.Version,
		"status":    "done",
		"result":    map[string]any{"transcript": "hello"},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("patch status = %d body = %s", resp.StatusCode, raw)
	}
	var patched struct {
		Task persistence.Task `json:"task"`
	}
	if err := json.Unmarshal(raw, &patched); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if patched.Task.Status != persistence.StatusDone || patched.Task.Version != v.Task.Version+1 {
		t.Fatalf("patched = %+v", patched.Task)
	}
}

func TestPatch_BadRequests(t *testing.T) {
	e := newEnv(t, envOptions{})
	out := e.submit(map[string]any{"type": "noop", "source": "test"})
	id := out["id"].(string)
	v := e.waitFor(id, func(v taskView) bool { return v.Task.Status.Terminal() })

	cases := []struct {
		name string
		body map[string]any
		code int
	}{
		{"missing ifVersion", map[string]any{"status": "done"}, http.StatusBadRequest},
		{"no field", map[string]any{"ifVersion": v.Task.Version}, http.StatusBadRequest},
		{"unknown status", map[string]any{"ifVersion": v.Task.Version, "status": "paused"}, http.StatusBadRequest},
		{"unknown task", nil, http.StatusNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := "/task/" + id
			body := tc.body
			if body == nil {
				path = "/task/missing"
				body = map[string]any{"ifVersion": 1, "status": "done"}
			}
			resp, raw := e.do(http.MethodPatch, path, body)
			if resp.StatusCode != tc.code {
				t.Fatalf("status = %d, want %d (body %s)", resp.StatusCode, tc.code, raw)
			}
		})
	}

	resp, raw := e.do(http.MethodPatch, "/task/"+id, map[string]any{"ifVersion": v.Task.Version, "correlationId": "c-9"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("correlation patch: %d %s", resp.StatusCode, raw)
	}
	resp, raw = e.do(http.MethodPatch, "/task/"+id, map[string]any{"ifVersion": v.Task.Version + 1, "correlationId": nil})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("clear correlation: %d %s", resp.StatusCode, raw)
	}
	if got := e.get(id).Task.CorrelationID; got != nil {
		t.Fatalf("correlationId = %q, want cleared", *got)
	}
}

func TestDeleteTask(t *testing.T) {
	e := newEnv(t, envOptions{})
	out := e.submit(map[string]any{"type": "noop", "source": "test"})
	id := out["id"].(string)
	e.waitFor(id, func(v taskView) bool { return v.Task.Status.Terminal() })

	if resp, _ := e.do(http.MethodDelete, "/task/"+id, nil); resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete status = %d", resp.StatusCode)
	}
	if resp, _ := e.do(http.MethodDelete, "/task/"+id, nil); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("second delete status = %d", resp.StatusCode)
	}
}

func TestAuth_RequiredOnTaskRoutes(t *testing.T) {
	e := newEnv(t, envOptions{})

	resp, err := http.Get(e.srv.URL + "/tasks")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("no credentials: status = %d", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodGet, e.srv.URL+"/tasks", nil)
	req.SetBasicAuth("ops", "pw")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("basic auth: status = %d", resp.StatusCode)
	}
}

func TestHealthz_Unauthenticated(t *testing.T) {
	e := newEnv(t, envOptions{})
	resp, err := http.Get(e.srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "ok" || body["configFingerprint"] != "abc123" || body["handlers"] != float64(2) {
		t.Fatalf("health = %v", body)
	}
}

func TestAgents_ListAndReload(t *testing.T) {
	e := newEnv(t, envOptions{})

	resp, raw := e.do(http.MethodGet, "/agents", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var list struct {
		Agents []struct {
			Slug string `json:"slug"`
			Mode string `json:"mode"`
		} `json:"agents"`
		Types int `json:"types"`
	}
	if err := json.Unmarshal(raw, &list); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(list.Agents) != 2 || list.Agents[0].Slug != "echo" || list.Agents[0].Mode != "inline" || list.Types != 2 {
		t.Fatalf("agents = %s", raw)
	}

	if _, err := e.store.UpsertAgent(context.Background(), persistence.AgentRecord{
		Slug:      "sms",
		Channel:   "sms",
		Mode:      persistence.ModeDispatch,
		TaskTypes: []string{"sms.send"},
		URL:       "http://127.0.0.1:1/sms",
		Enabled:   true,
	}); err != nil {
		t.Fatalf("upsert agent: %v", err)
	}
	resp, raw = e.do(http.MethodPost, "/agents/reload", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("reload status = %d body = %s", resp.StatusCode, raw)
	}
	var reloaded map[string]int
	_ = json.Unmarshal(raw, &reloaded)
	if reloaded["handlers"] != 3 || reloaded["types"] != 3 {
		t.Fatalf("reload = %s", raw)
	}
}

func wsURL(e *env) string {
	return "ws" + strings.TrimPrefix(e.srv.URL, "http") + "/ws"
}

func TestWS_RejectsWithoutAuth(t *testing.T) {
	e := newEnv(t, envOptions{})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, resp, err := websocket.Dial(ctx, wsURL(e), nil)
	if err == nil {
		t.Fatal("expected dial without credentials to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("resp = %v", resp)
	}
	if e.hub.ClientCount() != 0 {
		t.Fatalf("unauthenticated client was registered")
	}
}

func TestWS_RejectsForeignOrigin(t *testing.T) {
	e := newEnv(t, envOptions{allowOrigins: []string{"https://dash.example"}})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, resp, err := websocket.Dial(ctx, wsURL(e), &websocket.DialOptions{HTTPHeader: http.Header{
		"Origin":         {"https://evil.example"},
		testSecretHeader: {testSecret},
	}})
	if err == nil {
		t.Fatal("expected foreign origin to be rejected")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("resp = %v", resp)
	}
}

func TestWS_QueryAuthReceivesBroadcasts(t *testing.T) {
	e := newEnv(t, envOptions{})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	auth := base64.StdEncoding.EncodeToString([]byte("ops:pw"))
	conn, _, err := websocket.Dial(ctx, wsURL(e)+"?auth="+auth, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.CloseNow()

	deadline := time.Now().Add(5 * time.Second)
	for e.hub.ClientCount() != 1 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	out := e.submit(map[string]any{"type": "echo", "source": "test", "payload": map[string]any{"hi": true}})
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		var msg struct {
			Type string           `json:"type"`
			Data persistence.Task `json:"data"`
		}
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("decode frame: %v", err)
		}
		if msg.Type == bus.TopicTaskUpdated && msg.Data.ID == out["id"] && msg.Data.Status == persistence.StatusDone {
			return
		}
	}
}
