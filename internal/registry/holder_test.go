package registry_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/basket/taskd/internal/config"
	"github.com/basket/taskd/internal/persistence"
	"github.com/basket/taskd/internal/registry"
)

type fakeAgents struct {
	mu      sync.Mutex
	records []persistence.AgentRecord
	err     error
}

func (f *fakeAgents) ListAgents(_ context.Context, enabledOnly bool) ([]persistence.AgentRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	var out []persistence.AgentRecord
	for _, r := range f.records {
		if enabledOnly && !r.Enabled {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

func (f *fakeAgents) set(records ...persistence.AgentRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = records
}

func TestBuilder_PriorityPersistedOverEnvOverBuiltin(t *testing.T) {
	agents := &fakeAgents{}
	agents.set(persistence.AgentRecord{
		ID:          "rec-1",
		Slug:        "persisted-echo",
		DisplayName: "Persisted",
		Channel:     "http",
		Mode:        persistence.ModeInline,
		TaskTypes:   []string{"echo"},
		Enabled:     true,
		Metadata:    json.RawMessage(`{"builtin":"echo"}`),
	})
	b := &registry.Builder{
		Builtins: []string{"echo", "noop"},
		Targets: []config.DispatchTarget{{
			Slug:      "env-agent",
			URL:       "http://agent.local/run",
			Method:    "POST",
			Channel:   "http",
			TaskTypes: []string{"echo", "summarize"},
		}},
		Agents: agents,
	}
	reg, err := b.Build(context.Background())
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	if got := reg.Owner("echo"); got != "persisted-echo" {
		t.Fatalf("echo owner = %q, want persisted-echo", got)
	}
	if got := reg.Owner("summarize"); got != "env-agent" {
		t.Fatalf("summarize owner = %q, want env-agent", got)
	}
	if got := reg.Owner("noop"); got != "noop" {
		t.Fatalf("noop owner = %q, want noop", got)
	}
	env := reg.BySlug("env-agent")
	if env.Provenance != registry.ProvenanceEnv || env.Mode.Name() != "dispatch" {
		t.Fatalf("unexpected env definition %+v", env)
	}
	if reg.BySlug("persisted-echo").ID != "rec-1" {
		t.Fatal("persisted agent id not carried")
	}
}

func TestBuilder_SkipsInvalidEntries(t *testing.T) {
	agents := &fakeAgents{}
	agents.set(
		persistence.AgentRecord{Slug: "ghost", Mode: persistence.ModeInline, TaskTypes: []string{"g"}, Enabled: true},
		persistence.AgentRecord{Slug: "off", Mode: persistence.ModeInline, TaskTypes: []string{"echo"}, Enabled: false},
	)
	b := &registry.Builder{
		Builtins: []string{"echo", "unknown"},
		Targets: []config.DispatchTarget{{
			Slug:          "bad-schema",
			URL:           "http://x",
			TaskTypes:     []string{"x"},
			PayloadSchema: `{"type":`,
		}},
		Agents: agents,
	}
	reg, err := b.Build(context.Background())
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if reg.BySlug("ghost") != nil || reg.BySlug("bad-schema") != nil || reg.BySlug("off") != nil {
		t.Fatal("invalid entries should be skipped")
	}
	if reg.Owner("echo") != "echo" {
		t.Fatal("builtin echo should remain")
	}
}

func TestBuilder_PersistedSlugShadowsEnvTarget(t *testing.T) {
	agents := &fakeAgents{}
	agents.set(persistence.AgentRecord{
		Slug:      "alpha",
		Mode:      persistence.ModeDispatch,
		TaskTypes: []string{"y"},
		URL:       "http://alpha.persisted/run",
		Enabled:   true,
	})
	b := &registry.Builder{
		Builtins: []string{"echo"},
		Targets: []config.DispatchTarget{{
			Slug:      "alpha",
			URL:       "http://alpha.env/run",
			TaskTypes: []string{"echo", "x"},
		}},
		Agents: agents,
	}
	reg, err := b.Build(context.Background())
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if got := reg.Owner("echo"); got != "echo" {
		t.Fatalf("echo owner = %q, want the builtin back", got)
	}
	if reg.Resolve("x") != nil {
		t.Fatal("type only the shadowed env target declared is still routable")
	}
	alpha := reg.BySlug("alpha")
	if alpha == nil || alpha.Provenance != registry.ProvenancePersisted || reg.Owner("y") != "alpha" {
		t.Fatalf("alpha = %+v", alpha)
	}
}

func TestBuilder_PayloadSchemaFromTarget(t *testing.T) {
	b := &registry.Builder{Targets: []config.DispatchTarget{{
		Slug:          "voice",
		URL:           "http://voice",
		TaskTypes:     []string{"call"},
		PayloadSchema: `{"type":"object","required":["to"]}`,
	}}}
	reg, err := b.Build(context.Background())
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	def := reg.Resolve("call")
	if def.Schema == nil {
		t.Fatal("schema not compiled")
	}
	if err := def.Schema.Validate(json.RawMessage(`{"to":"+1"}`)); err != nil {
		t.Fatalf("valid payload rejected: %v", err)
	}
	if err := def.Schema.Validate(json.RawMessage(`{"from":"+1"}`)); err == nil {
		t.Fatal("payload without required field accepted")
	}
}

func TestHolder_RebuildSwapsSnapshot(t *testing.T) {
	agents := &fakeAgents{}
	h := registry.NewHolder(&registry.Builder{Builtins: []string{"echo"}, Agents: agents})
	if h.Current().Resolve("echo") != nil {
		t.Fatal("holder should start empty")
	}

	first, err := h.Rebuild(context.Background())
	if err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	if h.Current() != first || first.Owner("echo") != "echo" {
		t.Fatal("first snapshot not installed")
	}

	agents.set(persistence.AgentRecord{
		ID: "r", Slug: "noop", Mode: persistence.ModeInline, TaskTypes: []string{"echo"}, Enabled: true,
	})
	second, err := h.Rebuild(context.Background())
	if err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	if second == first {
		t.Fatal("rebuild must produce a new instance")
	}
	if first.Owner("echo") != "echo" {
		t.Fatal("old snapshot mutated by rebuild")
	}
	if second.Owner("echo") != "noop" {
		t.Fatalf("echo owner after rebuild = %q", second.Owner("echo"))
	}
}

func TestHolder_FailedRebuildKeepsPrevious(t *testing.T) {
	agents := &fakeAgents{}
	h := registry.NewHolder(&registry.Builder{Builtins: []string{"echo"}, Agents: agents})
	first, err := h.Rebuild(context.Background())
	if err != nil {
		t.Fatalf("rebuild: %v", err)
	}

	agents.err = errors.New("db down")
	if _, err := h.Rebuild(context.Background()); err == nil {
		t.Fatal("expected rebuild error")
	}
	if h.Current() != first {
		t.Fatal("failed rebuild replaced the active snapshot")
	}
}

func TestHolder_ConcurrentReadersDuringRebuild(t *testing.T) {
	h := registry.NewHolder(&registry.Builder{Builtins: []string{"echo", "noop"}})
	if _, err := h.Rebuild(context.Background()); err != nil {
		t.Fatalf("rebuild: %v", err)
	}

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				reg := h.Current()
				if reg.Resolve("echo") == nil || reg.Resolve("noop") == nil {
					t.Error("reader observed a partial registry")
					return
				}
			}
		}()
	}
	for i := 0; i < 20; i++ {
		if _, err := h.Rebuild(context.Background()); err != nil {
			t.Fatalf("rebuild: %v", err)
		}
	}
	close(stop)
	wg.Wait()
}
