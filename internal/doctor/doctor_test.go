package doctor

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/basket/taskd/internal/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	home := t.TempDir()
	return &config.Config{
		HomeDir:  home,
		Database: config.DatabaseConfig{Driver: config.DriverSQLite, DSN: filepath.Join(home, "taskd.db")},
		Auth:     config.AuthConfig{SharedSecretHeader: "X-Shared-Secret"},
	}
}

func result(d Diagnosis, name string) CheckResult {
	for _, r := range d.Results {
		if r.Name == name {
			return r
		}
	}
	return CheckResult{}
}

func TestRun_FreshInstall(t *testing.T) {
	cfg := testConfig(t)
	d := Run(context.Background(), cfg, "test")

	want := map[string]string{
		"Config":           "WARN",
		"Auth":             "WARN",
		"Permissions":      "PASS",
		"Database":         "PASS",
		"Registry":         "WARN",
		"Dispatch Targets": "SKIP",
		"Log Sink":         "SKIP",
	}
	for name, status := range want {
		if got := result(d, name); got.Status != status {
			t.Errorf("%s = %+v, want %s", name, got, status)
		}
	}
	if d.Failed() {
		t.Fatal("fresh install reported a failure")
	}
}

func TestRun_ConfiguredHandlers(t *testing.T) {
	agent := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer agent.Close()

	cfg := testConfig(t)
	cfg.Auth.SharedSecret = "s3cret"
	cfg.Builtins = []string{"echo"}
	cfg.DispatchTargets = []config.DispatchTarget{
		{Slug: "voice", TaskTypes: []string{"call"}, URL: agent.URL},
		{Slug: "dead", TaskTypes: []string{"dead"}, URL: "http://127.0.0.1:1/"},
	}
	d := Run(context.Background(), cfg, "test")

	if got := result(d, "Auth"); got.Status != "PASS" {
		t.Fatalf("auth = %+v", got)
	}
	if got := result(d, "Registry"); got.Status != "PASS" || got.Message != "3 handler(s), 3 task type(s)" {
		t.Fatalf("registry = %+v", got)
	}
	if got := result(d, "Dispatch Targets"); got.Status != "WARN" {
		t.Fatalf("dispatch targets = %+v, want WARN for the dead target", got)
	}
}

func TestChecks_NilConfig(t *testing.T) {
	if got := checkConfig(context.Background(), nil); got.Status != "FAIL" {
		t.Fatalf("config = %s", got.Status)
	}
	for _, check := range []func(context.Context, *config.Config) CheckResult{checkAuth, checkDatabase, checkRegistry, checkLogSink} {
		if got := check(context.Background(), nil); got.Status != "SKIP" {
			t.Fatalf("%s = %s, want SKIP", got.Name, got.Status)
		}
	}
}

func TestProbe_BadURL(t *testing.T) {
	if err := probe(context.Background(), "not a url"); err == nil {
		t.Fatal("expected error for URL without host")
	}
}
