// Package doctor runs local diagnostics for a taskd installation.
package doctor

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/basket/taskd/internal/config"
	"github.com/basket/taskd/internal/persistence"
	"github.com/basket/taskd/internal/registry"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // "PASS", "FAIL", "WARN", "SKIP"
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Failed reports whether any check failed.
func (d Diagnosis) Failed() bool {
	for _, r := range d.Results {
		if r.Status == "FAIL" {
			return true
		}
	}
	return false
}

// dialTimeout bounds each reachability probe.
var dialTimeout = 3 * time.Second

// Run executes all diagnostic checks.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	checks := []func(context.Context, *config.Config) CheckResult{
		checkConfig,
		checkAuth,
		checkPermissions,
		checkDatabase,
		checkRegistry,
		checkDispatchTargets,
		checkLogSink,
	}
	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}
	return d
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: "FAIL", Message: "Configuration not loaded"}
	}
	path := config.ConfigPath(cfg.HomeDir)
	if _, err := os.Stat(path); err != nil {
		return CheckResult{Name: "Config", Status: "WARN", Message: "config.yaml not found; running on defaults and environment", Detail: path}
	}
	return CheckResult{Name: "Config", Status: "PASS", Message: fmt.Sprintf("Loaded from %s", path), Detail: "fingerprint " + cfg.Fingerprint()}
}

func checkAuth(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Auth", Status: "SKIP", Message: "Config missing"}
	}
	var modes []string
	if cfg.Auth.SharedSecret != "" {
		modes = append(modes, "shared secret ("+cfg.Auth.SharedSecretHeader+")")
	}
	users := 0
	for _, u := range cfg.Auth.Users {
		if u.Username != "" && u.Password != "" {
			users++
		}
	}
	if users > 0 {
		modes = append(modes, fmt.Sprintf("%d basic user(s)", users))
	}
	if len(modes) == 0 {
		return CheckResult{
			Name:    "Auth",
			Status:  "WARN",
			Message: "No credentials configured; every authenticated route answers 401",
			Detail:  "Set TASKD_SHARED_SECRET or auth.users in config.yaml",
		}
	}
	return CheckResult{Name: "Auth", Status: "PASS", Message: strings.Join(modes, ", ")}
}

func checkPermissions(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: "SKIP", Message: "Config missing"}
	}
	testFile := filepath.Join(cfg.HomeDir, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Permissions", Status: "FAIL", Message: fmt.Sprintf("Home dir unwritable: %v", err)}
	}
	os.Remove(testFile)
	return CheckResult{Name: "Permissions", Status: "PASS", Message: "Home directory writable"}
}

func openStore(ctx context.Context, cfg *config.Config) (*persistence.Store, error) {
	return persistence.Open(ctx, persistence.Options{Driver: cfg.Database.Driver, DSN: cfg.Database.DSN})
}

func checkDatabase(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Database", Status: "SKIP", Message: "Config missing"}
	}
	store, err := openStore(ctx, cfg)
	if err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Connection failed: %v", err)}
	}
	defer store.Close()

	if _, err := store.ListTasks(ctx, persistence.ListFilter{Limit: 1}); err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Query failed: %v", err)}
	}
	return CheckResult{Name: "Database", Status: "PASS", Message: "Connection and schema valid", Detail: "driver " + store.Driver()}
}

func checkRegistry(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Registry", Status: "SKIP", Message: "Config missing"}
	}
	store, err := openStore(ctx, cfg)
	if err != nil {
		return CheckResult{Name: "Registry", Status: "SKIP", Message: "Database unavailable"}
	}
	defer store.Close()

	reg, err := registry.NewBuilder(*cfg, store, nil).Build(ctx)
	if err != nil {
		return CheckResult{Name: "Registry", Status: "FAIL", Message: fmt.Sprintf("Build failed: %v", err)}
	}
	defs := reg.Definitions()
	if len(defs) == 0 {
		return CheckResult{
			Name:    "Registry",
			Status:  "WARN",
			Message: "No handlers registered; every submission will answer 422",
			Detail:  "Enable builtins, add dispatch_targets or import agents",
		}
	}
	slugs := make([]string, 0, len(defs))
	for _, d := range defs {
		slugs = append(slugs, d.Slug)
	}
	return CheckResult{
		Name:    "Registry",
		Status:  "PASS",
		Message: fmt.Sprintf("%d handler(s), %d task type(s)", len(defs), reg.TypeCount()),
		Detail:  strings.Join(slugs, ", "),
	}
}

func checkDispatchTargets(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Dispatch Targets", Status: "SKIP", Message: "Config missing"}
	}
	if len(cfg.DispatchTargets) == 0 {
		return CheckResult{Name: "Dispatch Targets", Status: "SKIP", Message: "None configured"}
	}
	var details []string
	status := "PASS"
	for _, t := range cfg.DispatchTargets {
		if err := probe(ctx, t.URL); err != nil {
			details = append(details, fmt.Sprintf("%s: unreachable (%v)", t.Slug, err))
			status = "WARN"
			continue
		}
		details = append(details, t.Slug+": ok")
	}
	return CheckResult{
		Name:    "Dispatch Targets",
		Status:  status,
		Message: fmt.Sprintf("Probed %d target(s)", len(cfg.DispatchTargets)),
		Detail:  strings.Join(details, "; "),
	}
}

func checkLogSink(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Log Sink", Status: "SKIP", Message: "Config missing"}
	}
	if cfg.LogSink.URL == "" {
		return CheckResult{Name: "Log Sink", Status: "SKIP", Message: "Not configured"}
	}
	if err := probe(ctx, cfg.LogSink.URL); err != nil {
		return CheckResult{Name: "Log Sink", Status: "WARN", Message: fmt.Sprintf("Unreachable: %v", err), Detail: cfg.LogSink.URL}
	}
	return CheckResult{Name: "Log Sink", Status: "PASS", Message: "Reachable", Detail: cfg.LogSink.URL}
}

// probe opens and closes a TCP connection to the URL's host.
func probe(ctx context.Context, raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Host == "" {
		return fmt.Errorf("no host in %q", raw)
	}
	host := u.Host
	if u.Port() == "" {
		port := "80"
		if u.Scheme == "https" {
			port = "443"
		}
		host = net.JoinHostPort(u.Hostname(), port)
	}
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	var d net.Dialer
	conn, err := d.DialContext(dialCtx, "tcp", host)
	if err != nil {
		return err
	}
	return conn.Close()
}
