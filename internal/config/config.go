package config

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "pgx"

	defaultSharedSecretHeader = "X-Shared-Secret"
)

type DatabaseConfig struct {
	// Driver is "sqlite3" (default) or "pgx".
	Driver string `yaml:"driver"`
	// DSN is a file path for sqlite3 or a connection URL for pgx.
	DSN string `yaml:"dsn"`
}

type BasicUser struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

type AuthConfig struct {
	SharedSecretHeader string      `yaml:"shared_secret_header"`
	SharedSecret       string      `yaml:"shared_secret"`
	Users              []BasicUser `yaml:"users"`
}

type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute"`
	BurstSize         int  `yaml:"burst_size"`
}

type LogSinkConfig struct {
	URL            string `yaml:"url"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

type TelemetryConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"` // otlp-http (default), stdout or none
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`

	// MetricIntervalSeconds is the metric export period; 0 means 30s.
	MetricIntervalSeconds int `yaml:"metric_interval_seconds"`
}

// DispatchTarget declares an external agent reachable over HTTP. Targets come
// from config.yaml and from the TASKD_DISPATCH_TARGETS environment variable.
type DispatchTarget struct {
	Slug        string            `yaml:"slug" json:"slug"`
	DisplayName string            `yaml:"display_name" json:"displayName"`
	Channel     string            `yaml:"channel" json:"channel"`
	TaskTypes   []string          `yaml:"task_types" json:"taskTypes"`
	URL         string            `yaml:"url" json:"url"`
	Method      string            `yaml:"method" json:"method"`
	Headers     map[string]string `yaml:"headers" json:"headers"`

	// Names of environment variables holding outbound credentials.
	BasicUserEnv string `yaml:"basic_user_env" json:"basicUserEnv"`
	BasicPassEnv string `yaml:"basic_pass_env" json:"basicPassEnv"`
	BearerEnv    string `yaml:"bearer_env" json:"bearerEnv"`

	// ForwardTask sends the full task as the request body (default true);
	// when false StaticBody is sent instead.
	ForwardTask *bool  `yaml:"forward_task" json:"forwardTask"`
	StaticBody  string `yaml:"static_body" json:"staticBody"`
	// ExpectJSON parses 2xx bodies as JSON (default true).
	ExpectJSON     *bool  `yaml:"expect_json" json:"expectJson"`
	TimeoutSeconds int    `yaml:"timeout_seconds" json:"timeoutSeconds"`
	PayloadSchema  string `yaml:"payload_schema" json:"payloadSchema"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	BindAddr string `yaml:"bind_addr"`
	LogLevel string `yaml:"log_level"`

	Database DatabaseConfig `yaml:"database"`
	Auth     AuthConfig     `yaml:"auth"`

	// AllowOrigins restricts browser websocket upgrades. Empty disables the check.
	AllowOrigins []string `yaml:"allow_origins"`

	// Builtins enables built-in inline handlers by slug (e.g. "echo").
	Builtins        []string         `yaml:"builtins"`
	DispatchTargets []DispatchTarget `yaml:"dispatch_targets"`

	// RegistryRefresh is a cron spec for periodic registry rebuilds. Empty disables.
	RegistryRefresh string `yaml:"registry_refresh"`

	HandlerTimeoutSeconds int   `yaml:"handler_timeout_seconds"`
	DrainTimeoutSeconds   int   `yaml:"drain_timeout_seconds"`
	MaxBodyBytes          int64 `yaml:"max_body_bytes"`

	RateLimit RateLimitConfig `yaml:"rate_limit"`
	LogSink   LogSinkConfig   `yaml:"log_sink"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// BoolOr returns *p or def when p is nil.
func BoolOr(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Fingerprint returns a stable hash of the settings that shape request handling.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	slugs := make([]string, 0, len(c.DispatchTargets))
	for _, t := range c.DispatchTargets {
		slugs = append(slugs, t.Slug+"="+t.URL)
	}
	sort.Strings(slugs)
	fmt.Fprintf(h, "bind=%s|log=%s|db=%s|origins=%v|builtins=%v|targets=%v|refresh=%s",
		c.BindAddr, c.LogLevel, c.Database.Driver, c.AllowOrigins, c.Builtins, slugs, c.RegistryRefresh)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultConfig() Config {
	return Config{
		BindAddr:              "127.0.0.1:8088",
		LogLevel:              "info",
		RegistryRefresh:       "@every 1m",
		HandlerTimeoutSeconds: 120,
		DrainTimeoutSeconds:   5,
		MaxBodyBytes:          1 << 20,
		Auth: AuthConfig{
			SharedSecretHeader: defaultSharedSecretHeader,
		},
		RateLimit: RateLimitConfig{
			RequestsPerMinute: 120,
			BurstSize:         20,
		},
		LogSink: LogSinkConfig{
			TimeoutSeconds: 5,
		},
	}
}

func HomeDir() string {
	if override := os.Getenv("TASKD_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".taskd")
}

// Load reads $TASKD_HOME/config.yaml (a missing file is not an error), applies
// environment overrides and validates the result.
func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create taskd home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil && !os.IsNotExist(err) {
		return cfg, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		return cfg, err
	}
	normalize(&cfg)
	if err := validate(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.BindAddr == "" {
		cfg.BindAddr = "127.0.0.1:8088"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = DriverSQLite
	}
	if cfg.Database.Driver == DriverSQLite && cfg.Database.DSN == "" {
		cfg.Database.DSN = filepath.Join(cfg.HomeDir, "taskd.db")
	}
	if cfg.Auth.SharedSecretHeader == "" {
		cfg.Auth.SharedSecretHeader = defaultSharedSecretHeader
	}
	if cfg.HandlerTimeoutSeconds <= 0 {
		cfg.HandlerTimeoutSeconds = 120
	}
	if cfg.DrainTimeoutSeconds <= 0 {
		cfg.DrainTimeoutSeconds = 5
	}
	if cfg.LogSink.TimeoutSeconds <= 0 {
		cfg.LogSink.TimeoutSeconds = 5
	}
	for i := range cfg.DispatchTargets {
		t := &cfg.DispatchTargets[i]
		t.Slug = strings.TrimSpace(t.Slug)
		if t.Method == "" {
			t.Method = "POST"
		}
		t.Method = strings.ToUpper(t.Method)
		if t.Channel == "" {
			t.Channel = "http"
		}
		if t.DisplayName == "" {
			t.DisplayName = t.Slug
		}
	}
}

func validate(cfg *Config) error {
	switch cfg.Database.Driver {
	case DriverSQLite, DriverPostgres:
	default:
		return fmt.Errorf("database.driver %q not supported (sqlite3, pgx)", cfg.Database.Driver)
	}
	if cfg.Database.Driver == DriverPostgres && cfg.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required for driver pgx")
	}
	seen := make(map[string]bool, len(cfg.DispatchTargets))
	for i, t := range cfg.DispatchTargets {
		if t.Slug == "" {
			return fmt.Errorf("dispatch_targets[%d]: slug is required", i)
		}
		if seen[t.Slug] {
			return fmt.Errorf("dispatch_targets[%d]: duplicate slug %q", i, t.Slug)
		}
		seen[t.Slug] = true
		if t.URL == "" {
			return fmt.Errorf("dispatch target %q: url is required", t.Slug)
		}
		if len(t.TaskTypes) == 0 {
			return fmt.Errorf("dispatch target %q: task_types must not be empty", t.Slug)
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) error {
	if raw := os.Getenv("TASKD_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := os.Getenv("TASKD_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("TASKD_DB_DRIVER"); raw != "" {
		cfg.Database.Driver = raw
	}
	if raw := os.Getenv("TASKD_DB_DSN"); raw != "" {
		cfg.Database.DSN = raw
	}
	if raw := os.Getenv("TASKD_SHARED_SECRET"); raw != "" {
		cfg.Auth.SharedSecret = raw
	}
	if raw := os.Getenv("TASKD_SHARED_SECRET_HEADER"); raw != "" {
		cfg.Auth.SharedSecretHeader = raw
	}
	if user, pass := os.Getenv("TASKD_BASIC_USER"), os.Getenv("TASKD_BASIC_PASS"); user != "" && pass != "" {
		cfg.Auth.Users = append(cfg.Auth.Users, BasicUser{Username: user, Password: pass})
	}
	if raw := os.Getenv("TASKD_ALLOW_ORIGINS"); raw != "" {
		cfg.AllowOrigins = splitList(raw)
	}
	if raw := os.Getenv("TASKD_BUILTINS"); raw != "" {
		cfg.Builtins = splitList(raw)
	}
	if raw := os.Getenv("TASKD_LOG_SINK_URL"); raw != "" {
		cfg.LogSink.URL = raw
	}
	if raw := os.Getenv("TASKD_REGISTRY_REFRESH"); raw != "" {
		cfg.RegistryRefresh = raw
	}
	if raw := os.Getenv("TASKD_HANDLER_TIMEOUT_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.HandlerTimeoutSeconds = v
		}
	}
	if raw := os.Getenv("TASKD_DISPATCH_TARGETS"); raw != "" {
		var targets []DispatchTarget
		if err := json.Unmarshal([]byte(raw), &targets); err != nil {
			return fmt.Errorf("parse TASKD_DISPATCH_TARGETS: %w", err)
		}
		cfg.DispatchTargets = mergeTargets(cfg.DispatchTargets, targets)
	}
	return nil
}

// mergeTargets overlays env-declared targets on file-declared ones by slug.
func mergeTargets(base, overlay []DispatchTarget) []DispatchTarget {
	out := make([]DispatchTarget, 0, len(base)+len(overlay))
	index := make(map[string]int, len(base))
	for _, t := range base {
		index[t.Slug] = len(out)
		out = append(out, t)
	}
	for _, t := range overlay {
		if i, ok := index[t.Slug]; ok {
			out[i] = t
			continue
		}
		index[t.Slug] = len(out)
		out = append(out, t)
	}
	return out
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
