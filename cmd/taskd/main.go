package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/basket/taskd/internal/audit"
	"github.com/basket/taskd/internal/bus"
	"github.com/basket/taskd/internal/config"
	"github.com/basket/taskd/internal/engine"
	"github.com/basket/taskd/internal/gateway"
	"github.com/basket/taskd/internal/hub"
	"github.com/basket/taskd/internal/logsink"
	otelPkg "github.com/basket/taskd/internal/otel"
	"github.com/basket/taskd/internal/persistence"
	"github.com/basket/taskd/internal/refresh"
	"github.com/basket/taskd/internal/registry"
	"github.com/basket/taskd/internal/telemetry"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage:
  %s [flags]               run the task orchestration server
  %s status                query a running server's /healthz
  %s doctor [-json]        run local diagnostics
  %s agents list           list persisted agent definitions
  %s agents import FILE    upsert agent definitions from a YAML or JSON file
  %s agents delete SLUG    remove a persisted agent definition

Flags:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
}

func main() {
	quiet := flag.Bool("quiet", false, "write logs to the log file only")
	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if args := flag.Args(); len(args) > 0 {
		switch strings.ToLower(strings.TrimSpace(args[0])) {
		case "help", "-h", "--help":
			printUsage()
			os.Exit(0)
		case "status":
			os.Exit(runStatusCommand(ctx, args[1:]))
		case "doctor":
			os.Exit(runDoctorCommand(ctx, args[1:]))
		case "agents":
			os.Exit(runAgentsCommand(ctx, args[1:]))
		default:
			fmt.Fprintf(os.Stderr, "unknown command %q\n", args[0])
			printUsage()
			os.Exit(2)
		}
	}

	// Logs always go to the file; stdout gets a copy when it is a terminal or
	// TASKD_LOG_STDOUT is set for a supervisor collecting it.
	tty := isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd())
	quietLogs := *quiet || (!tty && os.Getenv("TASKD_LOG_STDOUT") == "")

	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}
	if err := audit.Init(cfg.HomeDir); err != nil {
		fatalStartup(nil, "E_AUDIT_INIT", err)
	}
	defer func() { _ = audit.Close() }()

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, quietLogs)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "home", cfg.HomeDir, "fingerprint", cfg.Fingerprint())

	auth := gateway.NewSecretOrBasic(cfg.Auth)
	if !auth.Configured() {
		logger.Warn("no shared secret or basic users configured; every authenticated route will answer 401")
	}
	if host, _, err := net.SplitHostPort(cfg.BindAddr); err == nil {
		h := strings.ToLower(strings.TrimSpace(host))
		loopback := h == "127.0.0.1" || h == "localhost" || h == "::1"
		if !loopback && len(cfg.AllowOrigins) == 0 {
			logger.Warn("allow_origins is empty on non-loopback bind; websocket upgrades accept any origin", "bind_addr", cfg.BindAddr)
		}
	}

	otelProvider, err := otelPkg.Init(ctx, otelPkg.Config{
		Enabled:        cfg.Telemetry.Enabled,
		Exporter:       cfg.Telemetry.Exporter,
		Endpoint:       cfg.Telemetry.Endpoint,
		ServiceName:    cfg.Telemetry.ServiceName,
		SampleRate:     cfg.Telemetry.SampleRate,
		MetricInterval: time.Duration(cfg.Telemetry.MetricIntervalSeconds) * time.Second,
	})
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = otelProvider.Shutdown(shutdownCtx)
	}()
	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_OTEL_METRICS", err)
	}

	store, err := persistence.Open(ctx, persistence.Options{Driver: cfg.Database.Driver, DSN: cfg.Database.DSN})
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer store.Close()
	logger.Info("startup phase", "phase", "schema_ready", "driver", store.Driver())

	eventBus := bus.New()
	eventBus.OnDrop(func(topic string) {
		metrics.RecordBusDrop(context.Background(), topic)
	})

	holder := registry.NewHolder(newBuilder(cfg, store, logger, otelProvider, metrics))
	reloader := refresh.NewReloader(holder, eventBus, logger)
	if _, err := reloader.Reload(ctx, "startup"); err != nil {
		fatalStartup(logger, "E_REGISTRY_BUILD", err)
	}

	eng := engine.New(engine.Config{
		Store:          store,
		Registry:       holder,
		Bus:            eventBus,
		Logger:         logger,
		Tracer:         otelProvider.Tracer,
		Metrics:        metrics,
		HandlerTimeout: time.Duration(cfg.HandlerTimeoutSeconds) * time.Second,
	})

	wsHub := hub.New(hub.Options{
		AllowOrigins: cfg.AllowOrigins,
		Logger:       logger,
		Metrics:      metrics,
	})
	go wsHub.Run(ctx, eventBus)

	sink := logsink.New(logsink.Options{
		BaseURL:            cfg.LogSink.URL,
		SharedSecretHeader: cfg.Auth.SharedSecretHeader,
		SharedSecret:       cfg.Auth.SharedSecret,
		Timeout:            time.Duration(cfg.LogSink.TimeoutSeconds) * time.Second,
	})
	go logsink.NewForwarder(sink, logger).Run(ctx, eventBus)

	sched, err := refresh.NewScheduler(refresh.Config{Reloader: reloader, Logger: logger, Spec: cfg.RegistryRefresh})
	if err != nil {
		fatalStartup(logger, "E_REFRESH_SPEC", err)
	}
	sched.Start(ctx)
	defer sched.Stop()

	watcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher unavailable; registry changes need a restart or /agents/reload", "error", err)
	} else {
		go watchConfig(ctx, watcher, holder, reloader, store, logger, otelProvider, metrics)
	}

	gw := gateway.New(gateway.Config{
		Engine:             eng,
		Store:              store,
		Registry:           holder,
		Reloader:           reloader,
		Hub:                wsHub,
		Auth:               auth,
		RateLimit:          cfg.RateLimit,
		MaxBodyBytes:       cfg.MaxBodyBytes,
		AllowOrigins:       cfg.AllowOrigins,
		SharedSecretHeader: cfg.Auth.SharedSecretHeader,
		ConfigFingerprint:  cfg.Fingerprint(),
		Logger:             logger,
		Tracer:             otelProvider.Tracer,
		Metrics:            metrics,
	})
	gw.StartEviction(ctx)

	server := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           gw.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	ln, err := net.Listen("tcp", cfg.BindAddr)
	if err != nil {
		fatalStartup(logger, "E_LISTENER_BIND", err)
	}
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("gateway listening", "addr", ln.Addr().String(), "ws", "/ws")
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("gateway server error", "error", err)
	}

	// Stop intake, then let in-flight tasks finish within the drain window.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	eng.Drain(time.Duration(cfg.DrainTimeoutSeconds) * time.Second)
	wsHub.Close()
	logger.Info("shutdown complete")
}

func newBuilder(cfg config.Config, store *persistence.Store, logger *slog.Logger, p *otelPkg.Provider, m *otelPkg.Metrics) *registry.Builder {
	b := registry.NewBuilder(cfg, store, logger)
	b.Tracer = p.Tracer
	b.Metrics = m
	return b
}

// watchConfig swaps in a builder for the new config.yaml and rebuilds the
// registry. An invalid file keeps the current builder and snapshot.
func watchConfig(ctx context.Context, w *config.Watcher, holder *registry.Holder, reloader *refresh.Reloader,
	store *persistence.Store, logger *slog.Logger, p *otelPkg.Provider, m *otelPkg.Metrics) {
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-w.Events():
			if !ok {
				return
			}
			cfg, err := config.Load()
			if err != nil {
				logger.Error("config reload failed; keeping current registry", "error", err)
				continue
			}
			holder.SetBuilder(newBuilder(cfg, store, logger, p, m))
			_, _ = reloader.Reload(ctx, "config")
		}
	}
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	audit.Record("fatal", "runtime.startup", reasonCode, "", message)

	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"runtime","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}
