// Command tumbler runs the Code Tumbler orchestration daemon: it watches a
// workspace of projects and drives each through the Architect → Engineer →
// Verifier feedback loop.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/Strob0t/CodeTumbler/internal/adapter/httpapi"
	tumblernats "github.com/Strob0t/CodeTumbler/internal/adapter/nats"
	tumblerotel "github.com/Strob0t/CodeTumbler/internal/adapter/otel"
	"github.com/Strob0t/CodeTumbler/internal/adapter/postgres"
	"github.com/Strob0t/CodeTumbler/internal/adapter/ws"
	"github.com/Strob0t/CodeTumbler/internal/agent"
	"github.com/Strob0t/CodeTumbler/internal/bus"
	"github.com/Strob0t/CodeTumbler/internal/config"
	"github.com/Strob0t/CodeTumbler/internal/logger"
	"github.com/Strob0t/CodeTumbler/internal/loop"
	"github.com/Strob0t/CodeTumbler/internal/port/mirror"
	"github.com/Strob0t/CodeTumbler/internal/provider"
	"github.com/Strob0t/CodeTumbler/internal/sandbox"
	"github.com/Strob0t/CodeTumbler/internal/service"
	"github.com/Strob0t/CodeTumbler/internal/store"
	"github.com/Strob0t/CodeTumbler/internal/watcher"
)

func main() {
	if err := run(); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", config.DefaultConfigFile, "path to YAML configuration")
	flag.Parse()

	cfg, err := config.LoadFrom(*configPath)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	log := logger.New(cfg.Logging)
	slog.SetDefault(log)

	slog.Info("config loaded",
		"workspace", cfg.Workspace.Root,
		"port", cfg.Server.Port,
		"max_concurrent", cfg.Tumbler.MaxConcurrent,
		"quality_threshold", cfg.Tumbler.QualityThreshold,
	)

	if err := os.MkdirAll(cfg.Workspace.Root, 0o755); err != nil {
		return fmt.Errorf("workspace: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// --- Telemetry ---
	otelShutdown, err := tumblerotel.Init(ctx, cfg.Logging.Service, cfg.Telemetry.Endpoint, log)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() {
		shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = otelShutdown(shCtx)
	}()

	// --- Optional RDBMS mirror ---
	var m mirror.Mirror
	if cfg.Postgres.DSN != "" {
		pool, perr := postgres.NewPool(ctx, cfg.Postgres)
		if perr != nil {
			slog.Warn("postgres unreachable, mirror disabled (JSON remains authoritative)", "error", perr)
		} else {
			defer pool.Close()
			if merr := postgres.RunMigrations(cfg.Postgres.DSN); merr != nil {
				return fmt.Errorf("migrations: %w", merr)
			}
			m = postgres.NewMirror(pool)
			slog.Info("postgres mirror connected")
		}
	}

	// --- Core ---
	st, err := store.New(m, log)
	if err != nil {
		return fmt.Errorf("store: %w", err)
	}
	defer st.Close()

	b := bus.New(bus.DefaultQueueSize, bus.DefaultBlockWait, log)

	factory := provider.NewFactory(cfg.Providers, cfg.Breaker)
	runner := agent.NewRunner(cfg, factory, st, b, nil, log)

	var executor loop.Sandbox
	if cfg.Sandbox.Enabled {
		e := sandbox.NewExecutor(cfg.Sandbox, log)
		pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		perr := e.Ping(pingCtx)
		cancel()
		if perr != nil {
			if cfg.Sandbox.Required {
				return fmt.Errorf("container proxy unreachable: %w", perr)
			}
			slog.Warn("container proxy unreachable, verification falls back to static review", "error", perr)
		}
		executor = e
	} else {
		slog.Info("sandbox disabled, verification is static review only")
	}

	l := loop.New(cfg, st, b,
		agent.NewArchitect(runner),
		agent.NewEngineer(runner, log),
		agent.NewVerifier(runner),
		executor, log)

	orch := service.New(cfg, st, b, l, log)
	if err := orch.Discover(ctx); err != nil {
		return fmt.Errorf("discover: %w", err)
	}

	// --- Event consumers ---
	if metrics, merr := tumblerotel.NewMetrics(); merr != nil {
		slog.Warn("metrics unavailable", "error", merr)
	} else {
		go metrics.Observe(ctx, b)
	}

	if cfg.NATS.URL != "" {
		forwarder, nerr := tumblernats.Connect(ctx, cfg.NATS.URL, log)
		if nerr != nil {
			slog.Warn("nats unreachable, event forwarding disabled", "error", nerr)
		} else {
			defer forwarder.Close()
			go forwarder.Run(ctx, b)
		}
	}

	hub := ws.NewHub(log)
	go hub.Run(ctx, b)

	// --- File watcher ---
	w, err := watcher.New(cfg.Workspace.Root, cfg.Tumbler.DebounceWindow, orch.HandleTrigger, log)
	if err != nil {
		return fmt.Errorf("watcher: %w", err)
	}
	go func() {
		if werr := w.Start(ctx); werr != nil && !errors.Is(werr, context.Canceled) {
			slog.Error("watcher stopped", "error", werr)
		}
	}()

	// --- HTTP ---
	r := chi.NewRouter()
	r.Use(httpapi.CORS(cfg.Server.CORSOrigin))
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"ok","running":%d}`, orch.RunningCount())
	})
	r.Get("/ws", hub.HandleWS)
	httpapi.MountRoutes(r, &httpapi.Handlers{Orchestrator: orch, Bus: b})

	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		slog.Info("starting server", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")

	shCtx, cancel := context.WithTimeout(context.Background(), cfg.Tumbler.DrainTimeout)
	defer cancel()
	if err := srv.Shutdown(shCtx); err != nil {
		slog.Warn("server shutdown", "error", err)
	}

	orch.Shutdown()
	slog.Info("shutdown complete")
	return nil
}
