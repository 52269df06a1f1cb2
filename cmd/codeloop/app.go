package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/haasonsaas/codeloop/internal/agent"
	"github.com/haasonsaas/codeloop/internal/agent/providers"
	"github.com/haasonsaas/codeloop/internal/agent/stream"
	"github.com/haasonsaas/codeloop/internal/config"
	"github.com/haasonsaas/codeloop/internal/events"
	"github.com/haasonsaas/codeloop/internal/observability"
	"github.com/haasonsaas/codeloop/internal/storage"
	"github.com/haasonsaas/codeloop/internal/tools"
	"github.com/haasonsaas/codeloop/internal/tools/files"
)

// app holds the wired runtime for one CLI invocation.
type app struct {
	cfg *config.Config

	logger   *observability.Logger
	metrics  *observability.Metrics
	registry *prometheus.Registry
	tracer   *observability.Tracer

	store      storage.Store
	providers  *providers.Registry
	runner     *stream.Runner
	dispatcher *tools.Dispatcher
	bus        *events.Bus
	runtime    *agent.Runtime

	metricsServer  *http.Server
	shutdownTracer func(context.Context) error
}

// newApp wires storage, providers, tools and the task runtime from cfg.
func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	logCfg := cfg.Logging
	logCfg.Output = os.Stderr
	a := &app{
		cfg:      cfg,
		logger:   observability.NewLogger(logCfg),
		registry: prometheus.NewRegistry(),
	}
	// Command-level slog calls share the configured handler.
	slog.SetDefault(a.logger.Slog())
	a.metrics = observability.NewMetrics(a.registry)
	a.tracer, a.shutdownTracer = observability.NewTracer(cfg.Tracing)

	store, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a.store = store

	if err := cfg.SeedSettings(ctx, store, store); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("seed settings: %w", err)
	}
	a.providers = providers.NewRegistry(store)
	if err := cfg.ApplyProviders(a.providers); err != nil {
		_ = store.Close()
		return nil, err
	}

	a.runner = stream.NewRunner(a.providers, cfg.Stream,
		stream.WithLogger(a.logger),
		stream.WithMetrics(a.metrics),
		stream.WithTracer(a.tracer),
	)

	toolRegistry := tools.NewRegistry()
	files.Register(toolRegistry, files.Config{
		MaxReadBytes:  cfg.Tools.MaxReadBytes,
		ApproveWrites: cfg.Tools.ApproveWrites,
	})
	a.dispatcher = tools.NewDispatcher(toolRegistry, tools.DispatcherConfig{Timeout: cfg.Tools.Timeout},
		tools.WithLogger(a.logger),
		tools.WithMetrics(a.metrics),
		tools.WithTracer(a.tracer),
	)

	a.bus = events.NewBus(a.metrics)
	a.runtime = agent.NewRuntime(a.runner, a.dispatcher, runtimeConfig(cfg),
		agent.WithProviders(a.providers),
		agent.WithBus(a.bus),
		agent.WithStore(store),
		agent.WithLogger(a.logger),
		agent.WithMetrics(a.metrics),
		agent.WithTracer(a.tracer),
	)
	return a, nil
}

func runtimeConfig(cfg *config.Config) agent.Config {
	return agent.Config{
		MaxIterations:      cfg.Runtime.MaxIterations,
		AutoApprove:        cfg.Runtime.AutoApprove,
		ActionBuffer:       cfg.Runtime.ActionBuffer,
		SystemPrompt:       cfg.Runtime.SystemPrompt,
		ToolResultMaxBytes: cfg.Runtime.ToolResultMaxBytes,
		Retention:          cfg.Runtime.Retention,
		ToolResultGuard: agent.ToolResultGuard{
			RedactPatterns: append(append([]string{}, observability.DefaultRedactPatterns...), cfg.Logging.RedactPatterns...),
		},
	}
}

func openStore(ctx context.Context, cfg *config.Config) (storage.Store, error) {
	switch cfg.Storage.Backend {
	case "sql":
		store, err := storage.Open(ctx, cfg.Storage.SQL)
		if err != nil {
			return nil, fmt.Errorf("open storage: %w", err)
		}
		return store, nil
	default:
		return storage.NewMemoryStore(), nil
	}
}

// serveMetrics exposes the Prometheus registry when enabled.
func (a *app) serveMetrics(ctx context.Context) {
	if !a.cfg.Metrics.Enabled {
		return
	}
	mux := http.NewServeMux()
	mux.Handle(a.cfg.Metrics.Path, promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))
	a.metricsServer = &http.Server{
		Addr:              a.cfg.Metrics.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		a.logger.Info(ctx, "serving metrics", "addr", a.cfg.Metrics.Addr, "path", a.cfg.Metrics.Path)
		if err := a.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error(ctx, "metrics server failed", "error", err)
		}
	}()
}

// Close stops tasks and releases resources.
func (a *app) Close(ctx context.Context) error {
	var errs []error
	if err := a.runtime.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("shutdown runtime: %w", err))
	}
	a.bus.Close()
	if a.metricsServer != nil {
		if err := a.metricsServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown metrics: %w", err))
		}
	}
	if err := a.shutdownTracer(ctx); err != nil {
		errs = append(errs, fmt.Errorf("shutdown tracer: %w", err))
	}
	if err := a.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close storage: %w", err))
	}
	return errors.Join(errs...)
}
