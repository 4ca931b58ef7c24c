package voxrelay

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"runtime"
	"time"

	"github.com/harunnryd/voxrelay/pkg/errorsx"
	"github.com/harunnryd/voxrelay/pkg/logging"
	"github.com/harunnryd/voxrelay/pkg/metrics"
	"github.com/harunnryd/voxrelay/pkg/observers"
	"github.com/harunnryd/voxrelay/pkg/redact"
	"github.com/harunnryd/voxrelay/pkg/runner"
	"github.com/harunnryd/voxrelay/pkg/session"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

type EngineOptions struct {
	Config    Config
	Providers *ProviderRegistry
	// Registry receives the relay metrics. A fresh registry with Go and
	// process collectors is used when nil.
	Registry *prometheus.Registry
	Logger   *slog.Logger
	Banner   io.Writer
}

// Engine wires configuration, providers, sessions and the HTTP surface
// into one process lifecycle.
type Engine struct {
	cfg      Config
	logger   *slog.Logger
	sessions *session.Registry
	manager  *Manager
	server   *Server
	prom     *metrics.Prometheus
	asyncObs *metrics.AsyncObserver
	runner   *runner.LifecycleRunner
}

func NewEngine(opts EngineOptions) (*Engine, error) {
	cfg := opts.Config
	logger := opts.Logger
	if logger == nil {
		logger = logging.InitLogger(logging.ParseLevel(cfg.LogLevel), cfg.LogFormat)
		slog.SetDefault(logger)
	}
	redact.SetEnabled(cfg.Privacy.RedactPII)

	providers := opts.Providers
	if providers == nil {
		providers = DefaultProviders()
	}
	connectors, err := providers.BuildAll(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("build providers: %w", err)
	}

	logger.Info("voxrelay_init",
		"environment", cfg.Environment,
		"transcription_provider", cfg.Vendors.Transcription.Provider,
		"live_audio_provider", cfg.Vendors.LiveAudio.Provider,
		"addr", cfg.Server.Addr,
		"auth_disabled", cfg.Auth.Disabled,
	)

	reg := opts.Registry
	if reg == nil {
		reg = prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	prom := metrics.NewPrometheus(reg)
	latencyObs := observers.NewLatencyObserver(logger)
	logObs := observers.NewLoggerObserver(logger)
	asyncObs := metrics.NewAsyncObserver(observers.NewMultiObserver(prom, latencyObs, logObs), 2048)

	sessions := session.NewRegistry()
	manager := NewManager(ManagerOptions{
		Connectors:     connectors,
		Registry:       sessions,
		Observer:       asyncObs,
		ConnectTimeout: cfg.Relay.ConnectTimeout,
		Logger:         logger,
	})
	server := NewServer(ServerOptions{
		Config:     cfg,
		Manager:    manager,
		Prometheus: prom,
		Gatherer:   reg,
		Observer:   asyncObs,
		Logger:     logger,
	})

	e := &Engine{
		cfg:      cfg,
		logger:   logger,
		sessions: sessions,
		manager:  manager,
		server:   server,
		prom:     prom,
		asyncObs: asyncObs,
	}

	hooks := runner.Hooks{
		OnStart: server.Start,
		OnStop: func() {
			asyncObs.Close()
			logger.Info("shutdown",
				"goroutines", runtime.NumGoroutine(),
				"active_sessions", sessions.Count(),
				"metrics_dropped", asyncObs.Dropped())
		},
	}
	e.runner = runner.NewLifecycleRunner(runner.DrainerFunc(e.drain), hooks, cfg.Server.ShutdownTimeout).
		WithBanner(opts.Banner)
	return e, nil
}

// drain refuses new sessions, closes live ones with going-away and waits
// for them to finish before stopping the listener.
func (e *Engine) drain(ctx context.Context) error {
	e.sessions.SetDraining(true)
	active := e.sessions.Count()
	e.sessions.CloseAll(errorsx.ReasonShutdown)

	waitCtx := ctx
	if e.cfg.Relay.DrainTimeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, e.cfg.Relay.DrainTimeout)
		defer cancel()
	}
	emptied := e.sessions.WaitForEmpty(waitCtx, 200*time.Millisecond)
	e.logger.Info("sessions_drained", "closed", active, "remaining", e.sessions.Count(), "complete", emptied)

	if err := e.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	if !emptied {
		return fmt.Errorf("%d sessions still open after drain", e.sessions.Count())
	}
	return nil
}

// Run serves until ctx is cancelled or Stop is called, then drains.
func (e *Engine) Run(ctx context.Context) error {
	return e.runner.Run(ctx)
}

// Start runs the engine in the background.
func (e *Engine) Start(ctx context.Context) {
	go func() {
		if err := e.runner.Run(ctx); err != nil {
			e.logger.Error("engine_stopped_with_error", "error", err.Error())
		}
	}()
}

func (e *Engine) Stop() error {
	return e.runner.Stop()
}

func (e *Engine) Config() Config               { return e.cfg }
func (e *Engine) Manager() *Manager            { return e.manager }
func (e *Engine) Server() *Server              { return e.server }
func (e *Engine) Sessions() *session.Registry  { return e.sessions }
func (e *Engine) Metrics() *metrics.Prometheus { return e.prom }
func (e *Engine) State() runner.State          { return e.runner.State() }
func (e *Engine) Stopped() <-chan struct{}     { return e.runner.Stopped() }
