// Package server provides the core application server and dependency injection.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/wanifuchi/web-conversion-optimizer-sub000/internal/api"
	"github.com/wanifuchi/web-conversion-optimizer-sub000/internal/browser"
	"github.com/wanifuchi/web-conversion-optimizer-sub000/internal/browser/headless"
	"github.com/wanifuchi/web-conversion-optimizer-sub000/internal/clock/system"
	"github.com/wanifuchi/web-conversion-optimizer-sub000/internal/config"
	"github.com/wanifuchi/web-conversion-optimizer-sub000/internal/id/uuid"
	"github.com/wanifuchi/web-conversion-optimizer-sub000/internal/logging"
	"github.com/wanifuchi/web-conversion-optimizer-sub000/internal/pool"
	"github.com/wanifuchi/web-conversion-optimizer-sub000/internal/scrape"
	"github.com/wanifuchi/web-conversion-optimizer-sub000/internal/telemetry"
)

// App contains the application's dependencies.
type App struct {
	cfg            *config.Config
	logger         *zap.Logger
	pool           *pool.Pool
	apiServer      *api.Server
	registry       *prometheus.Registry
	tracerShutdown func(context.Context) error
}

// Handler exposes the HTTP API.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Run starts the application and blocks until the context is canceled,
// SIGINT/SIGTERM arrives, or the listener fails. The pool is drained before
// Run returns.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("application started")
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	drained := a.pool.ShutdownOnSignal(ctx)

	if a.cfg.Pool.WarmupOnStart {
		a.warmup(ctx)
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			serveErr <- err
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}

	select {
	case <-drained:
	case <-shutdownCtx.Done():
		a.logger.Warn("pool drain did not finish before shutdown deadline")
	}

	var errs []error
	select {
	case err := <-serveErr:
		errs = append(errs, fmt.Errorf("http server: %w", err))
	default:
	}
	if err := a.Close(shutdownCtx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (a *App) warmup(ctx context.Context) {
	session, err := a.pool.Acquire(ctx)
	if err != nil {
		a.logger.Warn("pool warmup failed; browser will launch on first request", zap.Error(err))
		return
	}
	a.pool.Release(session)
	a.logger.Info("pool warmed up")
}

// Close gracefully shuts down the application. It is safe to call after Run.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if err := a.pool.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("pool shutdown: %w", err))
	}
	a.closeObservability(ctx)
	a.logger.Info("shutdown complete")
	return errors.Join(errs...)
}

func (a *App) closeObservability(ctx context.Context) {
	if a.tracerShutdown != nil {
		if err := a.tracerShutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
	if err := a.logger.Sync(); err != nil {
		a.logger.Debug("logger sync failed", zap.Error(err))
	}
}

// Build creates the application's dependencies. The browser itself is not
// started here; the pool launches it on first use or on warmup.
func Build(ctx context.Context, cfg *config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)

	app := &App{
		cfg:      cfg,
		logger:   logger,
		registry: prometheus.NewRegistry(),
	}
	logger.Info("building application dependencies",
		zap.Int("server_port", cfg.Server.Port),
		zap.Int("max_sessions", cfg.Pool.MaxSessions),
		zap.Bool("headless", cfg.Browser.Headless),
	)

	if cfg.Telemetry.Tracing {
		tp, err := telemetry.InitTracerProvider(ctx, cfg.Telemetry.ServiceName, cfg.Telemetry.ServiceVersion)
		if err != nil {
			return nil, fmt.Errorf("tracer init failed: %w", err)
		}
		app.tracerShutdown = tp.Shutdown
	}

	app.pool, err = setupPool(app)
	if err != nil {
		return nil, err
	}

	snapshotter := scrape.NewSnapshotter(app.pool, scrape.Config{
		DomainQPS: cfg.Snapshot.DomainQPS,
		Timeout:   cfg.Snapshot.Timeout(),
	}, logger.Named("scrape"))

	app.apiServer = api.NewServer(
		app.pool,
		snapshotter,
		telemetry.HandlerFor(app.registry),
		*cfg,
		logger.Named("api"),
	)
	return app, nil
}

func setupPool(app *App) (*pool.Pool, error) {
	cfg := app.cfg
	metrics, err := telemetry.NewPoolMetrics(app.registry)
	if err != nil {
		return nil, fmt.Errorf("pool metrics init failed: %w", err)
	}

	viewport := browser.Viewport{Width: cfg.Browser.ViewportWidth, Height: cfg.Browser.ViewportHeight}
	launcher := headless.NewLauncher(browser.LaunchConfig{
		ExecPath:      cfg.Browser.ExecPath,
		Headless:      cfg.Browser.Headless,
		NoSandbox:     cfg.Browser.NoSandbox,
		MaxMemoryMB:   cfg.Browser.MaxMemoryMB,
		UserAgent:     cfg.Browser.UserAgent,
		LaunchTimeout: cfg.Browser.LaunchTimeout(),
	}, app.logger.Named("chrome"))

	p, err := pool.New(pool.Config{
		MaxSessions:        cfg.Pool.MaxSessions,
		IdleTimeout:        cfg.Pool.IdleTimeout(),
		AcquireTimeout:     cfg.Pool.AcquireTimeout(),
		PollInterval:       cfg.Pool.PollInterval(),
		MaxAcquireAttempts: cfg.Pool.MaxAcquireAttempts,
		HealthInterval:     cfg.Pool.HealthInterval(),
		ReapInterval:       cfg.Pool.ReapInterval(),
		ShutdownTimeout:    cfg.Pool.ShutdownTimeout(),
		Reset: pool.ResetConfig{
			Viewport:  viewport,
			UserAgent: cfg.Browser.UserAgent,
			Timeout:   cfg.Pool.ResetTimeout(),
		},
	}, launcher,
		pool.WithLogger(app.logger.Named("pool")),
		pool.WithClock(system.New()),
		pool.WithIDGenerator(uuid.New()),
		pool.WithMetrics(metrics),
	)
	if err != nil {
		return nil, fmt.Errorf("pool init failed: %w", err)
	}
	if err := telemetry.RegisterPoolGauges(app.registry, p.Gauges); err != nil {
		return nil, fmt.Errorf("pool gauges init failed: %w", err)
	}
	app.logger.Info("browser pool initialized",
		zap.Int("max_sessions", cfg.Pool.MaxSessions),
		zap.Duration("idle_timeout", cfg.Pool.IdleTimeout()),
		zap.Duration("acquire_timeout", cfg.Pool.AcquireTimeout()),
	)
	return p, nil
}
