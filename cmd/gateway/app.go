package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/vyrodovalexey/avdispatch/internal/admin"
	"github.com/vyrodovalexey/avdispatch/internal/config"
	"github.com/vyrodovalexey/avdispatch/internal/gateway"
	"github.com/vyrodovalexey/avdispatch/internal/health"
	"github.com/vyrodovalexey/avdispatch/internal/middleware"
	"github.com/vyrodovalexey/avdispatch/internal/observability"
	"github.com/vyrodovalexey/avdispatch/internal/registry"
	"github.com/vyrodovalexey/avdispatch/internal/registry/provider"
)

// application holds all long-lived components.
type application struct {
	config        *config.GatewayConfig
	metrics       *observability.Metrics
	registry      *registry.Registry
	monitor       *health.Monitor
	gateway       *gateway.Gateway
	admin         *admin.Server
	clientLimiter *middleware.ClientLimiter
}

// initApplication wires the pipeline from configuration.
func initApplication(cfg *config.GatewayConfig, logger observability.Logger) *application {
	metrics := observability.NewMetrics("dispatch")
	metrics.SetBuildInfo(version, gitCommit, buildTime)

	prov, err := provider.FromConfig(&cfg.Spec.Registry, logger)
	if err != nil {
		logger.Fatal("failed to create registry provider", observability.Error(err))
	}

	reg := registry.New(prov,
		registry.WithLogger(logger),
		registry.WithRefreshInterval(cfg.Spec.Registry.RefreshInterval.Duration()),
	)

	loadCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := reg.Refresh(loadCtx); err != nil {
		logger.Fatal("initial registry refresh failed", observability.Error(err))
	}

	var monitor *health.Monitor
	if hc := cfg.Spec.HealthCheck; hc != nil && hc.Enabled {
		monitor = health.NewMonitor(reg, hc, health.WithMonitorLogger(logger))
	}

	chain, clientLimiter := buildMiddlewareChain(cfg, logger)

	gw, err := gateway.New(cfg, reg,
		gateway.WithGatewayLogger(logger),
		gateway.WithGatewayMetrics(metrics),
		gateway.WithMiddleware(chain),
	)
	if err != nil {
		logger.Fatal("failed to create gateway", observability.Error(err))
	}

	var adminSrv *admin.Server
	if ac := cfg.Spec.Admin; ac != nil && ac.Enabled {
		adminSrv = admin.New(ac, gw, admin.WithLogger(logger))
	}

	return &application{
		config:        cfg,
		metrics:       metrics,
		registry:      reg,
		monitor:       monitor,
		gateway:       gw,
		admin:         adminSrv,
		clientLimiter: clientLimiter,
	}
}

// buildMiddlewareChain composes the inbound chain around the dispatch
// handler. Outermost first: recovery, request id, access logging,
// per-client throttle, overload shedding.
func buildMiddlewareChain(
	cfg *config.GatewayConfig,
	logger observability.Logger,
) (gateway.Middleware, *middleware.ClientLimiter) {
	clientLimit, clientLimiter := middleware.ClientRateLimitFromConfig(cfg.Spec.ClientRateLimit, logger)
	overload := middleware.OverloadFromConfig(cfg.Spec.Overload, logger)

	accessLogEnabled := true
	if obs := cfg.Spec.Observability; obs != nil {
		accessLogEnabled = obs.AccessLog
	}

	chain := func(handler http.Handler) http.Handler {
		h := handler
		h = overload(h)
		h = clientLimit(h)
		if accessLogEnabled {
			h = middleware.AccessLog(logger)(h)
		}
		h = middleware.RequestID()(h)
		h = middleware.Recovery(logger)(h)
		return h
	}

	return chain, clientLimiter
}

// runGateway starts everything and blocks until shutdown.
func runGateway(app *application, configPath string, logger observability.Logger) {
	ctx := context.Background()

	app.registry.Start(ctx)
	if app.monitor != nil {
		app.monitor.Start(ctx)
	}

	if err := app.gateway.Start(ctx); err != nil {
		logger.Fatal("failed to start gateway", observability.Error(err))
	}

	if app.admin != nil {
		if err := app.admin.Start(ctx); err != nil {
			logger.Fatal("failed to start admin server", observability.Error(err))
		}
	}

	startMetricsServerIfEnabled(app, logger)
	watcher := startConfigWatcher(app, configPath, logger)

	waitForShutdown(app, watcher, logger)
}

// startMetricsServerIfEnabled serves the Prometheus endpoint on its own
// listener.
func startMetricsServerIfEnabled(app *application, logger observability.Logger) {
	mc := app.config.Spec.Metrics
	if mc == nil || !mc.Enabled {
		return
	}

	bind := mc.Bind
	if bind == "" {
		bind = "0.0.0.0"
	}
	addr := net.JoinHostPort(bind, strconv.Itoa(mc.GetEffectivePort()))
	path := mc.GetEffectivePath()

	mux := http.NewServeMux()
	mux.Handle(path, app.metrics.Handler())

	logger.Info("starting metrics server",
		observability.String("address", addr),
		observability.String("path", path),
	)

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      10 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server error", observability.Error(err))
		}
	}()
}

// startConfigWatcher reloads the pipeline when the config file changes.
func startConfigWatcher(
	app *application,
	configPath string,
	logger observability.Logger,
) *config.Watcher {
	watcher, err := config.NewWatcher(configPath, func(newCfg *config.GatewayConfig) {
		logger.Info("configuration changed, reloading")
		if reloadErr := applyReload(app, newCfg); reloadErr != nil {
			logger.Error("failed to reload configuration", observability.Error(reloadErr))
		}
	}, config.WithLogger(logger))

	if err != nil {
		logger.Warn("failed to create config watcher", observability.Error(err))
		return nil
	}

	if err := watcher.Start(context.Background()); err != nil {
		logger.Warn("failed to start config watcher", observability.Error(err))
	}

	return watcher
}

// applyReload pushes a validated config into the pipeline and, for the
// static provider, into the registry.
func applyReload(app *application, newCfg *config.GatewayConfig) error {
	if err := app.gateway.Reload(newCfg); err != nil {
		return err
	}

	if static, ok := app.registry.Provider().(*provider.Static); ok && newCfg.Spec.Registry.Static != nil {
		static.Update(newCfg.Spec.Registry.Static)

		refreshCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := app.registry.Refresh(refreshCtx); err != nil {
			return fmt.Errorf("registry refresh after reload: %w", err)
		}
	}

	app.config = newCfg
	return nil
}

// waitForShutdown blocks on SIGINT/SIGTERM and drains in dependency
// order: watcher, admin, listeners, monitor, registry, limiter.
func waitForShutdown(app *application, watcher *config.Watcher, logger observability.Logger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", observability.String("signal", sig.String()))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), config.DefaultShutdownTimeout)
	defer cancel()

	if watcher != nil {
		_ = watcher.Stop()
	}

	if app.admin != nil {
		if err := app.admin.Stop(shutdownCtx); err != nil {
			logger.Error("failed to stop admin server", observability.Error(err))
		}
	}

	if err := app.gateway.Stop(shutdownCtx); err != nil {
		logger.Error("failed to stop gateway gracefully", observability.Error(err))
	}

	if app.monitor != nil {
		app.monitor.Stop()
	}
	app.registry.Stop()

	if app.clientLimiter != nil {
		app.clientLimiter.Stop()
	}

	logger.Info("gateway stopped")
}
