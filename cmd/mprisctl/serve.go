package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	httphandlers "mprisctl/internal/handlers/http"
	"mprisctl/internal/infrastructure/distributed"
	"mprisctl/internal/infrastructure/middleware"
	"mprisctl/internal/infrastructure/monitoring"
	"mprisctl/internal/infrastructure/repositories"
	wssignal "mprisctl/internal/infrastructure/signal"
	"mprisctl/pkg/config"
	"mprisctl/pkg/eventloop"
	"mprisctl/pkg/logger"
	"mprisctl/pkg/tracing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newServeCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the REST and WebSocket control API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := opts.load()
			if err != nil {
				return err
			}
			defer log.Sync()
			return serve(cmd.Context(), cfg, log)
		},
	}
}

func serve(parent context.Context, cfg *config.Config, log *zap.SugaredLogger) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tp, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: cfg.Tracing.ServiceName,
		JaegerURL:   cfg.Tracing.JaegerEndpoint,
		Environment: "production",
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			log.Warnw("failed to flush traces", "error", err)
		}
	}()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := monitoring.NewPrometheusCollector(registry)

	repos := repositories.NewRepositoryFactory(ctx, cfg, log)
	defer func() {
		if err := repos.Close(); err != nil {
			log.Errorw("failed to close repositories", "error", err)
		}
	}()
	prefs := repos.CreatePreferenceRepository()

	loop := eventloop.New()
	stopLoop := runLoop(loop)
	defer stopLoop()

	bus, err := openBus(ctx, cfg, loop, log, metrics)
	if err != nil {
		return fmt.Errorf("failed to connect to bus: %w", err)
	}
	ctrl := newController(cfg, bus, loop, prefs, log, metrics)
	if err := ctrl.Start(ctx); err != nil {
		bus.Close()
		return err
	}

	var publisher *distributed.EventPublisher
	if client := repos.RedisClient(); client != nil {
		publisher = distributed.NewEventPublisher(client, distributed.PublisherConfig{
			Channel: eventsChannel(cfg),
			Logger:  log,
		})
		if err := loop.Do(ctx, func() { publisher.Attach(ctrl) }); err != nil {
			return err
		}
		log.Infow("publishing events to redis", "channel", eventsChannel(cfg), "instance", publisher.Instance())
	}

	health := monitoring.NewHealthChecker()
	health.AddLoopCheck(loop, time.Second)
	health.AddPreferenceCheck(prefs, 2*time.Second)
	if client := repos.RedisClient(); client != nil {
		health.AddRedisCheck(client, 2*time.Second)
	}

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(
		middleware.RecoveryMiddleware(log),
		middleware.TracingMiddleware(),
		middleware.RequestLoggerMiddleware(logger.NewContextLogger(log.Desugar())),
		middleware.ErrorHandlerMiddleware(log),
	)
	if cfg.RateLimiting.Enabled {
		router.Use(middleware.NewHTTPRateLimitMiddleware(cfg))
	}
	httphandlers.NewPlayerHandler(ctrl, loop).SetupRoutes(router)
	ws := wssignal.NewWebSocketServer(ctrl, loop, wssignal.Config{Logger: log})
	ws.SetupRoutes(router)
	if cfg.Monitoring.Enabled {
		httphandlers.SetupMonitoringRoutes(router, cfg.Monitoring.MetricsPath, cfg.Monitoring.HealthPath, registry, health)
	}

	srv := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Infow("starting mprisctl server", "address", cfg.Server.Address, "bus", cfg.Bus.Kind)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case err = <-serverErr:
		log.Errorw("server failed", "error", err)
	case <-ctx.Done():
		log.Info("shutting down mprisctl server")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	ws.Close()
	if shutdownErr := srv.Shutdown(shutdownCtx); shutdownErr != nil {
		log.Errorw("error during server shutdown", "error", shutdownErr)
		srv.Close()
	}
	if publisher != nil {
		if err := loop.Do(shutdownCtx, publisher.Detach); err != nil {
			log.Warnw("failed to detach event publisher", "error", err)
		}
		publisher.Close()
	}
	if closeErr := ctrl.Close(shutdownCtx); closeErr != nil {
		log.Warnw("error closing controller", "error", closeErr)
	}
	log.Info("mprisctl server stopped")
	return err
}

func eventsChannel(cfg *config.Config) string {
	return cfg.Redis.KeyPrefix + "events"
}
