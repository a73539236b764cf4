// jobplane is the HTTP control plane for resolving and tracking jobs.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"jobplane/internal/admission"
	"jobplane/internal/api"
	"jobplane/internal/catalog"
	"jobplane/internal/config"
	"jobplane/internal/dispatcher"
	"jobplane/internal/health"
	"jobplane/internal/job"
	"jobplane/internal/observability"
	"jobplane/internal/resolve"
	"jobplane/internal/store"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	if err := run(); err != nil {
		slog.Error("Service failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	ctx := context.Background()

	// Load configuration
	svcCfg := config.LoadServiceConfig()
	dispatcherCfg := dispatcher.LoadConfigFromEnv()

	// Setup metrics
	metrics, metricsHandler, err := observability.NewMetrics(ctx)
	if err != nil {
		return err
	}

	// Create callback dispatcher
	eventDispatcher := dispatcher.NewMemory(dispatcherCfg, metrics)

	// Open the backing store. Sqlite doubles as the catalog registry; the
	// in-memory pair serves deployments without persistence.
	var (
		repo     store.Store
		registry catalog.Registry
	)
	if svcCfg.DBPath != "" {
		db, err := store.OpenSqlite(svcCfg.DBPath)
		if err != nil {
			return err
		}
		repo = db
		registry = db
		slog.Info("Opened sqlite store", "path", svcCfg.DBPath)
	} else {
		repo = store.NewMemory()
		registry = catalog.NewMemory()
		slog.Warn("No DB_PATH configured, running fully in memory")
	}
	defer repo.Close()

	// Create health checker
	healthChecker := health.NewChecker(repo)

	// Create the lifecycle service
	admissionCtrl := admission.NewController(admission.Limits{
		MaxActiveJobs: svcCfg.MaxActiveJobsPerUser,
		MaxMemoryMB:   svcCfg.MaxUserMemoryMB,
	})
	jobService := job.NewService(repo, registry, resolve.New(registry), admissionCtrl, eventDispatcher, metrics, svcCfg.EventSource)

	// Rebuild the admission ledger from jobs still active in the store
	recovered, err := jobService.RecoverActive(ctx)
	if err != nil {
		return err
	}
	if recovered > 0 {
		slog.Info("Recovered active jobs into the admission ledger", "count", recovered)
	}

	// Create API router
	router := api.NewRouter(api.RouterConfig{
		JobService:    jobService,
		Registry:      registry,
		Metrics:       metrics,
		HealthChecker: healthChecker,
		APIKey:        svcCfg.APIKey,
	})

	if svcCfg.APIKey != "" {
		slog.Info("API authentication enabled")
	} else {
		slog.Warn("API authentication disabled - no API_KEY configured")
	}

	// Create API server
	apiServer := &http.Server{
		Addr:         ":" + svcCfg.Port,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Create metrics server
	metricsMux := http.NewServeMux()
	metricsMux.Handle("GET /metrics", metricsHandler)
	metricsServer := &http.Server{
		Addr:         ":" + svcCfg.MetricsPort,
		Handler:      metricsMux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	// Channel to capture server errors
	serverErr := make(chan error, 1)

	// Start API server
	go func() {
		slog.Info("Starting API server", "port", svcCfg.Port)
		if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// Start metrics server
	go func() {
		slog.Info("Starting metrics server", "port", svcCfg.MetricsPort)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// shutdown closes both servers gracefully
	shutdown := func(timeout time.Duration) {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		if err := apiServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("API server shutdown error", "error", err)
		}
		if err := metricsServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Metrics server shutdown error", "error", err)
		}
	}

	// Wait for interrupt signal or server error
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("Received shutdown signal", "signal", sig)
	case err := <-serverErr:
		slog.Error("Server failed to start", "error", err)
		shutdown(5 * time.Second)
		return err
	}

	// Phase 1: Mark service as unhealthy for load balancer draining
	healthChecker.SetShuttingDown()

	// Wait for load balancers to stop sending traffic
	if svcCfg.ShutdownDrainWait > 0 {
		slog.Info("Waiting for traffic to drain", "duration", svcCfg.ShutdownDrainWait)
		time.Sleep(svcCfg.ShutdownDrainWait)
	}

	// Phase 2: Graceful shutdown - stop accepting new connections, finish in-flight requests
	slog.Info("Starting graceful shutdown")
	shutdown(25 * time.Second)

	// Phase 3: Drain callback dispatcher
	slog.Info("Draining callback dispatcher")
	dispatcherCtx, dispatcherCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer dispatcherCancel()
	if err := eventDispatcher.Close(dispatcherCtx); err != nil {
		slog.Warn("Dispatcher shutdown error", "error", err)
	}

	// Log final dispatcher stats
	stats := eventDispatcher.Stats()
	slog.Info("Dispatcher stats",
		"delivered", stats.Delivered,
		"failed", stats.Failed,
		"dropped", stats.Dropped,
	)

	// Claimed jobs keep running on their executors; executors re-report
	// progress once the service is back.
	slog.Info("Shutdown complete")
	return nil
}
