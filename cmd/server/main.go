// Package main provides the entry point for the lesson generation API server.
// It sets up observability, the service container, migrations and the HTTP server.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"lessongen/internal/config"
	"lessongen/internal/database"
	"lessongen/internal/di"
	"lessongen/internal/handlers"
	"lessongen/internal/middleware"
	"lessongen/internal/observability"
	contextutils "lessongen/internal/utils"
)

// Application encapsulates the main application logic and can be tested
type Application struct {
	container di.ServiceContainerInterface
	server    *http.Server
}

// NewApplication creates a new application instance
func NewApplication(container di.ServiceContainerInterface) (*Application, error) {
	generationService, err := container.GetGenerationService()
	if err != nil {
		return nil, contextutils.WrapError(err, "failed to get generation service")
	}

	schemas, err := middleware.NewSchemaLoader()
	if err != nil {
		return nil, contextutils.WrapError(err, "failed to load request schemas")
	}

	cfg := container.GetConfig()
	router := handlers.NewRouter(cfg, generationService, schemas, container.GetLogger())

	return &Application{
		container: container,
		server: &http.Server{
			Addr:              ":" + cfg.Server.Port,
			Handler:           router,
			ReadHeaderTimeout: config.ServerReadTimeout,
			ReadTimeout:       config.ServerReadTimeout,
			WriteTimeout:      config.ServerWriteTimeout,
		},
	}, nil
}

// Run serves HTTP until the server is shut down
func (a *Application) Run() error {
	if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return contextutils.WrapError(err, "server failed")
	}
	return nil
}

// Shutdown stops accepting requests, waits for in-flight ones, then drains the services
func (a *Application) Shutdown(ctx context.Context) error {
	serverErr := a.server.Shutdown(ctx)
	containerErr := a.container.Shutdown(ctx)
	if serverErr != nil {
		return contextutils.WrapError(serverErr, "http server shutdown failed")
	}
	return containerErr
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Load configuration
	cfg, err := config.NewConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Setup observability (tracing/metrics/logging)
	tp, mp, logger, err := observability.SetupObservability(&cfg.OpenTelemetry, config.ServiceName, cfg.Server.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize observability: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), config.ServerShutdownTimeout)
		defer cancel()
		observability.ShutdownObservability(shutdownCtx, tp, mp, logger)
	}()

	logger.Info(ctx, "Starting lesson generation service", map[string]interface{}{
		"port":      cfg.Server.Port,
		"log_level": cfg.Server.LogLevel,
		"providers": len(cfg.Providers),
		"strategy":  cfg.LoadBalancer.Strategy,
	})

	if cfg.Server.RunMigrations && cfg.Database.URL != "" {
		if err := database.NewManager(logger).RunMigrations(ctx, cfg.Database.URL, cfg.Server.MigrationsPath); err != nil {
			logger.Error(ctx, "Failed to run migrations", err)
			os.Exit(1)
		}
	}

	// Initialize dependency injection container
	container := di.NewServiceContainer(cfg, logger)
	if err := container.Initialize(ctx); err != nil {
		logger.Error(ctx, "Failed to initialize services", err)
		os.Exit(1)
	}

	app, err := NewApplication(container)
	if err != nil {
		logger.Error(ctx, "Failed to create application", err)
		os.Exit(1)
	}

	appErr := make(chan error, 1)
	go func() {
		appErr <- app.Run()
	}()

	// Wait for shutdown signal or application error
	select {
	case <-ctx.Done():
		logger.Info(context.Background(), "Received shutdown signal, shutting down gracefully")
	case err := <-appErr:
		if err != nil {
			logger.Error(context.Background(), "Application failed", err)
			os.Exit(1)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), config.ServerShutdownTimeout)
	defer cancel()
	if err := app.Shutdown(shutdownCtx); err != nil {
		logger.Error(shutdownCtx, "Error during application shutdown", err)
		os.Exit(1)
	}

	logger.Info(shutdownCtx, "Shutdown completed successfully")
}
