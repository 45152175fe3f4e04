package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/rail-service/settlement_core/internal/api/routes"
	"github.com/rail-service/settlement_core/internal/infrastructure/config"
	"github.com/rail-service/settlement_core/internal/infrastructure/database"
	"github.com/rail-service/settlement_core/internal/infrastructure/di"
	"github.com/rail-service/settlement_core/pkg/graceful"
	"github.com/rail-service/settlement_core/pkg/logger"
	"github.com/rail-service/settlement_core/pkg/metrics"
	"github.com/rail-service/settlement_core/pkg/tracing"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}

	// Initialize logger
	log := logger.New(cfg.LogLevel, cfg.Environment)
	defer log.Sync()

	// Initialize OpenTelemetry tracing
	tracingShutdown, err := tracing.InitTracer(context.Background(), tracing.Config{
		Enabled:        cfg.Tracing.Enabled,
		CollectorURL:   cfg.Tracing.CollectorURL,
		Environment:    cfg.Environment,
		ServiceVersion: routes.Version,
		SampleRate:     cfg.Tracing.SampleRate,
		Insecure:       cfg.Tracing.Insecure,
	}, log.Zap())
	if err != nil {
		log.Fatal("Failed to initialize tracing", "error", err)
	}

	db, err := database.NewConnection(cfg.Database)
	if err != nil {
		log.Fatal("Failed to connect to database", "error", err)
	}

	if err := database.RunMigrations(cfg.Database.URL, cfg.Database.MigrationsPath); err != nil {
		log.Fatal("Failed to run migrations", "error", err)
	}

	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	container, err := di.NewContainer(context.Background(), cfg, db, log)
	if err != nil {
		log.Fatal("Failed to create DI container", "error", err)
	}

	router := routes.SetupRoutes(container)

	server := &http.Server{
		Addr:           fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:        router,
		ReadTimeout:    time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout:   time.Duration(cfg.Server.WriteTimeout) * time.Second,
		IdleTimeout:    120 * time.Second,
		MaxHeaderBytes: 1 << 20, // 1MB
	}

	workerCtx, cancelWorkers := context.WithCancel(context.Background())
	if err := container.StartWorkers(workerCtx); err != nil {
		log.Fatal("Failed to start workers", "error", err)
	}
	log.Info("Workers started", "chains", len(container.ChainWorkers))

	shutdown := graceful.NewShutdownManager(server, 30*time.Second, log)
	shutdown.Register("workers", graceful.StopFunc(func(ctx context.Context) error {
		defer cancelWorkers()
		return container.StopWorkers(ctx)
	}))
	shutdown.OnClose(container.Close)
	shutdown.OnClose(func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return tracingShutdown(ctx)
	})

	go func() {
		log.Info("Starting server",
			"addr", server.Addr,
			"environment", cfg.Environment,
			"read_timeout", cfg.Server.ReadTimeout,
			"write_timeout", cfg.Server.WriteTimeout,
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start server", "error", err)
		}
	}()

	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-workerCtx.Done():
				return
			case <-ticker.C:
				stats := db.Stats()
				metrics.DatabaseConnections.WithLabelValues("open").Set(float64(stats.OpenConnections))
				metrics.DatabaseConnections.WithLabelValues("idle").Set(float64(stats.Idle))
				metrics.DatabaseConnections.WithLabelValues("in_use").Set(float64(stats.InUse))
			}
		}
	}()

	shutdown.WaitForShutdown()
}
