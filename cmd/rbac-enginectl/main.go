package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"

	"github.com/opsgraph/rbacengine/pkg/config"
	"github.com/opsgraph/rbacengine/pkg/observability"
	"github.com/opsgraph/rbacengine/pkg/rbac"
	"github.com/opsgraph/rbacengine/pkg/storage/postgres"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout)
	logger.Info("Starting RBAC engine")

	ctx := context.Background()
	otelProviders, err := observability.InitOTel(ctx, observability.OTelConfig{
		Enabled:        cfg.Observability.OTelEnabled,
		Endpoint:       cfg.Observability.OTelEndpoint,
		ServiceName:    cfg.Observability.OTelServiceName,
		ServiceVersion: cfg.Observability.OTelServiceVersion,
		Insecure:       cfg.Observability.OTelInsecure,
	}, logger)
	if err != nil {
		logger.WithError(err).Error("Failed to initialize OpenTelemetry")
		// Don't fail - continue without OTel
	}

	conns, err := postgres.NewConnectionManager(postgres.ConnectionConfig{
		PrimaryURL:  cfg.Database.PrimaryURL,
		ReplicaURLs: cfg.Database.ReplicaURLs,
		MaxConns:    cfg.Database.MaxConns,
		MinConns:    cfg.Database.MinConns,
		Timeout:     cfg.Database.Timeout,
		MaxLifetime: cfg.Database.MaxLifetime,
		MaxIdleTime: cfg.Database.MaxIdleTime,
	}, logger)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer conns.Close()

	db := conns.Primary()

	if err := rbac.RunMigrations(ctx, db, logger); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}
	logger.Info("Migrations applied")

	registry := rbac.NewRegistry()
	registry.Freeze()

	promRegistry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(promRegistry)

	engine := rbac.NewEngine(db, registry, rbac.EngineConfig{
		BypassAndRoleConfig: cfg.RBAC.BypassAndRoleConfig(),
		BypassFlags:         cfg.RBAC.BypassConfig(),
	}, logger, metrics)

	if err := engine.SeedManagedRoles(ctx, cfg.RBAC.RolePrecreate); err != nil {
		logger.WithError(err).Error("Failed to seed managed role definitions")
	}

	var roleWatcher *rbac.RolePrecreateWatcher
	if path := os.Getenv("RBAC_ROLE_PRECREATE_FILE"); path != "" {
		roleWatcher, err = rbac.NewRolePrecreateWatcher(engine, path, logger)
		if err != nil {
			logger.WithError(err).Warn("Failed to start role precreate watcher")
		} else if err := roleWatcher.Start(ctx); err != nil {
			logger.WithError(err).Warn("Failed to watch role precreate file")
		} else {
			logger.Infof("Watching %s for managed role changes", path)
		}
	}

	// Redis is only pinged here to feed the health check; the actual
	// RoleDefinitionCache/GlobalPermissionCache (pkg/rbac/cache.go) are
	// constructed by the process embedding this engine to serve permission
	// checks, not by this migration/seeding control process.
	var redisClient *goredis.Client
	if cfg.Redis.Enabled() {
		redisClient, err = postgres.NewRedisClient(postgres.RedisConfig{
			URL:      cfg.Redis.URL,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		})
		if err != nil {
			logger.WithError(err).Warn("Failed to connect to Redis")
		} else {
			defer redisClient.Close()
			logger.Info("Redis connectivity verified")
		}
	}

	var recomputeCron *cron.Cron
	if schedule := os.Getenv("RBAC_FULL_RECOMPUTE_CRON"); schedule != "" {
		recomputeCron = cron.New()
		_, err := recomputeCron.AddFunc(schedule, func() {
			defer observability.RecoverPanic(logger, "scheduled full recompute")
			start := time.Now()
			if err := engine.FullRecompute(context.Background()); err != nil {
				logger.WithError(err).Error("Scheduled full recompute failed")
				return
			}
			logger.WithField("duration", time.Since(start).String()).Info("Scheduled full recompute completed")
		})
		if err != nil {
			logger.WithError(err).Warn("Invalid RBAC_FULL_RECOMPUTE_CRON schedule, periodic recompute disabled")
			recomputeCron = nil
		} else {
			recomputeCron.Start()
			logger.Infof("Scheduled full recompute on %q", schedule)
		}
	}

	healthChecker := observability.NewHealthChecker(db, redisClient)

	router := mux.NewRouter()
	observability.RegisterHealthRoutes(router, healthChecker)
	if cfg.Observability.MetricsEnabled {
		router.Handle("/metrics", promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{}))
		logger.Info("Metrics endpoint enabled at /metrics")
	}

	healthServer := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.Server.HealthPort),
		Handler:      router,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	go func() {
		logger.Infof("Starting health/metrics server on port %s", cfg.Server.HealthPort)
		if err := healthServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Error("Health server failed")
		}
	}()

	shutdownManager := observability.NewShutdownManager(logger, healthServer, cfg.Server.ShutdownTimeout)

	if roleWatcher != nil {
		shutdownManager.RegisterShutdownFunc(func(ctx context.Context) error {
			return roleWatcher.Close()
		})
	}

	if recomputeCron != nil {
		shutdownManager.RegisterShutdownFunc(func(ctx context.Context) error {
			<-recomputeCron.Stop().Done()
			return nil
		})
	}

	if otelProviders != nil {
		shutdownManager.RegisterShutdownFunc(func(ctx context.Context) error {
			logger.Info("Shutting down OpenTelemetry")
			return observability.ShutdownOTel(ctx, otelProviders, logger)
		})
	}

	logger.Info("RBAC engine started successfully, waiting for shutdown signal")
	if err := shutdownManager.WaitForShutdown(); err != nil {
		logger.WithError(err).Error("Graceful shutdown failed")
		os.Exit(1)
	}

	logger.Info("RBAC engine shutdown complete")
}
