package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/devrev/kvring/internal/config"
	"github.com/devrev/kvring/internal/handler"
	"github.com/devrev/kvring/internal/health"
	"github.com/devrev/kvring/internal/launcher"
	"github.com/devrev/kvring/internal/metrics"
	"github.com/devrev/kvring/internal/middleware"
	"github.com/devrev/kvring/internal/service"
	"github.com/devrev/kvring/internal/store"
)

func main() {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "./config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := initLogger(cfg.Logging)
	defer logger.Sync()

	logger.Info("Starting kvring coordinator",
		zap.Int("port", cfg.Server.Port),
		zap.String("coordination_backend", cfg.Coordination.Backend),
		zap.String("pool_file", cfg.Pool.File),
		zap.Int("replication_factor", cfg.Ring.ReplicationFactor))

	// Initialize metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.NewCoordinatorMetrics(reg)

	pool, err := config.LoadPool(cfg.Pool.File)
	if err != nil {
		logger.Fatal("Failed to load node pool", zap.Error(err))
	}
	logger.Info("Node pool loaded", zap.Int("nodes", len(pool)))

	coord, err := newCoordinationStore(cfg.Coordination, logger)
	if err != nil {
		logger.Fatal("Failed to connect to coordination store", zap.Error(err))
	}
	defer coord.Close()

	events, err := newEventStore(cfg.Database, logger)
	if err != nil {
		logger.Fatal("Failed to initialize event store", zap.Error(err))
	}
	defer events.Close()

	var l launcher.Launcher = launcher.NewNoopLauncher(logger)
	if cfg.Launcher.Mode == "script" {
		l, err = launcher.NewScriptLauncher(cfg.Launcher.Script, cfg.Launcher.WorkDir, []string{
			"REDIS_ADDR=" + cfg.Coordination.Addr,
			"COORDINATION_ROOT=" + cfg.Coordination.Root,
			fmt.Sprintf("REPLICATION_FACTOR=%d", cfg.Ring.ReplicationFactor),
			"LOG_LEVEL=" + cfg.Logging.Level,
		}, logger)
		if err != nil {
			logger.Fatal("Failed to initialize launcher", zap.Error(err))
		}
	}

	paths := store.NewPaths(cfg.Coordination.Root)
	transfers := service.NewTransferService(coord, paths, cfg.Ring.TransferTimeout, m, logger)

	cluster, err := service.NewLifecycleService(
		pool,
		coord,
		events,
		paths,
		transfers,
		l,
		service.LifecycleConfig{
			ReplicationFactor: cfg.Ring.ReplicationFactor,
			AwaitTimeout:      cfg.Ring.AwaitTimeout,
			AwaitInterval:     cfg.Ring.AwaitInterval,
		},
		m,
		logger,
	)
	if err != nil {
		logger.Fatal("Failed to initialize lifecycle service", zap.Error(err))
	}

	recoverCtx, cancelRecover := context.WithTimeout(context.Background(), cfg.Ring.AwaitTimeout)
	if err := cluster.Recover(recoverCtx); err != nil {
		logger.Fatal("Failed to recover ring", zap.Error(err))
	}
	cancelRecover()

	healthChecker := health.NewHealthChecker(5*time.Second, logger).
		Register("coordination_store", cluster).
		Register("event_store", events)

	router := mux.NewRouter()
	chain := []func(http.Handler) http.Handler{
		middleware.Recovery(logger),
		middleware.RequestID,
		middleware.Logging(logger),
		middleware.Metrics(m.HTTPRequestsTotal),
	}
	if cfg.RateLimit.Enabled {
		chain = append(chain, middleware.NewRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst, logger).Limit)
	}
	router.Use(middleware.Chain(chain...))

	router.HandleFunc("/health/live", healthChecker.LivenessHandler).Methods(http.MethodGet)
	router.HandleFunc("/health/ready", healthChecker.ReadinessHandler).Methods(http.MethodGet)
	handler.NewAdminHandler(
		cluster,
		cfg.Pool.DefaultCacheSize,
		cfg.Pool.DefaultEvictionPolicy,
		cfg.Server.WriteTimeout,
		logger,
	).Register(router)

	// Start metrics server
	if cfg.Metrics.Enabled {
		go func() {
			metricsMux := http.NewServeMux()
			metricsMux.Handle(cfg.Metrics.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
			addr := fmt.Sprintf(":%d", cfg.Metrics.Port)
			logger.Info("Starting metrics server", zap.String("address", addr))
			if err := http.ListenAndServe(addr, metricsMux); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("Metrics server failed", zap.Error(err))
			}
		}()
	}

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout + time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("Starting admin API server", zap.String("address", server.Addr))
		serverErrors <- server.ListenAndServe()
	}()

	// Wait for interrupt signal or server error
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Server error", zap.Error(err))
		}
	case sig := <-sigChan:
		logger.Info("Received signal", zap.String("signal", sig.String()))
	}

	// The ring stays published so the next coordinator can recover it.
	logger.Info("Shutting down gracefully")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Admin API shutdown failed", zap.Error(err))
	}
	logger.Info("Coordinator stopped")
}

func newCoordinationStore(cfg config.CoordinationConfig, logger *zap.Logger) (store.CoordinationStore, error) {
	if cfg.Backend == "memory" {
		logger.Warn("Using in-memory coordination store; storage servers in other processes cannot see it")
		return store.NewMemoryCoordinationStore(logger), nil
	}
	return store.NewRedisCoordinationStore(store.RedisOptions{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		PoolSize:    cfg.PoolSize,
		MaxRetries:  cfg.MaxRetries,
		DialTimeout: cfg.DialTimeout,
	}, logger)
}

func newEventStore(cfg config.DatabaseConfig, logger *zap.Logger) (store.EventStore, error) {
	if !cfg.Enabled {
		return store.NewMemoryEventStore(1000), nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return store.NewPostgresEventStore(ctx, cfg.DSN(), logger)
}

// initLogger builds the logger from the logging section; unknown levels fall back to info.
func initLogger(cfg config.LoggingConfig) *zap.Logger {
	var level zapcore.Level
	switch cfg.Level {
	case "debug":
		level = zapcore.DebugLevel
	case "warn":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	default:
		level = zapcore.InfoLevel
	}

	var zcfg zap.Config
	if cfg.Format == "console" {
		zcfg = zap.NewDevelopmentConfig()
	} else {
		zcfg = zap.NewProductionConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)

	logger, err := zcfg.Build()
	if err != nil {
		logger, _ = zap.NewProduction()
	}
	return logger
}
