package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/devrev/kvring/internal/client"
	"github.com/devrev/kvring/internal/config"
	"github.com/devrev/kvring/internal/engine"
	"github.com/devrev/kvring/internal/health"
	"github.com/devrev/kvring/internal/metrics"
	"github.com/devrev/kvring/internal/model"
	"github.com/devrev/kvring/internal/rpc"
	"github.com/devrev/kvring/internal/service"
	"github.com/devrev/kvring/internal/store"
)

func main() {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "./storage.yaml"
	}

	cfg, err := config.LoadStorageConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := initLogger(cfg.Logging).With(zap.String("node", cfg.Server.Name))
	defer logger.Sync()

	logger.Info("Configuration loaded",
		zap.String("host", cfg.Server.Host),
		zap.Int("port", cfg.Server.Port),
		zap.Int("cache_size", cfg.Server.CacheSize),
		zap.String("eviction_policy", cfg.Server.EvictionPolicy),
		zap.Int("replication_factor", cfg.Replication.Factor))

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.NewStorageMetrics(reg)

	coord, err := newCoordinationStore(cfg.Coordination, logger)
	if err != nil {
		logger.Fatal("Failed to connect to coordination store", zap.Error(err))
	}
	defer coord.Close()
	paths := store.NewPaths(cfg.Coordination.Root)

	// Initialize services
	eng := engine.NewMemoryEngine()

	replication := service.NewReplicationManager(
		cfg.Server.Name,
		service.ReplicationConfig{
			Factor:      cfg.Replication.Factor,
			QueueSize:   cfg.Replication.QueueSize,
			DialTimeout: cfg.Replication.DialTimeout,
		},
		client.NewGRPCReplicaDialer(cfg.Replication.RPCTimeout, cfg.Server.MaxRecvMsgSize, logger),
		m,
		logger,
	)
	defer replication.Clear()

	storageSvc := service.NewStorageService(cfg.Server.Name, eng, replication, m, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// A SHUT_DOWN record ends the process the same way a signal does.
	watcher := service.NewMetadataWatcher(cfg.Server.Name, coord, paths, storageSvc, replication, stop, logger)

	importer := client.NewStorageNodeClient(cfg.Transfer.Timeout, cfg.Server.MaxRecvMsgSize, logger)
	defer importer.Close()

	transfers := service.NewTransferHandler(
		cfg.Server.Name,
		coord,
		paths,
		eng,
		watcher,
		importer,
		service.TransferHandlerConfig{
			Workers:   cfg.Transfer.Workers,
			QueueSize: cfg.Transfer.QueueSize,
			Timeout:   cfg.Transfer.Timeout,
			BatchSize: cfg.Transfer.BatchSize,
		},
		m,
		logger,
	)

	// Initialize gossip service if enabled
	if cfg.Gossip.Enabled {
		gossipSvc, err := service.NewGossipService(
			&service.GossipConfig{
				Enabled:        cfg.Gossip.Enabled,
				BindAddr:       cfg.Server.Host,
				BindPort:       cfg.Gossip.BindPort,
				SeedNodes:      cfg.Gossip.SeedNodes,
				GossipInterval: cfg.Gossip.GossipInterval,
				ProbeTimeout:   cfg.Gossip.ProbeTimeout,
				ProbeInterval:  cfg.Gossip.ProbeInterval,
			},
			cfg.Server.Name,
			storageSvc.State,
			replication,
			logger,
		)
		if err != nil {
			logger.Error("Failed to initialize gossip service", zap.Error(err))
		} else {
			defer gossipSvc.Shutdown()
			logger.Info("Gossip service initialized")
		}
	}

	if cfg.Metrics.Enabled && cfg.Metrics.Port > 0 {
		healthChecker := health.NewHealthChecker(5*time.Second, logger).
			Register("coordination_store", coord).
			Register("serving", health.CheckFunc(func(context.Context) error {
				if state := storageSvc.State(); state != model.StateStarted {
					return fmt.Errorf("state is %s", state)
				}
				return nil
			}))

		go func() {
			mux := http.NewServeMux()
			mux.Handle(cfg.Metrics.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
			mux.HandleFunc("/health/live", healthChecker.LivenessHandler)
			mux.HandleFunc("/health/ready", healthChecker.ReadinessHandler)
			addr := fmt.Sprintf(":%d", cfg.Metrics.Port)
			logger.Info("Starting metrics server", zap.String("address", addr))
			if err := http.ListenAndServe(addr, mux); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("Metrics server failed", zap.Error(err))
			}
		}()
	}

	// Create gRPC server
	grpcServer := grpc.NewServer(
		grpc.MaxRecvMsgSize(cfg.Server.MaxRecvMsgSize),
		grpc.MaxSendMsgSize(cfg.Server.MaxRecvMsgSize),
	)
	rpc.RegisterStorageServer(grpcServer, storageSvc)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		logger.Fatal("Failed to listen", zap.Error(err))
	}

	logger.Info("Storage server starting", zap.String("address", addr))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := grpcServer.Serve(listener); err != nil {
			return fmt.Errorf("gRPC server: %w", err)
		}
		return nil
	})
	g.Go(func() error { return watcher.Run(gctx) })
	g.Go(func() error { return transfers.Run(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down gracefully")

		if err := transfers.Stop(cfg.Server.ShutdownTimeout); err != nil {
			logger.Warn("Transfers still running at shutdown", zap.Error(err))
		}

		stopped := make(chan struct{})
		go func() {
			grpcServer.GracefulStop()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-time.After(cfg.Server.ShutdownTimeout):
			grpcServer.Stop()
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("Storage server stopped with error", zap.Error(err))
	}
	logger.Info("Storage server stopped")
}

func newCoordinationStore(cfg config.CoordinationConfig, logger *zap.Logger) (store.CoordinationStore, error) {
	if cfg.Backend == "memory" {
		logger.Warn("Using in-memory coordination store; the coordinator cannot reach this server")
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

// initLogger initializes the zap logger
func initLogger(cfg config.LoggingConfig) *zap.Logger {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}

	zcfg := zap.NewProductionConfig()
	if cfg.Format == "console" {
		zcfg = zap.NewDevelopmentConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)

	logger, err := zcfg.Build()
	if err != nil {
		logger, _ = zap.NewProduction()
	}
	return logger
}
