package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	grpc_api "reportd/internal/api/grpc"
	http_api "reportd/internal/api/http"
	"reportd/internal/config"
	"reportd/internal/domain"
	"reportd/internal/infra/process"
	"reportd/internal/infra/s3"
	"reportd/internal/logging"
	"reportd/internal/progress"
	"reportd/internal/scheduler"
	"reportd/internal/tracing"
	"reportd/internal/usecase"
	"reportd/internal/watch"
	"reportd/internal/workspace"
)

const statusDebounce = 250 * time.Millisecond

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the supervisor: HTTP API, gRPC health and the watchdog",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

var serveConfig string

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serveConfig, "config", "", "Config file (default ./configs/config.yaml or ./config.yaml)")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(serveConfig)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, zl := logging.New(cfg.Log)
	slog.SetDefault(logger)
	defer func() { _ = zl.Sync() }()

	tracerShutdown, err := tracing.InitTracer(cfg.Tracing.ServiceName, cfg.Tracing.Enabled, os.Stdout)
	if err != nil {
		return fmt.Errorf("failed to initialize tracer: %w", err)
	}
	defer func() {
		if err := tracerShutdown(context.Background()); err != nil {
			logger.Warn("failed to shutdown tracer", "error", err)
		}
	}()

	nodeID := cfg.NodeID
	if nodeID == "" {
		nodeID = uuid.New().String()
	}
	logger = logger.With("node_id", nodeID)
	logger.Info("starting reportd", "store_driver", cfg.StoreDriver)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := openStore(cfg, nodeID, logger, zl)
	if err != nil {
		return err
	}
	defer func() {
		if err := st.close(); err != nil {
			logger.Warn("failed to close store", "error", err)
		}
	}()

	ws, err := workspace.New(cfg.WorkRoot)
	if err != nil {
		return fmt.Errorf("failed to prepare work root: %w", err)
	}
	procs, err := process.NewManager(cfg.WorkerCommand, logger)
	if err != nil {
		return err
	}

	watchdog := scheduler.NewWatchdog(st.jobs, st.runs, procs, ws, scheduler.Options{
		NodeID:               nodeID,
		TickInterval:         cfg.Watchdog.TickInterval,
		MaxConcurrentWorkers: cfg.Watchdog.MaxConcurrentWorkers,
		SpawnRate:            cfg.Watchdog.SpawnRate,
		SpawnBurst:           cfg.Watchdog.SpawnBurst,
		ClaimGrace:           cfg.Watchdog.ClaimGrace,
		StoreTimeout:         cfg.Watchdog.StoreTimeout,
	}, logger)

	if cfg.Archive.Enabled {
		archiver, err := s3.New(ctx, cfg.Archive, logger)
		if err != nil {
			return fmt.Errorf("failed to create archiver: %w", err)
		}
		watchdog.SetArchiver(archiver)
	}
	if cfg.WatchStatusFiles {
		sw, err := watch.NewStatusWatcher(watchdog.Nudge, statusDebounce, logger)
		if err != nil {
			return fmt.Errorf("failed to create status watcher: %w", err)
		}
		sw.Start()
		defer sw.Close()
		watchdog.SetWatcher(sw)
	}

	lifecycle := usecase.NewLifecycleService(st.jobs, st.runs, ws, progress.NewEstimator(cfg.Progress), logger)
	lifecycle.SetNudger(watchdog)

	grpcServer := grpc_api.NewServer(logger)
	schedulerService := usecase.NewSchedulerService(st.leader, watchdog, nodeID, logger)
	schedulerService.SetHealthReporter(grpcServer)

	auth, err := http_api.NewAuthenticator(cfg.Auth, logger)
	if err != nil {
		return err
	}
	if cfg.Auth.Disabled {
		logger.Warn("authentication disabled; every request acts as the developer identity")
	}
	server := &http.Server{
		Addr:              cfg.HttpListenAddr,
		Handler:           http_api.NewRouter(http_api.NewJobHandler(lifecycle, logger), auth, st.leader, st.nodes),
		ReadHeaderTimeout: 10 * time.Second,
	}

	if err := st.registry.Register(ctx, domain.Node{
		ID:       nodeID,
		HTTPAddr: cfg.HttpListenAddr,
		GRPCAddr: cfg.GrpcListenAddr,
		Started:  time.Now().UTC(),
	}); err != nil {
		return fmt.Errorf("failed to register node: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := schedulerService.Start(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	if st.watch != nil {
		g.Go(func() error {
			st.watch(gctx)
			return nil
		})
	}
	if cfg.GrpcListenAddr != "" {
		g.Go(func() error { return grpcServer.Serve(gctx, cfg.GrpcListenAddr) })
	}
	g.Go(func() error {
		logger.Info("starting HTTP API server", "addr", cfg.HttpListenAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down gracefully")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("HTTP server shutdown failed: %w", err)
		}
		return nil
	})

	err = g.Wait()

	deregisterCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if derr := st.registry.Deregister(deregisterCtx); derr != nil {
		logger.Warn("failed to deregister node", "error", derr)
	}
	if err != nil {
		return err
	}
	logger.Info("reportd shut down")
	return nil
}
