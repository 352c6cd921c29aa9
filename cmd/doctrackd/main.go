package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"doctracker/constants"
	"doctracker/internal/cache"
	"doctracker/internal/common"
	"doctracker/internal/export"
	"doctracker/internal/extract"
	"doctracker/internal/repository"
	"doctracker/internal/scan"
	"doctracker/internal/server"
	"doctracker/internal/task"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	cfg := common.LoadConfig()
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := repository.Open(ctx, repository.Config{
		Driver:           cfg.Database.Driver,
		DSN:              cfg.Database.DSN,
		Path:             cfg.Database.Path,
		MaxConns:         cfg.Database.MaxConns,
		MinConns:         cfg.Database.MinConns,
		MaxConnLifetime:  cfg.Database.MaxConnLifetime,
		MaxConnIdleTime:  cfg.Database.MaxConnIdleTime,
		DialTimeout:      cfg.Database.DialTimeout,
		StatementTimeout: cfg.Database.StatementTimeout,
	}, logger)
	if err != nil {
		logger.Error("failed to open database", "error", err, "driver", cfg.Database.Driver)
		os.Exit(1)
	}
	defer db.Close(logger)

	if err := db.HealthCheck(ctx, 5*time.Second, logger); err != nil {
		logger.Error("failed to ping database", "error", err)
		os.Exit(1)
	}

	versionsRepo := repository.NewFileVersionRepository(db, logger)
	if err := versionsRepo.EnsureSchema(ctx); err != nil {
		logger.Error("failed to ensure ledger schema", "error", err)
		os.Exit(1)
	}

	fileCache, err := cache.New(cfg.DataDir, logger)
	if err != nil {
		logger.Error("failed to open file cache", "error", err, "data_dir", cfg.DataDir)
		os.Exit(1)
	}

	scanner := scan.New(fileCache, versionsRepo,
		scan.WithSkipHidden(cfg.Scan.SkipHidden),
		scan.WithLogger(logger),
	)

	processor := extract.NewRemoteProcessor(extract.Config{
		ServerURL: cfg.OCR.ServerURL,
		Timeout:   cfg.OCR.Timeout,
	}, logger)
	if err := processor.Health(ctx); err != nil {
		logger.Warn("document processor unreachable at startup", "error", err, "url", cfg.OCR.ServerURL)
	}

	orchestrator := task.New(processor, logger,
		task.WithWorkers(cfg.Tasks.Workers),
		task.WithQueueSize(cfg.Tasks.QueueSize),
		task.WithTaskTimeout(cfg.Tasks.TaskTimeout),
	)
	orchestrator.Start()

	// Periodic sweep of finished tasks so the table does not grow without
	// bound on a long-lived daemon.
	if cfg.Tasks.CleanupAge > 0 {
		go func() {
			ticker := time.NewTicker(cfg.Tasks.CleanupAge / 4)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					if n := orchestrator.Cleanup(cfg.Tasks.CleanupAge); n > 0 {
						logger.Info("cleaned up finished tasks", "removed", n)
					}
				}
			}
		}()
	}

	if cfg.Scan.Watch && cfg.Scan.Root != "" {
		watcher, err := scan.NewWatcher(scanner, scan.WatchConfig{
			Root:     cfg.Scan.Root,
			Debounce: cfg.Scan.Debounce,
		}, logger)
		if err != nil {
			logger.Error("failed to create watcher", "error", err)
			os.Exit(1)
		}
		reports := make(chan *scan.Report, 1)
		go func() {
			if err := watcher.Run(ctx, reports); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("watcher stopped", "error", err)
			}
		}()
		// Feed detected work straight into the orchestrator. Files whose
		// extension has no processor route stay in the ledger for manual
		// handling.
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case report := <-reports:
					submitDetected(orchestrator, report, logger)
				}
			}
		}()
	}

	exporter := export.NewService(versionsRepo, logger)

	mux := http.NewServeMux()
	handler := server.NewHandler(scanner, orchestrator, exporter, db, cfg.Scan.Root, logger)
	handler.RegisterRoutes(mux)

	httpServer := &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("http listening", "addr", cfg.Server.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http serve error", "error", err)
			os.Exit(1)
		}
	}()

	grpcServer := grpc.NewServer()
	healthServer := health.NewServer()
	grpc_health_v1.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	reflection.Register(grpcServer)

	lis, err := net.Listen("tcp", cfg.Server.GRPCAddr)
	if err != nil {
		logger.Error("failed to listen on grpc address", "addr", cfg.Server.GRPCAddr, "error", err)
		os.Exit(1)
	}
	go func() {
		logger.Info("grpc listening", "addr", cfg.Server.GRPCAddr)
		if err := grpcServer.Serve(lis); err != nil {
			logger.Error("grpc serve error", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	orchestrator.Stop(shutdownCtx)
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	grpcServer.GracefulStop()
}

func submitDetected(o *task.Orchestrator, report *scan.Report, logger *slog.Logger) {
	metas := append(append([]cache.FileMeta{}, report.New...), report.Updated...)
	for _, m := range metas {
		fileType := constants.MapExtToFileType(m.Extension)
		if fileType == "" {
			continue
		}
		id, err := o.Submit(m.Path, fileType)
		switch {
		case errors.Is(err, common.ErrFileLocked):
			// already in flight from an earlier pass
		case errors.Is(err, common.ErrShuttingDown):
			return
		case err != nil:
			logger.Error("failed to submit detected file", "path", m.Path, "error", err)
		default:
			logger.Info("detected file queued", "task_id", id, "path", m.Path, "status", m.Status)
		}
	}
}
