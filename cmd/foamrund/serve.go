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

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hfujisawa/foamrun/internal/common"
	"github.com/hfujisawa/foamrun/internal/executor"
	"github.com/hfujisawa/foamrun/internal/export"
	"github.com/hfujisawa/foamrun/internal/portalloc"
	"github.com/hfujisawa/foamrun/internal/repository"
	"github.com/hfujisawa/foamrun/internal/server"
	"github.com/hfujisawa/foamrun/internal/service"
	"github.com/hfujisawa/foamrun/internal/supervisor"
)

func runServer(flags *serverFlags) error {
	level := slog.LevelInfo
	if flags.debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	cfg := common.LoadConfig()
	if flags.listen != "" {
		cfg.Server.HTTPAddr = flags.listen
	}
	if flags.dbDriver != "" {
		cfg.Database.Driver = flags.dbDriver
	}
	if flags.dbDSN != "" {
		cfg.Database.DSN = flags.dbDSN
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := repository.Open(ctx, repository.Config{
		Driver: cfg.Database.Driver,
		DSN:    cfg.Database.DSN,
	}, logger)
	if err != nil {
		logger.Error("failed to open database", "error", err, "driver", cfg.Database.Driver)
		return err
	}
	defer db.Close()

	if err := db.HealthCheck(ctx, 5*time.Second); err != nil {
		logger.Error("failed to ping database", "error", err)
		return err
	}

	jobsRepo := repository.NewJobRepository(db, logger)
	procsRepo := repository.NewProcessRepository(db, logger)

	registry := prometheus.NewRegistry()

	alloc := portalloc.New(procsRepo, cfg.Render.PortMin, cfg.Render.PortMax, cfg.Render.StaleAfter, logger)
	sup := supervisor.New(procsRepo, alloc, supervisor.Options{
		Binary:       cfg.Render.Binary,
		ReadyTimeout: cfg.Render.ReadyTimeout,
		StopGrace:    cfg.Render.StopGrace,
		StaleAfter:   cfg.Render.StaleAfter,
	}, supervisor.NewMetrics("", registry), logger)

	pool := executor.New(jobsRepo, executor.NewRunner(), sup, executor.NewMetrics("", registry), logger,
		executor.WithWorkers(cfg.Executor.Workers),
		executor.WithQueueSize(cfg.Executor.QueueSize),
		executor.WithJobTimeout(cfg.Executor.JobTimeout),
		executor.WithPollInterval(cfg.Executor.PollInterval),
	)
	pool.Start(ctx)

	go sup.RunSweeper(ctx, cfg.Render.SweepInterval)

	svc := service.NewService(jobsRepo, procsRepo, pool, sup,
		export.NewService(jobsRepo, logger), cfg.Render.Host, logger)
	srv, err := server.NewServer(svc, db, registry, logger)
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           srv.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	logger.Info("foamrund listening", "addr", cfg.Server.HTTPAddr, "driver", cfg.Database.Driver)
	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
		logger.Error("http serve error", "error", serveErr)
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	pool.Shutdown(shutdownCtx)
	sup.Close(shutdownCtx)

	logger.Info("foamrund stopped")
	return serveErr
}
