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

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"imageBatch/api/config"
	"imageBatch/api/handlers"
	"imageBatch/worker/app"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger, err := app.NewLogger(cfg.Env)
	if err != nil {
		return err
	}
	defer logger.Sync()

	logger.Info("API Service starting", zap.String("port", cfg.Port))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg.Worker, logger)
	if err != nil {
		logger.Error("Failed to initialize scheduler", zap.Error(err))
		return err
	}
	defer a.Close()

	router := handlers.NewRouter(
		handlers.NewBatchHandler(a.Service, logger.Named("http"), cfg.MaxFileSize, cfg.MaxBatchImages()),
		handlers.NewUploadHandler(a.Store, logger.Named("http")),
		promhttp.HandlerFor(a.Registry, promhttp.HandlerOpts{}),
		logger.Named("http"),
	)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	schedulerCtx, cancelScheduler := context.WithCancel(context.Background())
	defer cancelScheduler()
	var schedulerDone chan error
	if cfg.EmbedScheduler {
		schedulerDone = make(chan error, 1)
		go func() {
			schedulerDone <- a.Run(schedulerCtx)
		}()
	} else {
		logger.Info("Scheduler disabled, batches are executed by the worker service")
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("Server started", zap.String("address", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	case runErr = <-serverErr:
		logger.Error("Server failed", zap.Error(runErr))
	case err := <-schedulerDone:
		runErr = fmt.Errorf("scheduler stopped: %w", err)
		logger.Error("Scheduler stopped unexpectedly", zap.Error(err))
		schedulerDone = nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP shutdown incomplete", zap.Error(err))
	}

	cancelScheduler()
	if schedulerDone != nil {
		if err := <-schedulerDone; err != nil && !errors.Is(err, context.Canceled) && runErr == nil {
			runErr = err
		}
	}

	logger.Info("API Service stopped")
	return runErr
}
