package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/carbonsnap/internal/app"
	"github.com/lalithlochan/carbonsnap/internal/config"
	"github.com/lalithlochan/carbonsnap/internal/metrics"
	"github.com/lalithlochan/carbonsnap/internal/observ"
	"github.com/lalithlochan/carbonsnap/internal/redis"
)

// metricsPort is where the standalone worker exposes /metrics.
const metricsPort = 9102

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := observ.NewServiceLogger("carbon-worker", cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	if cfg.QueueBackend == config.QueueNone {
		return fmt.Errorf("QUEUE_BACKEND is %q; the standalone worker needs a broker", cfg.QueueBackend)
	}

	logger.Info("starting confirmation worker",
		zap.String("env", cfg.Env),
		zap.String("queue", cfg.QueueBackend),
		zap.String("mail", cfg.MailTransport),
		zap.Int("concurrency", cfg.WorkerConcurrency),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var redisClient *redis.Client
	if cfg.QueueBackend == config.QueueRedis {
		redisClient, err = app.OpenRedis(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer redisClient.Close()
	}

	queue, closeQueue, err := app.OpenQueue(ctx, cfg, redisClient, logger)
	if err != nil {
		return err
	}
	defer closeQueue()

	// jobs held by workers that died before acking; live consumers keep theirs
	if rq, ok := queue.(*redis.Queue); ok {
		if _, err := rq.Requeue(ctx); err != nil {
			logger.Warn("failed to requeue unacknowledged jobs", zap.Error(err))
		}
	}

	sender, err := app.NewSender(ctx, cfg, logger)
	if err != nil {
		return err
	}

	w := app.NewWorker(queue, sender, cfg, logger)

	metricsSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", metricsPort),
		Handler:           metrics.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Warn("metrics server stopped", zap.Error(err))
		}
	}()

	done := make(chan struct{})
	go func() {
		defer close(done)
		w.Start(ctx)
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	sig := <-shutdown
	logger.Info("shutdown signal received", zap.String("signal", sig.String()))

	cancel()
	<-done

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = metricsSrv.Shutdown(shutdownCtx)

	logger.Info("worker stopped gracefully")
	return nil
}
