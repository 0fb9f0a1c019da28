package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/lalithlochan/carbonsnap/internal/api"
	"github.com/lalithlochan/carbonsnap/internal/app"
	"github.com/lalithlochan/carbonsnap/internal/auth"
	"github.com/lalithlochan/carbonsnap/internal/backoffice"
	"github.com/lalithlochan/carbonsnap/internal/carbon"
	"github.com/lalithlochan/carbonsnap/internal/circuitbreaker"
	"github.com/lalithlochan/carbonsnap/internal/config"
	"github.com/lalithlochan/carbonsnap/internal/metrics"
	"github.com/lalithlochan/carbonsnap/internal/notify"
	"github.com/lalithlochan/carbonsnap/internal/observ"
	"github.com/lalithlochan/carbonsnap/internal/operation"
	"github.com/lalithlochan/carbonsnap/internal/receipt"
	"github.com/lalithlochan/carbonsnap/internal/redis"
	"github.com/lalithlochan/carbonsnap/internal/sns"
	"github.com/lalithlochan/carbonsnap/internal/worker"
)

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

	logger, err := observ.NewServiceLogger("carbon-server", cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting carbon snapshot console",
		zap.String("env", cfg.Env),
		zap.Int("port", cfg.Port),
		zap.String("database", cfg.DatabaseDriver),
		zap.String("queue", cfg.QueueBackend),
		zap.String("mail", cfg.MailTransport),
	)

	ctx := context.Background()

	store, err := app.OpenStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	// Redis backs idempotency, login rate limiting and the redis queue
	redisClient, err := app.OpenRedis(ctx, cfg, logger)
	if err != nil {
		return err
	}

	var idempotencyService *redis.IdempotencyService
	var rateLimiter *redis.RateLimiter
	if redisClient != nil {
		idempotencyService = redis.NewIdempotencyService(redisClient, logger)
		rateLimiter = redis.NewRateLimiter(redisClient, logger, redis.RateLimitConfig{
			Limit:  cfg.RateLimitLogin,
			Window: time.Minute,
		})
		defer redisClient.Close()
	}

	queue, closeQueue, err := app.OpenQueue(ctx, cfg, redisClient, logger)
	if err != nil {
		return err
	}
	defer closeQueue()

	sender, err := app.NewSender(ctx, cfg, logger)
	if err != nil {
		return err
	}

	// The worker doubles as the inline transport when no queue is set or
	// the sync fallback is enabled.
	var source worker.JobSource
	var jobQueue notify.JobQueue
	if queue != nil {
		source = queue
		jobQueue = queue
	}
	w := app.NewWorker(source, sender, cfg, logger)

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	workerDone := make(chan struct{})
	if queue != nil && cfg.WorkerEmbedded {
		go func() {
			defer close(workerDone)
			w.Start(workerCtx)
		}()
		logger.Info("embedded worker started", zap.String("queue", queue.Name()))
	} else {
		close(workerDone)
	}

	var publisher notify.EventPublisher
	if cfg.SNSTopicARN != "" {
		p, err := sns.NewPublisher(ctx, cfg.SNSTopicARN, cfg.AWSRegion, logger)
		if err != nil {
			logger.Warn("sns publisher unavailable, operation events disabled", zap.Error(err))
		} else {
			publisher = p
		}
	}

	dispatcher := notify.NewDispatcher(jobQueue, w, publisher, notify.Options{
		SyncFallback: cfg.NotifySyncFallback,
		Timeout:      cfg.NotifyDispatchTimeout,
	}, logger)

	var provider carbon.Provider
	var scoreBreaker *circuitbreaker.CircuitBreaker
	if cfg.ExternalScoringEnabled() {
		p, err := carbon.NewHTTPProvider(carbon.HTTPProviderConfig{
			APIKey:  cfg.CarbonAPIKey,
			URL:     cfg.CarbonAPIURL,
			Timeout: cfg.CarbonAPITimeout,
		}, logger)
		if err != nil {
			return fmt.Errorf("failed to create carbon provider: %w", err)
		}
		provider = p
		scoreBreaker = circuitbreaker.New(circuitbreaker.DefaultConfig("carbon-api"), logger)
	}
	scorer := carbon.NewScorer(provider, scoreBreaker, logger)

	operations := operation.New(store, scorer, dispatcher, operation.Options{
		NotifyInternal: cfg.NotifyInternal,
	}, logger)

	tokens := auth.NewTokenManager(cfg.JWTSecret, cfg.JWTTTL)
	authService := auth.NewService(store, tokens, logger)
	receipts := receipt.NewRenderer()

	apiHandler := api.NewHandler(logger, operations, authService, tokens, receipts, api.Options{
		Idempotency: idempotencyService,
		RateLimiter: rateLimiter,
	})

	boHandler, err := backoffice.NewHandler(authService, tokens, operations, receipts, backoffice.Config{
		Secure:     cfg.Env == "production",
		SessionTTL: cfg.JWTTTL,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to load backoffice templates: %w", err)
	}

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)
	r.Use(observ.RequestLogger(logger))

	apiHandler.Routes(r)
	boHandler.Routes(r)

	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/bo/login", http.StatusFound)
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := store.Health(r.Context()); err != nil {
			logger.Warn("health check failed", zap.Error(err))
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("database unavailable"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	r.Handle("/metrics", metrics.Handler())

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 35 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", srv.Addr))
		serverErrors <- srv.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case sig := <-shutdown:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			srv.Close()
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}

		workerCancel()
		<-workerDone

		logger.Info("server stopped gracefully")
	}

	return nil
}
