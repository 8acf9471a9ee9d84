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

	"github.com/DarlingInSteam/aniway-notifications/internal/api"
	"github.com/DarlingInSteam/aniway-notifications/internal/config"
	"github.com/DarlingInSteam/aniway-notifications/internal/db"
	"github.com/DarlingInSteam/aniway-notifications/internal/events"
	"github.com/DarlingInSteam/aniway-notifications/internal/metrics"
	"github.com/DarlingInSteam/aniway-notifications/internal/notify"
	"github.com/DarlingInSteam/aniway-notifications/internal/observ"
	"github.com/DarlingInSteam/aniway-notifications/internal/redis"
	"github.com/DarlingInSteam/aniway-notifications/internal/sqs"
	"github.com/DarlingInSteam/aniway-notifications/internal/sse"
	"github.com/DarlingInSteam/aniway-notifications/internal/telegram"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Load config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Setup logger
	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting notification service",
		zap.String("env", cfg.Env),
		zap.Int("port", cfg.Port),
	)

	// Initialize database connection
	ctx := context.Background()
	dbConfig := db.Config{
		Host:     cfg.DBHost,
		Port:     cfg.DBPort,
		User:     cfg.DBUser,
		Password: cfg.DBPassword,
		Database: cfg.DBName,
		SSLMode:  cfg.DBSSLMode,
	}

	database, err := db.New(ctx, dbConfig, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	logger.Info("database connection established",
		zap.String("host", cfg.DBHost),
		zap.Int("port", cfg.DBPort),
		zap.String("database", cfg.DBName),
	)

	// Initialize repository
	repo := db.NewRepository(database, logger)

	// Initialize Redis for the inbound event guard and rate limiting
	redisConfig := redis.Config{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}

	redisClient, err := redis.New(ctx, redisConfig, logger)
	if err != nil {
		logger.Warn("redis unavailable, falling back to database-only dedupe",
			zap.Error(err),
			zap.String("host", cfg.RedisHost),
		)
	}

	var eventGuard events.Guard
	var rateLimiter *redis.RateLimiter
	if redisClient != nil {
		eventGuard = redis.NewEventGuard(redisClient, logger)
		rateLimiter = redis.NewRateLimiter(redisClient, logger, redis.RateLimitConfig{
			Limit:  120,             // 120 requests
			Window: 1 * time.Minute, // per minute per user
		})
		defer redisClient.Close()
	}

	// Initialize the Telegram channel when a bot token is configured
	var channel notify.ExternalChannel
	if cfg.TelegramBotToken != "" {
		botClient := telegram.NewBotClient(telegram.ClientConfig{
			BotToken: cfg.TelegramBotToken,
			APIBase:  cfg.TelegramAPIBase,
		}, logger)
		directory := telegram.NewDirectory(cfg.AuthServiceBaseURL, logger)

		channel = telegram.NewNotifier(repo, directory, botClient, telegram.NotifierConfig{
			MaxRetries:      cfg.TelegramMaxRetries,
			RetryBackoff:    time.Duration(cfg.TelegramRetryBackoffMS) * time.Millisecond,
			AggregateWindow: time.Duration(cfg.TelegramAggregateWindow) * time.Second,
			SiteBaseURL:     cfg.SiteBaseURL,
		}, logger)

		logger.Info("telegram channel enabled")
	} else {
		logger.Info("telegram channel disabled, no bot token configured")
	}

	// Live push registry and the notification facade
	registry := sse.NewRegistry(logger)

	service := notify.New(repo, registry, channel, notify.Config{
		MarkAllReadBatch: cfg.MarkAllReadBatch,
	}, logger)

	ingestor := events.NewIngestor(service, repo, eventGuard, logger)

	// Consume domain events from SQS when a queue is configured
	consumerCtx, consumerCancel := context.WithCancel(context.Background())
	defer consumerCancel()

	if cfg.SQSQueueURL != "" {
		consumer, err := sqs.NewConsumer(ctx, sqs.Config{
			Region:   cfg.SQSRegion,
			QueueURL: cfg.SQSQueueURL,
		}, ingestor, logger)
		if err != nil {
			logger.Warn("sqs consumer unavailable, bus events will not be consumed",
				zap.Error(err),
			)
		} else {
			go consumer.Start(consumerCtx)
		}
	} else {
		logger.Info("sqs queue not configured, events accepted over http only")
	}

	// Setup router
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)

	// Custom logging middleware
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration_ms", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	})

	handler := api.NewHandler(logger, service, ingestor, registry)

	r.Route("/api/notifications", func(r chi.Router) {
		r.Use(api.RateLimitMiddleware(rateLimiter, logger, api.UserKeyFunc))

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))

			r.Get("/", handler.ListNotifications)
			r.Get("/unread-count", handler.UnreadCount)
			r.Post("/mark-read", handler.MarkRead)
			r.Post("/mark-all-read", handler.MarkAllRead)
			r.Delete("/all", handler.DeleteAll)
		})

		// SSE connections stay open, so the stream route skips the
		// timeout middleware.
		r.Get("/stream", handler.Stream)
	})

	r.Route("/internal/events", func(r chi.Router) {
		r.Use(middleware.Timeout(10 * time.Second))

		r.Post("/comment-created", handler.IngestEvent(events.KindCommentCreated))
		r.Post("/forum-post-created", handler.IngestEvent(events.KindForumPostCreated))
		r.Post("/chapter-published", handler.IngestEvent(events.KindChapterPublished))
	})

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	// Prometheus metrics endpoint
	r.Handle("/metrics", metrics.Handler())

	// Setup HTTP server. WriteTimeout is zero because SSE responses are
	// open-ended; per-route timeouts cover the JSON endpoints.
	srv := &http.Server{
		Addr:        fmt.Sprintf(":%d", cfg.Port),
		Handler:     r,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	// Start server in a goroutine
	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", srv.Addr))
		serverErrors <- srv.ListenAndServe()
	}()

	// Listen for shutdown signals
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	// Block until we receive a signal or server error
	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case sig := <-shutdown:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))

		consumerCancel()

		// Close live push streams first; their handlers block on client
		// disconnect and would otherwise hold Shutdown until the timeout.
		registry.CloseAll()

		// Give outstanding requests 10 seconds to complete
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			srv.Close()
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}

		logger.Info("server stopped gracefully")
	}

	return nil
}
