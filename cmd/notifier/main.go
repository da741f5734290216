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

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lalithlochan/cannaai-notify/internal/api"
	"github.com/lalithlochan/cannaai-notify/internal/broadcast"
	"github.com/lalithlochan/cannaai-notify/internal/circuitbreaker"
	"github.com/lalithlochan/cannaai-notify/internal/config"
	"github.com/lalithlochan/cannaai-notify/internal/db"
	"github.com/lalithlochan/cannaai-notify/internal/dedup"
	"github.com/lalithlochan/cannaai-notify/internal/dispatch"
	"github.com/lalithlochan/cannaai-notify/internal/metrics"
	"github.com/lalithlochan/cannaai-notify/internal/observ"
	"github.com/lalithlochan/cannaai-notify/internal/queue"
	"github.com/lalithlochan/cannaai-notify/internal/redis"
	"github.com/lalithlochan/cannaai-notify/internal/webhook"
	"github.com/lalithlochan/cannaai-notify/internal/worker"
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

	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel, "cannaai-notifier")
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting cannaai notifier",
		zap.String("env", cfg.Env),
		zap.Int("port", cfg.Port),
		zap.String("dedup_backend", cfg.DedupBackend),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	database, err := db.New(ctx, db.Config{
		URL:      cfg.DatabaseURL,
		Host:     cfg.DBHost,
		Port:     cfg.DBPort,
		User:     cfg.DBUser,
		Password: cfg.DBPassword,
		Database: cfg.DBName,
		SSLMode:  cfg.DBSSLMode,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	repo := db.NewRepository(database, logger)

	// Redis backs idempotency, the API rate limit, dispatcher throttling and
	// optionally dedup. Without it those fall back or switch off.
	var redisClient *redis.Client
	if cfg.RedisEnabled {
		redisClient, err = redis.New(ctx, redis.Config{
			Host:     cfg.RedisHost,
			Port:     cfg.RedisPort,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		}, logger)
		if err != nil {
			if cfg.DedupBackend == "redis" {
				return fmt.Errorf("redis required for dedup backend: %w", err)
			}
			logger.Warn("redis unavailable, idempotency and rate limiting disabled",
				zap.Error(err),
				zap.String("host", cfg.RedisHost),
			)
			redisClient = nil
		} else {
			defer redisClient.Close()
		}
	}

	sender, err := buildSenders(ctx, cfg, logger)
	if err != nil {
		return err
	}

	engine := webhook.NewEngine(repo, webhook.EngineConfig{
		ProductName: cfg.ProductName,
		RetryDelay:  cfg.RetryDelay,
		BatchSize:   cfg.RetryBatchSize,
		Workers:     cfg.RetryWorkers,
	}, logger)
	registry := webhook.NewRegistry(repo, engine, logger)

	opts := dispatch.Options{Location: cfg.Location()}
	var (
		idempotency *redis.IdempotencyService
		apiLimiter  *redis.RateLimiter
	)
	if redisClient != nil {
		opts.Throttle = dispatch.NewRedisThrottle(redis.NewRateLimiter(redisClient, logger, redis.RateLimitConfig{
			Limit:  10,
			Window: time.Minute,
		}))
		idempotency = redis.NewIdempotencyService(redisClient, logger)
		if cfg.APIRateLimit > 0 {
			apiLimiter = redis.NewRateLimiter(redisClient, logger, redis.RateLimitConfig{
				Limit:  cfg.APIRateLimit,
				Window: time.Minute,
			})
		}
	} else {
		opts.Throttle = dispatch.NewLocalThrottle()
	}
	dispatcher := dispatch.New(repo, sender, engine, logger, opts)

	var reserver dedup.Reserver
	pgReserver := dedup.NewPostgresReserver(repo)
	if cfg.DedupBackend == "redis" {
		reserver = dedup.NewRedisReserver(redis.NewDedupStore(redisClient, logger))
	} else {
		reserver = pgReserver
	}
	deduplicator := dedup.NewDeduplicator(reserver, cfg.DedupWindow, logger)
	grouper := dedup.NewGrouper(dispatcher, logger)
	processor := queue.NewProcessor(repo, dispatcher, cfg.QueueBatchSize, logger)

	broadcaster, err := buildBroadcaster(ctx, cfg, logger)
	if err != nil {
		return err
	}

	deps := api.Deps{
		Notifier:    dispatcher,
		Dedup:       deduplicator,
		Grouper:     grouper,
		GroupWindow: cfg.GroupWindow,
		Scheduler:   processor,
		Webhooks:    registry,
		Deliveries:  engine,
	}
	// leave the interfaces nil rather than holding typed nil pointers
	if idempotency != nil {
		deps.Idempotency = idempotency
	}
	if broadcaster != nil {
		deps.Broadcaster = broadcaster
	}
	handler := api.NewHandler(logger, deps)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)
	r.Use(requestLogger(logger))

	r.Route("/v1", func(r chi.Router) {
		r.Use(api.RateLimitMiddleware(apiLimiter, logger, api.ClientKeyFunc))
		handler.Mount(r)
	})
	r.Get("/health", api.Health)
	r.Handle("/metrics", metrics.Handler())

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	loops := []*worker.Loop{
		worker.NewLoop(worker.LoopConfig{Name: "webhook-retry", Interval: cfg.RetryInterval}, engine.ProcessPending, logger),
		worker.NewLoop(worker.LoopConfig{Name: "scheduled-queue", Interval: cfg.QueueInterval}, processor.ProcessDue, logger),
		worker.NewLoop(worker.LoopConfig{Name: "dedup-prune", Interval: cfg.DedupWindow}, func(ctx context.Context) error {
			n, err := pgReserver.Prune(ctx, cfg.DedupWindow, time.Now())
			if err != nil {
				return err
			}
			if n > 0 {
				logger.Debug("pruned dedup keys", zap.Int64("count", n))
			}
			return nil
		}, logger),
		worker.NewLoop(worker.LoopConfig{Name: "pool-stats", Interval: 15 * time.Second}, func(context.Context) error {
			metrics.SetDBConnections(database.AcquiredConns())
			if redisClient != nil {
				metrics.SetRedisConnections(redisClient.TotalConns())
			}
			return nil
		}, logger),
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, l := range loops {
		g.Go(func() error { return l.Run(gctx) })
	}

	g.Go(func() error {
		logger.Info("server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		// Give outstanding requests and webhook deliveries 10 seconds to complete
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			_ = srv.Close()
			logger.Warn("graceful shutdown failed", zap.Error(err))
		}
		if err := engine.Close(shutdownCtx); err != nil {
			logger.Warn("webhook deliveries still in flight at shutdown", zap.Error(err))
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("notifier stopped gracefully")
	return nil
}

// buildSenders assembles the channel senders. Provider senders sit behind
// one circuit breaker each; chat senders get one per subscription.
// Breaker transitions feed the state gauge.
func buildSenders(ctx context.Context, cfg *config.Config, logger *zap.Logger) (worker.Sender, error) {
	breakerConfig := func(name string) circuitbreaker.Config {
		bc := circuitbreaker.DefaultConfig(name)
		bc.OnStateChange = func(name string, _, to circuitbreaker.State) {
			metrics.SetBreakerState(name, int(to))
		}
		return bc
	}
	protect := func(name string, s worker.Sender) worker.Sender {
		return circuitbreaker.NewProtectedSender(s, circuitbreaker.New(breakerConfig(name), logger), logger)
	}
	perTarget := func(name string, s worker.Sender) worker.Sender {
		return circuitbreaker.NewTargetSender(s, breakerConfig(name), logger)
	}

	var senders []worker.Sender

	if cfg.EmailProvider == "ses" {
		ses, err := worker.NewSESSender(ctx, worker.SESConfig{
			Region:    cfg.AWSRegion,
			FromEmail: cfg.SESFromEmail,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create SES email sender: %w", err)
		}
		senders = append(senders, protect("ses", ses))
	}

	if cfg.SMSProvider == "sns" {
		sns, err := worker.NewSNSSender(ctx, worker.SNSConfig{Region: cfg.SNSRegion}, logger)
		if err != nil {
			logger.Warn("SNS sender unavailable, SMS falls back to the log sender", zap.Error(err))
		} else {
			senders = append(senders, protect("sns", sns))
		}
	}

	chat := worker.ChatConfig{ProductName: cfg.ProductName, Timeout: cfg.ChatTimeout}
	senders = append(senders,
		perTarget("discord", worker.NewDiscordSender(chat, logger)),
		perTarget("slack", worker.NewSlackSender(chat, logger)),
		// anything not claimed above is logged and reported delivered
		worker.NewLogSender(logger, 0),
	)

	logger.Info("initialized channel senders",
		zap.String("email_provider", cfg.EmailProvider),
		zap.String("sms_provider", cfg.SMSProvider),
		zap.String("push_provider", cfg.PushProvider),
	)
	return worker.NewMultiSender(logger, senders...), nil
}

// buildBroadcaster returns nil when no real-time target is configured.
func buildBroadcaster(ctx context.Context, cfg *config.Config, logger *zap.Logger) (dispatch.Broadcaster, error) {
	aws := broadcast.AWSConfig{Region: cfg.AWSRegion, Endpoint: cfg.AWSEndpoint}
	var targets broadcast.Fanout

	if cfg.BroadcastTopicARN != "" {
		b, err := broadcast.NewSNSBroadcaster(ctx, aws, cfg.BroadcastTopicARN, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create SNS broadcaster: %w", err)
		}
		targets = append(targets, b)
	}
	if cfg.BroadcastQueueURL != "" {
		b, err := broadcast.NewSQSBroadcaster(ctx, aws, cfg.BroadcastQueueURL, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create SQS broadcaster: %w", err)
		}
		targets = append(targets, b)
	}

	switch len(targets) {
	case 0:
		return nil, nil
	case 1:
		return targets[0], nil
	}
	return targets, nil
}

func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	}
}
