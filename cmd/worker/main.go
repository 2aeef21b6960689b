package main

import (
	"context"
	"errors"
	"flag"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"callscribe/internal/config"
	"callscribe/internal/engine"
	"callscribe/internal/queue"
	"callscribe/internal/storage"
	"callscribe/internal/transcribe"
	"callscribe/internal/worker"
	"callscribe/pkg/cache"
	"callscribe/pkg/logger"
	"callscribe/pkg/resilience"
)

func main() {
	configPath := flag.String("config", config.DefaultPath, "Path to the YAML config file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		panic("Failed to load config: " + err.Error())
	}

	if err := logger.Init(cfg.Log.Level, cfg.Log.Development); err != nil {
		panic("Failed to init logger: " + err.Error())
	}
	defer logger.Sync()

	logger.Info("Starting callscribe worker service")

	if !cfg.AsyncEnabled() {
		logger.Fatal("Worker requires POSTGRES_DSN, S3_BUCKET and RABBITMQ_URL")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := storage.NewPostgresStorage(ctx, cfg.Postgres.DSN, cfg.Postgres.Migrations)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer db.Close()

	s3Storage, err := storage.NewS3Storage(ctx, storage.S3Config{
		Endpoint:  cfg.S3.Endpoint,
		Region:    cfg.S3.Region,
		AccessKey: cfg.S3.AccessKey,
		SecretKey: cfg.S3.SecretKey,
		Bucket:    cfg.S3.Bucket,
	})
	if err != nil {
		logger.Fatal("Failed to initialize S3 storage", zap.Error(err))
	}

	// Used only to invalidate cached call views; optional.
	var callCache cache.Cache
	redisCache, err := cache.NewRedisCache(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.TTL)
	if err != nil {
		logger.Warn("Redis unavailable, call cache invalidation disabled", zap.Error(err))
	} else {
		defer redisCache.Close()
		callCache = redisCache
	}

	rabbitMQ, err := queue.NewRabbitMQ(cfg.RabbitMQ.URL)
	if err != nil {
		logger.Fatal("Failed to connect to RabbitMQ", zap.Error(err))
	}
	defer rabbitMQ.Close()

	engineClient := engine.NewClient(engine.Config{
		BaseURL: cfg.Engine.BaseURL,
		Model:   cfg.Engine.Model,
		Timeout: cfg.Engine.Timeout,
	})
	service := transcribe.NewService(engineClient, nil, transcribe.Options{
		ServerKey: cfg.Engine.APIKey,
		Language:  cfg.Engine.Language,
	})

	processor := worker.NewProcessor(db, s3Storage, service, callCache, worker.Options{
		Breaker:      resilience.NewCircuitBreaker(cfg.Worker.BreakerMaxFailures, cfg.Worker.BreakerTimeout),
		Limiter:      resilience.NewRateLimiter(cfg.Worker.RateBurst, cfg.Worker.RateInterval),
		RequeueDelay: cfg.Worker.RequeueDelay,
	})

	logger.Info("Starting to consume messages from queue",
		zap.Int("concurrency", cfg.Worker.Concurrency))

	err = rabbitMQ.Consume(ctx, queue.QueueNameTranscription, cfg.Worker.Concurrency, processor.ProcessTask)
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("Failed to consume messages", zap.Error(err))
	}

	logger.Info("Worker service shutdown complete")
}
