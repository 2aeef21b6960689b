package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"callscribe/internal/api"
	"callscribe/internal/config"
	"callscribe/internal/engine"
	"callscribe/internal/queue"
	"callscribe/internal/storage"
	"callscribe/internal/transcribe"
	"callscribe/pkg/cache"
	"callscribe/pkg/logger"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", config.DefaultPath, "Path to the YAML config file")
	resetDB := flag.Bool("reset-db", false, "Reset database by dropping all tables and re-running migrations")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		panic("Failed to load config: " + err.Error())
	}

	if err := logger.Init(cfg.Log.Level, cfg.Log.Development); err != nil {
		panic("Failed to init logger: " + err.Error())
	}
	defer logger.Sync()

	logger.Info("Starting callscribe API server")

	if *resetDB {
		if cfg.Postgres.DSN == "" {
			logger.Fatal("POSTGRES_DSN is required to reset the database")
		}
		if err := storage.ResetMigrations(cfg.Postgres.DSN, cfg.Postgres.Migrations); err != nil {
			logger.Fatal("Failed to reset database", zap.Error(err))
		}
		logger.Info("Database reset completed successfully")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	checks := map[string]api.HealthCheck{}

	// The result cache is optional; the server runs without it.
	var resultCache cache.Cache
	redisCache, err := cache.NewRedisCache(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.TTL)
	if err != nil {
		logger.Warn("Redis unavailable, result cache disabled", zap.Error(err))
	} else {
		defer redisCache.Close()
		resultCache = redisCache
		checks["redis"] = func(ctx context.Context) error {
			_, err := redisCache.Exists(ctx, "health")
			return err
		}
		logger.Info("Redis cache connection established")
	}

	engineClient := engine.NewClient(engine.Config{
		BaseURL: cfg.Engine.BaseURL,
		Model:   cfg.Engine.Model,
		Timeout: cfg.Engine.Timeout,
	})
	if cfg.Engine.APIKey == "" {
		logger.Warn("OPENAI_API_KEY is not set, requests must carry userProvidedKey")
	}

	service := transcribe.NewService(engineClient, resultCache, transcribe.Options{
		ServerKey: cfg.Engine.APIKey,
		Language:  cfg.Engine.Language,
		CacheTTL:  cfg.Redis.TTL,
	})

	deps := api.Deps{
		Transcriber: service,
		Cache:       resultCache,
		Checks:      checks,
	}

	if cfg.AsyncEnabled() {
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

		rabbitMQ, err := queue.NewRabbitMQ(cfg.RabbitMQ.URL)
		if err != nil {
			logger.Fatal("Failed to connect to RabbitMQ", zap.Error(err))
		}
		defer rabbitMQ.Close()

		deps.Calls = db
		deps.Archive = s3Storage
		deps.Publisher = rabbitMQ
		checks["postgres"] = db.Ping

		logger.Info("Asynchronous call pipeline enabled")
	} else {
		logger.Info("Asynchronous call pipeline disabled: postgres, s3 and rabbitmq are not all configured")
	}

	app := api.New(api.Config{
		BodyLimit:    cfg.BodyLimit(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}, deps)

	go func() {
		logger.Info("HTTP server listening", zap.String("addr", cfg.Server.Addr))
		if err := app.Listen(cfg.Server.Addr); err != nil {
			logger.Error("HTTP server stopped", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down HTTP server")

	if err := app.ShutdownWithTimeout(shutdownTimeout); err != nil {
		logger.Error("Failed to shut down cleanly", zap.Error(err))
		os.Exit(1)
	}

	logger.Info("Server shutdown complete")
}
