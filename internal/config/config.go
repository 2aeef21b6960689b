package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"

	"callscribe/pkg/logger"
)

const DefaultPath = "configs/config.yaml"

type Config struct {
	Server struct {
		Addr         string        `yaml:"addr" env:"HTTP_ADDR" env-default:":8080"`
		BodyLimitMB  int           `yaml:"body_limit_mb" env:"HTTP_BODY_LIMIT_MB" env-default:"50"`
		ReadTimeout  time.Duration `yaml:"read_timeout" env:"HTTP_READ_TIMEOUT" env-default:"30s"`
		WriteTimeout time.Duration `yaml:"write_timeout" env:"HTTP_WRITE_TIMEOUT" env-default:"90s"`
	} `yaml:"server"`

	Engine struct {
		APIKey   string        `yaml:"api_key" env:"OPENAI_API_KEY"`
		BaseURL  string        `yaml:"base_url" env:"OPENAI_BASE_URL" env-default:"https://api.openai.com/v1"`
		Model    string        `yaml:"model" env:"STT_MODEL" env-default:"whisper-1"`
		Language string        `yaml:"language" env:"STT_LANGUAGE"`
		Timeout  time.Duration `yaml:"timeout" env:"STT_TIMEOUT" env-default:"60s"`
	} `yaml:"engine"`

	Postgres struct {
		DSN        string `yaml:"dsn" env:"POSTGRES_DSN"`
		Migrations string `yaml:"migrations" env:"POSTGRES_MIGRATIONS" env-default:"migrations"`
	} `yaml:"postgres"`

	S3 struct {
		Endpoint  string `yaml:"endpoint" env:"S3_ENDPOINT"`
		Region    string `yaml:"region" env:"S3_REGION" env-default:"us-east-1"`
		AccessKey string `yaml:"access_key" env:"S3_ACCESS_KEY"`
		SecretKey string `yaml:"secret_key" env:"S3_SECRET_KEY"`
		Bucket    string `yaml:"bucket" env:"S3_BUCKET"`
	} `yaml:"s3"`

	Redis struct {
		Addr     string        `yaml:"addr" env:"REDIS_ADDR" env-default:"localhost:6379"`
		Password string        `yaml:"password" env:"REDIS_PASSWORD" env-default:""`
		DB       int           `yaml:"db" env:"REDIS_DB" env-default:"0"`
		TTL      time.Duration `yaml:"ttl" env:"REDIS_TTL" env-default:"24h"`
	} `yaml:"redis"`

	RabbitMQ struct {
		URL string `yaml:"url" env:"RABBITMQ_URL"`
	} `yaml:"rabbitmq"`

	Worker struct {
		Concurrency        int           `yaml:"concurrency" env:"WORKER_CONCURRENCY" env-default:"4"`
		RateBurst          int           `yaml:"rate_burst" env:"WORKER_RATE_BURST" env-default:"20"`
		RateInterval       time.Duration `yaml:"rate_interval" env:"WORKER_RATE_INTERVAL" env-default:"3s"`
		BreakerMaxFailures uint32        `yaml:"breaker_max_failures" env:"WORKER_BREAKER_MAX_FAILURES" env-default:"5"`
		BreakerTimeout     time.Duration `yaml:"breaker_timeout" env:"WORKER_BREAKER_TIMEOUT" env-default:"30s"`
		RequeueDelay       time.Duration `yaml:"requeue_delay" env:"WORKER_REQUEUE_DELAY" env-default:"5s"`
	} `yaml:"worker"`

	Log struct {
		Level       string `yaml:"level" env:"LOG_LEVEL" env-default:"info"`
		Development bool   `yaml:"development" env:"LOG_DEVELOPMENT" env-default:"false"`
	} `yaml:"log"`
}

// LoadConfig reads the YAML file at path and applies environment overrides.
// A missing file is not an error; the environment and defaults are used.
func LoadConfig(path string) (*Config, error) {
	// Load .env file
	_ = godotenv.Load()

	var cfg Config
	if _, err := os.Stat(path); err == nil {
		if err := cleanenv.ReadConfig(path, &cfg); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	} else if errors.Is(err, os.ErrNotExist) {
		if err := cleanenv.ReadEnv(&cfg); err != nil {
			return nil, fmt.Errorf("failed to read environment: %w", err)
		}
	} else {
		return nil, fmt.Errorf("failed to stat config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger.Info("Config loaded successfully")
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.Server.BodyLimitMB <= 0 {
		return fmt.Errorf("server.body_limit_mb must be positive")
	}
	if c.Engine.Timeout <= 0 {
		return fmt.Errorf("engine.timeout must be positive")
	}
	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker.concurrency must be positive")
	}
	return nil
}

// AsyncEnabled reports whether the queued call pipeline has everything it
// needs: a database, an object store and a broker.
func (c *Config) AsyncEnabled() bool {
	return c.Postgres.DSN != "" && c.S3.Bucket != "" && c.RabbitMQ.URL != ""
}

// BodyLimit returns the request body limit in bytes
func (c *Config) BodyLimit() int {
	return c.Server.BodyLimitMB * 1024 * 1024
}
