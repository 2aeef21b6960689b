// Package api exposes the transcription pipeline over HTTP.
package api

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"go.uber.org/zap"

	"callscribe/internal/queue"
	"callscribe/internal/transcribe"
	"callscribe/pkg/cache"
	"callscribe/pkg/logger"
	"callscribe/pkg/model"
)

const (
	allowOrigins = "*"
	allowHeaders = "authorization, x-client-info, apikey, content-type"
	allowMethods = "GET, POST, OPTIONS"
)

type Transcriber interface {
	Transcribe(ctx context.Context, req transcribe.Request) (*transcribe.Response, error)
	Decode(encoded string) (*transcribe.Payload, error)
}

type CallRepository interface {
	CreateCall(ctx context.Context, call *model.Call) error
	GetCallByID(ctx context.Context, id string) (*model.Call, error)
}

type AudioArchive interface {
	UploadAudio(ctx context.Context, key string, data []byte, contentType string) error
	GenerateKey(callID, extension string) string
}

type TaskPublisher interface {
	PublishTask(ctx context.Context, task *queue.TranscriptionTask) error
}

// HealthCheck reports whether a dependency is reachable
type HealthCheck func(ctx context.Context) error

type Config struct {
	BodyLimit    int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Deps are the collaborators of the HTTP layer. Calls, Archive and
// Publisher are optional; without them the /calls endpoints answer 503.
type Deps struct {
	Transcriber Transcriber
	Calls       CallRepository
	Archive     AudioArchive
	Publisher   TaskPublisher
	Cache       cache.Cache
	Checks      map[string]HealthCheck
}

// New builds the fiber application with all routes and middleware
func New(cfg Config, deps Deps) *fiber.App {
	app := fiber.New(fiber.Config{
		BodyLimit:             cfg.BodyLimit,
		ReadTimeout:           cfg.ReadTimeout,
		WriteTimeout:          cfg.WriteTimeout,
		DisableStartupMessage: true,
		ErrorHandler:          errorHandler,
	})

	app.Use(recover.New())
	app.Use(requestLogger())
	app.Use(preflight)
	app.Use(cors.New(cors.Config{
		AllowOrigins: allowOrigins,
		AllowHeaders: allowHeaders,
		AllowMethods: allowMethods,
	}))

	h := &handlers{deps: deps}

	app.Get("/health", h.health)
	app.Post("/transcribe", h.transcribe)
	app.Post("/calls", h.createCall)
	app.Get("/calls/:id", h.getCall)

	return app
}

// preflight answers every OPTIONS request with the CORS headers and "ok"
func preflight(c *fiber.Ctx) error {
	if c.Method() != fiber.MethodOptions {
		return c.Next()
	}

	c.Set(fiber.HeaderAccessControlAllowOrigin, allowOrigins)
	c.Set(fiber.HeaderAccessControlAllowHeaders, allowHeaders)
	c.Set(fiber.HeaderAccessControlAllowMethods, allowMethods)
	return c.SendString("ok")
}

func requestLogger() fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()

		logger.Info("HTTP request",
			zap.String("method", c.Method()),
			zap.String("path", c.Path()),
			zap.Int("status", c.Response().StatusCode()),
			zap.Duration("latency", time.Since(start)),
			zap.String("ip", c.IP()))

		return err
	}
}

func errorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	var fe *fiber.Error
	if errors.As(err, &fe) {
		code = fe.Code
	}

	logger.Error("Unhandled request error",
		zap.String("path", c.Path()),
		zap.Int("status", code),
		zap.Error(err))

	c.Set(fiber.HeaderAccessControlAllowOrigin, allowOrigins)
	return c.Status(code).JSON(transcribe.ErrorResponse{
		Error:  err.Error(),
		Status: transcribe.StatusError,
	})
}
