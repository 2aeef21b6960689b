package api

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"callscribe/internal/audio"
	"callscribe/internal/queue"
	"callscribe/internal/segment"
	"callscribe/internal/storage"
	"callscribe/internal/transcribe"
	"callscribe/pkg/apperr"
	"callscribe/pkg/cache"
	"callscribe/pkg/logger"
	"callscribe/pkg/model"
)

const healthTimeout = 2 * time.Second

// CallResponse is the public view of an asynchronously processed call
type CallResponse struct {
	ID        string          `json:"id"`
	Status    string          `json:"status"`
	Progress  int             `json:"progress"`
	Text      string          `json:"text,omitempty"`
	Segments  []model.Segment `json:"segments,omitempty"`
	Duration  float64         `json:"duration,omitempty"`
	Language  string          `json:"language,omitempty"`
	Error     string          `json:"error,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

func newCallResponse(call *model.Call) CallResponse {
	resp := CallResponse{
		ID:        call.ID,
		Status:    string(call.Status),
		Progress:  call.Progress(),
		Text:      call.Text,
		Segments:  call.Segments,
		Duration:  call.Duration,
		Language:  call.Language,
		CreatedAt: call.CreatedAt,
		UpdatedAt: call.UpdatedAt,
	}
	if call.ErrorText != nil {
		resp.Error = *call.ErrorText
	}
	return resp
}

type handlers struct {
	deps Deps
}

func (h *handlers) transcribe(c *fiber.Ctx) error {
	var req transcribe.Request
	if err := c.BodyParser(&req); err != nil {
		return h.fail(c, apperr.Wrap(apperr.KindInput, "api.transcribe", "request body must be JSON", err))
	}

	resp, err := h.deps.Transcriber.Transcribe(c.UserContext(), req)
	if err != nil {
		return h.fail(c, err)
	}

	return c.JSON(resp)
}

func (h *handlers) createCall(c *fiber.Ctx) error {
	const op = "api.createCall"

	if h.deps.Calls == nil || h.deps.Archive == nil || h.deps.Publisher == nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(transcribe.ErrorResponse{
			Error:  "asynchronous processing is not configured",
			Status: transcribe.StatusError,
		})
	}

	var req transcribe.Request
	if err := c.BodyParser(&req); err != nil {
		return h.fail(c, apperr.Wrap(apperr.KindInput, op, "request body must be JSON", err))
	}

	payload, err := h.deps.Transcriber.Decode(req.Audio)
	if err != nil {
		return h.fail(c, err)
	}

	ctx := c.UserContext()
	now := time.Now()
	call := &model.Call{
		ID:          uuid.NewString(),
		Status:      model.CallStatusQueued,
		MimeType:    payload.MimeType,
		AudioSize:   int64(len(payload.Data)),
		NumSpeakers: segment.ClampSpeakers(req.NumSpeakers),
		Language:    strings.TrimSpace(req.Language),
		Segments:    model.Segments{},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	call.AudioKey = h.deps.Archive.GenerateKey(call.ID, audio.Extension(call.MimeType))

	if err := h.deps.Archive.UploadAudio(ctx, call.AudioKey, payload.Data, call.MimeType); err != nil {
		return h.fail(c, apperr.Wrap(apperr.KindUnexpected, op, "failed to archive audio", err))
	}

	if err := h.deps.Calls.CreateCall(ctx, call); err != nil {
		return h.fail(c, apperr.Wrap(apperr.KindUnexpected, op, "failed to store call", err))
	}

	task := &queue.TranscriptionTask{
		CallID:      call.ID,
		AudioKey:    call.AudioKey,
		MimeType:    call.MimeType,
		NumSpeakers: call.NumSpeakers,
		Language:    call.Language,
		APIKey:      strings.TrimSpace(req.UserProvidedKey),
		CreatedAt:   now,
	}
	if err := h.deps.Publisher.PublishTask(ctx, task); err != nil {
		return h.fail(c, apperr.Wrap(apperr.KindUnexpected, op, "failed to enqueue call", err))
	}

	logger.Info("Call queued",
		zap.String("call_id", call.ID),
		zap.String("mime_type", call.MimeType),
		zap.Int64("size", call.AudioSize))

	return c.Status(fiber.StatusAccepted).JSON(newCallResponse(call))
}

func (h *handlers) getCall(c *fiber.Ctx) error {
	const op = "api.getCall"

	if h.deps.Calls == nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(transcribe.ErrorResponse{
			Error:  "asynchronous processing is not configured",
			Status: transcribe.StatusError,
		})
	}

	id := c.Params("id")
	if _, err := uuid.Parse(id); err != nil {
		return h.fail(c, apperr.New(apperr.KindInput, op, "call id must be a UUID"))
	}

	ctx := c.UserContext()
	key := cache.CallCacheKey(id)

	if h.deps.Cache != nil {
		var cached CallResponse
		if err := h.deps.Cache.Get(ctx, key, &cached); err == nil {
			return c.JSON(cached)
		}
	}

	call, err := h.deps.Calls.GetCallByID(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrCallNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(transcribe.ErrorResponse{
				Error:  "call not found",
				Status: transcribe.StatusError,
			})
		}
		return h.fail(c, apperr.Wrap(apperr.KindUnexpected, op, "failed to load call", err))
	}

	resp := newCallResponse(call)
	if h.deps.Cache != nil && call.IsCompleted() {
		if err := h.deps.Cache.Set(ctx, key, resp); err != nil {
			logger.Warn("Failed to cache call", zap.Error(err))
		}
	}

	return c.JSON(resp)
}

func (h *handlers) health(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), healthTimeout)
	defer cancel()

	failed := map[string]string{}
	for name, check := range h.deps.Checks {
		if err := check(ctx); err != nil {
			failed[name] = err.Error()
		}
	}

	if len(failed) > 0 {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"status": "degraded",
			"checks": failed,
		})
	}

	return c.JSON(fiber.Map{"status": "ok"})
}

// fail writes the error envelope for err
func (h *handlers) fail(c *fiber.Ctx, err error) error {
	status, body := transcribe.NewErrorResponse(err)

	fields := []zap.Field{
		zap.String("path", c.Path()),
		zap.Int("status", status),
		zap.Error(err),
	}
	if status >= fiber.StatusInternalServerError {
		logger.Error("Request failed", fields...)
	} else {
		logger.Warn("Request rejected", fields...)
	}

	return c.Status(status).JSON(body)
}
