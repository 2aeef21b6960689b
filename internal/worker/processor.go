package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"callscribe/internal/queue"
	"callscribe/internal/storage"
	"callscribe/internal/transcribe"
	"callscribe/pkg/apperr"
	"callscribe/pkg/cache"
	"callscribe/pkg/logger"
	"callscribe/pkg/model"
	"callscribe/pkg/resilience"
)

type CallStore interface {
	GetCallByID(ctx context.Context, id string) (*model.Call, error)
	UpdateCall(ctx context.Context, call *model.Call) error
}

type AudioStore interface {
	DownloadAudio(ctx context.Context, key string) ([]byte, error)
}

// Pipeline transcribes decoded audio and attributes speakers
type Pipeline interface {
	Process(ctx context.Context, payload *transcribe.Payload, apiKey string, numSpeakers int, language string) (*transcribe.Response, error)
	ResolveKey(userProvidedKey string) string
}

// DefaultRequeueDelay is how long a task held back by an open breaker waits
// before it goes back to the queue.
const DefaultRequeueDelay = 5 * time.Second

type Options struct {
	Breaker      *resilience.CircuitBreaker
	Limiter      *resilience.RateLimiter
	Retry        *resilience.RetryConfig
	RequeueDelay time.Duration
}

type Processor struct {
	db       CallStore
	s3       AudioStore
	pipeline Pipeline
	cache    cache.Cache
	breaker  *resilience.CircuitBreaker
	limiter  *resilience.RateLimiter
	retry    *resilience.RetryConfig
	delay    time.Duration
}

// NewProcessor creates a new worker processor. c may be nil.
func NewProcessor(db CallStore, s3 AudioStore, pipeline Pipeline, c cache.Cache, opts Options) *Processor {
	if opts.Breaker == nil {
		opts.Breaker = resilience.NewCircuitBreaker(5, 30*time.Second)
	}
	if opts.Retry == nil {
		opts.Retry = resilience.DefaultRetryConfig()
	}
	if opts.RequeueDelay <= 0 {
		opts.RequeueDelay = DefaultRequeueDelay
	}
	opts.Breaker.WithIgnore(isPermanent)

	return &Processor{
		db:       db,
		s3:       s3,
		pipeline: pipeline,
		cache:    c,
		breaker:  opts.Breaker,
		limiter:  opts.Limiter,
		retry:    opts.Retry,
		delay:    opts.RequeueDelay,
	}
}

// ProcessTask handles one queue message. A returned error requeues the
// message; nil acknowledges it.
func (p *Processor) ProcessTask(ctx context.Context, body []byte) error {
	task, err := queue.DecodeTask(body)
	if err != nil {
		logger.Error("Dropping malformed task", zap.Error(err))
		return nil
	}

	log := logger.With(zap.String("call_id", task.CallID))
	log.Info("Processing call")

	call, err := p.db.GetCallByID(ctx, task.CallID)
	if err != nil {
		if errors.Is(err, storage.ErrCallNotFound) {
			log.Warn("Dropping task for unknown call")
			return nil
		}
		return fmt.Errorf("failed to get call from db: %w", err)
	}

	if call.IsCompleted() {
		log.Info("Call already completed, skipping", zap.String("status", string(call.Status)))
		return nil
	}

	call.SetInProgress()
	if err := p.db.UpdateCall(ctx, call); err != nil {
		log.Error("Failed to update call status", zap.Error(err))
	}
	p.invalidate(ctx, call.ID)

	var data []byte
	err = resilience.RetryWithExponentialBackoff(ctx, p.retry, func() error {
		var downloadErr error
		data, downloadErr = p.s3.DownloadAudio(ctx, call.AudioKey)
		return downloadErr
	})
	if err != nil {
		return p.fail(ctx, call, fmt.Errorf("failed to download audio: %w", err))
	}

	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			return p.requeue(ctx, call, err)
		}
	}

	var resp *transcribe.Response
	err = p.breaker.Execute(func() error {
		var processErr error
		resp, processErr = p.pipeline.Process(ctx,
			&transcribe.Payload{Data: data, MimeType: call.MimeType},
			p.pipeline.ResolveKey(task.APIKey),
			call.NumSpeakers,
			call.Language,
		)
		return processErr
	})
	if errors.Is(err, resilience.ErrCircuitOpen) {
		return p.requeue(ctx, call, err)
	}
	if err != nil {
		return p.fail(ctx, call, err)
	}

	call.SetCompleted(resp.Text, resp.Language, resp.Duration, resp.Segments)
	if err := p.db.UpdateCall(ctx, call); err != nil {
		return fmt.Errorf("failed to store call result: %w", err)
	}
	p.invalidate(ctx, call.ID)

	log.Info("Call transcribed",
		zap.Int("segments", len(resp.Segments)),
		zap.Float64("duration", resp.Duration))

	return nil
}

// fail records a processing error. Permanent errors and exhausted calls are
// marked failed and acknowledged; anything else is requeued.
func (p *Processor) fail(ctx context.Context, call *model.Call, cause error) error {
	call.IncrementAttempts()
	msg := cause.Error()

	retry := !isPermanent(cause) && call.CanRetry()
	if retry {
		call.SetRetrying(msg)
	} else {
		call.SetError(msg)
	}

	logger.Error("Call processing error",
		zap.String("call_id", call.ID),
		zap.Int("attempts", call.Attempts),
		zap.Bool("retry", retry),
		zap.Error(cause))

	if err := p.db.UpdateCall(ctx, call); err != nil {
		logger.Error("Failed to update call error", zap.Error(err))
	}
	p.invalidate(ctx, call.ID)

	if retry {
		return cause
	}
	return nil
}

// requeue hands the task back without spending an attempt. The engine was
// never called, so the call keeps its attempt count and last error.
func (p *Processor) requeue(ctx context.Context, call *model.Call, cause error) error {
	call.SetQueued()
	if err := p.db.UpdateCall(ctx, call); err != nil {
		logger.Error("Failed to update call status", zap.Error(err))
	}
	p.invalidate(ctx, call.ID)

	logger.Warn("Engine unavailable, requeueing call",
		zap.String("call_id", call.ID),
		zap.Duration("delay", p.delay),
		zap.Error(cause))

	timer := time.NewTimer(p.delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}

	return cause
}

func (p *Processor) invalidate(ctx context.Context, callID string) {
	if p.cache == nil {
		return
	}
	if err := p.cache.Delete(ctx, cache.CallCacheKey(callID)); err != nil {
		logger.Warn("Failed to invalidate call cache", zap.Error(err))
	}
}

// isPermanent reports errors that retrying cannot fix
func isPermanent(err error) bool {
	switch apperr.KindOf(err) {
	case apperr.KindInput, apperr.KindFormat, apperr.KindConfiguration:
		return true
	}
	return false
}
