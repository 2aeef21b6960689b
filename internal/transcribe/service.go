// Package transcribe runs the request pipeline: decode the payload, sniff
// its container, call the engine and attribute speakers.
package transcribe

import (
	"context"
	"errors"
	"math/rand"
	"strings"
	"time"

	"go.uber.org/zap"

	"callscribe/internal/audio"
	"callscribe/internal/engine"
	"callscribe/internal/segment"
	"callscribe/pkg/apperr"
	"callscribe/pkg/cache"
	"callscribe/pkg/logger"
	"callscribe/pkg/model"
)

type Options struct {
	// ServerKey takes precedence over a key supplied in the request.
	ServerKey string
	// Language is used when the request does not name one.
	Language string
	// CacheTTL of zero keeps cached transcripts for the cache's default TTL.
	CacheTTL time.Duration
	// NewRand returns the random source for one request.
	NewRand func() segment.Rand
}

type Service struct {
	engine engine.Transcriber
	cache  cache.Cache
	opts   Options
}

// NewService builds the pipeline. c may be nil to disable result caching.
func NewService(eng engine.Transcriber, c cache.Cache, opts Options) *Service {
	if opts.NewRand == nil {
		opts.NewRand = func() segment.Rand {
			return rand.New(rand.NewSource(time.Now().UnixNano()))
		}
	}

	return &Service{
		engine: eng,
		cache:  c,
		opts:   opts,
	}
}

// Payload is decoded, sniffed audio ready for the engine
type Payload struct {
	Data     []byte
	MimeType string
}

// Decode turns the base64 body into audio bytes and validates the
// container. It never touches the network.
func (s *Service) Decode(encoded string) (*Payload, error) {
	const op = "transcribe.Decode"

	encoded = audio.StripDataURL(strings.TrimSpace(encoded))
	if encoded == "" {
		return nil, apperr.New(apperr.KindInput, op, "audio payload is required")
	}

	data, err := audio.DecodeBase64(encoded)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindUnexpected, op, "failed to decode audio payload", err)
	}

	format := audio.Sniff(data)
	if !format.Valid {
		return nil, apperr.New(apperr.KindFormat, op, format.Reason)
	}

	return &Payload{Data: data, MimeType: format.MimeType}, nil
}

// ResolveKey picks the credential for one call
func (s *Service) ResolveKey(userProvidedKey string) string {
	if s.opts.ServerKey != "" {
		return s.opts.ServerKey
	}
	return strings.TrimSpace(userProvidedKey)
}

// Transcribe runs the full synchronous pipeline for one request.
func (s *Service) Transcribe(ctx context.Context, req Request) (*Response, error) {
	payload, err := s.Decode(req.Audio)
	if err != nil {
		return nil, err
	}

	apiKey := s.ResolveKey(req.UserProvidedKey)
	if apiKey == "" {
		err := apperr.New(apperr.KindConfiguration, "transcribe.Transcribe", "speech-to-text API key is not configured")
		err.Placeholder = engine.PlaceholderTranscript
		return nil, err
	}

	numSpeakers := segment.ClampSpeakers(req.NumSpeakers)
	language := s.language(req.Language)

	// Cached transcripts are only served to callers holding a credential.
	key := cache.TranscriptCacheKey(payload.Data, numSpeakers, language)
	if s.cache != nil {
		var cached Response
		if err := s.cache.Get(ctx, key, &cached); err == nil {
			logger.Debug("Transcript served from cache", zap.String("key", key))
			return &cached, nil
		} else if !errors.Is(err, cache.ErrMiss) {
			logger.Warn("Failed to read transcript cache", zap.Error(err))
		}
	}

	resp, err := s.Process(ctx, payload, apiKey, numSpeakers, language)
	if err != nil {
		return nil, err
	}

	if s.cache != nil {
		s.store(ctx, key, resp)
	}

	return resp, nil
}

// Process sends decoded audio to the engine and attributes speakers. It is
// shared by the synchronous handler and the queue worker.
func (s *Service) Process(ctx context.Context, payload *Payload, apiKey string, numSpeakers int, language string) (*Response, error) {
	const op = "transcribe.Process"

	numSpeakers = segment.ClampSpeakers(numSpeakers)

	result, err := s.engine.Transcribe(ctx, engine.Request{
		Audio:       payload.Data,
		MimeType:    payload.MimeType,
		APIKey:      apiKey,
		NumSpeakers: numSpeakers,
		Language:    s.language(language),
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, apperr.Wrap(apperr.KindCancellation, op, "transcription cancelled", err)
		}
		return nil, apperr.Wrap(apperr.KindUnexpected, op, "transcription failed", err)
	}

	segmenter := segment.New(s.opts.NewRand())

	var segments []model.Segment
	if len(result.Segments) > 0 {
		timed := make([]segment.Timed, 0, len(result.Segments))
		for _, seg := range result.Segments {
			timed = append(timed, segment.Timed{Start: seg.Start, End: seg.End, Text: seg.Text})
		}
		segments = segmenter.FromTimed(timed, numSpeakers)
	} else {
		segments = segmenter.FromText(result.Text, numSpeakers)
	}
	if segments == nil {
		segments = []model.Segment{}
	}

	text := strings.TrimSpace(result.Text)

	return &Response{
		Text:     text,
		Segments: segments,
		Duration: segmenter.Duration(result.Duration, segments, text),
		Language: result.Language,
		Status:   StatusComplete,
		Progress: 100,
	}, nil
}

func (s *Service) store(ctx context.Context, key string, resp *Response) {
	var err error
	if s.opts.CacheTTL > 0 {
		err = s.cache.SetWithTTL(ctx, key, resp, s.opts.CacheTTL)
	} else {
		err = s.cache.Set(ctx, key, resp)
	}
	if err != nil {
		logger.Warn("Failed to cache transcript", zap.Error(err))
	}
}

func (s *Service) language(requested string) string {
	if requested = strings.TrimSpace(requested); requested != "" {
		return requested
	}
	return s.opts.Language
}
