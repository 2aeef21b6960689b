package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"callscribe/internal/audio"
	"callscribe/pkg/apperr"
	"callscribe/pkg/logger"
)

const (
	DefaultTimeout = 60 * time.Second
	DefaultModel   = openai.Whisper1

	// PlaceholderTranscript is returned to callers when no credential is
	// configured, so the UI shows a clear hint instead of an empty result.
	PlaceholderTranscript = "[transcription unavailable: no speech-to-text API key configured]"

	opTranscribe = "engine.Transcribe"
)

type Config struct {
	// BaseURL of an OpenAI-compatible API, e.g. "https://api.openai.com/v1".
	BaseURL string
	Model   string
	Timeout time.Duration
	// HTTPClient is optional.
	HTTPClient *http.Client
}

// Client talks to an OpenAI-compatible /audio/transcriptions endpoint
type Client struct {
	baseURL    string
	model      string
	timeout    time.Duration
	httpClient *http.Client
}

func NewClient(cfg Config) *Client {
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}

	return &Client{
		baseURL:    cfg.BaseURL,
		model:      cfg.Model,
		timeout:    cfg.Timeout,
		httpClient: cfg.HTTPClient,
	}
}

// Transcribe sends one multipart request and waits at most the configured
// timeout. It never retries.
func (c *Client) Transcribe(ctx context.Context, req Request) (*Result, error) {
	if req.APIKey == "" {
		err := apperr.New(apperr.KindConfiguration, opTranscribe, "speech-to-text API key is not configured")
		err.Placeholder = PlaceholderTranscript
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	clientConfig := openai.DefaultConfig(req.APIKey)
	if c.baseURL != "" {
		clientConfig.BaseURL = c.baseURL
	}
	clientConfig.HTTPClient = c.httpClient
	client := openai.NewClientWithConfig(clientConfig)

	audioReq := openai.AudioRequest{
		Model:    c.model,
		FilePath: "audio" + audio.Extension(req.MimeType),
		Reader:   bytes.NewReader(req.Audio),
		Prompt:   speakerPrompt(req.NumSpeakers),
		Language: req.Language,
		Format:   openai.AudioResponseFormatVerboseJSON,
	}

	logger.Debug("Sending audio to transcription engine",
		zap.String("mime_type", req.MimeType),
		zap.Int("bytes", len(req.Audio)),
		zap.Int("num_speakers", req.NumSpeakers))

	start := time.Now()
	resp, err := client.CreateTranscription(ctx, audioReq)
	if err != nil {
		return nil, mapError(ctx, err)
	}

	result := &Result{
		Text:     resp.Text,
		Language: resp.Language,
		Duration: resp.Duration,
	}
	if len(resp.Segments) > 0 {
		result.Segments = make([]Segment, 0, len(resp.Segments))
		for _, s := range resp.Segments {
			result.Segments = append(result.Segments, Segment{
				Start: s.Start,
				End:   s.End,
				Text:  s.Text,
			})
		}
	}

	logger.Info("Transcription received",
		zap.Int("segments", len(result.Segments)),
		zap.String("language", result.Language),
		zap.Duration("elapsed", time.Since(start)))

	return result, nil
}

// speakerPrompt turns the speaker-count hint into a prompt; the API has no
// dedicated field for it.
func speakerPrompt(numSpeakers int) string {
	if numSpeakers <= 0 {
		return ""
	}
	return fmt.Sprintf("A phone call between %d speakers: a support agent and a customer.", numSpeakers)
}

func mapError(ctx context.Context, err error) error {
	if ctx.Err() != nil || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return apperr.Wrap(apperr.KindCancellation, opTranscribe, "transcription request timed out or was cancelled", err)
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) && apiErr.HTTPStatusCode > 0 {
		e := apperr.Engine(opTranscribe, apiErr.HTTPStatusCode, apiErrorBody(apiErr))
		e.Cause = err
		return e
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		e := apperr.Engine(opTranscribe, reqErr.HTTPStatusCode, string(reqErr.Body))
		e.Cause = err
		return e
	}

	return apperr.Wrap(apperr.KindEngine, opTranscribe, "failed to reach transcription engine", err)
}

// apiErrorBody rebuilds the JSON error envelope; the client library decodes
// the response body and does not keep the raw bytes.
func apiErrorBody(apiErr *openai.APIError) string {
	body, err := json.Marshal(struct {
		Error *openai.APIError `json:"error"`
	}{Error: apiErr})
	if err != nil {
		return apiErr.Message
	}
	return string(body)
}
