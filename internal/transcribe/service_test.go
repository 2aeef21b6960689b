package transcribe

import (
	"context"
	"encoding/base64"
	"net/http"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"callscribe/internal/engine"
	"callscribe/internal/segment"
	"callscribe/pkg/apperr"
	"callscribe/pkg/cache"
	"callscribe/pkg/model"
)

type MockEngine struct {
	mock.Mock
}

func (m *MockEngine) Transcribe(ctx context.Context, req engine.Request) (*engine.Result, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*engine.Result), args.Error(1)
}

type constRand float64

func (r constRand) Float64() float64 { return float64(r) }

func wavBase64() string {
	data := make([]byte, 64)
	copy(data[0:4], "RIFF")
	copy(data[8:12], "WAVE")
	return base64.StdEncoding.EncodeToString(data)
}

func newService(eng engine.Transcriber, c cache.Cache, opts Options) *Service {
	if opts.NewRand == nil {
		opts.NewRand = func() segment.Rand { return constRand(0.5) }
	}
	return NewService(eng, c, opts)
}

func TestTranscribe_EndToEnd(t *testing.T) {
	eng := new(MockEngine)
	eng.On("Transcribe", mock.Anything, mock.MatchedBy(func(req engine.Request) bool {
		return req.MimeType == "audio/wav" && req.APIKey == "server-key" && req.NumSpeakers == 2
	})).Return(&engine.Result{
		Text:     "Hello. Hi.",
		Language: "en",
		Duration: 4,
		Segments: []engine.Segment{
			{Start: 0, End: 1, Text: "Hello."},
			{Start: 3, End: 4, Text: "Hi."},
		},
	}, nil).Once()

	svc := newService(eng, nil, Options{ServerKey: "server-key"})

	resp, err := svc.Transcribe(context.Background(), Request{Audio: wavBase64(), UserProvidedKey: "user-key"})
	require.NoError(t, err)

	assert.Equal(t, "Hello. Hi.", resp.Text)
	assert.Equal(t, 4.0, resp.Duration)
	assert.Equal(t, "en", resp.Language)
	assert.Equal(t, StatusComplete, resp.Status)
	assert.Equal(t, 100, resp.Progress)
	assert.Equal(t, []model.Segment{
		{ID: 1, Start: 0, End: 1, Text: "Hello.", Speaker: model.RoleAgent},
		{ID: 2, Start: 3, End: 4, Text: "Hi.", Speaker: model.RoleCustomer},
	}, resp.Segments)
	eng.AssertExpectations(t)
}

func TestTranscribe_TextOnlyResult(t *testing.T) {
	eng := new(MockEngine)
	eng.On("Transcribe", mock.Anything, mock.Anything).
		Return(&engine.Result{Text: "Hello there. Yes, I agree."}, nil)

	svc := newService(eng, nil, Options{ServerKey: "k"})

	resp, err := svc.Transcribe(context.Background(), Request{Audio: wavBase64(), NumSpeakers: 2})
	require.NoError(t, err)

	require.Len(t, resp.Segments, 2)
	assert.Equal(t, "Hello there.", resp.Segments[0].Text)
	assert.Equal(t, model.RoleAgent, resp.Segments[0].Speaker)
	assert.Equal(t, "Yes, I agree.", resp.Segments[1].Text)
	assert.Equal(t, model.RoleCustomer, resp.Segments[1].Speaker)
	assert.InDelta(t, resp.Segments[1].End, resp.Duration, 1e-9)
}

func TestTranscribe_EmptyTranscript(t *testing.T) {
	eng := new(MockEngine)
	eng.On("Transcribe", mock.Anything, mock.Anything).Return(&engine.Result{}, nil)

	svc := newService(eng, nil, Options{ServerKey: "k"})

	resp, err := svc.Transcribe(context.Background(), Request{Audio: wavBase64()})
	require.NoError(t, err)
	assert.NotNil(t, resp.Segments)
	assert.Empty(t, resp.Segments)
	assert.Equal(t, 0.0, resp.Duration)
}

func TestTranscribe_UserKeyFallback(t *testing.T) {
	eng := new(MockEngine)
	eng.On("Transcribe", mock.Anything, mock.MatchedBy(func(req engine.Request) bool {
		return req.APIKey == "user-key" && req.Language == "de" && req.NumSpeakers == 10
	})).Return(&engine.Result{Text: "Hallo."}, nil).Once()

	svc := newService(eng, nil, Options{Language: "en"})

	_, err := svc.Transcribe(context.Background(), Request{
		Audio:           wavBase64(),
		UserProvidedKey: " user-key ",
		NumSpeakers:     15,
		Language:        "de",
	})
	require.NoError(t, err)
	eng.AssertExpectations(t)
}

func TestTranscribe_InputErrorsSkipEngine(t *testing.T) {
	tests := []struct {
		name   string
		audio  string
		kind   apperr.Kind
		status int
	}{
		{"missing audio", "", apperr.KindInput, http.StatusBadRequest},
		{"too short", "AAAA", apperr.KindFormat, http.StatusBadRequest},
		{"malformed base64", "!!!!", apperr.KindUnexpected, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			eng := new(MockEngine)
			svc := newService(eng, nil, Options{ServerKey: "k"})

			_, err := svc.Transcribe(context.Background(), Request{Audio: tt.audio})
			require.Error(t, err)

			assert.Equal(t, tt.kind, apperr.KindOf(err))
			assert.Equal(t, tt.status, apperr.HTTPStatus(err))
			eng.AssertNotCalled(t, "Transcribe", mock.Anything, mock.Anything)
		})
	}
}

func TestTranscribe_DataURLPrefix(t *testing.T) {
	eng := new(MockEngine)
	eng.On("Transcribe", mock.Anything, mock.Anything).Return(&engine.Result{Text: "ok"}, nil)

	svc := newService(eng, nil, Options{ServerKey: "k"})

	_, err := svc.Transcribe(context.Background(), Request{Audio: "data:audio/wav;base64," + wavBase64()})
	require.NoError(t, err)
}

func TestTranscribe_Timeout(t *testing.T) {
	eng := new(MockEngine)
	eng.On("Transcribe", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			<-args.Get(0).(context.Context).Done()
		}).
		Return(nil, context.DeadlineExceeded)

	svc := newService(eng, nil, Options{ServerKey: "k"})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := svc.Transcribe(ctx, Request{Audio: wavBase64()})
	require.Error(t, err)

	status, body := NewErrorResponse(err)
	assert.Equal(t, apperr.StatusClientClosedRequest, status)
	assert.Equal(t, StatusError, body.Status)
	assert.Equal(t, 0, body.Progress)
}

func TestTranscribe_EngineErrorPassesThrough(t *testing.T) {
	eng := new(MockEngine)
	eng.On("Transcribe", mock.Anything, mock.Anything).
		Return(nil, apperr.Engine("engine.Transcribe", 401, "bad key"))

	svc := newService(eng, nil, Options{ServerKey: "k"})

	_, err := svc.Transcribe(context.Background(), Request{Audio: wavBase64()})
	require.Error(t, err)

	status, body := NewErrorResponse(err)
	assert.Equal(t, http.StatusInternalServerError, status)
	assert.Equal(t, "transcription engine returned status 401: bad key", body.Error)
}

func TestTranscribe_Cache(t *testing.T) {
	mr := miniredis.RunT(t)
	redisCache, err := cache.NewRedisCache(mr.Addr(), "", 0, time.Minute)
	require.NoError(t, err)
	defer redisCache.Close()

	eng := new(MockEngine)
	eng.On("Transcribe", mock.Anything, mock.Anything).
		Return(&engine.Result{Text: "Cached once.", Duration: 2}, nil).Once()

	svc := newService(eng, redisCache, Options{ServerKey: "k", CacheTTL: time.Hour})

	first, err := svc.Transcribe(context.Background(), Request{Audio: wavBase64()})
	require.NoError(t, err)

	second, err := svc.Transcribe(context.Background(), Request{Audio: wavBase64()})
	require.NoError(t, err)

	assert.Equal(t, first, second)
	eng.AssertNumberOfCalls(t, "Transcribe", 1)
}

func TestTranscribe_CacheRequiresCredential(t *testing.T) {
	mr := miniredis.RunT(t)
	redisCache, err := cache.NewRedisCache(mr.Addr(), "", 0, time.Minute)
	require.NoError(t, err)
	defer redisCache.Close()

	eng := new(MockEngine)
	eng.On("Transcribe", mock.Anything, mock.Anything).
		Return(&engine.Result{Text: "Account number is 42.", Duration: 2}, nil).Once()

	svc := newService(eng, redisCache, Options{})

	_, err = svc.Transcribe(context.Background(), Request{Audio: wavBase64(), UserProvidedKey: "caller-key"})
	require.NoError(t, err)

	_, err = svc.Transcribe(context.Background(), Request{Audio: wavBase64()})
	require.Error(t, err)

	status, body := NewErrorResponse(err)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, engine.PlaceholderTranscript, body.Text)
	assert.Equal(t, StatusError, body.Status)
	eng.AssertNumberOfCalls(t, "Transcribe", 1)
}

func TestTranscribe_MissingCredentialSkipsEngine(t *testing.T) {
	eng := new(MockEngine)
	svc := newService(eng, nil, Options{})

	_, err := svc.Transcribe(context.Background(), Request{Audio: wavBase64(), UserProvidedKey: "   "})
	require.Error(t, err)

	assert.Equal(t, apperr.KindConfiguration, apperr.KindOf(err))
	assert.Equal(t, engine.PlaceholderTranscript, apperr.As(err).Placeholder)
	eng.AssertNotCalled(t, "Transcribe", mock.Anything, mock.Anything)
}

func TestNewErrorResponse_Placeholder(t *testing.T) {
	e := apperr.New(apperr.KindConfiguration, "engine.Transcribe", "speech-to-text API key is not configured")
	e.Placeholder = engine.PlaceholderTranscript

	status, body := NewErrorResponse(e)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, engine.PlaceholderTranscript, body.Text)
	assert.Equal(t, StatusError, body.Status)
}
