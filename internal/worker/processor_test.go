package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"callscribe/internal/storage"
	"callscribe/internal/transcribe"
	"callscribe/pkg/apperr"
	"callscribe/pkg/model"
	"callscribe/pkg/resilience"
)

type MockDB struct {
	mock.Mock
}

func (m *MockDB) GetCallByID(ctx context.Context, id string) (*model.Call, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Call), args.Error(1)
}

func (m *MockDB) UpdateCall(ctx context.Context, call *model.Call) error {
	args := m.Called(ctx, call)
	return args.Error(0)
}

type MockS3 struct {
	mock.Mock
}

func (m *MockS3) DownloadAudio(ctx context.Context, key string) ([]byte, error) {
	args := m.Called(ctx, key)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]byte), args.Error(1)
}

type MockPipeline struct {
	mock.Mock
}

func (m *MockPipeline) Process(ctx context.Context, payload *transcribe.Payload, apiKey string, numSpeakers int, language string) (*transcribe.Response, error) {
	args := m.Called(ctx, payload, apiKey, numSpeakers, language)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*transcribe.Response), args.Error(1)
}

func (m *MockPipeline) ResolveKey(userProvidedKey string) string {
	args := m.Called(userProvidedKey)
	return args.String(0)
}

func fastRetry() *resilience.RetryConfig {
	return &resilience.RetryConfig{
		MaxAttempts:     2,
		InitialInterval: time.Millisecond,
		MaxInterval:     time.Millisecond,
		Multiplier:      1,
	}
}

func queuedCall() *model.Call {
	return &model.Call{
		ID:          "call-1",
		Status:      model.CallStatusQueued,
		MimeType:    "audio/wav",
		AudioKey:    "calls/2026/01/01/call-1.wav",
		NumSpeakers: 2,
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
	}
}

const taskBody = `{"call_id":"call-1","audio_key":"calls/2026/01/01/call-1.wav","mime_type":"audio/wav","num_speakers":2}`

func TestProcessor_Success(t *testing.T) {
	mockDB := new(MockDB)
	mockS3 := new(MockS3)
	mockPipeline := new(MockPipeline)
	call := queuedCall()

	mockDB.On("GetCallByID", mock.Anything, "call-1").Return(call, nil)
	mockDB.On("UpdateCall", mock.Anything, call).Return(nil)
	mockS3.On("DownloadAudio", mock.Anything, call.AudioKey).Return([]byte("RIFF"), nil)
	mockPipeline.On("ResolveKey", "").Return("server-key")
	mockPipeline.On("Process", mock.Anything, &transcribe.Payload{Data: []byte("RIFF"), MimeType: "audio/wav"}, "server-key", 2, "").
		Return(&transcribe.Response{
			Text:     "Hello.",
			Language: "en",
			Duration: 1.5,
			Segments: []model.Segment{{ID: 1, Start: 0, End: 1.5, Text: "Hello.", Speaker: model.RoleAgent}},
		}, nil)

	p := NewProcessor(mockDB, mockS3, mockPipeline, nil, Options{Retry: fastRetry()})

	err := p.ProcessTask(context.Background(), []byte(taskBody))
	require.NoError(t, err)

	assert.Equal(t, model.CallStatusDone, call.Status)
	assert.Equal(t, "Hello.", call.Text)
	assert.Equal(t, 1.5, call.Duration)
	assert.Len(t, call.Segments, 1)
	assert.Nil(t, call.ErrorText)
	mockDB.AssertNumberOfCalls(t, "UpdateCall", 2)
	mockPipeline.AssertExpectations(t)
}

func TestProcessor_DownloadRetriedThenRequeued(t *testing.T) {
	mockDB := new(MockDB)
	mockS3 := new(MockS3)
	mockPipeline := new(MockPipeline)
	call := queuedCall()

	mockDB.On("GetCallByID", mock.Anything, "call-1").Return(call, nil)
	mockDB.On("UpdateCall", mock.Anything, call).Return(nil)
	mockS3.On("DownloadAudio", mock.Anything, call.AudioKey).Return(nil, errors.New("s3 unavailable"))

	p := NewProcessor(mockDB, mockS3, mockPipeline, nil, Options{Retry: fastRetry()})

	err := p.ProcessTask(context.Background(), []byte(taskBody))
	require.Error(t, err)

	mockS3.AssertNumberOfCalls(t, "DownloadAudio", 2)
	mockPipeline.AssertNotCalled(t, "Process", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	assert.Equal(t, model.CallStatusQueued, call.Status)
	assert.Equal(t, 1, call.Attempts)
	require.NotNil(t, call.ErrorText)
}

func TestProcessor_LastAttemptMarksFailed(t *testing.T) {
	mockDB := new(MockDB)
	mockS3 := new(MockS3)
	mockPipeline := new(MockPipeline)
	call := queuedCall()
	call.Attempts = model.MaxAttempts - 1

	mockDB.On("GetCallByID", mock.Anything, "call-1").Return(call, nil)
	mockDB.On("UpdateCall", mock.Anything, call).Return(nil)
	mockS3.On("DownloadAudio", mock.Anything, call.AudioKey).Return([]byte("RIFF"), nil)
	mockPipeline.On("ResolveKey", "").Return("k")
	mockPipeline.On("Process", mock.Anything, mock.Anything, "k", 2, "").
		Return(nil, apperr.Engine("engine.Transcribe", 503, "overloaded"))

	p := NewProcessor(mockDB, mockS3, mockPipeline, nil, Options{Retry: fastRetry()})

	err := p.ProcessTask(context.Background(), []byte(taskBody))
	assert.NoError(t, err)
	assert.Equal(t, model.CallStatusFailed, call.Status)
	assert.Equal(t, model.MaxAttempts, call.Attempts)
}

func TestProcessor_PermanentErrorNotRetried(t *testing.T) {
	mockDB := new(MockDB)
	mockS3 := new(MockS3)
	mockPipeline := new(MockPipeline)
	call := queuedCall()

	mockDB.On("GetCallByID", mock.Anything, "call-1").Return(call, nil)
	mockDB.On("UpdateCall", mock.Anything, call).Return(nil)
	mockS3.On("DownloadAudio", mock.Anything, call.AudioKey).Return([]byte("RIFF"), nil)
	mockPipeline.On("ResolveKey", "").Return("")
	mockPipeline.On("Process", mock.Anything, mock.Anything, "", 2, "").
		Return(nil, apperr.New(apperr.KindConfiguration, "engine.Transcribe", "no key"))

	breaker := resilience.NewCircuitBreaker(1, time.Minute)
	p := NewProcessor(mockDB, mockS3, mockPipeline, nil, Options{Retry: fastRetry(), Breaker: breaker})

	err := p.ProcessTask(context.Background(), []byte(taskBody))
	assert.NoError(t, err)
	assert.Equal(t, model.CallStatusFailed, call.Status)
	assert.Equal(t, 1, call.Attempts)
	assert.Equal(t, resilience.StateClosed, breaker.GetState())
}

func TestProcessor_EngineFailuresOpenBreaker(t *testing.T) {
	mockDB := new(MockDB)
	mockS3 := new(MockS3)
	mockPipeline := new(MockPipeline)
	call := queuedCall()

	mockDB.On("GetCallByID", mock.Anything, "call-1").Return(call, nil)
	mockDB.On("UpdateCall", mock.Anything, call).Return(nil)
	mockS3.On("DownloadAudio", mock.Anything, call.AudioKey).Return([]byte("RIFF"), nil)
	mockPipeline.On("ResolveKey", "").Return("k")
	mockPipeline.On("Process", mock.Anything, mock.Anything, "k", 2, "").
		Return(nil, apperr.Engine("engine.Transcribe", 500, "boom")).Once()

	breaker := resilience.NewCircuitBreaker(1, time.Minute)
	p := NewProcessor(mockDB, mockS3, mockPipeline, nil, Options{
		Retry:        fastRetry(),
		Breaker:      breaker,
		RequeueDelay: time.Millisecond,
	})

	require.Error(t, p.ProcessTask(context.Background(), []byte(taskBody)))
	assert.Equal(t, resilience.StateOpen, breaker.GetState())
	assert.Equal(t, 1, call.Attempts)

	for i := 0; i < 5; i++ {
		err := p.ProcessTask(context.Background(), []byte(taskBody))
		require.Error(t, err)
		assert.ErrorIs(t, err, resilience.ErrCircuitOpen)
	}

	assert.Equal(t, 1, call.Attempts)
	assert.Equal(t, model.CallStatusQueued, call.Status)
	require.NotNil(t, call.ErrorText)
	assert.Contains(t, *call.ErrorText, "status 500")
	mockPipeline.AssertNumberOfCalls(t, "Process", 1)
}

func TestProcessor_OpenBreakerWaitsBeforeRequeue(t *testing.T) {
	mockDB := new(MockDB)
	mockS3 := new(MockS3)
	mockPipeline := new(MockPipeline)
	call := queuedCall()

	mockDB.On("GetCallByID", mock.Anything, "call-1").Return(call, nil)
	mockDB.On("UpdateCall", mock.Anything, call).Return(nil)
	mockS3.On("DownloadAudio", mock.Anything, call.AudioKey).Return([]byte("RIFF"), nil)
	mockPipeline.On("ResolveKey", "").Return("k")

	breaker := resilience.NewCircuitBreaker(1, time.Minute)
	_ = breaker.Execute(func() error { return errors.New("engine unavailable") })
	require.Equal(t, resilience.StateOpen, breaker.GetState())

	p := NewProcessor(mockDB, mockS3, mockPipeline, nil, Options{
		Retry:        fastRetry(),
		Breaker:      breaker,
		RequeueDelay: 30 * time.Millisecond,
	})

	start := time.Now()
	err := p.ProcessTask(context.Background(), []byte(taskBody))
	assert.ErrorIs(t, err, resilience.ErrCircuitOpen)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
	assert.Equal(t, 0, call.Attempts)
	assert.Nil(t, call.ErrorText)
	mockPipeline.AssertNotCalled(t, "Process", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestProcessor_SkipsCompletedCall(t *testing.T) {
	mockDB := new(MockDB)
	call := queuedCall()
	call.Status = model.CallStatusDone

	mockDB.On("GetCallByID", mock.Anything, "call-1").Return(call, nil)

	p := NewProcessor(mockDB, new(MockS3), new(MockPipeline), nil, Options{})

	assert.NoError(t, p.ProcessTask(context.Background(), []byte(taskBody)))
	mockDB.AssertNotCalled(t, "UpdateCall", mock.Anything, mock.Anything)
}

func TestProcessor_DropsUnknownAndMalformed(t *testing.T) {
	mockDB := new(MockDB)
	mockDB.On("GetCallByID", mock.Anything, "call-1").Return(nil, storage.ErrCallNotFound)

	p := NewProcessor(mockDB, new(MockS3), new(MockPipeline), nil, Options{})

	assert.NoError(t, p.ProcessTask(context.Background(), []byte(taskBody)))
	assert.NoError(t, p.ProcessTask(context.Background(), []byte("{")))
}

func TestProcessor_DatabaseErrorRequeues(t *testing.T) {
	mockDB := new(MockDB)
	mockDB.On("GetCallByID", mock.Anything, "call-1").Return(nil, errors.New("connection refused"))

	p := NewProcessor(mockDB, new(MockS3), new(MockPipeline), nil, Options{})

	assert.Error(t, p.ProcessTask(context.Background(), []byte(taskBody)))
}
