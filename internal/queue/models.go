package queue

import (
	"encoding/json"
	"fmt"
	"time"
)

// TranscriptionTask asks a worker to transcribe an archived call
type TranscriptionTask struct {
	CallID      string    `json:"call_id"`
	AudioKey    string    `json:"audio_key"`
	MimeType    string    `json:"mime_type"`
	NumSpeakers int       `json:"num_speakers"`
	Language    string    `json:"language,omitempty"`
	// APIKey carries a caller-supplied credential when the server holds
	// none. It is never written to the database.
	APIKey    string    `json:"api_key,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// DecodeTask parses a task message body
func DecodeTask(body []byte) (*TranscriptionTask, error) {
	var task TranscriptionTask
	if err := json.Unmarshal(body, &task); err != nil {
		return nil, fmt.Errorf("failed to unmarshal task: %w", err)
	}
	if task.CallID == "" {
		return nil, fmt.Errorf("task has no call id")
	}
	return &task, nil
}
