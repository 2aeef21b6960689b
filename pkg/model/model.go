package model

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// Role is the speaker label attached to a segment
type Role string

const (
	RoleAgent    Role = "agent"
	RoleCustomer Role = "customer"
)

// RoleForIndex collapses a speaker index into the two dashboard roles.
// Index 0 is the agent; every other index is a customer.
func RoleForIndex(idx int) Role {
	if idx == 0 {
		return RoleAgent
	}
	return RoleCustomer
}

// Segment is a timestamped, speaker-labelled span of transcript text
type Segment struct {
	ID      int     `json:"id"`
	Start   float64 `json:"start"`
	End     float64 `json:"end"`
	Text    string  `json:"text"`
	Speaker Role    `json:"speaker"`
}

// Segments is stored as a JSONB column
type Segments []Segment

// Value implements the driver.Valuer interface
func (s Segments) Value() (driver.Value, error) {
	if s == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(s)
}

// Scan implements the sql.Scanner interface
func (s *Segments) Scan(value interface{}) error {
	if value == nil {
		*s = nil
		return nil
	}

	var raw []byte
	switch v := value.(type) {
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("unsupported segments type %T", value)
	}

	return json.Unmarshal(raw, s)
}

// CallStatus represents the processing state of an uploaded call
type CallStatus string

const (
	CallStatusQueued     CallStatus = "queued"
	CallStatusInProgress CallStatus = "in_progress"
	CallStatusDone       CallStatus = "done"
	CallStatusFailed     CallStatus = "failed"
)

// MaxAttempts bounds how many times the worker retries a call
const MaxAttempts = 3

// Call is an asynchronously transcribed recording
type Call struct {
	ID          string     `json:"id" db:"id"`
	Status      CallStatus `json:"status" db:"status"`
	MimeType    string     `json:"mime_type" db:"mime_type"`
	AudioKey    string     `json:"audio_key" db:"audio_key"`
	AudioSize   int64      `json:"audio_size" db:"audio_size"`
	NumSpeakers int        `json:"num_speakers" db:"num_speakers"`
	Language    string     `json:"language" db:"language"`
	Text        string     `json:"text" db:"text"`
	Duration    float64    `json:"duration" db:"duration"`
	Segments    Segments   `json:"segments" db:"segments"`
	Attempts    int        `json:"attempts" db:"attempts"`
	ErrorText   *string    `json:"error_text,omitempty" db:"error_text"`
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at" db:"updated_at"`
}

// Progress mirrors the binary progress indicator of the synchronous API
func (c *Call) Progress() int {
	if c.Status == CallStatusDone {
		return 100
	}
	return 0
}

// IsCompleted returns true if the call is in a final state
func (c *Call) IsCompleted() bool {
	return c.Status == CallStatusDone || c.Status == CallStatusFailed
}

// CanRetry returns true while the call has attempts left
func (c *Call) CanRetry() bool {
	return c.Attempts < MaxAttempts
}

func (c *Call) IncrementAttempts() {
	c.Attempts++
}

// SetError sets the call status to failed with error message
func (c *Call) SetError(errorText string) {
	c.Status = CallStatusFailed
	c.ErrorText = &errorText
	c.UpdatedAt = time.Now()
}

// SetRetrying puts the call back in the queue and keeps the last error
func (c *Call) SetRetrying(errorText string) {
	c.Status = CallStatusQueued
	c.ErrorText = &errorText
	c.UpdatedAt = time.Now()
}

// SetQueued puts the call back in the queue without touching its error
func (c *Call) SetQueued() {
	c.Status = CallStatusQueued
	c.UpdatedAt = time.Now()
}

// SetInProgress marks the call as picked up by a worker
func (c *Call) SetInProgress() {
	c.Status = CallStatusInProgress
	c.UpdatedAt = time.Now()
}

// SetCompleted stores the transcription result and marks the call done
func (c *Call) SetCompleted(text, language string, duration float64, segments []Segment) {
	c.Status = CallStatusDone
	c.Text = text
	c.Language = language
	c.Duration = duration
	c.Segments = segments
	c.ErrorText = nil
	c.UpdatedAt = time.Now()
}
