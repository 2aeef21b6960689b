package transcribe

import (
	"fmt"

	"callscribe/pkg/apperr"
	"callscribe/pkg/model"
)

const (
	StatusComplete = "complete"
	StatusError    = "error"
)

// Request is the JSON body accepted by the transcription endpoints
type Request struct {
	Audio           string `json:"audio"`
	UserProvidedKey string `json:"userProvidedKey,omitempty"`
	NumSpeakers     int    `json:"numSpeakers,omitempty"`
	Language        string `json:"language,omitempty"`
}

// Response is the success envelope
type Response struct {
	Text     string          `json:"text"`
	Segments []model.Segment `json:"segments"`
	Duration float64         `json:"duration"`
	Language string          `json:"language"`
	Status   string          `json:"status"`
	Progress int             `json:"progress"`
}

// ErrorResponse is the failure envelope
type ErrorResponse struct {
	Error    string `json:"error"`
	Text     string `json:"text,omitempty"`
	Status   string `json:"status"`
	Progress int    `json:"progress"`
}

// NewErrorResponse converts a pipeline error into its HTTP status and
// envelope.
func NewErrorResponse(err error) (int, ErrorResponse) {
	e := apperr.As(err)

	msg := e.Message
	if e.Kind == apperr.KindEngine && e.UpstreamBody != "" {
		msg = fmt.Sprintf("%s: %s", e.Message, e.UpstreamBody)
	}

	return apperr.HTTPStatus(err), ErrorResponse{
		Error:    msg,
		Text:     e.Placeholder,
		Status:   StatusError,
		Progress: 0,
	}
}
