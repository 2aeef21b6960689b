package engine

import "context"

// Transcriber converts audio into text. Implementations must honour ctx.
type Transcriber interface {
	Transcribe(ctx context.Context, req Request) (*Result, error)
}

// Request holds everything needed for a single transcription call
type Request struct {
	Audio    []byte
	MimeType string

	// APIKey is resolved per call and never stored on the client.
	APIKey string

	// NumSpeakers is forwarded to the engine as a hint only.
	NumSpeakers int
	Language    string
}

// Result is the engine output before speaker attribution
type Result struct {
	Text     string
	Segments []Segment
	Language string
	// Duration is zero when the engine did not report one.
	Duration float64
}

// Segment is a timed span of recognised text
type Segment struct {
	Start float64
	End   float64
	Text  string
}
