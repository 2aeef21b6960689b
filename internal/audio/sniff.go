package audio

import "bytes"

const (
	MimeWAV     = "audio/wav"
	MimeMPEG    = "audio/mpeg"
	MimeOGG     = "audio/ogg"
	MimeWebM    = "audio/webm"
	MimeUnknown = "audio/unknown"
)

// MinUnknownSize is the size above which an unrecognised buffer is still
// accepted as audio.
const MinUnknownSize = 1000

var (
	sigRIFF = []byte("RIFF")
	sigWAVE = []byte("WAVE")
	sigID3  = []byte("ID3")
	sigOggS = []byte("OggS")
	sigEBML = []byte{0x1A, 0x45, 0xDF, 0xA3}
)

// Format is the result of sniffing a payload. Reason is set only when
// Valid is false.
type Format struct {
	Valid    bool
	MimeType string
	Reason   string
}

// Sniff classifies data by its leading magic bytes.
func Sniff(data []byte) Format {
	switch {
	case len(data) >= 12 && bytes.Equal(data[0:4], sigRIFF) && bytes.Equal(data[8:12], sigWAVE):
		return Format{Valid: true, MimeType: MimeWAV}
	case bytes.HasPrefix(data, sigID3) || (len(data) >= 2 && data[0] == 0xFF && data[1]&0xE0 == 0xE0):
		return Format{Valid: true, MimeType: MimeMPEG}
	case bytes.HasPrefix(data, sigOggS):
		return Format{Valid: true, MimeType: MimeOGG}
	case bytes.HasPrefix(data, sigEBML):
		return Format{Valid: true, MimeType: MimeWebM}
	case len(data) > MinUnknownSize:
		return Format{Valid: true, MimeType: MimeUnknown}
	}

	return Format{
		Valid:  false,
		Reason: "audio data is too short or in an unrecognized format",
	}
}

// Extension returns the file extension the engine uses to infer the
// container. Unknown payloads are sent as webm, the format browsers record.
func Extension(mimeType string) string {
	switch mimeType {
	case MimeWAV:
		return ".wav"
	case MimeMPEG:
		return ".mp3"
	case MimeOGG:
		return ".ogg"
	default:
		return ".webm"
	}
}
