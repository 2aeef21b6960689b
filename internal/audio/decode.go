package audio

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"strings"
)

// DecodeChunkSize is the number of base64 characters decoded per step.
// It is a multiple of 4 so every chunk but the last is padding free.
const DecodeChunkSize = 32768

// StripDataURL removes a leading "data:<mime>;base64," prefix as produced
// by browser FileReader uploads.
func StripDataURL(s string) string {
	if !strings.HasPrefix(s, "data:") {
		return s
	}
	if idx := strings.Index(s, ";base64,"); idx >= 0 {
		return s[idx+len(";base64,"):]
	}
	return s
}

var lineBreaks = strings.NewReplacer("\r", "", "\n", "")

// DecodeBase64 decodes s in fixed-size chunks, so peak scratch memory is
// bounded by one chunk regardless of the payload size.
func DecodeBase64(s string) ([]byte, error) {
	// Line breaks would shift chunk boundaries off the 4-character quanta.
	if strings.ContainsAny(s, "\r\n") {
		s = lineBreaks.Replace(s)
	}

	var out bytes.Buffer
	out.Grow(base64.StdEncoding.DecodedLen(len(s)))

	chunk := make([]byte, base64.StdEncoding.DecodedLen(DecodeChunkSize))
	for offset := 0; offset < len(s); offset += DecodeChunkSize {
		end := offset + DecodeChunkSize
		if end > len(s) {
			end = len(s)
		}

		n, err := base64.StdEncoding.Decode(chunk, []byte(s[offset:end]))
		if err != nil {
			if ce, ok := err.(base64.CorruptInputError); ok {
				return nil, fmt.Errorf("failed to decode base64 at offset %d: %w", offset+int(ce), err)
			}
			return nil, fmt.Errorf("failed to decode base64: %w", err)
		}
		out.Write(chunk[:n])
	}

	return out.Bytes(), nil
}
