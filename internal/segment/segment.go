// Package segment turns engine output into speaker-labelled segments.
//
// Two rule sets are applied depending on the input. Timed segments from the
// engine are attributed by gap length, trailing questions and leading
// response words. A bare text blob is split into sentences that receive
// estimated timings and the same attribution rules plus a monologue cap.
package segment

import (
	"sort"
	"strings"
	"unicode"

	"callscribe/pkg/model"
)

const (
	// TurnGap is the silence, in seconds, after which the speaker changes.
	TurnGap = 1.5
	// MonologueCap is the number of consecutive sentences after which the
	// text-only rules force a speaker change.
	MonologueCap = 3
	// WordsPerMinute is the assumed speaking rate for estimated timings.
	WordsPerMinute = 150

	MinSpeakers     = 2
	MaxSpeakers     = 10
	DefaultSpeakers = 2

	minPause   = 0.5
	pauseRange = 0.5
	minJitter  = 0.9
	jitterSpan = 0.2
)

var responseMarkers = map[string]struct{}{
	"yes":        {},
	"no":         {},
	"right":      {},
	"okay":       {},
	"well":       {},
	"so":         {},
	"uh":         {},
	"sure":       {},
	"absolutely": {},
	"definitely": {},
	"thanks":     {},
	"thank":      {},
}

// Rand is the source of the randomised pause and jitter terms.
// *math/rand.Rand satisfies it.
type Rand interface {
	Float64() float64
}

// Timed is a provider-supplied segment with timings in seconds.
type Timed struct {
	Start float64
	End   float64
	Text  string
}

type Segmenter struct {
	rand Rand
}

func New(r Rand) *Segmenter {
	return &Segmenter{rand: r}
}

// ClampSpeakers bounds a speaker-count hint to [MinSpeakers, MaxSpeakers].
// A zero or negative hint means "not provided".
func ClampSpeakers(n int) int {
	switch {
	case n <= 0:
		return DefaultSpeakers
	case n < MinSpeakers:
		return MinSpeakers
	case n > MaxSpeakers:
		return MaxSpeakers
	}
	return n
}

// FromTimed attributes speakers to engine segments. The input is not
// modified; the output is ordered by start time with ties kept in input
// order.
func (s *Segmenter) FromTimed(in []Timed, numSpeakers int) []model.Segment {
	if len(in) == 0 {
		return nil
	}
	numSpeakers = ClampSpeakers(numSpeakers)

	sorted := make([]Timed, len(in))
	copy(sorted, in)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Start < sorted[j].Start
	})

	out := make([]model.Segment, 0, len(sorted))
	speaker := 0
	var prevText string
	var prevEnd float64

	for i, seg := range sorted {
		text := strings.TrimSpace(seg.Text)

		if i > 0 {
			gap := seg.Start - prevEnd
			if gap > TurnGap || endsWithQuestion(prevText) || StartsWithResponseMarker(text) {
				speaker = (speaker + 1) % numSpeakers
			}
		}

		end := seg.End
		if end < seg.Start {
			end = seg.Start
		}

		out = append(out, model.Segment{
			ID:      i + 1,
			Start:   seg.Start,
			End:     end,
			Text:    text,
			Speaker: model.RoleForIndex(speaker),
		})

		prevText = text
		prevEnd = end
	}

	return out
}

// FromText splits text into sentences and assigns estimated timings and
// speakers. Pauses of [0.5, 1.0) seconds are inserted between sentences.
func (s *Segmenter) FromText(text string, numSpeakers int) []model.Segment {
	sentences := SplitSentences(text)
	if len(sentences) == 0 {
		return nil
	}
	numSpeakers = ClampSpeakers(numSpeakers)

	out := make([]model.Segment, 0, len(sentences))
	speaker := 0
	run := 0
	clock := 0.0

	for i, sentence := range sentences {
		if i == 0 {
			run = 1
		} else if endsWithQuestion(sentences[i-1]) || StartsWithResponseMarker(sentence) || run >= MonologueCap {
			speaker = (speaker + 1) % numSpeakers
			run = 1
		} else {
			run++
		}

		start := clock
		end := start + EstimateSpeechDuration(sentence)

		out = append(out, model.Segment{
			ID:      i + 1,
			Start:   start,
			End:     end,
			Text:    sentence,
			Speaker: model.RoleForIndex(speaker),
		})

		clock = end
		if i < len(sentences)-1 {
			clock += s.pause()
		}
	}

	return out
}

// Duration resolves the total duration of a transcript: the engine's value
// when present, otherwise the end of the last segment, otherwise an
// estimate from the text with a ±10% jitter.
func (s *Segmenter) Duration(engineDuration float64, segments []model.Segment, text string) float64 {
	if engineDuration > 0 {
		return engineDuration
	}
	if len(segments) > 0 {
		var last float64
		for _, seg := range segments {
			if seg.End > last {
				last = seg.End
			}
		}
		return last
	}
	return EstimateSpeechDuration(text) * (minJitter + s.rand.Float64()*jitterSpan)
}

func (s *Segmenter) pause() float64 {
	return minPause + s.rand.Float64()*pauseRange
}

// EstimateSpeechDuration returns the seconds needed to speak text at
// WordsPerMinute.
func EstimateSpeechDuration(text string) float64 {
	words := len(strings.Fields(text))
	return float64(words) / WordsPerMinute * 60
}

// SplitSentences breaks text after '.', '!' or '?' when followed by
// whitespace or the end of the text. Trailing text without a terminator
// forms the last sentence.
func SplitSentences(text string) []string {
	var sentences []string
	runes := []rune(text)
	start := 0

	for i, r := range runes {
		if r != '.' && r != '!' && r != '?' {
			continue
		}
		if i+1 < len(runes) && !unicode.IsSpace(runes[i+1]) {
			continue
		}
		if sentence := strings.TrimSpace(string(runes[start : i+1])); sentence != "" {
			sentences = append(sentences, sentence)
		}
		start = i + 1
	}

	if start < len(runes) {
		if tail := strings.TrimSpace(string(runes[start:])); tail != "" {
			sentences = append(sentences, tail)
		}
	}

	return sentences
}

// StartsWithResponseMarker reports whether the first word of text is one
// of the response words that usually open the other party's turn.
func StartsWithResponseMarker(text string) bool {
	text = strings.TrimSpace(text)
	end := strings.IndexFunc(text, func(r rune) bool { return !unicode.IsLetter(r) })
	if end == -1 {
		end = len(text)
	}
	if end == 0 {
		return false
	}
	_, ok := responseMarkers[strings.ToLower(text[:end])]
	return ok
}

func endsWithQuestion(text string) bool {
	return strings.HasSuffix(strings.TrimSpace(text), "?")
}
