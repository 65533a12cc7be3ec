// Package transcript turns vendor recognition payloads into word records and
// keeps the ordered per-session word log with its speaker grouping.
package transcript

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"speaker-transcription-service/internal/filler"
	"speaker-transcription-service/internal/models"
)

// ErrMalformedPayload is reported by NormalizeWithError when a payload does
// not carry a words array at any known path, or when none of its words
// decode.
var ErrMalformedPayload = errors.New("malformed transcription payload")

type rawWord struct {
	Word           string          `json:"word"`
	Text           string          `json:"text"`
	PunctuatedWord string          `json:"punctuated_word"`
	Start          float64         `json:"start"`
	End            float64         `json:"end"`
	Speaker        json.RawMessage `json:"speaker"`
	Confidence     *float64        `json:"confidence"`
}

type alternative struct {
	Words json.RawMessage `json:"words"`
}

type channel struct {
	Alternatives []alternative `json:"alternatives"`
}

type result struct {
	Alternatives []alternative `json:"alternatives"`
}

type prerecordedResults struct {
	Channels []channel `json:"channels"`
}

// Normalize maps a vendor payload to word records. Any payload that cannot
// be interpreted yields an empty slice; Normalize never fails.
func Normalize(payload []byte) []models.WordRecord {
	words, _ := NormalizeWithError(payload)
	return words
}

// NormalizeWithError behaves like Normalize but also reports why a payload
// produced no words. The returned slice is always non-nil.
func NormalizeWithError(payload []byte) (words []models.WordRecord, err error) {
	words = []models.WordRecord{}
	defer func() {
		if r := recover(); r != nil {
			words = []models.WordRecord{}
			err = fmt.Errorf("%w: %v", ErrMalformedPayload, r)
		}
	}()

	var top map[string]json.RawMessage
	if err := json.Unmarshal(payload, &top); err != nil {
		return words, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	rawWords, ok := locateWords(top)
	if !ok {
		return words, fmt.Errorf("%w: no words array", ErrMalformedPayload)
	}

	var elems []json.RawMessage
	if err := json.Unmarshal(rawWords, &elems); err != nil {
		return words, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	// A word that does not decode is skipped; the rest of the frame stands.
	words = make([]models.WordRecord, 0, len(elems))
	var firstErr error
	for _, elem := range elems {
		var rw rawWord
		if err := json.Unmarshal(elem, &rw); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		w, ok := NewWord(pickText(rw), rw.Start, rw.End, parseSpeaker(rw.Speaker), rw.Confidence)
		if !ok {
			continue
		}
		words = append(words, w)
	}
	if len(words) == 0 && firstErr != nil {
		return words, fmt.Errorf("%w: %v", ErrMalformedPayload, firstErr)
	}
	return words, nil
}

// NewWord builds a word record from typed vendor values, applying the same
// defaults as Normalize. A nil confidence means the vendor omitted it. The
// boolean is false when the text is empty.
func NewWord(text string, start, end float64, speaker int, confidence *float64) (models.WordRecord, bool) {
	text = strings.TrimSpace(text)
	if text == "" {
		return models.WordRecord{}, false
	}
	if end < start {
		end = start
	}
	if speaker < 0 {
		speaker = 0
	}
	conf := 1.0
	if confidence != nil && !math.IsNaN(*confidence) {
		conf = math.Min(1, math.Max(0, *confidence))
	}
	return models.WordRecord{
		Text:       text,
		StartMs:    start,
		EndMs:      end,
		SpeakerID:  speaker,
		Confidence: conf,
		IsFiller:   filler.IsFillerWord(text),
	}, true
}

// locateWords finds the words array by the fixed vendor paths:
//
//	results[0].alternatives[0].words
//	results.channels[0].alternatives[0].words
//	channel.alternatives[0].words
//	words
func locateWords(top map[string]json.RawMessage) (json.RawMessage, bool) {
	if raw, ok := top["results"]; ok {
		var nested []result
		if err := json.Unmarshal(raw, &nested); err == nil {
			if len(nested) > 0 && len(nested[0].Alternatives) > 0 && present(nested[0].Alternatives[0].Words) {
				return nested[0].Alternatives[0].Words, true
			}
		} else {
			var pre prerecordedResults
			if err := json.Unmarshal(raw, &pre); err == nil {
				if len(pre.Channels) > 0 && len(pre.Channels[0].Alternatives) > 0 && present(pre.Channels[0].Alternatives[0].Words) {
					return pre.Channels[0].Alternatives[0].Words, true
				}
			}
		}
	}
	if raw, ok := top["channel"]; ok {
		var ch channel
		if err := json.Unmarshal(raw, &ch); err == nil {
			if len(ch.Alternatives) > 0 && present(ch.Alternatives[0].Words) {
				return ch.Alternatives[0].Words, true
			}
		}
	}
	if raw, ok := top["words"]; ok && present(raw) {
		return raw, true
	}
	return nil, false
}

func present(raw json.RawMessage) bool {
	s := strings.TrimSpace(string(raw))
	return s != "" && s != "null"
}

func pickText(rw rawWord) string {
	for _, s := range []string{rw.Word, rw.Text, rw.PunctuatedWord} {
		if strings.TrimSpace(s) != "" {
			return s
		}
	}
	return ""
}

// parseSpeaker accepts numeric ids, numeric strings and single-letter labels
// ("A" is speaker 0). Anything else is speaker 0.
func parseSpeaker(raw json.RawMessage) int {
	if !present(raw) {
		return 0
	}
	var n float64
	if err := json.Unmarshal(raw, &n); err == nil {
		if n < 0 || math.IsNaN(n) || n > math.MaxInt32 {
			return 0
		}
		return int(n)
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0
	}
	s = strings.TrimSpace(s)
	if v, err := strconv.Atoi(s); err == nil {
		if v < 0 {
			return 0
		}
		return v
	}
	if len(s) == 1 {
		c := strings.ToUpper(s)[0]
		if c >= 'A' && c <= 'Z' {
			return int(c - 'A')
		}
	}
	return 0
}
