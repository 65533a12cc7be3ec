package transcript

import (
	"fmt"
	"io"
	"strings"

	"speaker-transcription-service/internal/models"
)

// Text joins words with spaces. With markFillers, filler words are wrapped
// in parentheses so terminal output shows them de-emphasized.
func Text(words []models.WordRecord, markFillers bool) string {
	parts := make([]string, len(words))
	for i, w := range words {
		if markFillers && w.IsFiller {
			parts[i] = "(" + w.Text + ")"
			continue
		}
		parts[i] = w.Text
	}
	return strings.Join(parts, " ")
}

// Format writes one line per speaker in speaker order, fillers marked.
func Format(w io.Writer, groups Groups) error {
	for _, id := range groups.Speakers() {
		if _, err := fmt.Fprintf(w, "Speaker %d: %s\n", id, Text(groups[id].Words, true)); err != nil {
			return err
		}
	}
	return nil
}
