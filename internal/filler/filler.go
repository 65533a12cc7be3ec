// Package filler classifies discourse filler words ("um", "uh", ...) so the
// presentation layer can de-emphasize them.
package filler

import (
	"sort"
	"strings"
)

// fillerWords is the closed set of recognized fillers. Multi-word entries only
// match when the whole token equals the phrase; vendors emit single-word
// tokens, so "you know", "kind of" and "sort of" never match in practice.
var fillerWords = map[string]struct{}{
	"um":        {},
	"uh":        {},
	"er":        {},
	"ah":        {},
	"like":      {},
	"you know":  {},
	"basically": {},
	"actually":  {},
	"literally": {},
	"kind of":   {},
	"sort of":   {},
}

// IsFillerWord reports whether text is a filler word. Matching is exact after
// lower-casing, so callers trim tokens first.
func IsFillerWord(text string) bool {
	_, ok := fillerWords[strings.ToLower(text)]
	return ok
}

// Words returns the filler set in sorted order.
func Words() []string {
	out := make([]string, 0, len(fillerWords))
	for w := range fillerWords {
		out = append(out, w)
	}
	sort.Strings(out)
	return out
}
