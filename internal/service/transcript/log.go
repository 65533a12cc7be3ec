package transcript

import (
	"slices"
	"sort"
	"sync"

	"speaker-transcription-service/internal/models"
)

// Groups maps a speaker id to that speaker's transcript and words.
type Groups map[int]models.SpeakerGroup

// Speakers returns the speaker ids in ascending order.
func (g Groups) Speakers() []int {
	ids := make([]int, 0, len(g))
	for id := range g {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// AppendWords returns log with newWords added at the tail. The result never
// shares a backing array with log, so earlier snapshots stay valid. Appending
// nothing returns log unchanged.
func AppendWords(log, newWords []models.WordRecord) []models.WordRecord {
	if len(newWords) == 0 {
		return log
	}
	out := make([]models.WordRecord, 0, len(log)+len(newWords))
	out = append(out, log...)
	return append(out, newWords...)
}

// GroupBySpeaker derives the per-speaker view of log in a single in-order pass.
func GroupBySpeaker(log []models.WordRecord) Groups {
	groups := make(Groups)
	for _, w := range log {
		g, ok := groups[w.SpeakerID]
		if !ok {
			groups[w.SpeakerID] = models.SpeakerGroup{
				Transcript: w.Text,
				Words:      []models.WordRecord{w},
			}
			continue
		}
		g.Transcript += " " + w.Text
		g.Words = append(g.Words, w)
		groups[w.SpeakerID] = g
	}
	return groups
}

// Log is the append-only word log of one session. Safe for concurrent use.
type Log struct {
	mu    sync.RWMutex
	words []models.WordRecord
}

// NewLog creates an empty log.
func NewLog() *Log {
	return &Log{}
}

// Append adds words at the tail and returns the new length.
func (l *Log) Append(words []models.WordRecord) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.words = AppendWords(l.words, words)
	return len(l.words)
}

// Words returns a copy of the logged words in arrival order.
func (l *Log) Words() []models.WordRecord {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return slices.Clone(l.words)
}

// Groups recomputes the speaker grouping from the current log.
func (l *Log) Groups() Groups {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return GroupBySpeaker(l.words)
}

// Len returns the number of logged words.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.words)
}

// Reset discards all logged words.
func (l *Log) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.words = nil
}
