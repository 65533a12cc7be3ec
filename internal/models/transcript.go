// Package models defines the word, speaker-group and event structures shared
// by the session controller, the ingress surfaces and the event publisher.
package models

// WordRecord is one recognized token after normalization.
type WordRecord struct {
	Text       string  `json:"text" validate:"required"`
	StartMs    float64 `json:"startMs" validate:"gte=0"`
	EndMs      float64 `json:"endMs" validate:"gtefield=StartMs"`
	SpeakerID  int     `json:"speakerId" validate:"gte=0"`
	Confidence float64 `json:"confidence" validate:"gte=0,lte=1"`
	IsFiller   bool    `json:"isFiller"`
}

// SpeakerGroup is the derived per-speaker view of a transcript log.
type SpeakerGroup struct {
	Transcript string       `json:"transcript"`
	Words      []WordRecord `json:"words"`
}

// Event types published for word batches.
const (
	EventWordsPartial = "session.words.partial"
	EventWordsFinal   = "session.words.final"
)

// WordsEvent is a batch of words produced by one vendor payload.
type WordsEvent struct {
	EventType  string       `json:"eventType" validate:"oneof=session.words.partial session.words.final"`
	SessionID  string       `json:"sessionId" validate:"required"`
	Provider   string       `json:"provider" validate:"required"`
	SequenceID string       `json:"sequenceId" validate:"required"`
	Timestamp  int64        `json:"timestamp" validate:"gt=0"`
	Words      []WordRecord `json:"words" validate:"dive"`
}

// SessionUpdate is pushed to ingress clients whenever the session state or the
// transcript changes.
type SessionUpdate struct {
	SessionID string               `json:"sessionId"`
	State     string               `json:"state"`
	Error     string               `json:"error,omitempty"`
	Final     bool                 `json:"final"`
	Words     []WordRecord         `json:"words,omitempty"`
	Groups    map[int]SpeakerGroup `json:"groups,omitempty"`
	Timestamp int64                `json:"timestamp"`
}
