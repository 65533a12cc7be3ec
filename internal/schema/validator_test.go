package schema

import (
	"errors"
	"testing"
	"time"

	"speaker-transcription-service/internal/models"
)

func validEvent() models.WordsEvent {
	return models.WordsEvent{
		EventType:  models.EventWordsFinal,
		SessionID:  "sess-1",
		Provider:   "mock",
		SequenceID: "sess-1-seq-1",
		Timestamp:  time.Now().UnixMilli(),
		Words: []models.WordRecord{
			{Text: "hello", StartMs: 0, EndMs: 0.4, SpeakerID: 1, Confidence: 0.9},
		},
	}
}

func TestValidate_ValidEvent(t *testing.T) {
	if err := New().Validate(validEvent()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidate_InvalidEvents(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(ev *models.WordsEvent)
	}{
		{"unknown event type", func(ev *models.WordsEvent) { ev.EventType = "other" }},
		{"missing session", func(ev *models.WordsEvent) { ev.SessionID = "" }},
		{"empty text", func(ev *models.WordsEvent) { ev.Words[0].Text = "" }},
		{"end before start", func(ev *models.WordsEvent) { ev.Words[0].StartMs = 2; ev.Words[0].EndMs = 1 }},
		{"negative speaker", func(ev *models.WordsEvent) { ev.Words[0].SpeakerID = -1 }},
		{"confidence above one", func(ev *models.WordsEvent) { ev.Words[0].Confidence = 1.5 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := validEvent()
			tt.mutate(&ev)
			err := New().Validate(ev)
			if !errors.Is(err, ErrInvalid) {
				t.Errorf("expected ErrInvalid, got %v", err)
			}
		})
	}
}

func TestValidateKey(t *testing.T) {
	tests := []struct {
		key   string
		valid bool
	}{
		{"", false},
		{"short", false},
		{"123456789", false},
		{"1234567890", true},
		{"a-much-longer-api-key", true},
	}

	v := New()
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			err := v.ValidateKey(tt.key)
			if tt.valid && err != nil {
				t.Errorf("expected key %q to be accepted, got %v", tt.key, err)
			}
			if !tt.valid && !errors.Is(err, ErrInvalid) {
				t.Errorf("expected key %q to be rejected, got %v", tt.key, err)
			}
		})
	}
}
