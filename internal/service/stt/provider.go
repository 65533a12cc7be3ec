// Package stt defines the transcription provider capability. Each vendor
// integration (AssemblyAI, Deepgram streaming, Deepgram batch, Google, mock)
// implements Provider and reports words that have already been normalized.
package stt

import (
	"context"

	"speaker-transcription-service/internal/models"
)

// Callback receives results from an open provider stream. Implementations
// must tolerate calls from the provider's own goroutines.
type Callback interface {
	// OnPartial is called with interim words. They are never logged.
	OnPartial(words []models.WordRecord)

	// OnFinal is called with the words of a finalized vendor payload.
	OnFinal(words []models.WordRecord)

	// OnError is called when the transport fails. No further callbacks follow.
	OnError(err error)

	// OnClose is called once the vendor has delivered everything after Finish.
	OnClose()
}

// Stream is one open connection (or upload sequence) to a vendor.
type Stream interface {
	// SendAudio submits one chunk of captured audio.
	SendAudio(ctx context.Context, audio []byte) error

	// Finish tells the vendor no more audio follows. Remaining results are
	// still delivered, then OnClose fires.
	Finish(ctx context.Context) error

	// Close tears the stream down immediately. Safe to call more than once.
	Close() error
}

// Provider opens transcription streams against a vendor.
type Provider interface {
	Name() string

	// Open connects using the caller-supplied credential. Connection and
	// rejection failures are returned as *TransportError.
	Open(ctx context.Context, key string, cb Callback) (Stream, error)
}
