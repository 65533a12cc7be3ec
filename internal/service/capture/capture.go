// Package capture defines the microphone-capture contract consumed by the
// session controller, with a WAV-file source for local recording and a
// push-fed source for audio arriving over the network.
package capture

import (
	"context"
	"errors"
)

// Acquisition failures. Both are fatal to the session that asked.
var (
	ErrPermissionDenied  = errors.New("capture permission denied")
	ErrDeviceUnavailable = errors.New("capture device unavailable")
)

// Chunk is one slice of captured audio.
type Chunk struct {
	Bytes     []byte
	SizeBytes int
}

// NewChunk wraps b as a Chunk.
func NewChunk(b []byte) Chunk {
	return Chunk{Bytes: b, SizeBytes: len(b)}
}

// Source hands out exclusive capture handles.
type Source interface {
	// Acquire blocks until the device is granted, ctx is done, or acquisition
	// fails with ErrPermissionDenied or ErrDeviceUnavailable.
	Acquire(ctx context.Context) (Handle, error)
}

// Handle is an acquired capture device.
type Handle interface {
	// Chunks delivers captured audio. The channel is closed when the device
	// has no more audio (end of file, remote end of stream) or on Release.
	Chunks() <-chan Chunk

	// Release stops capture and frees the device. Safe to call more than once.
	Release() error
}
