package capture

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrStreamClosed is returned by Push once the stream has ended or the
// handle has been released.
var ErrStreamClosed = errors.New("capture stream closed")

// Stream is a capture source fed by a remote client, one audio frame at a
// time. It can be acquired exactly once.
type Stream struct {
	mu       sync.RWMutex
	chunks   chan Chunk
	acquired bool
	ended    bool

	released chan struct{}
	once     sync.Once
}

// NewStream creates a push-fed source buffering up to buffer chunks.
func NewStream(buffer int) *Stream {
	if buffer < 0 {
		buffer = 0
	}
	return &Stream{
		chunks:   make(chan Chunk, buffer),
		released: make(chan struct{}),
	}
}

// Acquire grants the stream to a single session.
func (s *Stream) Acquire(ctx context.Context) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.acquired {
		return nil, fmt.Errorf("%w: stream already in use", ErrDeviceUnavailable)
	}
	select {
	case <-s.released:
		return nil, fmt.Errorf("%w: stream released", ErrDeviceUnavailable)
	default:
	}
	s.acquired = true
	return s, nil
}

// Push delivers one frame of audio, blocking until it is consumed, ctx is
// done, or the stream is released.
func (s *Stream) Push(ctx context.Context, b []byte) error {
	if len(b) == 0 {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.ended {
		return ErrStreamClosed
	}
	select {
	case s.chunks <- NewChunk(b):
		return nil
	case <-s.released:
		return ErrStreamClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// End signals that no more audio will be pushed. Buffered chunks are still
// delivered. Safe to call more than once.
func (s *Stream) End() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.ended {
		s.ended = true
		close(s.chunks)
	}
}

// Chunks implements Handle.
func (s *Stream) Chunks() <-chan Chunk {
	return s.chunks
}

// Release implements Handle. Pending and future pushes fail with
// ErrStreamClosed.
func (s *Stream) Release() error {
	s.once.Do(func() { close(s.released) })
	s.End()
	return nil
}
