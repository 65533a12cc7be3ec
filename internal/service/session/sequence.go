package session

import (
	"fmt"
	"sync/atomic"
)

// Sequencer hands out sequence ids for published word events.
type Sequencer struct {
	counter uint64
}

func NewSequencer() *Sequencer {
	return &Sequencer{}
}

func (s *Sequencer) Next(sessionID string) string {
	n := atomic.AddUint64(&s.counter, 1)
	return fmt.Sprintf("%s-seq-%d", sessionID, n)
}
