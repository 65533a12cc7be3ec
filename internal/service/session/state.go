// Package session owns a recording session: the capture handle, the provider
// stream and the transcript log, driven by an explicit lifecycle.
package session

import (
	"errors"
	"fmt"
	"sync"
)

// State represents the lifecycle state of a recording session.
type State int

const (
	// StateIdle - No capture or transport held. Start is allowed.
	StateIdle State = iota
	// StateRequesting - Acquiring the capture device and opening the provider.
	StateRequesting
	// StateActive - Audio is flowing to the provider.
	StateActive
	// StateErrored - Capture or transport failed. Resources are released;
	// the user must start again.
	StateErrored
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateRequesting:
		return "REQUESTING"
	case StateActive:
		return "ACTIVE"
	case StateErrored:
		return "ERRORED"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", s)
	}
}

// IsRecording returns true while the session holds (or is acquiring) resources.
func (s State) IsRecording() bool {
	return s == StateRequesting || s == StateActive
}

// Errors for invalid state transitions.
var (
	ErrSessionActive   = errors.New("session is already recording")
	ErrNotRequesting   = errors.New("session is not requesting")
	ErrStaleGeneration = errors.New("session generation is stale")
)

// TransitionFunc observes every state change.
type TransitionFunc func(from, to State)

// Lifecycle manages the state machine for a single recording session.
// Thread-safe for concurrent access.
//
// State transitions:
//
//	IDLE ──Begin──→ REQUESTING ──Activate──→ ACTIVE ──Complete──→ IDLE
//	  ↑                 │                      │
//	  │                 └───────Fail───────────┴──→ ERRORED
//	  │                                                 │
//	  └──────────── Stop (from any state) ──────────────┘
//
// Every Begin and Stop bumps the generation. Events carrying an older
// generation are stale and must be discarded by the caller.
type Lifecycle struct {
	mu           sync.RWMutex
	state        State
	generation   uint64
	err          error
	onTransition TransitionFunc
}

// NewLifecycle creates a lifecycle in IDLE state. onTransition may be nil.
func NewLifecycle(onTransition TransitionFunc) *Lifecycle {
	return &Lifecycle{
		state:        StateIdle,
		onTransition: onTransition,
	}
}

// State returns the current state.
func (l *Lifecycle) State() State {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state
}

// Err returns the failure that moved the session to ERRORED, if any.
func (l *Lifecycle) Err() error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.err
}

// Generation returns the current generation.
func (l *Lifecycle) Generation() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.generation
}

// IsCurrent reports whether gen belongs to a session still holding resources.
func (l *Lifecycle) IsCurrent(gen uint64) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return gen == l.generation && l.state.IsRecording()
}

// Begin moves IDLE or ERRORED to REQUESTING and returns the new generation.
func (l *Lifecycle) Begin() (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.state.IsRecording() {
		return l.generation, ErrSessionActive
	}
	l.generation++
	l.err = nil
	l.transition(StateRequesting)
	return l.generation, nil
}

// Activate moves REQUESTING to ACTIVE for generation gen.
func (l *Lifecycle) Activate(gen uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if gen != l.generation {
		return ErrStaleGeneration
	}
	if l.state != StateRequesting {
		return ErrNotRequesting
	}
	l.transition(StateActive)
	return nil
}

// Fail moves a recording session of generation gen to ERRORED. Returns false
// if gen is stale or the session is not recording.
func (l *Lifecycle) Fail(gen uint64, err error) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if gen != l.generation || !l.state.IsRecording() {
		return false
	}
	l.err = err
	l.transition(StateErrored)
	return true
}

// Complete moves ACTIVE to IDLE when the provider has delivered everything.
// Returns false if gen is stale or the session is not active.
func (l *Lifecycle) Complete(gen uint64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if gen != l.generation || l.state != StateActive {
		return false
	}
	l.transition(StateIdle)
	return true
}

// Stop moves any state to IDLE and invalidates the current generation.
// Idempotent. Returns the state the session was in.
func (l *Lifecycle) Stop() State {
	l.mu.Lock()
	defer l.mu.Unlock()

	prev := l.state
	l.generation++
	l.err = nil
	if prev != StateIdle {
		l.transition(StateIdle)
	}
	return prev
}

// transition must be called with l.mu held.
func (l *Lifecycle) transition(to State) {
	from := l.state
	l.state = to
	if l.onTransition != nil && from != to {
		l.onTransition(from, to)
	}
}
